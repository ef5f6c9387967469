package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var recordEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, "\t", `\t`)

// EscapeRecord makes a record fit on one report line.
func EscapeRecord(s string) string {
	return recordEscaper.Replace(s)
}

// reportWriter appends one run section to the reject report. The file is
// opened on the first reject so clean runs leave the report untouched.
type reportWriter struct {
	path    string
	runID   string
	source  string
	started time.Time
	f       *os.File
	err     error
}

func newReportWriter(path, runID, source string, started time.Time) *reportWriter {
	return &reportWriter{path: path, runID: runID, source: source, started: started}
}

func (w *reportWriter) open() bool {
	if w.path == "" || w.err != nil {
		return false
	}
	if w.f != nil {
		return true
	}
	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			w.err = fmt.Errorf("creating report dir: %w", err)
			return false
		}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		w.err = fmt.Errorf("opening reject report: %w", err)
		return false
	}
	w.f = f
	fmt.Fprintf(f, "=== run %s source=%s started=%s ===\n", w.runID, w.source, w.started.UTC().Format(time.RFC3339))
	fmt.Fprintln(f, `--- REJECTS (reason<TAB>record, newlines escaped as \n) ---`)
	return true
}

func (w *reportWriter) reject(reason, rec string) {
	if !w.open() {
		return
	}
	if _, err := fmt.Fprintf(w.f, "%s\t%s\n", reason, EscapeRecord(rec)); err != nil {
		w.err = err
	}
}

// written reports whether this run added a section to the report.
func (w *reportWriter) written() bool {
	return w.f != nil
}

func (w *reportWriter) close(seen, accepted, rejected int) error {
	if w.f == nil {
		return w.err
	}
	fmt.Fprintf(w.f, "Total rows seen: %d\n", seen)
	fmt.Fprintf(w.f, "Accepted rows : %d\n", accepted)
	fmt.Fprintf(w.f, "Rejected rows : %d\n", rejected)
	fmt.Fprintln(w.f)
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
