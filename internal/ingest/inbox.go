package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Opener opens a source by path or URI. *source.Opener implements it.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// InboxConfig names the three directories of the inbox workflow.
type InboxConfig struct {
	Inbox     string
	Processed string
	Failed    string
}

// InboxFile is the outcome for one inbox file.
type InboxFile struct {
	Path    string
	MovedTo string
	Result  *Result
	Err     error
}

// InboxResult summarizes one inbox pass.
type InboxResult struct {
	Files  []InboxFile
	OK     int
	Failed int
}

var inboxExts = []string{".csv", ".csv.gz", ".csv.zst"}

// IsInboxFile reports whether name has an extension the inbox picks up.
func IsInboxFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range inboxExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// RunInbox loads every inbox file in name order, always appending, then
// moves each to the processed or failed directory with a timestamp prefix.
// Files are handled sequentially.
func (l *Loader) RunInbox(ctx context.Context, op Opener, cfg InboxConfig) (*InboxResult, error) {
	for _, d := range []string{cfg.Inbox, cfg.Processed, cfg.Failed} {
		if d == "" {
			return nil, fmt.Errorf("inbox, processed and failed directories are required")
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}

	entries, err := os.ReadDir(cfg.Inbox)
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsInboxFile(e.Name()) {
			paths = append(paths, filepath.Join(cfg.Inbox, e.Name()))
		}
	}
	sort.Strings(paths)

	res := &InboxResult{}
	for i, p := range paths {
		l.log.Info().Int("n", i+1).Int("of", len(paths)).Str("file", p).Msg("inbox: loading")
		f := InboxFile{Path: p}
		f.Result, f.Err = l.loadFile(ctx, op, p)

		dst := cfg.Processed
		if f.Err != nil {
			dst = cfg.Failed
			res.Failed++
			l.log.Error().Err(f.Err).Str("file", p).Msg("inbox: failed")
		} else {
			res.OK++
			l.log.Info().Str("file", p).Str("result", FormatResult(f.Result)).Msg("inbox: ok")
		}

		moved := filepath.Join(dst, l.now().Format("20060102_150405")+"_"+filepath.Base(p))
		if err := os.Rename(p, moved); err != nil {
			l.log.Error().Err(err).Str("file", p).Msg("inbox: could not move file")
		} else {
			f.MovedTo = moved
		}
		res.Files = append(res.Files, f)
	}
	return res, nil
}

func (l *Loader) loadFile(ctx context.Context, op Opener, path string) (*Result, error) {
	rc, err := op.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return l.Load(ctx, rc, Options{Source: path, Truncate: false})
}
