package record

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const bom = "\uFEFF"

// Tokenizer yields logical records from a stream of physical lines.
//
// A record ends at the first line boundary where the quote state is balanced.
// The configured header line, quoted or not, BOM or not, is never yielded.
type Tokenizer struct {
	r      *bufio.Reader
	header string

	buf  strings.Builder
	inQ  bool
	done bool
	err  error
	tail string
	line int
}

// NewTokenizer reads physical lines from r. An empty header disables
// header detection.
func NewTokenizer(r io.Reader, header string) *Tokenizer {
	return &Tokenizer{
		r:      bufio.NewReaderSize(r, 64*1024),
		header: strings.TrimSpace(header),
	}
}

// Next returns the next logical record. ok is false once the input is
// exhausted or a read error occurred; check Err afterwards.
func (t *Tokenizer) Next() (rec string, ok bool) {
	for !t.done {
		raw, err := t.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			t.err = err
			t.done = true
			return "", false
		}
		atEOF := err != nil
		if atEOF && raw == "" {
			t.done = true
			break
		}
		t.line++

		line := strings.TrimRight(raw, "\r\n")
		if line == "" && t.buf.Len() == 0 {
			if atEOF {
				t.done = true
			}
			continue
		}
		if t.buf.Len() > 0 {
			t.buf.WriteByte('\n')
		}
		t.buf.WriteString(line)

		if t.isHeader(t.buf.String()) {
			t.buf.Reset()
			t.inQ = false
			if atEOF {
				t.done = true
			}
			continue
		}

		t.inQ = scanQuotes(line, t.inQ)

		if atEOF {
			t.done = true
		}
		if !t.inQ && t.buf.Len() > 0 {
			rec = t.buf.String()
			t.buf.Reset()
			return rec, true
		}
	}

	// Unbalanced quotes at end of input: the partial record is not yielded.
	if t.buf.Len() > 0 {
		t.tail = t.buf.String()
		t.buf.Reset()
	}
	return "", false
}

// Err returns the first non-EOF read error.
func (t *Tokenizer) Err() error {
	return t.err
}

// DroppedTail returns the trailing partial record left open by an
// unterminated quote at end of input, or "" if there was none.
func (t *Tokenizer) DroppedTail() string {
	return t.tail
}

// Line returns the number of physical lines consumed so far.
func (t *Tokenizer) Line() int {
	return t.line
}

func (t *Tokenizer) isHeader(buf string) bool {
	if t.header == "" {
		return false
	}
	probe := strings.TrimSpace(buf)
	probe = strings.TrimPrefix(probe, bom)
	probe = strings.TrimSpace(probe)
	if len(probe) >= 2 && probe[0] == '"' && probe[len(probe)-1] == '"' {
		probe = strings.TrimSpace(probe[1 : len(probe)-1])
	}
	return probe == t.header
}

// scanQuotes advances the quote state across one physical line. A doubled
// quote is a literal and leaves the state unchanged.
func scanQuotes(line string, inQ bool) bool {
	for i := 0; i < len(line); i++ {
		if line[i] != '"' {
			continue
		}
		if i+1 < len(line) && line[i+1] == '"' {
			i++
			continue
		}
		inQ = !inQ
	}
	return inQ
}

// All drains a tokenizer into a slice. Intended for tests and small inputs.
func All(t *Tokenizer) ([]string, error) {
	var out []string
	for {
		rec, ok := t.Next()
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, t.Err()
}
