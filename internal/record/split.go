package record

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFieldCount is returned by Split when the record does not decompose into
// exactly the configured number of fields.
var ErrFieldCount = errors.New("field count mismatch")

// SplitError carries the observed and expected segment counts.
type SplitError struct {
	Got  int
	Want int
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("%v: got %d segments, want %d", ErrFieldCount, e.Got, e.Want)
}

func (e *SplitError) Unwrap() error { return ErrFieldCount }

// SplitOptions controls the deterministic splitter.
type SplitOptions struct {
	Delimiter        rune
	Quote            rune
	StripOuterQuotes bool
}

// DefaultSplitOptions matches the PKM export: '|' delimited, '"' quoted,
// each record wrapped in one layer of quotes.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{Delimiter: '|', Quote: '"', StripOuterQuotes: true}
}

func (o SplitOptions) normalize() SplitOptions {
	if o.Delimiter == 0 {
		o.Delimiter = '|'
	}
	if o.Quote == 0 {
		o.Quote = '"'
	}
	return o
}

// Split decomposes rec into exactly len(fields) values. It never returns a
// partial FieldSet: on a count mismatch the error is a *SplitError.
func Split(rec string, fields []string, opts SplitOptions) (FieldSet, error) {
	opts = opts.normalize()
	if opts.StripOuterQuotes {
		rec = StripOuterQuotes(rec, opts.Quote)
	}
	parts := SplitSegments(rec, opts.Delimiter, opts.Quote)
	if len(parts) != len(fields) {
		return nil, &SplitError{Got: len(parts), Want: len(fields)}
	}
	fs := make(FieldSet, len(fields))
	for i, name := range fields {
		fs[name] = parts[i]
	}
	return fs, nil
}

// StripOuterQuotes removes one layer of wrapping quotes from s and undoubles
// the quotes inside it. Strings not wrapped in quotes are returned unchanged.
func StripOuterQuotes(s string, quote rune) string {
	q := string(quote)
	if len(s) < 2 || !strings.HasPrefix(s, q) || !strings.HasSuffix(s, q) {
		return s
	}
	inner := s[len(q) : len(s)-len(q)]
	return strings.ReplaceAll(inner, q+q, q)
}

// SplitSegments splits s on delim outside quoted segments. Inside a quoted
// segment a doubled quote is a literal quote; segment quotes themselves are
// not part of the output.
func SplitSegments(s string, delim, quote rune) []string {
	var out []string
	var buf strings.Builder
	inQ := false
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		ch := rs[i]
		switch {
		case ch == quote:
			if inQ && i+1 < len(rs) && rs[i+1] == quote {
				buf.WriteRune(quote)
				i++
				continue
			}
			inQ = !inQ
		case ch == delim && !inQ:
			out = append(out, buf.String())
			buf.Reset()
		default:
			buf.WriteRune(ch)
		}
	}
	out = append(out, buf.String())
	return out
}

// CountDelimiters counts delimiters outside quoted segments.
func CountDelimiters(s string, delim, quote rune) int {
	return len(SplitSegments(s, delim, quote)) - 1
}
