package record

import (
	"errors"
	"strings"
	"testing"
)

const scenarioRecord = `"(system)|1|1.10|""Updated Materials... | G102613 |Material ID = 10147924""|2020-04-30 15:33:36.984827|Change|Configuration|""LABEL| X""|NA"`

func tokenize(t *testing.T, input, header string) ([]string, *Tokenizer) {
	t.Helper()
	tok := NewTokenizer(strings.NewReader(input), header)
	recs, err := All(tok)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	return recs, tok
}

// --- Tokenizer ---

func TestTokenizer_SingleLineRecords(t *testing.T) {
	input := "a|1\nb|2\n\nc|3\n"
	recs, _ := tokenize(t, input, "")
	want := []string{"a|1", "b|2", "c|3"}
	if len(recs) != len(want) {
		t.Fatalf("got %d records %q, want %d", len(recs), recs, len(want))
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Errorf("record %d = %q, want %q", i, recs[i], want[i])
		}
	}
}

func TestTokenizer_MultiLineQuotedMessage(t *testing.T) {
	input := "\"u|1|\"\"first line\nsecond | line\"\"|v\"\n\"u|2|x|v\"\n"
	recs, _ := tokenize(t, input, "")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %q", len(recs), recs)
	}
	if recs[0] != "\"u|1|\"\"first line\nsecond | line\"\"|v\"" {
		t.Errorf("unexpected first record: %q", recs[0])
	}
}

func TestTokenizer_CRLF(t *testing.T) {
	input := "\"a|\"\"x\r\ny\"\"|b\"\r\n\"c|d\"\r\n"
	recs, _ := tokenize(t, input, "")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %q", len(recs), recs)
	}
	if strings.Contains(recs[0], "\r") {
		t.Errorf("carriage return leaked into record: %q", recs[0])
	}
	if recs[0] != "\"a|\"\"x\ny\"\"|b\"" {
		t.Errorf("record = %q", recs[0])
	}
}

func TestTokenizer_HeaderSkipped(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain", DefaultHeader + "\nu|1\n"},
		{"quoted", "\"" + DefaultHeader + "\"\nu|1\n"},
		{"bom", "\uFEFF" + DefaultHeader + "\nu|1\n"},
		{"bom quoted", "\uFEFF\"" + DefaultHeader + "\"\nu|1\n"},
		{"padded", "  " + DefaultHeader + "  \nu|1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, _ := tokenize(t, tt.input, DefaultHeader)
			if len(recs) != 1 || recs[0] != "u|1" {
				t.Fatalf("records = %q, want [u|1]", recs)
			}
		})
	}
}

func TestTokenizer_HeaderNotDetectedWithoutConfig(t *testing.T) {
	recs, _ := tokenize(t, DefaultHeader+"\n", "")
	if len(recs) != 1 {
		t.Fatalf("expected header to be yielded as data when no header configured, got %q", recs)
	}
}

func TestTokenizer_BalancedRecordAtEOFWithoutNewline(t *testing.T) {
	recs, tok := tokenize(t, "a|1\n\"b|\"\"x\ny\"\"\"", "")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %q", len(recs), recs)
	}
	if tok.DroppedTail() != "" {
		t.Errorf("unexpected dropped tail %q", tok.DroppedTail())
	}
}

func TestTokenizer_UnbalancedTailDropped(t *testing.T) {
	recs, tok := tokenize(t, "a|1\n\"b|\"\"never closed\nstill open\n", "")
	if len(recs) != 1 || recs[0] != "a|1" {
		t.Fatalf("records = %q, want [a|1]", recs)
	}
	if tok.DroppedTail() != "\"b|\"\"never closed\nstill open" {
		t.Errorf("dropped tail = %q", tok.DroppedTail())
	}
}

func TestTokenizer_DoubledQuotesKeepState(t *testing.T) {
	// "" outside a quoted segment is a literal and must not open a segment.
	recs, _ := tokenize(t, "a|\"\"|b\nc|d\n", "")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %q", len(recs), recs)
	}
}

func TestTokenizer_NeverYieldsEmpty(t *testing.T) {
	recs, _ := tokenize(t, "\n\n\n", "")
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %q", recs)
	}
}

// --- Splitter ---

func TestSplit_Scenario(t *testing.T) {
	fs, err := Split(scenarioRecord, DefaultFields, DefaultSplitOptions())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(fs) != 9 {
		t.Fatalf("got %d fields, want 9", len(fs))
	}
	if got := fs["message"]; got != "Updated Materials... | G102613 |Material ID = 10147924" {
		t.Errorf("message = %q", got)
	}
	if got := fs["label"]; got != "LABEL| X" {
		t.Errorf("label = %q", got)
	}
	if fs["user"] != "(system)" || fs["subseq_id"] != "1.10" || fs["version"] != "NA" {
		t.Errorf("unexpected fields: %v", fs)
	}
	if fs["audit_utc"] != "2020-04-30 15:33:36.984827" {
		t.Errorf("audit_utc = %q", fs["audit_utc"])
	}
}

func TestSplit_RoundTripMessage(t *testing.T) {
	message := "He said \"hi\" | then left\nnext line | x"
	// Encode the way the export does: quote the message, then wrap the whole
	// record and double every quote once more.
	inner := "jdoe|7|1|\"" + strings.ReplaceAll(message, "\"", "\"\"") + "\"|2020-01-01 00:00:00|Add|T|L|1"
	raw := "\"" + strings.ReplaceAll(inner, "\"", "\"\"") + "\""

	recs, _ := tokenize(t, raw+"\n", "")
	if len(recs) != 1 {
		t.Fatalf("tokenizer produced %d records", len(recs))
	}
	fs, err := Split(recs[0], DefaultFields, DefaultSplitOptions())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if fs["message"] != message {
		t.Errorf("message = %q, want %q", fs["message"], message)
	}
}

func TestSplit_FieldCountMismatch(t *testing.T) {
	_, err := Split("a|b|c|d|e|f|g", DefaultFields, DefaultSplitOptions())
	if !errors.Is(err, ErrFieldCount) {
		t.Fatalf("expected ErrFieldCount, got %v", err)
	}
	var se *SplitError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SplitError, got %T", err)
	}
	if se.Got != 7 || se.Want != 9 {
		t.Errorf("SplitError = %+v", se)
	}
}

func TestSplit_PreservesWhitespace(t *testing.T) {
	fs, err := Split(" a | b ", []string{"x", "y"}, SplitOptions{})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if fs["x"] != " a " || fs["y"] != " b " {
		t.Errorf("whitespace not preserved: %q", fs)
	}
}

func TestSplit_EmptyQuotedField(t *testing.T) {
	fs, err := Split(`"a|""""|b"`, []string{"x", "y", "z"}, DefaultSplitOptions())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if fs["y"] != "" {
		t.Errorf("y = %q, want empty", fs["y"])
	}
}

func TestStripOuterQuotes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"a""b"`, `a"b`},
		{`a"b`, `a"b`},
		{`"`, `"`},
		{`""`, ``},
		{`"abc`, `"abc`},
	}
	for _, tt := range tests {
		if got := StripOuterQuotes(tt.in, '"'); got != tt.want {
			t.Errorf("StripOuterQuotes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCountDelimiters(t *testing.T) {
	if n := CountDelimiters(`a|"b|c"|d`, '|', '"'); n != 2 {
		t.Errorf("CountDelimiters = %d, want 2", n)
	}
}

func TestFieldSetComplete(t *testing.T) {
	fs := FieldSet{"a": "", "b": "x"}
	if !fs.Complete([]string{"a", "b"}) {
		t.Error("expected complete")
	}
	if fs.Complete([]string{"a", "b", "c"}) {
		t.Error("expected incomplete")
	}
	if fs.Complete([]string{"a", "c"}) {
		t.Error("expected incomplete with wrong key")
	}
}
