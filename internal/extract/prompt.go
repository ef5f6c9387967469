package extract

import (
	"fmt"
	"strings"

	"github.com/hurttlocker/pkmlog/internal/record"
)

// exampleRecord is the tricky case from the PKM export: pipes inside the
// message and a quoted label that also contains a pipe.
const exampleRecord = `(system)|1|1.10|""Updated Materials with values Material Name = APDL1 WCB EX GENEN. 5194| G102613/510853 |Material ID = 10147924""|2020-04-30 15:33:36.984827|Change|Configuration|""APDL1 WCB EX GENEN. 5194| G102613/510853""|NA`

const exampleJSON = `{"user":"(system)","id":"1","subseq_id":"1.10","message":"Updated Materials with values Material Name = APDL1 WCB EX GENEN. 5194| G102613/510853 |Material ID = 10147924","audit_utc":"2020-04-30 15:33:36.984827","action":"Change","type":"Configuration","label":"APDL1 WCB EX GENEN. 5194| G102613/510853","version":"NA"}`

// BuildSystemPrompt renders the schema-bound instruction for the given field
// list. messageField and timestampField may be empty.
func BuildSystemPrompt(fields []string, delimiter rune, messageField, timestampField string) string {
	var b strings.Builder
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}

	b.WriteString("You are an expert log parsing engine for audit logs.\n\n")
	b.WriteString("LOG FORMAT\n")
	fmt.Fprintf(&b, "- Each log record has EXACTLY %d fields in this order:\n", len(fields))
	fmt.Fprintf(&b, "  [%s]\n", strings.Join(fields, ", "))
	fmt.Fprintf(&b, "- Fields are delimited by: %c\n", delimiter)
	b.WriteString("- Records are usually quoted; doubled quotes \"\" represent a literal quote.\n")
	if pos := indexOf(fields, messageField); pos >= 0 {
		fmt.Fprintf(&b, "- Field %d (%s) is the MESSAGE. It may contain the delimiter, quotes, and newlines. Do not split inside it.\n", pos+1, messageField)
	}
	if pos := indexOf(fields, timestampField); pos >= 0 {
		fmt.Fprintf(&b, "- Field %d (%s) MUST be ONLY a timestamp like 2020-04-30 15:33:55.541583 (no other fields concatenated).\n", pos+1, timestampField)
	}

	b.WriteString("\nRESPONSE REQUIREMENTS\n")
	b.WriteString("- Return ONLY one compact JSON object with EXACTLY these keys in this order:\n")
	fmt.Fprintf(&b, "  [%s]\n", strings.Join(quoted, ","))
	b.WriteString("- Every key MUST be present exactly once. If unknown, set to \"\".\n")
	if messageField != "" {
		fmt.Fprintf(&b, "- The %q value MUST be copied VERBATIM from the record (including any delimiters and newlines).\n", messageField)
	}
	b.WriteString("- No markdown fences. No commentary. JSON only.\n")

	if sameFields(fields, record.DefaultFields) {
		b.WriteString("\nEXAMPLE (pipes inside message and quoted label)\n")
		b.WriteString("INPUT RECORD:\n")
		b.WriteString(exampleRecord)
		b.WriteString("\n\nEXPECTED JSON:\n")
		b.WriteString(exampleJSON)
		b.WriteString("\n")
	}
	return b.String()
}

// BuildUserPrompt wraps the raw record.
func BuildUserPrompt(raw string) string {
	return "LOG RECORD:\n" + raw
}

func indexOf(fields []string, name string) int {
	if name == "" {
		return -1
	}
	for i, f := range fields {
		if f == name {
			return i
		}
	}
	return -1
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
