// Package record reconstructs logical audit-log records from physical lines
// and splits them into named fields.
//
// A logical record is pipe-delimited text whose quoted segments may contain
// the delimiter, embedded newlines and doubled ("") quotes. The Tokenizer
// finds record boundaries by tracking quote balance; Split turns one record
// into a FieldSet without ever calling out to anything else.
package record

// DefaultHeader is the header line of the PKM audit export.
const DefaultHeader = "User ID|ID|Subsequence ID|Message|Audit Time (UTC)|Action|Type|Label|Version"

// DefaultFields is the field order of DefaultHeader.
var DefaultFields = []string{"user", "id", "subseq_id", "message", "audit_utc", "action", "type", "label", "version"}

// FieldSet maps every configured field name to its value.
type FieldSet map[string]string

// Origin says which stage produced a FieldSet.
type Origin string

const (
	OriginSplit    Origin = "split"
	OriginFallback Origin = "fallback"
)

// Complete reports whether fs carries exactly the given field names.
func (fs FieldSet) Complete(fields []string) bool {
	if len(fs) != len(fields) {
		return false
	}
	for _, f := range fields {
		if _, ok := fs[f]; !ok {
			return false
		}
	}
	return true
}
