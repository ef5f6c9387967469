package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/hurttlocker/pkmlog/internal/record"
)

var (
	// ErrNotJSON means neither the cleaned response nor its {...} substring
	// decoded as a JSON object.
	ErrNotJSON = errors.New("response is not a JSON object")
	// ErrMissingKeys means the decoded object lacks configured field names.
	ErrMissingKeys = errors.New("response is missing required keys")
)

// CleanResponse strips markdown fences and a leading "json" language tag.
func CleanResponse(txt string) string {
	clean := strings.TrimSpace(txt)
	if strings.HasPrefix(clean, "```") {
		best := ""
		for _, part := range strings.Split(clean, "```") {
			if strings.Contains(part, "{") && len(part) > len(best) {
				best = part
			}
		}
		if best != "" {
			clean = best
		}
	}
	clean = strings.TrimSpace(clean)
	if len(clean) >= 4 && strings.EqualFold(clean[:4], "json") {
		clean = strings.TrimSpace(clean[4:])
	}
	return clean
}

// DecodeObject decodes txt as one JSON object. A strict decode is tried
// first; if it fails, the substring from the first '{' to the last '}' is
// decoded once. There is no further recovery.
func DecodeObject(txt string) (map[string]json.RawMessage, error) {
	clean := CleanResponse(txt)

	obj, err := decodeStrict(clean)
	if err == nil {
		return obj, nil
	}
	start, end := strings.Index(clean, "{"), strings.LastIndex(clean, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	obj, err = decodeStrict(clean[start : end+1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return obj, nil
}

func decodeStrict(s string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("null is not an object")
	}
	return obj, nil
}

// ToFieldSet validates that every field is present and converts values to
// strings. Strings are taken as-is, null becomes "", numbers and booleans
// keep their JSON text. Nested objects and arrays are rejected. Keys outside
// fields are dropped.
func ToFieldSet(obj map[string]json.RawMessage, fields []string) (record.FieldSet, error) {
	var missing []string
	for _, f := range fields {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", "))
	}

	fs := make(record.FieldSet, len(fields))
	for _, f := range fields {
		raw := bytes.TrimSpace(obj[f])
		switch {
		case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
			fs[f] = ""
		case raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("field %s: %w", f, err)
			}
			fs[f] = s
		case raw[0] == '{' || raw[0] == '[':
			return nil, fmt.Errorf("field %s: expected scalar, got %c", f, raw[0])
		default:
			fs[f] = string(raw)
		}
	}
	return fs, nil
}
