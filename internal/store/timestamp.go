package store

import (
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for the ts column so
// that text ordering matches time ordering.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// castLayouts are tried in order. Values without a zone are taken as UTC.
var castLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05.999999999",
	"01/02/2006 15:04:05",
}

// TryCastTimestamp parses s as a timestamp the way the ts column accepts
// it. It returns nil when s is empty or unparseable, never a partial value.
func TryCastTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range castLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
