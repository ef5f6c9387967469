// Package query is the read-only SQL surface over the ingested table: a
// statement guard, an executor, and the natural-language ask pipeline.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxRows caps result sets when the statement has no LIMIT.
const DefaultMaxRows = 200

// ErrNotReadOnly is returned for anything other than a single SELECT.
var ErrNotReadOnly = errors.New("only read-only SELECT is allowed")

var (
	forbiddenRE = regexp.MustCompile(`(?i)\b(UPDATE|DELETE|INSERT|MERGE|ALTER|DROP|TRUNCATE|ATTACH|DETACH|EXPORT|PRAGMA|CALL|CREATE|REPLACE|VACUUM|REINDEX)\b`)
	limitRE     = regexp.MustCompile(`(?i)\blimit\s+\d+\b`)
	inlineTRE   = regexp.MustCompile(`(?is)^with\s+t\s+as\s*\(`)
)

// FirstStatement returns the first non-empty ';'-separated statement.
func FirstStatement(sql string) string {
	for _, p := range strings.Split(sql, ";") {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return strings.TrimSpace(sql)
}

// Guard validates sql as a single read-only statement and appends
// LIMIT maxRows when it has none.
func Guard(sql string, maxRows int) (string, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if strings.TrimSpace(sql) == "" {
		return "", fmt.Errorf("%w: empty statement", ErrNotReadOnly)
	}
	sql = FirstStatement(sql)
	low := strings.ToLower(sql)
	if !strings.HasPrefix(low, "select") && !strings.HasPrefix(low, "with") {
		return "", fmt.Errorf("%w: statement must start with SELECT or WITH", ErrNotReadOnly)
	}
	if m := forbiddenRE.FindString(sql); m != "" {
		return "", fmt.Errorf("%w: %s is not permitted", ErrNotReadOnly, strings.ToUpper(m))
	}
	if !limitRE.MatchString(sql) {
		sql = fmt.Sprintf("%s LIMIT %d", strings.TrimRight(sql, " \t\r\n"), maxRows)
	}
	return sql, nil
}

// stripInlineT drops a leading "WITH t AS (...)" the model wrote itself,
// since the executor supplies t. The remainder must be a SELECT.
func stripInlineT(sql string) string {
	loc := inlineTRE.FindStringIndex(sql)
	if loc == nil {
		return sql
	}
	depth := 1
	for i := loc[1]; i < len(sql); i++ {
		switch sql[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				rest := strings.TrimSpace(sql[i+1:])
				rest = strings.TrimSpace(strings.TrimPrefix(rest, ","))
				if strings.HasPrefix(strings.ToLower(rest), "select") {
					return rest
				}
				return sql
			}
		}
	}
	return sql
}

// withT prefixes sql with the CTE defining t. A statement that already
// starts with WITH gets t prepended to its CTE list.
func withT(cte, sql string) string {
	if strings.HasPrefix(strings.ToLower(sql), "with") {
		return cte + ", " + strings.TrimSpace(sql[len("with"):])
	}
	return cte + " " + sql
}
