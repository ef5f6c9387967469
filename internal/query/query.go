package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/hurttlocker/pkmlog/internal/store"
)

// Source is the part of store.LogStore the query surface reads from.
type Source interface {
	Table() string
	Columns(ctx context.Context) ([]store.ColumnInfo, error)
	ReadOnlyQuery(ctx context.Context, query string) (*store.QueryResult, error)
}

// Result is a guarded query and its rows.
type Result struct {
	SQL     string      `json:"sql"`
	Columns []string    `json:"columns"`
	Rows    [][]*string `json:"rows"`
}

// Executor runs guarded statements. The destination table is also
// reachable as t.
type Executor struct {
	src     Source
	maxRows int
}

// NewExecutor returns an Executor capping unlimited statements at maxRows.
func NewExecutor(src Source, maxRows int) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Executor{src: src, maxRows: maxRows}
}

// MaxRows returns the row cap.
func (e *Executor) MaxRows() int {
	return e.maxRows
}

// WithMaxRows returns a copy of e with a different row cap.
func (e *Executor) WithMaxRows(n int) *Executor {
	return NewExecutor(e.src, n)
}

func (e *Executor) cte() string {
	return fmt.Sprintf("WITH t AS (SELECT * FROM %s)", e.src.Table())
}

// Run guards sql and executes it.
func (e *Executor) Run(ctx context.Context, sql string) (*Result, error) {
	guarded, err := Guard(sql, e.maxRows)
	if err != nil {
		return nil, err
	}
	final := withT(e.cte(), stripInlineT(guarded))
	res, err := e.src.ReadOnlyQuery(ctx, final)
	if err != nil {
		return nil, err
	}
	return &Result{SQL: final, Columns: res.Columns, Rows: res.Rows}, nil
}

// SchemaText lists the columns of t, one per line.
func (e *Executor) SchemaText(ctx context.Context) (string, error) {
	cols, err := e.src.Columns(ctx)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s has no columns; load data first", e.src.Table())
	}
	var b strings.Builder
	for _, c := range cols {
		fmt.Fprintf(&b, "- %s %s\n", c.Name, c.Type)
	}
	return b.String(), nil
}

// FormatTable renders a result as tab-separated text with a header row.
func FormatTable(r *Result) string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\t"))
	b.WriteByte('\n')
	for _, row := range r.Rows {
		for i, v := range row {
			if i > 0 {
				b.WriteByte('\t')
			}
			if v == nil {
				b.WriteString("NULL")
			} else {
				b.WriteString(*v)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
