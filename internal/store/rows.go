package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EnsureTable creates the destination table if it does not exist.
func (s *SQLiteStore) EnsureTable(ctx context.Context) error {
	defs := make([]string, 0, len(LogicalColumns))
	for _, c := range LogicalColumns {
		typ := "TEXT"
		if c == ColTS {
			typ = "TIMESTAMP"
		}
		defs = append(defs, fmt.Sprintf("%s %s", s.cols[c], typ))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", s.table, strings.Join(defs, ",\n\t"))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(%s)", s.table, s.table, s.cols[ColTS])
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("creating ts index: %w", err)
	}
	return nil
}

// Clear deletes every row of the destination table.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return clearTable(ctx, s.db, s.table)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func clearTable(ctx context.Context, db execer, table string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	return nil
}

// Begin opens a write transaction on the destination table.
func (s *SQLiteStore) Begin(ctx context.Context) (Writer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteWriter{tx: tx, s: s}, nil
}

type sqliteWriter struct {
	tx *sql.Tx
	s  *SQLiteStore
}

func (w *sqliteWriter) Clear(ctx context.Context) error {
	return clearTable(ctx, w.tx, w.s.table)
}

// InsertRows writes rows in statements of at most batchSize rows each.
func (w *sqliteWriter) InsertRows(ctx context.Context, rows []*Row) error {
	for start := 0; start < len(rows); start += w.s.batchSize {
		end := start + w.s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		query, args := w.s.insertStatement(rows[start:end])
		if _, err := w.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting rows %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (w *sqliteWriter) Commit() error {
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (w *sqliteWriter) Rollback() error {
	err := w.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (s *SQLiteStore) insertStatement(rows []*Row) (string, []any) {
	names := make([]string, len(LogicalColumns))
	for i, c := range LogicalColumns {
		names[i] = s.cols[c]
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(LogicalColumns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.table, strings.Join(names, ", "))
	args := make([]any, 0, len(rows)*len(LogicalColumns))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		var ts any
		if r.TS != nil {
			ts = FormatTimestamp(*r.TS)
		}
		args = append(args, ts, nullable(r.Actor), nullable(r.ActorDisplay),
			r.Product, r.Action, r.Type, r.ID, r.SubseqID, r.Version, r.Message)
	}
	return b.String(), args
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// Count returns the number of rows in the destination table.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.table, err)
	}
	return n, nil
}

// Preview returns the most recent rows ordered by ts descending.
func (s *SQLiteStore) Preview(ctx context.Context, limit int) ([]*Row, error) {
	if limit <= 0 {
		limit = 20
	}
	names := make([]string, len(LogicalColumns))
	for i, c := range LogicalColumns {
		names[i] = s.cols[c]
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC, rowid DESC LIMIT ?",
		strings.Join(names, ", "), s.table, s.cols[ColTS])

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("previewing %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var ts, actor, display, product, action, typ, id, subseq, version, message sql.NullString
		if err := rows.Scan(&ts, &actor, &display, &product, &action, &typ, &id, &subseq, &version, &message); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r := &Row{
			Product:  product.String,
			Action:   action.String,
			Type:     typ.String,
			ID:       id.String,
			SubseqID: subseq.String,
			Version:  version.String,
			Message:  message.String,
		}
		if ts.Valid {
			r.TS = TryCastTimestamp(ts.String)
		}
		if actor.Valid {
			r.Actor = &actor.String
		}
		if display.Valid {
			r.ActorDisplay = &display.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Columns returns the physical columns of the destination table.
func (s *SQLiteStore) Columns(ctx context.Context) ([]ColumnInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?)", s.table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", s.table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}
