package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendRun appends a run record to the ingest_runs log.
func (s *SQLiteStore) AppendRun(ctx context.Context, r *RunRecord) error {
	if r.RunID == "" {
		return fmt.Errorf("appending run: empty run id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (run_id, source, started_at, finished_at, seen, accepted, rejected, inserted, ok_ratio, status, report_path, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Source, FormatTimestamp(r.StartedAt), FormatTimestamp(r.FinishedAt),
		r.Seen, r.Accepted, r.Rejected, r.Inserted, r.OKRatio, r.Status,
		r.ReportPath, r.Error,
	)
	if err != nil {
		return fmt.Errorf("appending run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, source, started_at, finished_at, seen, accepted, rejected, inserted, ok_ratio, status,
		        COALESCE(report_path, ''), COALESCE(error, '')
		 FROM ingest_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Source, &started, &finished, &r.Seen, &r.Accepted,
			&r.Rejected, &r.Inserted, &r.OKRatio, &r.Status, &r.ReportPath, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = parseStored(started)
		r.FinishedAt = parseStored(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func parseStored(s string) time.Time {
	if t := TryCastTimestamp(s); t != nil {
		return *t
	}
	return time.Time{}
}

// Stats returns current table and run-log statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Table: s.table}

	var err error
	if stats.RowCount, err = s.Count(ctx); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingest_runs").Scan(&stats.RunCount); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	var minTS, maxTS sql.NullString
	ts := s.cols[ColTS]
	q := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", ts, ts, s.table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&minTS, &maxTS); err != nil {
		return nil, fmt.Errorf("reading ts range: %w", err)
	}
	if minTS.Valid {
		stats.MinTS = TryCastTimestamp(minTS.String)
	}
	if maxTS.Valid {
		stats.MaxTS = TryCastTimestamp(maxTS.String)
	}

	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		stats.LastRun = runs[0]
	}

	// Only file-based databases have a meaningful size.
	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DBSizeBytes = pageCount * pageSize
	}
	return stats, nil
}
