package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory store with the destination table.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:", BatchSize: 3})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func testRows(n int) []*Row {
	rows := make([]*Row, n)
	base := time.Date(2020, 4, 30, 15, 33, 36, 0, time.UTC)
	for i := range rows {
		ts := base.Add(time.Duration(i) * time.Second)
		rows[i] = &Row{
			TS:       &ts,
			Actor:    strPtr("(system)"),
			Product:  "P",
			Action:   "Change",
			Type:     "Configuration",
			ID:       "1",
			SubseqID: "1.1",
			Version:  "NA",
			Message:  "msg",
		}
	}
	return rows
}

func insert(t *testing.T, s *SQLiteStore, rows []*Row) {
	t.Helper()
	ctx := context.Background()
	w, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.InsertRows(ctx, rows); err != nil {
		w.Rollback()
		t.Fatalf("InsertRows: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestNewStore(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"meta", "ingest_runs", DefaultTable}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	v, err := s.getMetaValue("schema_version")
	if err != nil || v != schemaVersion {
		t.Errorf("schema_version = %q (%v), want %q", v, err, schemaVersion)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "pkm.db")
	for i := 0; i < 2; i++ {
		s, err := NewStore(StoreConfig{DBPath: path})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := s.EnsureTable(context.Background()); err != nil {
			t.Fatalf("EnsureTable %d: %v", i, err)
		}
		s.Close()
	}
}

func TestInvalidIdentifiers(t *testing.T) {
	if _, err := NewStore(StoreConfig{DBPath: ":memory:", Table: "logs; DROP TABLE x"}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for table, got %v", err)
	}
	if _, err := NewStore(StoreConfig{DBPath: ":memory:", Columns: map[string]string{"message": "msg text"}}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for column, got %v", err)
	}
	if _, err := NewStore(StoreConfig{DBPath: ":memory:", Columns: map[string]string{"bogus": "x"}}); err == nil {
		t.Error("expected error for unknown logical column")
	}
	if _, err := NewStore(StoreConfig{DBPath: ":memory:", Columns: map[string]string{"product": "action"}}); err == nil {
		t.Error("expected error for duplicate physical column")
	}
}

func TestInsertBatchesAndCount(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, testRows(7)) // batch size 3 -> three statements

	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
}

func TestRollbackDiscardsRows(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, testRows(2))

	ctx := context.Background()
	w, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := w.InsertRows(ctx, testRows(5)); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if err := w.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := w.Rollback(); err != nil {
		t.Errorf("second Rollback should be a no-op, got %v", err)
	}

	n, _ := s.Count(ctx)
	if n != 2 {
		t.Errorf("count after rollback = %d, want 2", n)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, testRows(4))
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(context.Background()); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestPreviewNullsAndOrder(t *testing.T) {
	s := newTestStore(t)
	rows := testRows(2)
	rows[1].Actor = nil
	rows[1].ActorDisplay = strPtr("Jane Doe")
	rows[0].TS = nil
	insert(t, s, rows)

	got, err := s.Preview(context.Background(), 10)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("preview len = %d", len(got))
	}
	// NULL ts sorts last with DESC.
	if got[0].TS == nil || got[1].TS != nil {
		t.Errorf("unexpected ts ordering: %v, %v", got[0].TS, got[1].TS)
	}
	if got[0].Actor != nil || got[0].ActorDisplay == nil || *got[0].ActorDisplay != "Jane Doe" {
		t.Errorf("actor columns not round-tripped: %+v", got[0])
	}
	if !got[0].TS.Equal(*rows[1].TS) {
		t.Errorf("ts = %v, want %v", got[0].TS, rows[1].TS)
	}
}

func TestCustomTableAndColumns(t *testing.T) {
	s, err := NewStore(StoreConfig{DBPath: ":memory:", Table: "audit", Columns: map[string]string{"message": "body", "ts": "audit_time"}})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	insert(t, s, testRows(1))

	cols, err := s.Columns(ctx)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	names := map[string]bool{}
	for _, c := range cols {
		names[c.Name] = true
	}
	if !names["body"] || !names["audit_time"] || names["message"] {
		t.Errorf("unexpected columns: %v", cols)
	}

	res, err := s.ReadOnlyQuery(ctx, "SELECT body FROM audit")
	if err != nil {
		t.Fatalf("ReadOnlyQuery: %v", err)
	}
	if len(res.Rows) != 1 || *res.Rows[0][0] != "msg" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestReadOnlyQueryRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, testRows(1))
	ctx := context.Background()

	if _, err := s.ReadOnlyQuery(ctx, "DELETE FROM logs_pkm"); err == nil {
		t.Fatal("expected write to fail under query_only")
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("row deleted despite query_only")
	}

	// The connection is usable for writes again afterwards.
	insert(t, s, testRows(1))

	res, err := s.ReadOnlyQuery(ctx, "SELECT COUNT(*) AS n, NULL AS nothing FROM logs_pkm")
	if err != nil {
		t.Fatalf("ReadOnlyQuery: %v", err)
	}
	if res.Columns[0] != "n" || *res.Rows[0][0] != "2" || res.Rows[0][1] != nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunsAppendListStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b"} {
		r := &RunRecord{
			RunID:      id,
			Source:     "in.csv",
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
			Seen:       10,
			Accepted:   9,
			Rejected:   1,
			Inserted:   9,
			OKRatio:    0.9,
			Status:     RunOK,
		}
		if err := s.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	if err := s.AppendRun(ctx, &RunRecord{RunID: "run-a", StartedAt: start, FinishedAt: start}); err == nil {
		t.Error("expected duplicate run id to fail")
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if !runs[1].StartedAt.Equal(start) {
		t.Errorf("started_at = %v, want %v", runs[1].StartedAt, start)
	}

	insert(t, s, testRows(3))
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RowCount != 3 || stats.RunCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastRun == nil || stats.LastRun.RunID != "run-b" {
		t.Errorf("last run = %+v", stats.LastRun)
	}
	if stats.MinTS == nil || stats.MaxTS == nil || !stats.MaxTS.After(*stats.MinTS) {
		t.Errorf("ts range = %v..%v", stats.MinTS, stats.MaxTS)
	}
}

func TestTryCastTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string // "" means nil
	}{
		{"2020-04-30 15:33:36.984827", "2020-04-30T15:33:36.984827Z"},
		{"2020-04-30 15:33:36", "2020-04-30T15:33:36.000000Z"},
		{"2020-04-30T15:33:36Z", "2020-04-30T15:33:36.000000Z"},
		{"2020-04-30T17:33:36+02:00", "2020-04-30T15:33:36.000000Z"},
		{"2020-04-30", "2020-04-30T00:00:00.000000Z"},
		{"  2020-04-30 15:33:36  ", "2020-04-30T15:33:36.000000Z"},
		{"", ""},
		{"NA", ""},
		{"2020-04-30 15:33:36|Change", ""},
		{"2020-13-45 99:00:00", ""},
	}
	for _, tt := range tests {
		got := TryCastTimestamp(tt.in)
		if tt.want == "" {
			if got != nil {
				t.Errorf("TryCastTimestamp(%q) = %v, want nil", tt.in, got)
			}
			continue
		}
		if got == nil {
			t.Errorf("TryCastTimestamp(%q) = nil, want %s", tt.in, tt.want)
			continue
		}
		if s := FormatTimestamp(*got); s != tt.want {
			t.Errorf("TryCastTimestamp(%q) = %s, want %s", tt.in, s, tt.want)
		}
	}
}
