// Package store provides the SQLite storage layer for pkmlog.
//
// All data lives in a single SQLite database file:
// - The audit-log table (name and column names configurable)
// - The append-only ingest_runs table, one row per load
// - A small meta table holding schema flags
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.pkmlog/pkmlog.db"

// DefaultTable is the default destination table.
const DefaultTable = "logs_pkm"

// DefaultBatchSize is the default number of rows per insert statement.
const DefaultBatchSize = 500

// Logical column names of the destination table.
const (
	ColTS           = "ts"
	ColActor        = "actor"
	ColActorDisplay = "actor_display"
	ColProduct      = "product"
	ColAction       = "action"
	ColType         = "type"
	ColID           = "id"
	ColSubseqID     = "subseq_id"
	ColVersion      = "version"
	ColMessage      = "message"
)

// LogicalColumns lists the destination columns in insert order.
var LogicalColumns = []string{
	ColTS, ColActor, ColActorDisplay, ColProduct, ColAction,
	ColType, ColID, ColSubseqID, ColVersion, ColMessage,
}

// ErrInvalidIdentifier is returned for table or column names that are not
// plain SQL identifiers.
var ErrInvalidIdentifier = errors.New("invalid SQL identifier")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row is one persisted audit-log row.
type Row struct {
	TS           *time.Time `json:"ts"`
	Actor        *string    `json:"actor"`
	ActorDisplay *string    `json:"actor_display"`
	Product      string     `json:"product"`
	Action       string     `json:"action"`
	Type         string     `json:"type"`
	ID           string     `json:"id"`
	SubseqID     string     `json:"subseq_id"`
	Version      string     `json:"version"`
	Message      string     `json:"message"`
}

// RunRecord is one entry in the append-only ingest_runs log.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Seen       int       `json:"seen"`
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	Inserted   int       `json:"inserted"`
	OKRatio    float64   `json:"ok_ratio"`
	Status     string    `json:"status"` // "ok", "below_threshold", "failed"
	ReportPath string    `json:"report_path,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Run statuses.
const (
	RunOK             = "ok"
	RunBelowThreshold = "below_threshold"
	RunFailed         = "failed"
)

// QueryResult holds the rows of a read-only query as strings. NULL is nil.
type QueryResult struct {
	Columns []string
	Rows    [][]*string
}

// ColumnInfo describes one column of the destination table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Stats holds observability statistics about the store.
type Stats struct {
	Table       string     `json:"table"`
	RowCount    int64      `json:"row_count"`
	RunCount    int64      `json:"run_count"`
	MinTS       *time.Time `json:"min_ts"`
	MaxTS       *time.Time `json:"max_ts"`
	LastRun     *RunRecord `json:"last_run,omitempty"`
	DBSizeBytes int64      `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath    string
	Table     string
	Columns   map[string]string // logical -> physical column name
	BatchSize int
}

// LogStore defines the persistence target used by the loader and the
// query surface.
type LogStore interface {
	// Destination table
	EnsureTable(ctx context.Context) error
	Begin(ctx context.Context) (Writer, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Preview(ctx context.Context, limit int) ([]*Row, error)
	Columns(ctx context.Context) ([]ColumnInfo, error)
	Table() string

	// Read-only SQL
	ReadOnlyQuery(ctx context.Context, query string) (*QueryResult, error)

	// Run log
	AppendRun(ctx context.Context, r *RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)

	// Observability
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Writer is an open write transaction on the destination table.
type Writer interface {
	Clear(ctx context.Context) error
	InsertRows(ctx context.Context, rows []*Row) error
	Commit() error
	Rollback() error
}

// SQLiteStore implements LogStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	table     string
	cols      map[string]string
	batchSize int
}

// NewStore creates a new SQLite-backed LogStore.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, cfg.Table)
	}
	cols, err := resolveColumns(cfg.Columns)
	if err != nil {
		return nil, err
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:        db,
		dbPath:    cfg.DBPath,
		table:     cfg.Table,
		cols:      cols,
		batchSize: cfg.BatchSize,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func resolveColumns(overrides map[string]string) (map[string]string, error) {
	cols := make(map[string]string, len(LogicalColumns))
	for _, c := range LogicalColumns {
		cols[c] = c
	}
	seen := map[string]string{}
	for logical, physical := range overrides {
		if _, ok := cols[logical]; !ok {
			return nil, fmt.Errorf("unknown column %q", logical)
		}
		if !identRe.MatchString(physical) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, physical)
		}
		cols[logical] = physical
	}
	for _, c := range LogicalColumns {
		if prev, dup := seen[cols[c]]; dup {
			return nil, fmt.Errorf("columns %q and %q both map to %q", prev, c, cols[c])
		}
		seen[cols[c]] = c
	}
	return cols, nil
}

// Table returns the destination table name.
func (s *SQLiteStore) Table() string {
	return s.table
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// ExpandPath is the exported form of expandPath for callers resolving
// configured paths.
func ExpandPath(path string) string {
	return expandPath(path)
}
