package store

import (
	"database/sql"
	"fmt"
	"time"
)

// schemaVersion is bumped whenever migrate gains a step.
const schemaVersion = "2"

// migrate creates the bookkeeping tables if they don't exist and seeds
// metadata. The destination table is created separately by EnsureTable.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: error column on ingest_runs (v2)
	if err := s.migrateRunErrorColumn(); err != nil {
		return fmt.Errorf("migrating ingest_runs error column: %w", err)
	}
	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Append-only run log
		`CREATE TABLE IF NOT EXISTS ingest_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT UNIQUE NOT NULL,
			source      TEXT NOT NULL,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			seen        INTEGER NOT NULL,
			accepted    INTEGER NOT NULL,
			rejected    INTEGER NOT NULL,
			inserted    INTEGER NOT NULL,
			ok_ratio    REAL NOT NULL,
			status      TEXT NOT NULL,
			report_path TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing bootstrap DDL: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap: %w", err)
	}
	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	value, err := s.getMetaValue(key)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func (s *SQLiteStore) getMetaValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range defaults {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion); err != nil {
		return fmt.Errorf("seeding schema_version: %w", err)
	}
	return nil
}

// migrateRunErrorColumn adds ingest_runs.error if it doesn't exist.
func (s *SQLiteStore) migrateRunErrorColumn() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('ingest_runs') WHERE name='error'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for error column: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec("ALTER TABLE ingest_runs ADD COLUMN error TEXT"); err != nil {
		return fmt.Errorf("adding error column: %w", err)
	}
	return nil
}
