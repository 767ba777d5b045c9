package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/nudge/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 3

// Init initializes the SQLite database at baseDir/nudge.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.nudge.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Create exports subdirectory
	exportsDir := filepath.Join(baseDir, "exports")
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	_ = os.Chmod(exportsDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "nudge.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
// Call after Init if you need to tune pool behavior for contention.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: candidate feed and packet store
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS candidates (
		  id              TEXT PRIMARY KEY,
		  source          TEXT NOT NULL,
		  statement       TEXT NOT NULL,
		  base_confidence REAL NOT NULL,
		  validations     INTEGER NOT NULL DEFAULT 0,
		  category        TEXT NOT NULL DEFAULT '',
		  tags_json       TEXT,
		  created_at      INTEGER NOT NULL,
		  updated_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS candidate_tags (
		  candidate_id TEXT NOT NULL REFERENCES candidates(id) ON DELETE CASCADE,
		  tag          TEXT NOT NULL,
		  PRIMARY KEY (candidate_id, tag)
		);

		CREATE INDEX IF NOT EXISTS idx_candidate_tags_tag
		ON candidate_tags(tag);

		CREATE TABLE IF NOT EXISTS packets (
		  fingerprint     TEXT PRIMARY KEY,
		  tool            TEXT NOT NULL,
		  phase           TEXT NOT NULL,
		  file_hints_json TEXT,
		  payload         TEXT NOT NULL,
		  effectiveness   REAL NOT NULL,
		  created_at      INTEGER NOT NULL,
		  expires_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_packets_expires
		ON packets(expires_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: emission log, outcomes, source trust
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS emission_events (
		  seq                INTEGER PRIMARY KEY AUTOINCREMENT,
		  trace_id           TEXT NOT NULL UNIQUE,
		  session_id         TEXT NOT NULL,
		  tool               TEXT NOT NULL,
		  decision           TEXT NOT NULL,
		  authority          TEXT NOT NULL,
		  reason_code        TEXT NOT NULL,
		  candidate_ids_json TEXT,
		  sources_json       TEXT,
		  packet_fingerprint TEXT,
		  text               TEXT,
		  ts                 INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_emission_events_session
		ON emission_events(session_id, ts DESC);

		CREATE TABLE IF NOT EXISTS outcomes (
		  id       INTEGER PRIMARY KEY AUTOINCREMENT,
		  trace_id TEXT NOT NULL,
		  tool     TEXT,
		  result   TEXT NOT NULL,
		  ts       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_outcomes_trace
		ON outcomes(trace_id);

		CREATE TABLE IF NOT EXISTS source_trust (
		  source     TEXT PRIMARY KEY,
		  trust      REAL NOT NULL,
		  updated_at INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	// Migration 2 -> 3: one outcome per trace, implicit or explicit
	if version < 3 {
		schema := `
		ALTER TABLE outcomes ADD COLUMN implicit INTEGER NOT NULL DEFAULT 0;

		DELETE FROM outcomes
		WHERE id NOT IN (SELECT MIN(id) FROM outcomes GROUP BY trace_id);

		DROP INDEX IF EXISTS idx_outcomes_trace;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_trace_unique
		ON outcomes(trace_id);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 3 failed: %w", err)
		}
		if err := SetUserVersion(db, 3); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
