// Package storedb opens SQLite connections for the daemon's three
// database roles (registry, shared, agent) with WAL mode and foreign
// keys enabled, and owns the schema-version migration ratchet for
// each role.
package storedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Role distinguishes the three SQLite databases the daemon maintains.
type Role int

const (
	RoleAgent Role = iota
	RoleShared
	RoleRegistry
)

// Open opens (creating parent directories as needed) a SQLite database
// at path with WAL journaling and foreign-key enforcement. The same
// pragmas apply regardless of role.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Agent/shared DBs are touched by one goroutine at a time under the
	// pool's per-entry mutex; registry.db can see brief concurrent
	// access from hooks and the daemon, so cap to a single writer to
	// avoid SQLITE_BUSY rather than layering a busy_timeout retry loop.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Checkpoint runs a WAL checkpoint, used by the maintenance loop's
// periodic PRAGMA wal_checkpoint(TRUNCATE) task.
func Checkpoint(db *sql.DB) error {
	_, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// SchemaVersion returns the current schema_version for db, 0 if the
// table doesn't exist yet.
func SchemaVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(
		"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, datetime('now'))",
		version,
	)
	return err
}

func execBatch(db *sql.DB, stmts string) error {
	_, err := db.Exec(stmts)
	return err
}

// step applies stmts and bumps schema_version to target if the current
// version is below it. Migrations are idempotent: calling Migrate* again
// on an up-to-date DB is a no-op.
func step(db *sql.DB, current *int, target int, stmts string) error {
	if *current >= target {
		return nil
	}
	if stmts != "" {
		if err := execBatch(db, stmts); err != nil {
			return fmt.Errorf("migration v%d failed: %w", target, err)
		}
	}
	if err := setSchemaVersion(db, target); err != nil {
		return err
	}
	*current = target
	return nil
}
