// Package store provides SQLite persistence for the engine: the cost
// ledger, the response cache, and completed deliberations. WAL mode is
// enabled so readers never block the pipeline's writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (and migrates) the database at path, creating parent
// directories as needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		query_id TEXT NOT NULL DEFAULT '',
		workspace TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		latency_ns INTEGER NOT NULL DEFAULT 0,
		ok INTEGER NOT NULL,
		err TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_at ON ledger(at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_query ON ledger(query_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_backend ON ledger(backend, id DESC)`,
	`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		response TEXT NOT NULL,
		expires INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_lru ON cache(last_accessed)`,
	`CREATE TABLE IF NOT EXISTS deliberations (
		query_id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		workflow TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL DEFAULT '',
		final_text TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '{}'
	)`,
}

func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
