// Package metadata opens the shared SQLite database that backs the
// authoritative stores: collections, content records, indexing jobs, chat
// events, and conversation history. Each store package owns its own tables
// and runs its own schema migration against the handle returned by [Open].
package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// DefaultDBPath returns the default path for the metadata database.
// It resolves to ~/.civiq/civiq.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("metadata: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".civiq")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("metadata: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "civiq.db"), nil
}

// Open opens (or creates) the metadata database at the given path.
// Use ":memory:" for an in-memory database in tests.
func Open(path string) (*sql.DB, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	return db, nil
}
