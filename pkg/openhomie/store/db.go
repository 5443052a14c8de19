// Package store implements the SQLite-backed persistence layer: sessions,
// long-term memory, feedback, group activity, and usage telemetry. Each store
// owns one database file under the data directory and manages its own schema.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// OpenDB opens (creating if needed) a SQLite database with the pragmas every
// store relies on: WAL journaling, normal sync, foreign keys, busy timeout.
// Exported so satellite stores (the event scheduler) share the same pragmas.
func OpenDB(dataDir, name string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, name)
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	// SQLite handles one writer at a time; keep the pool small so writers
	// queue in-process instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(4)
	return db, nil
}
