package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the SQLite database at path, configured for
// concurrent access: WAL journal so the serve and worker processes can share
// one file, busy_timeout so writers queue instead of failing fast. The
// pragmas ride the DSN so every pooled connection gets them.
//
// All subsystems backed by this file (catalog, lock manager, run-state
// store, task queue) share one *sql.DB per process.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
