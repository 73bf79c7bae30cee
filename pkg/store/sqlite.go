package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenEmbedded opens the process-lifetime local embedded relational store
// used by the approval service, budget controller, and the replay store's
// local backend. Its path is read from CLAWEE_EMBEDDED_DB_PATH, defaulting
// to a file in the working directory; ":memory:" is accepted for tests.
func OpenEmbedded() (*sql.DB, error) {
	path := strings.TrimSpace(os.Getenv("CLAWEE_EMBEDDED_DB_PATH"))
	if path == "" {
		path = "clawee-sidecar.db"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open embedded store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer upsert semantics per the replay/approval contract
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// OpenEmbeddedAt opens the embedded store at an explicit path, used by
// tests that want an isolated temp file or ":memory:".
func OpenEmbeddedAt(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open embedded store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
