// Package store is Kennel's single source of truth: every entity in
// spec.md §3 lives in one relational database accessed through this
// package. It is the only package that imports database/sql directly;
// every other component deals in the typed models of models.go.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the relational database. All methods are safe for
// concurrent use; SQLite serializes writes internally and Store's pool
// is capped at one writer via SetMaxOpenConns where the driver requires it.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer avoids SQLITE_BUSY storms
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection (used by the readiness probe).
func (s *Store) Ping() error { return s.db.Ping() }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
