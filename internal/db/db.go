// Package db provides SQLite persistence for the Orrery event archive.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/orrery-sim/orrery/internal/logging"
)

// DB wraps the SQLite handle used by the event archive.
type DB struct {
	*sql.DB
	logger zerolog.Logger
	path   string
}

// Open opens (or creates) the archive database and ensures its schema.
func Open(ctx context.Context, path string, busyTimeoutMs int) (*DB, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, busyTimeoutMs)

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:     handle,
		logger: logging.Component("db"),
		path:   path,
	}
	if err := db.ensureSchema(ctx); err != nil {
		_ = handle.Close()
		return nil, err
	}

	return db, nil
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, ":memory:", 0)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			source_id TEXT NOT NULL,
			source_category TEXT NOT NULL,
			payload_json TEXT,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS events_kind_idx ON events(kind, timestamp)`,
		`CREATE INDEX IF NOT EXISTS events_source_idx ON events(source_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS events_timestamp_idx ON events(timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
