// Package persistence provides the SQLite-backed durable task queue and plan store.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"taskorch/pkg/logx"
	"taskorch/pkg/queue"
)

// maxCASAttempts bounds optimistic-write retries against concurrent writers.
const maxCASAttempts = 8

// DB is a SQLite database holding tasks and plans. It implements queue.Store and plan.Store.
type DB struct {
	db     *sql.DB
	logger *logx.Logger
	now    queue.Clock
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the timestamp source.
func WithClock(now queue.Clock) Option {
	return func(d *DB) { d.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *logx.Logger) Option {
	return func(d *DB) { d.logger = l }
}

// Open opens (creating if needed) the database at path and migrates it to the current schema.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d := &DB{db: db, logger: logx.NewLogger("persistence"), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.logger.Info("Database initialized: %s", path)
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
