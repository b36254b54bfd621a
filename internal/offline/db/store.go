// Package db provides the durable local store for the offline engine.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, no cgo) in
// WAL mode. It holds:
//   - one table per record collection (lessons, courses, subjects, progress)
//     with expression indexes over the JSON fields named in schema.Collections
//   - the pending-operation log (sync_queue) and its quarantine
//     (sync_dead_letter)
//   - the network interception cache (response_cache)
//
// Every exported write is a single SQLite statement or a single transaction,
// so a record is never observed half-written.
//
// Workflow:
//  1. Open the database file (created if missing)
//  2. InitSchema (idempotent)
//  3. Read and write through Put/Get/GetByIndex/Delete and the queue helpers
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/learnpath/learnsync/internal/offline/schema"
)

var (
	// ErrStorageUnavailable means the device store could not be opened or
	// initialized. It is fatal at startup.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStorageReadFailed wraps any failure of a read operation.
	ErrStorageReadFailed = errors.New("storage read failed")

	// ErrStorageWriteFailed wraps any failure of a write operation.
	ErrStorageWriteFailed = errors.New("storage write failed")

	// ErrUnknownCollection is returned for a collection not in schema.Collections.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex is returned for an index the collection does not declare.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrInvalidRecord is returned when a record has no key.
	ErrInvalidRecord = errors.New("invalid record")
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// Pragmas are set through the DSN so every pooled connection gets them,
// not just the first one. Transactions begin IMMEDIATE to avoid lock
// upgrades failing under concurrent writers.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create database directory: %w", ErrStorageUnavailable, err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "synchronous(normal)")
	q.Set("_txlock", "immediate")
	connStr := "file:" + path + "?" + q.Encode()

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStorageUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates every collection, index and engine table if absent.
// It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	stmts := make([]string, 0, 16)
	for _, c := range schema.Collections {
		stmts = append(stmts, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, c.Name))
		for _, idx := range c.Indexes {
			stmts = append(stmts, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)`,
				c.Name, idx, c.Name, indexExpr(idx)))
		}
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_enqueued_at ON sync_queue(enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS sync_dead_letter (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		dead_at TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	)`,
		`CREATE TABLE IF NOT EXISTS response_cache (
		generation TEXT NOT NULL,
		key TEXT NOT NULL,
		status INTEGER NOT NULL,
		header TEXT NOT NULL,
		body BLOB,
		stored_at TEXT NOT NULL,
		PRIMARY KEY (generation, key)
	)`,
	)

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: initialize schema: %w", ErrStorageUnavailable, err)
		}
	}
	return nil
}

// indexExpr is the SQL expression a secondary index is built on. Queries
// must use the identical expression for SQLite to pick the index.
func indexExpr(field string) string {
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}
