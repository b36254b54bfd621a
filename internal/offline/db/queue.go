package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/learnpath/learnsync/internal/offline/schema"
)

const syncItemColumns = `id, kind, action, payload, enqueued_at, synced, attempts, last_error`

// InsertSyncItem appends item to the sync queue and returns its id.
// AUTOINCREMENT guarantees ids are strictly increasing and never reused,
// even after the tail of the queue has been removed.
func (db *DB) InsertSyncItem(ctx context.Context, item *schema.SyncItem) (int64, error) {
	if err := item.Validate(); err != nil {
		return 0, fmt.Errorf("%w: sync item: %w", ErrInvalidRecord, err)
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_queue (kind, action, payload, enqueued_at, synced, attempts, last_error)
	VALUES (?, ?, ?, ?, 0, 0, '')
	`, string(item.Kind), string(item.Action), string(item.Payload), formatTime(item.EnqueuedAt))
	if err != nil {
		return 0, fmt.Errorf("%w: enqueue %s: %w", ErrStorageWriteFailed, item.Kind, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: enqueue %s: %w", ErrStorageWriteFailed, item.Kind, err)
	}
	return id, nil
}

// ListSyncItems returns every queued item ordered by id ascending.
func (db *DB) ListSyncItems(ctx context.Context) ([]schema.SyncItem, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+syncItemColumns+` FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sync queue: %w", ErrStorageReadFailed, err)
	}
	defer rows.Close()
	return scanSyncItems(rows)
}

// ListSyncItemsSince returns queued items enqueued at or after since,
// ordered by id ascending.
func (db *DB) ListSyncItemsSince(ctx context.Context, since time.Time) ([]schema.SyncItem, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+syncItemColumns+` FROM sync_queue WHERE enqueued_at >= ? ORDER BY id ASC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("%w: list sync queue: %w", ErrStorageReadFailed, err)
	}
	defer rows.Close()
	return scanSyncItems(rows)
}

// DeleteSyncItem removes one queued item. Returns nil if it doesn't exist.
func (db *DB) DeleteSyncItem(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: remove sync item %d: %w", ErrStorageWriteFailed, id, err)
	}
	return nil
}

// RecordSyncFailure increments the attempt counter of a queued item and
// stores the failure message. It returns the new attempt count, or 0 if the
// item is no longer queued.
func (db *DB) RecordSyncFailure(ctx context.Context, id int64, msg string) (int, error) {
	var attempts int
	err := db.conn.QueryRowContext(ctx, `
	UPDATE sync_queue SET attempts = attempts + 1, last_error = ?
	WHERE id = ?
	RETURNING attempts
	`, msg, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: record failure of sync item %d: %w", ErrStorageWriteFailed, id, err)
	}
	return attempts, nil
}

// CountSyncItems returns the queue length.
func (db *DB) CountSyncItems(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count sync queue: %w", ErrStorageReadFailed, err)
	}
	return count, nil
}

// MoveToDeadLetter moves a queued item into sync_dead_letter in one
// transaction. Moving an item that is no longer queued is a no-op.
func (db *DB) MoveToDeadLetter(ctx context.Context, id int64, reason string, deadAt time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrStorageWriteFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO sync_dead_letter
		(id, kind, action, payload, enqueued_at, attempts, last_error, dead_at, reason)
	SELECT id, kind, action, payload, enqueued_at, attempts, last_error, ?, ?
	FROM sync_queue WHERE id = ?
	`, formatTime(deadAt), reason, id); err != nil {
		return fmt.Errorf("%w: dead-letter sync item %d: %w", ErrStorageWriteFailed, id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: dead-letter sync item %d: %w", ErrStorageWriteFailed, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit dead-letter of %d: %w", ErrStorageWriteFailed, id, err)
	}
	return nil
}

// ListDeadLetters returns quarantined items ordered by original id.
func (db *DB) ListDeadLetters(ctx context.Context) ([]schema.DeadLetter, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, kind, action, payload, enqueued_at, attempts, last_error, dead_at, reason
	FROM sync_dead_letter ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %w", ErrStorageReadFailed, err)
	}
	defer rows.Close()

	var out []schema.DeadLetter
	for rows.Next() {
		var (
			dl                 schema.DeadLetter
			kind, action       string
			payload            string
			enqueuedAt, deadAt string
		)
		if err := rows.Scan(&dl.ID, &kind, &action, &payload, &enqueuedAt,
			&dl.Attempts, &dl.LastError, &deadAt, &dl.Reason); err != nil {
			return nil, fmt.Errorf("%w: scan dead letter: %w", ErrStorageReadFailed, err)
		}
		dl.Kind = schema.Kind(kind)
		dl.Action = schema.Action(action)
		dl.Payload = json.RawMessage(payload)
		dl.EnqueuedAt = parseTime(enqueuedAt)
		dl.DeadAt = parseTime(deadAt)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate dead letters: %w", ErrStorageReadFailed, err)
	}
	return out, nil
}

// CountDeadLetters returns the number of quarantined items.
func (db *DB) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_dead_letter`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count dead letters: %w", ErrStorageReadFailed, err)
	}
	return count, nil
}

// RequeueDeadLetter appends a quarantined item back onto the tail of the
// queue with a fresh id and zero attempts. Returns the new id, or 0 if no
// dead letter has that id.
func (db *DB) RequeueDeadLetter(ctx context.Context, id int64, now time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin transaction: %w", ErrStorageWriteFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	INSERT INTO sync_queue (kind, action, payload, enqueued_at, synced, attempts, last_error)
	SELECT kind, action, payload, ?, 0, 0, '' FROM sync_dead_letter WHERE id = ?
	`, formatTime(now), id)
	if err != nil {
		return 0, fmt.Errorf("%w: requeue dead letter %d: %w", ErrStorageWriteFailed, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: requeue dead letter %d: %w", ErrStorageWriteFailed, id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_dead_letter WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("%w: requeue dead letter %d: %w", ErrStorageWriteFailed, id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit requeue of %d: %w", ErrStorageWriteFailed, id, err)
	}
	return newID, nil
}

// PurgeDeadLetters deletes every quarantined item and returns how many.
func (db *DB) PurgeDeadLetters(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_dead_letter`)
	if err != nil {
		return 0, fmt.Errorf("%w: purge dead letters: %w", ErrStorageWriteFailed, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSyncItems(rows *sql.Rows) ([]schema.SyncItem, error) {
	var items []schema.SyncItem
	for rows.Next() {
		var (
			item         schema.SyncItem
			kind, action string
			payload      string
			enqueuedAt   string
			synced       int
		)
		if err := rows.Scan(&item.ID, &kind, &action, &payload, &enqueuedAt,
			&synced, &item.Attempts, &item.LastError); err != nil {
			return nil, fmt.Errorf("%w: scan sync item: %w", ErrStorageReadFailed, err)
		}
		item.Kind = schema.Kind(kind)
		item.Action = schema.Action(action)
		item.Payload = json.RawMessage(payload)
		item.EnqueuedAt = parseTime(enqueuedAt)
		item.Synced = synced != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate sync queue: %w", ErrStorageReadFailed, err)
	}
	return items, nil
}
