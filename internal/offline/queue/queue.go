// Package queue is the pending-operation log: writes made while the remote
// backend was unreachable, waiting to be replayed in order.
//
// The queue is an append-only log on top of the local store. Items are only
// taken out by Remove or DeadLetter, both of which belong to the sync
// orchestrator. The queue never reorders or coalesces items; two upserts for
// the same key are both kept and replayed in enqueue order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/schema"
)

// Queue is the durable FIFO of sync items.
type Queue struct {
	db  *db.DB
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue on an initialized database.
func New(database *db.DB, opts ...Option) *Queue {
	q := &Queue{db: database, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the database the queue lives in.
func (q *Queue) Store() *db.DB {
	return q.db
}

// Enqueue appends a new item with a strictly increasing id and the current
// time. It fails only when the underlying store does.
func (q *Queue) Enqueue(ctx context.Context, kind schema.Kind, action schema.Action, payload json.RawMessage) (schema.SyncItem, error) {
	item := schema.SyncItem{
		Kind:       kind,
		Action:     action,
		Payload:    payload,
		EnqueuedAt: q.now(),
	}
	id, err := q.db.InsertSyncItem(ctx, &item)
	if err != nil {
		return schema.SyncItem{}, fmt.Errorf("failed to enqueue %s item: %w", kind, err)
	}
	item.ID = id
	return item, nil
}

// Snapshot returns every queued item, oldest first. The slice is a copy;
// items enqueued after the call are not added to it.
func (q *Queue) Snapshot(ctx context.Context) ([]schema.SyncItem, error) {
	items, err := q.db.ListSyncItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	return items, nil
}

// ListSince returns queued items enqueued at or after since, oldest first.
func (q *Queue) ListSince(ctx context.Context, since time.Time) ([]schema.SyncItem, error) {
	items, err := q.db.ListSyncItemsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return items, nil
}

// Remove deletes one item. Removing an absent item is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if err := q.db.DeleteSyncItem(ctx, id); err != nil {
		return fmt.Errorf("failed to remove item %d: %w", id, err)
	}
	return nil
}

// RecordFailure notes a failed delivery attempt and returns the attempt count.
func (q *Queue) RecordFailure(ctx context.Context, id int64, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	attempts, err := q.db.RecordSyncFailure(ctx, id, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to record failure of item %d: %w", id, err)
	}
	return attempts, nil
}

// DeadLetter quarantines an item that should no longer be retried.
func (q *Queue) DeadLetter(ctx context.Context, id int64, reason string) error {
	if err := q.db.MoveToDeadLetter(ctx, id, reason, q.now()); err != nil {
		return fmt.Errorf("failed to dead-letter item %d: %w", id, err)
	}
	return nil
}

// DeadLetters lists quarantined items.
func (q *Queue) DeadLetters(ctx context.Context) ([]schema.DeadLetter, error) {
	items, err := q.db.ListDeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return items, nil
}

// Requeue appends a dead letter back onto the tail of the queue. It returns
// the new id, or 0 if id is not a dead letter.
func (q *Queue) Requeue(ctx context.Context, id int64) (int64, error) {
	newID, err := q.db.RequeueDeadLetter(ctx, id, q.now())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	return newID, nil
}

// PurgeDeadLetters drops every quarantined item.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int64, error) {
	n, err := q.db.PurgeDeadLetters(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return n, nil
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.db.CountSyncItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// DeadLetterLen returns the number of quarantined items.
func (q *Queue) DeadLetterLen(ctx context.Context) (int, error) {
	n, err := q.db.CountDeadLetters(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
