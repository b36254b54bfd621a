package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/schema"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema(context.Background()))

	return New(database, opts...)
}

func TestEnqueuePreservesOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	q := newTestQueue(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, json.RawMessage(`"`+name+`"`))
		require.NoError(t, err)
	}

	items, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, want := range []string{`"A"`, `"B"`, `"C"`} {
		assert.Equal(t, want, string(items[i].Payload))
	}
	assert.True(t, items[0].EnqueuedAt.Before(items[2].EnqueuedAt))
	assert.Equal(t, base.Add(time.Second), items[0].EnqueuedAt)
}

func TestDuplicateUpsertsAreNotCoalesced(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"id":"p1","score":1}`)
	_, err := q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, payload)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, payload)
	require.NoError(t, err)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSnapshotIsNotLive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, json.RawMessage(`1`))
	require.NoError(t, err)

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, json.RawMessage(`2`))
	require.NoError(t, err)

	assert.Len(t, snap, 1)
}

func TestRemoveIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, schema.KindPoints, schema.ActionUpsert, json.RawMessage(`{"student_id":"s1","points_to_add":5}`))
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, item.ID))
	require.NoError(t, q.Remove(ctx, item.ID))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), schema.KindProgress, schema.ActionUpsert, json.RawMessage(`{`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrInvalidRecord))
}

func TestDeadLetterLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "mystery", schema.ActionUpsert, json.RawMessage(`{}`))
	require.NoError(t, err)

	attempts, err := q.RecordFailure(ctx, item.ID, errors.New("no handler"))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.NoError(t, q.DeadLetter(ctx, item.ID, "unknown kind"))

	n, err := q.DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "no handler", dead[0].LastError)

	newID, err := q.Requeue(ctx, item.ID)
	require.NoError(t, err)
	assert.Greater(t, newID, item.ID)

	_, err = q.Enqueue(ctx, "mystery", schema.ActionUpsert, json.RawMessage(`{}`))
	require.NoError(t, err)
	latest, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.NoError(t, q.DeadLetter(ctx, latest[1].ID, "manual"))

	purged, err := q.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestListSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, json.RawMessage(`"old"`))
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	_, err = q.Enqueue(ctx, schema.KindProgress, schema.ActionUpsert, json.RawMessage(`"new"`))
	require.NoError(t, err)

	recent, err := q.ListSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, `"new"`, string(recent[0].Payload))
}
