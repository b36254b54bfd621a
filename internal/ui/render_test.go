package ui

import (
	"os"
	"testing"
	"time"

	"github.com/muesli/termenv"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"github.com/learnpath/learnsync/internal/offline/schema"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

func TestMain(m *testing.M) {
	SetColorProfile(termenv.Ascii)
	os.Exit(m.Run())
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestQueueGolden(t *testing.T) {
	items := []schema.SyncItem{
		{ID: 1, Kind: schema.KindPoints, EnqueuedAt: base},
		{ID: 12, Kind: schema.KindProgress, Attempts: 3, EnqueuedAt: base.Add(5*time.Minute + 30*time.Second), LastError: "backend returned 503"},
	}

	g := goldie.New(t)
	g.Assert(t, "queue", []byte(Queue(items)))
}

func TestDeadLettersGolden(t *testing.T) {
	items := []schema.DeadLetter{{
		SyncItem: schema.SyncItem{ID: 7, Kind: "quiz", Attempts: 25},
		DeadAt:   base.Add(25 * time.Hour),
		Reason:   "permanent: backend rejected payload: missing field student_id in record",
	}}

	g := goldie.New(t)
	g.Assert(t, "deadletters", []byte(DeadLetters(items)))
}

func TestStatusGolden(t *testing.T) {
	st := syncpkg.Status{
		Online:      true,
		State:       syncpkg.StateIdle,
		Pending:     2,
		DeadLetters: 1,
		LastDrain: &syncpkg.Report{
			Synced:       4,
			Failed:       1,
			DeadLettered: 1,
			Remaining:    2,
			StartedAt:    base,
			FinishedAt:   base.Add(1500 * time.Millisecond),
		},
	}

	g := goldie.New(t)
	g.Assert(t, "status", []byte(Status(st)))
}

func TestEmptyTables(t *testing.T) {
	assert.Equal(t, "queue is empty\n", Queue(nil))
	assert.Equal(t, "no dead letters\n", DeadLetters(nil))
	assert.Contains(t, Status(syncpkg.Status{State: syncpkg.StateDraining}), "Last drain:   never")
	assert.Contains(t, Status(syncpkg.Status{}), "Connection:   offline")
}

func TestReport(t *testing.T) {
	assert.Equal(t, "offline, nothing sent", Report(syncpkg.Report{Offline: true}))
	assert.Equal(t, "joined the drain already running", Report(syncpkg.Report{Coalesced: true}))
	assert.Equal(t, "synced 0, failed 0, dead-lettered 0, remaining 0 in 0s", Report(syncpkg.Report{}))
}

func TestSubmit(t *testing.T) {
	assert.Equal(t, "✓ points delivered",
		Submit(syncpkg.SubmitResult{Kind: schema.KindPoints, Status: syncpkg.StatusDelivered}))
	assert.Equal(t, "⏳ progress queued as #4",
		Submit(syncpkg.SubmitResult{Kind: schema.KindProgress, Status: syncpkg.StatusDeferred, ItemID: 4}))
	assert.Equal(t, "⏳ progress queued as #5 (timeout)",
		Submit(syncpkg.SubmitResult{Kind: schema.KindProgress, Status: syncpkg.StatusDeferred, ItemID: 5, Reason: "timeout"}))
}

func TestSize(t *testing.T) {
	assert.Equal(t, "512 bytes", Size(512))
	assert.Equal(t, "2.0 KB", Size(2048))
	assert.Equal(t, "3.5 MB", Size(3*1024*1024+512*1024))
}
