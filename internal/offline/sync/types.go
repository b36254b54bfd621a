package sync

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/learnpath/learnsync/internal/metrics"
	"github.com/learnpath/learnsync/internal/offline/schema"
)

// ErrUnknownKind is returned when a queue item has no registered handler.
var ErrUnknownKind = errors.New("sync dispatch: unknown kind")

// DefaultMaxAttempts is the delivery attempt limit before an item is
// dead-lettered.
const DefaultMaxAttempts = 25

// SubmitStatus says what happened to a submitted write.
type SubmitStatus string

const (
	// StatusDelivered means the backend accepted the write immediately.
	StatusDelivered SubmitStatus = "delivered"
	// StatusDeferred means the write was queued for a later drain.
	StatusDeferred SubmitStatus = "deferred"
)

// SubmitResult describes one Submit call.
type SubmitResult struct {
	Kind   schema.Kind  `json:"kind"`
	Status SubmitStatus `json:"status"`
	// ItemID is the queue id of a deferred write.
	ItemID int64 `json:"item_id,omitempty"`
	// Reason is the dispatch error that caused an online write to be
	// deferred, empty when the write was deferred for being offline.
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// DrainState is the orchestrator's drain state machine.
type DrainState string

const (
	StateIdle          DrainState = "idle"
	StateDraining      DrainState = "draining"
	StateDrainingRerun DrainState = "draining-with-pending-rerun"
)

// ItemError is one failed dispatch inside a drain.
type ItemError struct {
	ID           int64       `json:"id"`
	Kind         schema.Kind `json:"kind"`
	Attempts     int         `json:"attempts"`
	Error        string      `json:"error"`
	DeadLettered bool        `json:"dead_lettered"`
}

// Report summarizes one Drain call.
type Report struct {
	RunID string `json:"run_id,omitempty"`
	// Offline is set when the drain did nothing because the backend was
	// unreachable.
	Offline bool `json:"offline,omitempty"`
	// Coalesced is set when another drain was already running; that drain
	// will make one more pass instead.
	Coalesced bool `json:"coalesced,omitempty"`

	Passes       int         `json:"passes"`
	Attempted    int         `json:"attempted"`
	Synced       int         `json:"synced"`
	Failed       int         `json:"failed"`
	DeadLettered int         `json:"dead_lettered"`
	Remaining    int         `json:"remaining"`
	Errors       []ItemError `json:"errors,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the drain took.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Online      bool       `json:"online"`
	State       DrainState `json:"state"`
	Pending     int        `json:"pending"`
	DeadLetters int        `json:"dead_letters"`
	LastDrain   *Report    `json:"last_drain,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	// MaxAttempts dead-letters an item after this many failed deliveries.
	// 0 retries forever. Defaults to DefaultMaxAttempts via DefaultOptions.
	MaxAttempts int

	// GenericKinds are kinds dispatched through Backend.Upsert.
	GenericKinds []schema.Kind

	// RateLimit paces dispatches inside a drain. Nil means unlimited.
	RateLimit *rate.Limiter

	// OnDrain is called after every completed drain.
	OnDrain func(Report)
	// OnSubmit is called after every successful Submit.
	OnSubmit func(SubmitResult)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
	}
}
