package sync

import (
	"context"
	"encoding/json"

	"github.com/learnpath/learnsync/internal/offline/schema"
)

// Engine is the surface the local API and CLI use to talk to the
// orchestrator.
type Engine interface {
	// Submit delivers a write to the backend, or queues it for later.
	//
	// The returned status is StatusDelivered when the backend accepted the
	// write immediately, StatusDeferred when it was queued. Backend failures
	// never surface as errors; an error means the local enqueue failed and
	// the write was not recorded anywhere.
	//
	// Example:
	//   res, err := engine.Submit(ctx, schema.KindPoints, payload)
	Submit(ctx context.Context, kind schema.Kind, payload json.RawMessage) (SubmitResult, error)

	// SaveProgress stores a progress record locally and submits it.
	//
	// A missing ID is filled with a fresh UUID. The local write happens
	// first, so the record is readable from the store even when the
	// submission is deferred.
	SaveProgress(ctx context.Context, p *schema.Progress) (SubmitResult, error)

	// Drain replays the queue now and returns what happened.
	//
	// Returns Report{Offline: true} without dispatching when offline, and
	// Report{Coalesced: true} when another drain is already running.
	Drain(ctx context.Context) (Report, error)

	// Trigger requests a drain in the background.
	Trigger(ctx context.Context)

	// GetConnectionStatus reports whether the backend is considered
	// reachable.
	GetConnectionStatus() bool

	// Status reports connectivity, drain state and queue counts.
	Status(ctx context.Context) (Status, error)
}

var _ Engine = (*Orchestrator)(nil)
