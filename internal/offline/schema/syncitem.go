package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the remote operation a queued item replays as.
type Kind string

// Known kinds. Other kinds may be registered with the orchestrator and are
// dispatched through the backend's generic upsert.
const (
	KindProgress Kind = "progress"
	KindPoints   Kind = "points"
)

// Action is what the remote side should do with the payload.
type Action string

// ActionUpsert is the only action the engine replays.
const ActionUpsert Action = "upsert"

// SyncItem is one write not yet confirmed by the remote backend.
type SyncItem struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Synced     bool            `json:"synced"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// Validate checks the fields required before an item is appended.
func (s *SyncItem) Validate() error {
	if s.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if s.Action == "" {
		return fmt.Errorf("action is required")
	}
	if len(s.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(s.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// DeadLetter is a queue item quarantined after it could not be delivered.
type DeadLetter struct {
	SyncItem
	DeadAt time.Time `json:"deadAt"`
	Reason string    `json:"reason"`
}

// PointsDelta is the payload of a KindPoints item. Field names follow the
// backend's stored procedure arguments.
type PointsDelta struct {
	StudentID   string `json:"student_id"`
	PointsToAdd int    `json:"points_to_add"`
}

// Validate checks required fields.
func (p *PointsDelta) Validate() error {
	if p.StudentID == "" {
		return fmt.Errorf("student_id is required")
	}
	return nil
}
