// Package remote contains the clients for the authoritative backend that the
// sync orchestrator drains the queue into.
//
// Every write is an idempotent upsert keyed by the record's identity, except
// points, which the backend applies atomically as an increment. Replaying a
// progress item after an ambiguous failure is therefore harmless.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrRemoteWriteFailed wraps every backend rejection or transport failure.
var ErrRemoteWriteFailed = errors.New("remote write failed")

// Backend is the authoritative data store.
type Backend interface {
	// UpsertProgress inserts or replaces a progress record.
	UpsertProgress(ctx context.Context, payload json.RawMessage) error
	// ApplyPointsDelta atomically adds delta to a student's points.
	ApplyPointsDelta(ctx context.Context, studentID string, delta int) error
	// Upsert stores a record of any other registered kind.
	Upsert(ctx context.Context, kind string, payload json.RawMessage) error
}

// PermanentError marks a rejection that will not succeed on retry, such as a
// validation failure. The orchestrator dead-letters items failing this way.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// progressFields is the subset of a progress payload a SQL backend needs.
type progressFields struct {
	StudentID string
	LessonID  string
	Score     int64
	Completed bool
	TimeSpent int64
}

// firstString returns the first non-empty string among the given paths.
func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// extractProgress reads the identifying fields of a progress payload,
// accepting both the camelCase record spelling and the snake_case spelling
// used by web clients.
func extractProgress(payload json.RawMessage) (progressFields, error) {
	if !gjson.ValidBytes(payload) {
		return progressFields{}, Permanent(fmt.Errorf("%w: progress payload is not valid JSON", ErrRemoteWriteFailed))
	}
	doc := gjson.ParseBytes(payload)

	f := progressFields{
		StudentID: firstString(doc, "studentId", "student_id", "student"),
		LessonID:  firstString(doc, "lessonId", "lesson_id", "lesson"),
		Score:     doc.Get("score").Int(),
		TimeSpent: doc.Get("timeSpent").Int(),
	}
	if f.TimeSpent == 0 {
		f.TimeSpent = doc.Get("time_spent").Int()
	}
	f.Completed = doc.Get("completed").Bool() || doc.Get("status").String() == "completed"

	if f.StudentID == "" || f.LessonID == "" {
		return progressFields{}, Permanent(fmt.Errorf("%w: progress payload needs student and lesson ids", ErrRemoteWriteFailed))
	}
	return f, nil
}
