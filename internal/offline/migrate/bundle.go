// Package migrate imports content bundles into the local store so lessons
// are available before the device ever goes offline.
//
// A bundle is JSONL: one {"collection": ..., "record": {...}} object per
// line. Courses may carry their lessons inline under "lessons"; those are
// also stored as individually addressable lesson records.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/schema"
)

// maxLine bounds a single bundle line; lesson content can be large.
const maxLine = 16 << 20

// Entry is one line of a bundle.
type Entry struct {
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// Options contains configuration for an import
type Options struct {
	Path   string // Input JSONL bundle path
	DryRun bool   // Validate without writing
}

// Result contains statistics about an import
type Result struct {
	Lines    int
	Subjects int
	Courses  int
	Lessons  int
	Progress int
	Errors   []string
}

// Imported returns how many records were stored (or would be, in a dry run).
func (r *Result) Imported() int {
	return r.Subjects + r.Courses + r.Lessons + r.Progress
}

// Import reads the bundle at opts.Path into store.
func Import(ctx context.Context, store *db.DB, opts Options) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer file.Close()

	return ImportReader(ctx, store, file, opts.DryRun)
}

// ImportReader imports a bundle from r. Bad lines are collected in
// Result.Errors and skipped; only read failures and cancellation abort.
func ImportReader(ctx context.Context, store *db.DB, r io.Reader, dryRun bool) (*Result, error) {
	result := &Result{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		result.Lines++

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		if err := importEntry(ctx, store, entry, dryRun, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read bundle at line %d: %w", lineNum+1, err)
	}

	return result, nil
}

func importEntry(ctx context.Context, store *db.DB, entry Entry, dryRun bool, result *Result) error {
	if len(entry.Record) == 0 {
		return fmt.Errorf("%s entry has no record", entry.Collection)
	}

	switch entry.Collection {
	case schema.CollectionSubjects:
		var s schema.Subject
		if err := decode(entry, &s); err != nil {
			return err
		}
		if err := apply(dryRun, s.Validate, func() error { return store.StoreSubject(ctx, &s) }); err != nil {
			return fmt.Errorf("subject %s: %w", s.ID, err)
		}
		result.Subjects++

	case schema.CollectionCourses:
		var c schema.Course
		if err := decode(entry, &c); err != nil {
			return err
		}
		if err := apply(dryRun, c.Validate, func() error { return store.StoreCourse(ctx, &c) }); err != nil {
			return fmt.Errorf("course %s: %w", c.ID, err)
		}
		result.Courses++

		for i := range c.Lessons {
			lesson := c.Lessons[i]
			if lesson.CourseID == "" {
				lesson.CourseID = c.ID
			}
			if err := storeLesson(ctx, store, &lesson, dryRun); err != nil {
				return fmt.Errorf("course %s: %w", c.ID, err)
			}
			result.Lessons++
		}

	case schema.CollectionLessons:
		var l schema.Lesson
		if err := decode(entry, &l); err != nil {
			return err
		}
		if err := storeLesson(ctx, store, &l, dryRun); err != nil {
			return err
		}
		result.Lessons++

	case schema.CollectionProgress:
		var p schema.Progress
		if err := decode(entry, &p); err != nil {
			return err
		}
		if err := apply(dryRun, p.Validate, func() error { return store.StoreProgress(ctx, &p) }); err != nil {
			return fmt.Errorf("progress %s: %w", p.ID, err)
		}
		result.Progress++

	default:
		return fmt.Errorf("%w: %q", db.ErrUnknownCollection, entry.Collection)
	}
	return nil
}

func storeLesson(ctx context.Context, store *db.DB, l *schema.Lesson, dryRun bool) error {
	if err := apply(dryRun, l.Validate, func() error { return store.StoreLesson(ctx, l) }); err != nil {
		return fmt.Errorf("lesson %s: %w", l.ID, err)
	}
	return nil
}

// apply validates only in a dry run, otherwise writes.
func apply(dryRun bool, validate func() error, write func() error) error {
	if dryRun {
		return validate()
	}
	return write()
}

func decode(entry Entry, dst any) error {
	if err := json.Unmarshal(entry.Record, dst); err != nil {
		return fmt.Errorf("invalid %s record: %w", entry.Collection, err)
	}
	return nil
}
