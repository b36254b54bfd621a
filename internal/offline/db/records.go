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

func collectionSpec(name string) (schema.CollectionSpec, error) {
	spec, ok := schema.LookupCollection(name)
	if !ok {
		return schema.CollectionSpec{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return spec, nil
}

// Put upserts record into collection, replacing any record with the same key.
func (db *DB) Put(ctx context.Context, collection string, record schema.Record) error {
	spec, err := collectionSpec(collection)
	if err != nil {
		return err
	}

	key := record.RecordKey()
	if key == "" {
		return fmt.Errorf("%w: %s record has no id", ErrInvalidRecord, collection)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal %s/%s: %w", ErrStorageWriteFailed, collection, key, err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`, spec.Name)

	if _, err := db.conn.ExecContext(ctx, query, key, string(data), formatTime(time.Now())); err != nil {
		return fmt.Errorf("%w: put %s/%s: %w", ErrStorageWriteFailed, collection, key, err)
	}
	return nil
}

// Get loads the record with key into dst. Absence is reported as
// (false, nil), never as an error. dst may be nil to only test presence.
func (db *DB) Get(ctx context.Context, collection, key string, dst any) (bool, error) {
	raw, err := db.GetRaw(ctx, collection, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			return false, fmt.Errorf("%w: decode %s/%s: %w", ErrStorageReadFailed, collection, key, err)
		}
	}
	return true, nil
}

// GetRaw returns the stored JSON document, or nil when absent.
func (db *DB) GetRaw(ctx context.Context, collection, key string) (json.RawMessage, error) {
	spec, err := collectionSpec(collection)
	if err != nil {
		return nil, err
	}

	var data string
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, spec.Name)
	err = db.conn.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %w", ErrStorageReadFailed, collection, key, err)
	}
	return json.RawMessage(data), nil
}

// GetByIndex returns every record whose index field equals value. Order is
// unspecified; callers that need an order must sort.
func (db *DB) GetByIndex(ctx context.Context, collection, index, value string) ([]json.RawMessage, error) {
	spec, err := collectionSpec(collection)
	if err != nil {
		return nil, err
	}
	if !spec.HasIndex(index) {
		return nil, fmt.Errorf("%w: %s has no index %q", ErrUnknownIndex, collection, index)
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, spec.Name, indexExpr(index))
	rows, err := db.conn.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s by %s: %w", ErrStorageReadFailed, collection, index, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrStorageReadFailed, collection, err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrStorageReadFailed, collection, err)
	}
	return out, nil
}

// Delete removes the record with key. Returns nil if it doesn't exist.
func (db *DB) Delete(ctx context.Context, collection, key string) error {
	spec, err := collectionSpec(collection)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, spec.Name)
	if _, err := db.conn.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %w", ErrStorageWriteFailed, collection, key, err)
	}
	return nil
}

// CountRecords returns the number of records in collection.
func (db *DB) CountRecords(ctx context.Context, collection string) (int, error) {
	spec, err := collectionSpec(collection)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, spec.Name)
	if err := db.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrStorageReadFailed, collection, err)
	}
	return count, nil
}

// StoreLesson upserts a lesson.
func (db *DB) StoreLesson(ctx context.Context, lesson *schema.Lesson) error {
	if err := lesson.Validate(); err != nil {
		return fmt.Errorf("%w: lesson: %w", ErrInvalidRecord, err)
	}
	return db.Put(ctx, schema.CollectionLessons, lesson)
}

// GetLesson returns the lesson with id, or nil if it isn't cached.
func (db *DB) GetLesson(ctx context.Context, id string) (*schema.Lesson, error) {
	var lesson schema.Lesson
	found, err := db.Get(ctx, schema.CollectionLessons, id, &lesson)
	if err != nil || !found {
		return nil, err
	}
	return &lesson, nil
}

// GetLessonsByCourse returns the cached lessons of a course.
func (db *DB) GetLessonsByCourse(ctx context.Context, courseID string) ([]*schema.Lesson, error) {
	return decodeAll[schema.Lesson](db.GetByIndex(ctx, schema.CollectionLessons, "courseId", courseID))
}

// StoreCourse upserts a course. Embedded lessons are stored with it as
// part of the document; use StoreLesson to make them individually addressable.
func (db *DB) StoreCourse(ctx context.Context, course *schema.Course) error {
	if err := course.Validate(); err != nil {
		return fmt.Errorf("%w: course: %w", ErrInvalidRecord, err)
	}
	return db.Put(ctx, schema.CollectionCourses, course)
}

// GetCoursesBySubject returns the cached courses of a subject.
func (db *DB) GetCoursesBySubject(ctx context.Context, subjectID string) ([]*schema.Course, error) {
	return decodeAll[schema.Course](db.GetByIndex(ctx, schema.CollectionCourses, "subjectId", subjectID))
}

// StoreSubject upserts a subject.
func (db *DB) StoreSubject(ctx context.Context, subject *schema.Subject) error {
	if err := subject.Validate(); err != nil {
		return fmt.Errorf("%w: subject: %w", ErrInvalidRecord, err)
	}
	return db.Put(ctx, schema.CollectionSubjects, subject)
}

// StoreProgress upserts a progress record.
func (db *DB) StoreProgress(ctx context.Context, progress *schema.Progress) error {
	if err := progress.Validate(); err != nil {
		return fmt.Errorf("%w: progress: %w", ErrInvalidRecord, err)
	}
	return db.Put(ctx, schema.CollectionProgress, progress)
}

// GetProgressByStudent returns all cached progress of a student.
func (db *DB) GetProgressByStudent(ctx context.Context, studentID string) ([]*schema.Progress, error) {
	return decodeAll[schema.Progress](db.GetByIndex(ctx, schema.CollectionProgress, "studentId", studentID))
}

func decodeAll[T any](docs []json.RawMessage, err error) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("%w: decode record: %w", ErrStorageReadFailed, err)
		}
		out = append(out, &v)
	}
	return out, nil
}
