package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names.
const (
	CollectionLessons  = "lessons"
	CollectionCourses  = "courses"
	CollectionSubjects = "subjects"
	CollectionProgress = "progress"
)

// CollectionSpec describes one keyed collection and its secondary indexes.
type CollectionSpec struct {
	Name    string
	Indexes []string
}

// HasIndex reports whether name is a declared secondary index.
func (c CollectionSpec) HasIndex(name string) bool {
	for _, idx := range c.Indexes {
		if idx == name {
			return true
		}
	}
	return false
}

// Collections is the persisted record schema. The sync queue is not listed
// here; it has its own table with an auto-increment key.
var Collections = []CollectionSpec{
	{Name: CollectionLessons, Indexes: []string{"courseId"}},
	{Name: CollectionCourses, Indexes: []string{"subjectId"}},
	{Name: CollectionSubjects},
	{Name: CollectionProgress, Indexes: []string{"studentId", "lessonId"}},
}

// LookupCollection returns the spec for name.
func LookupCollection(name string) (CollectionSpec, bool) {
	for _, c := range Collections {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionSpec{}, false
}

// Record is any document that can be stored in a collection.
type Record interface {
	// RecordKey returns the stable unique key of the record.
	RecordKey() string
}

// RawRecord is a record the caller already holds as JSON. The key is read
// from the document's "id" field.
type RawRecord json.RawMessage

// RecordKey implements Record.
func (r RawRecord) RecordKey() string {
	var doc struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(r, &doc); err != nil || len(doc.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(doc.ID, &s); err == nil {
		return s
	}
	// numeric ids are kept in their JSON spelling
	return string(doc.ID)
}

// MarshalJSON returns the raw document.
func (r RawRecord) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// Lesson is a single unit of course content.
type Lesson struct {
	ID        string          `json:"id"`
	CourseID  string          `json:"courseId"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content,omitempty"`
	Order     int             `json:"order,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RecordKey implements Record.
func (l *Lesson) RecordKey() string { return l.ID }

// Validate checks required fields.
func (l *Lesson) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.CourseID == "" {
		return fmt.Errorf("courseId is required")
	}
	return nil
}

// Course groups lessons for a grade level.
type Course struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subjectId"`
	Title      string    `json:"title"`
	GradeLevel int       `json:"gradeLevel,omitempty"`
	IsActive   bool      `json:"isActive"`
	Lessons    []Lesson  `json:"lessons,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RecordKey implements Record.
func (c *Course) RecordKey() string { return c.ID }

// Validate checks required fields.
func (c *Course) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.SubjectID == "" {
		return fmt.Errorf("subjectId is required")
	}
	return nil
}

// Subject is a top-level area of study.
type Subject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecordKey implements Record.
func (s *Subject) RecordKey() string { return s.ID }

// Validate checks required fields.
func (s *Subject) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// Progress is a student's result on one lesson. The remote backend keys it by
// (studentId, lessonId); locally it is keyed by ID.
type Progress struct {
	ID        string    `json:"id"`
	StudentID string    `json:"studentId"`
	LessonID  string    `json:"lessonId"`
	Score     int       `json:"score"`
	Completed bool      `json:"completed"`
	TimeSpent int       `json:"timeSpent,omitempty"` // seconds
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecordKey implements Record.
func (p *Progress) RecordKey() string { return p.ID }

// Validate checks required fields.
func (p *Progress) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.StudentID == "" {
		return fmt.Errorf("studentId is required")
	}
	if p.LessonID == "" {
		return fmt.Errorf("lessonId is required")
	}
	if p.Score < 0 {
		return fmt.Errorf("score must not be negative (got %d)", p.Score)
	}
	return nil
}
