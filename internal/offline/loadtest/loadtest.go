// Package loadtest exercises the local store under concurrent access.
//
// It simulates a device where the UI reads cached lessons and progress while
// the sync engine appends queue items, and checks that reads stay fast and
// queue ids stay strictly increasing.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/queue"
	"github.com/learnpath/learnsync/internal/offline/schema"
)

// TestStore is a populated store for load testing.
type TestStore struct {
	DB         *db.DB
	Queue      *queue.Queue
	CourseIDs  []string
	LessonIDs  []string
	StudentIDs []string
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// MixedResult is the outcome of RunMixed.
type MixedResult struct {
	Reads    *LatencyStats
	Writes   *LatencyStats
	Enqueued int
}

// CreateTestStore opens a store at path and fills it with courses, their
// lessons, and one progress record per student and lesson of the first
// course.
func CreateTestStore(ctx context.Context, path string, numCourses, lessonsPerCourse, numStudents int) (*TestStore, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := database.InitSchema(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ts := &TestStore{DB: database, Queue: queue.New(database)}
	now := time.Now().UTC()

	for c := 0; c < numCourses; c++ {
		course := &schema.Course{
			ID:         fmt.Sprintf("course-%03d", c),
			SubjectID:  fmt.Sprintf("subject-%d", c%4),
			Title:      fmt.Sprintf("Course %d", c),
			GradeLevel: 1 + c%8,
			IsActive:   true,
			UpdatedAt:  now,
		}
		if err := database.StoreCourse(ctx, course); err != nil {
			ts.Close()
			return nil, err
		}
		ts.CourseIDs = append(ts.CourseIDs, course.ID)

		for l := 0; l < lessonsPerCourse; l++ {
			lesson := &schema.Lesson{
				ID:        fmt.Sprintf("%s-lesson-%03d", course.ID, l),
				CourseID:  course.ID,
				Title:     fmt.Sprintf("Lesson %d", l),
				Order:     l,
				UpdatedAt: now,
			}
			if err := database.StoreLesson(ctx, lesson); err != nil {
				ts.Close()
				return nil, err
			}
			ts.LessonIDs = append(ts.LessonIDs, lesson.ID)
		}
	}

	for s := 0; s < numStudents; s++ {
		student := fmt.Sprintf("student-%03d", s)
		ts.StudentIDs = append(ts.StudentIDs, student)
		for l := 0; l < lessonsPerCourse && l < len(ts.LessonIDs); l++ {
			p := &schema.Progress{
				ID:        fmt.Sprintf("%s-%s", student, ts.LessonIDs[l]),
				StudentID: student,
				LessonID:  ts.LessonIDs[l],
				Score:     rand.IntN(101),
				Completed: rand.IntN(2) == 0,
				UpdatedAt: now,
			}
			if err := database.StoreProgress(ctx, p); err != nil {
				ts.Close()
				return nil, err
			}
		}
	}

	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.DB != nil {
		return ts.DB.Close()
	}
	return nil
}

// read performs one random index lookup, the UI's typical access.
func (ts *TestStore) read(ctx context.Context) error {
	if len(ts.StudentIDs) > 0 && rand.IntN(2) == 0 {
		_, err := ts.DB.GetProgressByStudent(ctx, ts.StudentIDs[rand.IntN(len(ts.StudentIDs))])
		return err
	}
	if len(ts.CourseIDs) == 0 {
		return nil
	}
	_, err := ts.DB.GetLessonsByCourse(ctx, ts.CourseIDs[rand.IntN(len(ts.CourseIDs))])
	return err
}

// RunConcurrentReads runs readers goroutines each doing queriesPerReader
// lookups and returns the aggregated latency.
func (ts *TestStore) RunConcurrentReads(ctx context.Context, readers, queriesPerReader int) (*LatencyStats, error) {
	var (
		mu    sync.Mutex
		all   []time.Duration
		fails int
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			durations := make([]time.Duration, 0, queriesPerReader)
			errs := 0
			for j := 0; j < queriesPerReader; j++ {
				start := time.Now()
				if err := ts.read(gctx); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					errs++
					continue
				}
				durations = append(durations, time.Since(start))
			}

			mu.Lock()
			all = append(all, durations...)
			fails += errs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = fails
	return stats, nil
}

// RunMixed reads with readers goroutines while one writer enqueues writes
// items, then verifies the queue holds exactly those items in strictly
// increasing id order.
func (ts *TestStore) RunMixed(ctx context.Context, readers, writes int) (*MixedResult, error) {
	before, err := ts.Queue.Len(ctx)
	if err != nil {
		return nil, err
	}

	writeCtx, stopReaders := context.WithCancel(ctx)
	defer stopReaders()

	var (
		mu        sync.Mutex
		readDur   []time.Duration
		readFails int
	)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for writeCtx.Err() == nil {
				start := time.Now()
				err := ts.read(writeCtx)
				elapsed := time.Since(start)

				mu.Lock()
				if err != nil && writeCtx.Err() == nil {
					readFails++
				} else if err == nil {
					readDur = append(readDur, elapsed)
				}
				mu.Unlock()
			}
		}()
	}

	writeDur := make([]time.Duration, 0, writes)
	var writeErr error
	for i := 0; i < writes; i++ {
		student := "student-000"
		if len(ts.StudentIDs) > 0 {
			student = ts.StudentIDs[i%len(ts.StudentIDs)]
		}
		payload, _ := json.Marshal(schema.PointsDelta{StudentID: student, PointsToAdd: 1 + i%10})
		start := time.Now()
		if _, err := ts.Queue.Enqueue(ctx, schema.KindPoints, schema.ActionUpsert, payload); err != nil {
			writeErr = fmt.Errorf("enqueue %d failed: %w", i, err)
			break
		}
		writeDur = append(writeDur, time.Since(start))
	}

	stopReaders()
	wg.Wait()
	if writeErr != nil {
		return nil, writeErr
	}

	if err := ts.VerifyQueueOrder(ctx, before+writes); err != nil {
		return nil, err
	}

	result := &MixedResult{
		Reads:    computeLatencyStats(readDur),
		Writes:   computeLatencyStats(writeDur),
		Enqueued: len(writeDur),
	}
	result.Reads.Errors = readFails
	return result, nil
}

// VerifyQueueOrder checks the queue holds want items with strictly
// increasing ids.
func (ts *TestStore) VerifyQueueOrder(ctx context.Context, want int) error {
	items, err := ts.Queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(items) != want {
		return fmt.Errorf("expected %d queued items, found %d", want, len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].ID <= items[i-1].ID {
			return fmt.Errorf("queue ids not strictly increasing at position %d: %d after %d",
				i, items[i].ID, items[i-1].ID)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
