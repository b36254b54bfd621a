package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, courses, lessons, students int) *TestStore {
	t.Helper()
	ts, err := CreateTestStore(context.Background(), filepath.Join(t.TempDir(), "load.db"), courses, lessons, students)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

func TestCreateTestStore(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t, 5, 10, 3)

	assert.Len(t, ts.CourseIDs, 5)
	assert.Len(t, ts.LessonIDs, 50)
	assert.Len(t, ts.StudentIDs, 3)

	lessons, err := ts.DB.GetLessonsByCourse(ctx, ts.CourseIDs[2])
	require.NoError(t, err)
	assert.Len(t, lessons, 10)

	progress, err := ts.DB.GetProgressByStudent(ctx, ts.StudentIDs[0])
	require.NoError(t, err)
	assert.Len(t, progress, 10)
}

func TestConcurrentReads(t *testing.T) {
	ts := newTestStore(t, 10, 10, 5)

	stats, err := ts.RunConcurrentReads(context.Background(), 8, 25)
	require.NoError(t, err)
	assert.Equal(t, 200, stats.TotalQueries)
	assert.Zero(t, stats.Errors)
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.P99)
	assert.LessOrEqual(t, stats.P99, stats.Max)
	t.Logf("reads: p50=%v p99=%v", stats.P50, stats.P99)
}

func TestMixedReadWrite(t *testing.T) {
	ts := newTestStore(t, 5, 5, 4)

	result, err := ts.RunMixed(context.Background(), 4, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, result.Enqueued)
	assert.Equal(t, 100, result.Writes.TotalQueries)
	assert.Zero(t, result.Reads.Errors)

	// A second run appends after the first.
	result, err = ts.RunMixed(context.Background(), 2, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, result.Enqueued)
	require.NoError(t, ts.VerifyQueueOrder(context.Background(), 120))
}

func TestVerifyQueueOrderCountMismatch(t *testing.T) {
	ts := newTestStore(t, 1, 1, 1)
	assert.Error(t, ts.VerifyQueueOrder(context.Background(), 3))
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)

	assert.Equal(t, &LatencyStats{}, computeLatencyStats(nil))

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	assert.Contains(t, buf.String(), "Total Queries: 100")
}
