package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

func newRecordingServer(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body), Header: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":"nope"}`)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestHTTPBackendRoutes(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK)

	b, err := NewHTTPBackend(srv.URL+"/api/", WithHeader("X-Api-Key", "secret"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.UpsertProgress(ctx, json.RawMessage(`{"student":"s1","lesson":"l1","score":90}`)))
	require.NoError(t, b.ApplyPointsDelta(ctx, "s1", 15))
	require.NoError(t, b.Upsert(ctx, "badge", json.RawMessage(`{"id":"b1"}`)))

	reqs := requests()
	require.Len(t, reqs, 3)

	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/progress", reqs[0].Path)
	assert.JSONEq(t, `{"student":"s1","lesson":"l1","score":90}`, reqs[0].Body)
	assert.Equal(t, "secret", reqs[0].Header.Get("X-Api-Key"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))

	assert.Equal(t, "/api/points", reqs[1].Path)
	assert.JSONEq(t, `{"student_id":"s1","points_to_add":15}`, reqs[1].Body)

	assert.Equal(t, "/api/records/badge", reqs[2].Path)
}

func TestHTTPBackendErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusConflict, true},
		{http.StatusRequestEntityTooLarge, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newRecordingServer(t, tt.status)
			b, err := NewHTTPBackend(srv.URL)
			require.NoError(t, err)

			err = b.UpsertProgress(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRemoteWriteFailed))
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPBackendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	b, err := NewHTTPBackend(base)
	require.NoError(t, err)

	err = b.ApplyPointsDelta(context.Background(), "s1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteWriteFailed)
	assert.False(t, IsPermanent(err))
}

func TestNewHTTPBackendRejectsBadURL(t *testing.T) {
	_, err := NewHTTPBackend("not a url")
	assert.Error(t, err)
	_, err = NewHTTPBackend("/relative")
	assert.Error(t, err)
}

func TestPermanentWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := fmt.Errorf("%w: bad", ErrRemoteWriteFailed)
	err := fmt.Errorf("dispatch: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrRemoteWriteFailed)
	assert.False(t, IsPermanent(base))
}

func TestExtractProgressSpellings(t *testing.T) {
	tests := map[string]string{
		"camel": `{"studentId":"s1","lessonId":"l1","score":90,"timeSpent":30,"completed":true}`,
		"snake": `{"student_id":"s1","lesson_id":"l1","score":90,"time_spent":30,"status":"completed"}`,
		"short": `{"student":"s1","lesson":"l1","score":90,"timeSpent":30,"completed":true}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := extractProgress(json.RawMessage(payload))
			require.NoError(t, err)
			assert.Equal(t, progressFields{StudentID: "s1", LessonID: "l1", Score: 90, Completed: true, TimeSpent: 30}, f)
		})
	}
}

func TestExtractProgressRejects(t *testing.T) {
	_, err := extractProgress(json.RawMessage(`{"score":1}`))
	assert.True(t, IsPermanent(err))

	_, err = extractProgress(json.RawMessage(`{not json`))
	assert.True(t, IsPermanent(err))
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLConfig{Host: "db.local", User: "sync", Password: "pw", Database: "learn"}.DSN()
	assert.True(t, strings.HasPrefix(dsn, "sync:pw@tcp(db.local:3306)/learn"), dsn)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "timeout=5s")

	parsed, err := mysql.ParseDSN(MySQLConfig{Host: "h", Port: 3307, User: "u", Database: "d"}.DSN())
	require.NoError(t, err)
	assert.Equal(t, "h:3307", parsed.Addr)
}

func TestClassifyMySQL(t *testing.T) {
	dataErr := fmt.Errorf("%w: %w", ErrRemoteWriteFailed, &mysql.MySQLError{Number: 1406, Message: "Data too long"})
	assert.True(t, IsPermanent(classifyMySQL(dataErr)))

	lockErr := fmt.Errorf("%w: %w", ErrRemoteWriteFailed, &mysql.MySQLError{Number: 1213, Message: "Deadlock"})
	assert.False(t, IsPermanent(classifyMySQL(lockErr)))

	netErr := fmt.Errorf("%w: %w", ErrRemoteWriteFailed, errors.New("connection refused"))
	assert.False(t, IsPermanent(classifyMySQL(netErr)))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(mysqlSchema)
	require.Len(t, stmts, 3)
	for _, s := range stmts {
		assert.True(t, strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS"))
	}
}

func TestMySQLBackendUnreachableDefersWrites(t *testing.T) {
	b, err := OpenMySQL(MySQLConfig{Host: "127.0.0.1", Port: 1, User: "u", Database: "d"}, nil)
	require.NoError(t, err, "opening must not dial")
	defer b.Close()

	ctx := context.Background()
	err = b.ApplyPointsDelta(ctx, "s1", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteWriteFailed)
	assert.False(t, IsPermanent(err))

	err = b.UpsertProgress(ctx, json.RawMessage(`{"studentId":"s1","lessonId":"l1","score":1}`))
	assert.ErrorIs(t, err, ErrRemoteWriteFailed)
	assert.False(t, IsPermanent(err))

	// Payload validation still runs before any connection attempt.
	err = b.Upsert(ctx, "badge", json.RawMessage(`{"name":"x"}`))
	assert.True(t, IsPermanent(err))
}
