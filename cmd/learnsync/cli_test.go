package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnpath/learnsync/internal/config"
	"github.com/learnpath/learnsync/internal/offline/connectivity"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

func withConfig(t *testing.T, mutate func(*config.Config)) {
	t.Helper()
	c := &config.Config{DataDir: t.TempDir()}
	c.Backend.Type = "http"
	if mutate != nil {
		mutate(c)
	}
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("2026-03-09T08:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC), got)

	got, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSince("yesterday", now)
	require.NoError(t, err)
	assert.True(t, got.Before(now))
	assert.True(t, got.After(now.Add(-48*time.Hour)))

	_, err = parseSince("qwzx", now)
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	got, err := readPayload([]string{`{"a":1}`}, "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	got, err = readPayload([]string{"-"}, "", strings.NewReader(`{"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(got))

	path := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"c":3}`), 0o644))
	got, err = readPayload(nil, path, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":3}`, string(got))

	_, err = readPayload(nil, "", nil)
	assert.Error(t, err)
	_, err = readPayload([]string{"{not json"}, "", nil)
	assert.Error(t, err)
}

func TestDetectOnline(t *testing.T) {
	ctx := context.Background()
	monitor := connectivity.NewMonitor(false, nil)

	t.Run("flag file wins", func(t *testing.T) {
		flag := filepath.Join(t.TempDir(), "network")
		require.NoError(t, os.WriteFile(flag, []byte("online"), 0o644))
		withConfig(t, func(c *config.Config) {
			c.Connectivity.FlagFile = flag
			c.Connectivity.ProbeURL = "http://127.0.0.1:1/health"
		})
		online, err := detectOnline(ctx, monitor)
		require.NoError(t, err)
		assert.True(t, online)
	})

	t.Run("probe", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
		}))
		defer srv.Close()
		withConfig(t, func(c *config.Config) { c.Backend.URL = srv.URL })

		online, err := detectOnline(ctx, monitor)
		require.NoError(t, err)
		assert.True(t, online)
	})

	t.Run("initial state", func(t *testing.T) {
		withConfig(t, func(c *config.Config) { c.Connectivity.InitialOnline = true })
		online, err := detectOnline(ctx, monitor)
		require.NoError(t, err)
		assert.True(t, online)
	})
}

func TestManifestFromConfig(t *testing.T) {
	withConfig(t, func(c *config.Config) {
		c.Cache.Origin = "https://app.example.com"
		c.Cache.Generation = "v7"
		c.Cache.ShellRoutes = []string{"/", "/lessons"}
	})
	m, err := manifest()
	require.NoError(t, err)
	assert.Equal(t, "v7", m.Generation)
	assert.Equal(t, []string{"/", "/lessons", "/offline"}, m.Routes())

	withConfig(t, nil)
	_, err = manifest()
	assert.Error(t, err, "origin is required")
}

func TestOpenAppAndSubmitOffline(t *testing.T) {
	withConfig(t, func(c *config.Config) {
		c.Backend.URL = "http://127.0.0.1:1"
		c.Sync.MaxAttempts = 3
	})
	ctx := context.Background()

	a, err := openApp(ctx, nil)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.orch.Submit(ctx, "points", []byte(`{"student_id":"s1","points_to_add":2}`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ItemID)

	n, err := a.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "offline.db"))
}

func TestOpenAppWithUnreachableMySQL(t *testing.T) {
	withConfig(t, func(c *config.Config) {
		c.Backend.Type = "mysql"
		c.Backend.MySQL.Host = "127.0.0.1"
		c.Backend.MySQL.Port = 1
		c.Backend.MySQL.User = "sync"
		c.Backend.MySQL.Database = "learn"
		c.Connectivity.InitialOnline = true
	})
	ctx := context.Background()

	a, err := openApp(ctx, nil)
	require.NoError(t, err, "an unreachable backend must not block startup")
	defer a.Close()

	res, err := a.orch.Submit(ctx, "points", []byte(`{"student_id":"s1","points_to_add":2}`))
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StatusDeferred, res.Status)

	n, err := a.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"daemon"}, {"sync"}, {"status"}, {"submit"}, {"progress"}, {"queue"},
		{"deadletter", "requeue"}, {"cache", "install"}, {"import"}, {"bench"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
