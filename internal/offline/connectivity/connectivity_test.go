package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorIsEdgeTriggered(t *testing.T) {
	m := NewMonitor(false, nil)
	events, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.Set(false), "same state must not emit")
	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true))
	assert.True(t, m.Set(false))

	require.Len(t, events, 2)
	first := <-events
	second := <-events
	assert.True(t, first.Online)
	assert.False(t, second.Online)
	assert.False(t, first.At.IsZero())
}

func TestMonitorInitialState(t *testing.T) {
	assert.True(t, NewMonitor(true, nil).IsOnline())
	assert.False(t, NewMonitor(false, nil).IsOnline())
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor(true, nil)
	events, cancel := m.Subscribe()
	other, cancelOther := m.Subscribe()
	defer cancelOther()
	assert.Equal(t, 2, m.SubscriberCount())

	cancel()
	cancel()
	assert.Equal(t, 1, m.SubscriberCount())

	_, ok := <-events
	assert.False(t, ok, "channel is closed after unsubscribe")

	m.Set(false)
	ev := <-other
	assert.False(t, ev.Online)
}

func TestMonitorDropsForFullSubscriber(t *testing.T) {
	m := NewMonitor(false, nil)
	events, cancel := m.Subscribe()
	defer cancel()

	// Nobody reads; Set must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			m.Set(i%2 == 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Set blocked on a full subscriber")
	}
	assert.Len(t, events, subscriberBuffer)
}

func TestProbeClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p, err := NewProbeSource(NewMonitor(false, nil), ProbeConfig{URL: srv.URL, Interval: time.Millisecond}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, p.Probe(ctx))

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, p.Probe(ctx))
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewProbeSource(NewMonitor(true, nil), ProbeConfig{URL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.False(t, p.Probe(context.Background()))
}

func TestProbeRunFeedsMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor(false, nil)
	p, err := NewProbeSource(m, ProbeConfig{URL: srv.URL, Interval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, m.IsOnline, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
}

func TestNewProbeSourceValidation(t *testing.T) {
	_, err := NewProbeSource(nil, ProbeConfig{URL: "http://x"}, nil)
	assert.Error(t, err)
	_, err = NewProbeSource(NewMonitor(false, nil), ProbeConfig{}, nil)
	assert.Error(t, err)
}

func TestReadFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "online")

	online, err := ReadFlag(path)
	require.NoError(t, err)
	assert.False(t, online, "missing file means offline")

	tests := map[string]bool{
		"":          true,
		"online\n":  true,
		"1":         true,
		"offline":   false,
		" OFFLINE ": false,
		"0":         false,
		"false":     false,
	}
	for content, want := range tests {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		got, err := ReadFlag(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, "content %q", content)
	}
}

func TestFileSourceTracksFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.flag")

	m := NewMonitor(true, nil)
	src, err := NewFileSource(m, path, nil)
	require.NoError(t, err)

	require.NoError(t, src.Start())
	defer src.Stop()
	assert.True(t, src.IsRunning())
	assert.False(t, m.IsOnline(), "missing flag applied on start")

	require.NoError(t, os.WriteFile(path, []byte("online"), 0o644))
	require.Eventually(t, m.IsOnline, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("offline"), 0o644))
	require.Eventually(t, func() bool { return !m.IsOnline() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	require.Eventually(t, m.IsOnline, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return !m.IsOnline() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, src.Stop())
	assert.False(t, src.IsRunning())
}

func TestFileSourceStartTwice(t *testing.T) {
	src, err := NewFileSource(NewMonitor(false, nil), filepath.Join(t.TempDir(), "flag"), nil)
	require.NoError(t, err)
	require.NoError(t, src.Start())
	defer src.Stop()

	assert.Error(t, src.Start())
}
