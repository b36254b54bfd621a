package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnpath/learnsync/internal/offline/db"
)

var errNetworkDown = errors.New("network down")

// switchTransport forwards to http.DefaultTransport until switched off.
type switchTransport struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errNetworkDown
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for _, route := range DefaultShellRoutes {
		route := route
		mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != route {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "<html>page %s</html>", route)
		})
	}
	mux.HandleFunc("/lessons/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q,"q":%q}`, r.URL.Path, r.URL.RawQuery)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func newTestInterceptor(t *testing.T, store *db.DB, m Manifest) (*Interceptor, *switchTransport) {
	t.Helper()
	tr := &switchTransport{}
	i, err := New(store, m, WithTransport(tr))
	require.NoError(t, err)
	return i, tr
}

func get(t *testing.T, client *http.Client, rawURL string, header map[string]string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}

func TestInstalledShellRouteServedWhenNetworkFails(t *testing.T) {
	origin := newOrigin(t)
	i, tr := newTestInterceptor(t, setupTestDB(t), DefaultManifest(origin.URL))
	require.NoError(t, i.Install(context.Background()))

	tr.down.Store(true)
	client := &http.Client{Transport: i}

	resp, body, err := get(t, client, origin.URL+"/student/dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>page /student/dashboard</html>", body)
	assert.Equal(t, "hit", resp.Header.Get(CacheHeader))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestNavigationMissServesOfflinePage(t *testing.T) {
	origin := newOrigin(t)
	i, tr := newTestInterceptor(t, setupTestDB(t), DefaultManifest(origin.URL))
	require.NoError(t, i.Install(context.Background()))

	tr.down.Store(true)
	client := &http.Client{Transport: i}

	resp, body, err := get(t, client, origin.URL+"/student/lessons/42", map[string]string{"Sec-Fetch-Mode": "navigate"})
	require.NoError(t, err)
	assert.Equal(t, "<html>page /offline</html>", body)
	assert.Equal(t, "offline", resp.Header.Get(CacheHeader))

	_, body, err = get(t, client, origin.URL+"/instructor", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	require.NoError(t, err)
	assert.Equal(t, "<html>page /offline</html>", body)
}

func TestNonNavigationMissPropagatesError(t *testing.T) {
	origin := newOrigin(t)
	i, tr := newTestInterceptor(t, setupTestDB(t), DefaultManifest(origin.URL))
	require.NoError(t, i.Install(context.Background()))

	tr.down.Store(true)
	client := &http.Client{Transport: i}

	_, _, err := get(t, client, origin.URL+"/api/data.json", map[string]string{"Accept": "application/json"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNetworkDown)
}

func TestWriteThrough(t *testing.T) {
	origin := newOrigin(t)
	i, tr := newTestInterceptor(t, setupTestDB(t), DefaultManifest(origin.URL))
	client := &http.Client{Transport: i}

	resp, live, err := get(t, client, origin.URL+"/lessons/7?lang=sw", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(CacheHeader))

	cached, err := i.Cache().Get(context.Background(), "/lessons/7?lang=sw")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, live, string(cached.Body))

	tr.down.Store(true)
	resp, body, err := get(t, client, origin.URL+"/lessons/7?lang=sw", nil)
	require.NoError(t, err)
	assert.Equal(t, live, body)
	assert.Equal(t, "hit", resp.Header.Get(CacheHeader))

	// A different query is a different identity.
	_, _, err = get(t, client, origin.URL+"/lessons/7?lang=en", nil)
	assert.Error(t, err)
}

func TestNonSuccessStatusFallsBackToCache(t *testing.T) {
	origin := newOrigin(t)
	store := setupTestDB(t)
	i, _ := newTestInterceptor(t, store, DefaultManifest(origin.URL))
	client := &http.Client{Transport: i}

	// Nothing cached: the original 500 comes back.
	resp, body, err := get(t, client, origin.URL+"/broken", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "boom")

	require.NoError(t, i.Cache().Put(context.Background(), "/broken", http.StatusOK, http.Header{}, []byte("last good")))
	resp, body, err = get(t, client, origin.URL+"/broken", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "last good", body)
}

func TestPassthroughTraffic(t *testing.T) {
	origin := newOrigin(t)
	other := newOrigin(t)
	store := setupTestDB(t)
	i, tr := newTestInterceptor(t, store, DefaultManifest(origin.URL))
	client := &http.Client{Transport: i}

	resp, err := client.Post(origin.URL+"/lessons/1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	_, _, err = get(t, client, other.URL+"/lessons/1", nil)
	require.NoError(t, err)

	gens, err := store.ListGenerations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gens, "POST and cross-origin responses are not cached")
	assert.EqualValues(t, 2, tr.calls.Load())
}

func TestInstallIsAllOrNothing(t *testing.T) {
	origin := newOrigin(t)
	store := setupTestDB(t)
	m := DefaultManifest(origin.URL)
	m.ShellRoutes = append(m.ShellRoutes, "/missing")

	i, _ := newTestInterceptor(t, store, m)
	err := i.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing")

	gens, err := store.ListGenerations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestActivatePurgesOldGenerations(t *testing.T) {
	origin := newOrigin(t)
	store := setupTestDB(t)
	ctx := context.Background()

	old, _ := newTestInterceptor(t, store, DefaultManifest(origin.URL))
	require.NoError(t, old.Install(ctx))

	m := DefaultManifest(origin.URL)
	m.Generation = "gamified-learning-v2"
	current, tr := newTestInterceptor(t, store, m)
	require.NoError(t, current.InstallStatic(ctx, map[string][]byte{
		"/offline": []byte("bundled offline page"),
	}))

	purged, err := current.Activate(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(old.Manifest().Routes()), purged)

	gens, err := current.Cache().Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gamified-learning-v2"}, gens)

	tr.down.Store(true)
	_, body, err := get(t, &http.Client{Transport: current}, origin.URL+"/anything", map[string]string{"Sec-Fetch-Mode": "navigate"})
	require.NoError(t, err)
	assert.Equal(t, "bundled offline page", body)
}

func TestHandlerProxiesWithFallback(t *testing.T) {
	origin := newOrigin(t)
	i, tr := newTestInterceptor(t, setupTestDB(t), DefaultManifest(origin.URL))
	require.NoError(t, i.Install(context.Background()))

	proxy := httptest.NewServer(i.Handler())
	defer proxy.Close()

	_, body, err := get(t, http.DefaultClient, proxy.URL+"/auth/login", nil)
	require.NoError(t, err)
	assert.Equal(t, "<html>page /auth/login</html>", body)

	tr.down.Store(true)
	resp, body, err := get(t, http.DefaultClient, proxy.URL+"/student/dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>page /student/dashboard</html>", body)

	resp, _, err = get(t, http.DefaultClient, proxy.URL+"/api/x", map[string]string{"Accept": "application/json"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   bool
	}{
		{"fetch mode navigate", map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{"fetch mode cors wins over accept", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, false},
		{"html accept", map[string]string{"Accept": "text/html,*/*"}, true},
		{"json accept", map[string]string{"Accept": "application/json"}, false},
		{"no headers", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, IsNavigation(req))
		})
	}
}

func TestKey(t *testing.T) {
	for raw, want := range map[string]string{
		"http://x":              "/",
		"http://x/":             "/",
		"http://x/a/b":          "/a/b",
		"http://x/a?b=1&c=2":    "/a?b=1&c=2",
		"http://x/a%20b?q=%20x": "/a%20b?q=%20x",
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, Key(u), raw)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
generation: school-v3
origin: https://learn.example.org
shell_routes:
  - /
  - /student/dashboard
`), 0o644))
	m, err := LoadManifest(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "school-v3", m.Generation)
	assert.Equal(t, []string{"/", "/student/dashboard"}, m.ShellRoutes)
	assert.Equal(t, DefaultOfflineRoute, m.OfflineRoute)
	assert.Equal(t, []string{"/", "/student/dashboard", "/offline"}, m.Routes())

	tomlPath := filepath.Join(dir, "manifest.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
origin = "http://localhost:3000"
offline_route = "/sin-conexion"
`), 0o644))
	m, err = LoadManifest(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultGeneration, m.Generation)
	assert.Equal(t, "/sin-conexion", m.OfflineRoute)
	assert.Equal(t, DefaultShellRoutes, m.ShellRoutes)

	bad := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("shell_routes: [relative]\norigin: http://x\n"), 0o644))
	_, err = LoadManifest(bad)
	assert.Error(t, err)

	_, err = LoadManifest(filepath.Join(dir, "manifest.json"))
	assert.Error(t, err)
}

func TestNewRejectsBadManifest(t *testing.T) {
	_, err := New(setupTestDB(t), Manifest{Generation: "g", Origin: "not-absolute"})
	assert.Error(t, err)
	_, err = New(nil, DefaultManifest("http://x"))
	assert.Error(t, err)
}
