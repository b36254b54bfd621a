package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/learnpath/learnsync/internal/metrics"
	"github.com/learnpath/learnsync/internal/offline/connectivity"
	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/intercept"
	"github.com/learnpath/learnsync/internal/offline/queue"
	"github.com/learnpath/learnsync/internal/offline/remote"
	"github.com/learnpath/learnsync/internal/offline/schema"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

// app holds the components shared by the commands.
type app struct {
	store    *db.DB
	queue    *queue.Queue
	monitor  *connectivity.Monitor
	orch     *syncpkg.Orchestrator
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	closers []func() error
}

// Close releases the backend connection and the store.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
}

// openStore opens and initializes the local database.
func openStore(ctx context.Context) (*db.DB, error) {
	if cfg.Database == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	store, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// openApp builds the store, backend and orchestrator. hooks may set the
// OnDrain and OnSubmit callbacks.
func openApp(ctx context.Context, hooks func(*syncpkg.Options)) (*app, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{
		store:    store,
		queue:    queue.New(store),
		monitor:  connectivity.NewMonitor(cfg.Connectivity.InitialOnline, logger),
		registry: prometheus.NewRegistry(),
		closers:  []func() error{store.Close},
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	backend, closeBackend, err := newBackend()
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeBackend != nil {
		a.closers = append(a.closers, closeBackend)
	}

	opts := syncpkg.DefaultOptions()
	opts.MaxAttempts = cfg.Sync.MaxAttempts
	for _, k := range cfg.Sync.GenericKinds {
		opts.GenericKinds = append(opts.GenericKinds, schema.Kind(k))
	}
	if cfg.Sync.RatePerSecond > 0 {
		burst := cfg.Sync.Burst
		if burst < 1 {
			burst = 1
		}
		opts.RateLimit = rate.NewLimiter(rate.Limit(cfg.Sync.RatePerSecond), burst)
	}
	opts.Logger = logger
	opts.Metrics = a.metrics
	if hooks != nil {
		hooks(&opts)
	}

	a.orch, err = syncpkg.New(a.queue, backend, a.monitor, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newBackend builds the configured remote backend without contacting it.
// The returned closer may be nil.
func newBackend() (remote.Backend, func() error, error) {
	switch cfg.Backend.Type {
	case "mysql":
		b, err := remote.OpenMySQL(cfg.Backend.MySQL, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		opts := []remote.HTTPOption{
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
			remote.WithLogger(logger),
		}
		if cfg.Backend.APIKey != "" {
			opts = append(opts, remote.WithHeader("Authorization", "Bearer "+cfg.Backend.APIKey))
		}
		b, err := remote.NewHTTPBackend(cfg.Backend.URL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	}
}

// sources builds the connectivity sources named in the config.
func sources(monitor *connectivity.Monitor) ([]connectivity.Source, error) {
	var out []connectivity.Source
	if url := probeURL(); url != "" {
		pc := connectivity.DefaultProbeConfig(url)
		if cfg.Connectivity.ProbeInterval > 0 {
			pc.Interval = cfg.Connectivity.ProbeInterval
		}
		if cfg.Connectivity.ProbeTimeout > 0 {
			pc.Timeout = cfg.Connectivity.ProbeTimeout
		}
		p, err := connectivity.NewProbeSource(monitor, pc, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if cfg.Connectivity.FlagFile != "" {
		f, err := connectivity.NewFileSource(monitor, cfg.Connectivity.FlagFile, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// probeURL falls back to the backend's health endpoint for HTTP backends.
func probeURL() string {
	if cfg.Connectivity.ProbeURL != "" {
		return cfg.Connectivity.ProbeURL
	}
	if cfg.Backend.Type == "http" && cfg.Backend.URL != "" {
		return cfg.Backend.URL + "/health"
	}
	return ""
}

// detectOnline takes a single reading for one-shot commands: the flag file
// wins, then one probe, then the configured initial state.
func detectOnline(ctx context.Context, monitor *connectivity.Monitor) (bool, error) {
	if cfg.Connectivity.FlagFile != "" {
		return connectivity.ReadFlag(cfg.Connectivity.FlagFile)
	}
	if url := probeURL(); url != "" {
		pc := connectivity.DefaultProbeConfig(url)
		if cfg.Connectivity.ProbeTimeout > 0 {
			pc.Timeout = cfg.Connectivity.ProbeTimeout
		}
		p, err := connectivity.NewProbeSource(monitor, pc, logger)
		if err != nil {
			return false, err
		}
		return p.Probe(ctx), nil
	}
	return cfg.Connectivity.InitialOnline, nil
}

// manifest resolves the cache manifest from a file or the inline settings.
func manifest() (intercept.Manifest, error) {
	if cfg.Cache.Manifest != "" {
		return intercept.LoadManifest(cfg.Cache.Manifest)
	}
	m := intercept.DefaultManifest(cfg.Cache.Origin)
	if cfg.Cache.Generation != "" {
		m.Generation = cfg.Cache.Generation
	}
	if len(cfg.Cache.ShellRoutes) > 0 {
		m.ShellRoutes = cfg.Cache.ShellRoutes
	}
	if cfg.Cache.OfflineRoute != "" {
		m.OfflineRoute = cfg.Cache.OfflineRoute
	}
	return m, m.Validate()
}

func newInterceptor(store *db.DB, m *metrics.Metrics) (*intercept.Interceptor, error) {
	mf, err := manifest()
	if err != nil {
		return nil, err
	}
	return intercept.New(store, mf, intercept.WithLogger(logger), intercept.WithMetrics(m))
}

func exitOnError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error %s: %v\n", msg, err)
		os.Exit(1)
	}
}
