// Package daemon runs the sync engine as a long-lived process.
//
// The daemon:
//  1. Feeds the connectivity monitor from its sources (probe, flag file)
//  2. Drains the queue on every reconnect and on a cron backstop
//  3. Imports content bundles dropped into a watched directory
//  4. Serves the local API and the caching proxy
//  5. Shuts everything down when its context is cancelled
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/learnpath/learnsync/internal/metrics"
	"github.com/learnpath/learnsync/internal/offline/connectivity"
	"github.com/learnpath/learnsync/internal/offline/dashboard"
	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/intercept"
	"github.com/learnpath/learnsync/internal/offline/migrate"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// Sources feed the connectivity monitor.
	Sources []connectivity.Source

	// Schedule is a cron spec for backstop drains; empty disables it.
	Schedule string

	// ImportDir is watched for *.jsonl content bundles; empty disables it.
	ImportDir string

	// DebounceInterval is how long a bundle must stay unchanged before it
	// is imported. This batches the writes of a file still being copied.
	DebounceInterval time.Duration

	// Dashboard serves the local API; nil disables it.
	Dashboard *dashboard.Server
	// Events receives connectivity transitions for the dashboard; may be nil.
	Events *dashboard.Handler

	// Interceptor backs a caching reverse proxy on ProxyAddr; nil disables it.
	Interceptor *intercept.Interceptor
	ProxyAddr   string
	// InstallOnStart fetches the shell routes into the cache at startup.
	InstallOnStart bool

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Schedule:         "@every 5m",
		DebounceInterval: 500 * time.Millisecond,
	}
}

// Daemon wires the engine's long-running parts together.
type Daemon struct {
	orch    *syncpkg.Orchestrator
	monitor *connectivity.Monitor
	store   *db.DB
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	changeQueue   map[string]time.Time // bundle path -> last event
	changeQueueMu sync.Mutex

	proxyAddr   string
	proxyAddrMu sync.Mutex
}

// New creates a daemon. Use Run to start it.
func New(orch *syncpkg.Orchestrator, monitor *connectivity.Monitor, store *db.DB, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Schedule != "" {
		if _, err := cron.ParseStandard(config.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", config.Schedule, err)
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := config.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	return &Daemon{
		orch:        orch,
		monitor:     monitor,
		store:       store,
		config:      config,
		logger:      logger.Named("daemon"),
		metrics:     m,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. In-flight drains finish before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon", zap.Bool("online", d.monitor.IsOnline()))

	// Setup that can fail runs before any goroutine is started.
	var watcher *fsnotify.Watcher
	if d.config.ImportDir != "" {
		var err error
		if watcher, err = d.watchImports(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before sources start so no transition is missed.
	events, unsubscribe := d.monitor.Subscribe()
	d.metrics.Online.Set(boolGauge(d.monitor.IsOnline()))
	g.Go(func() error {
		defer unsubscribe()
		d.watchConnectivity(gctx, events)
		return nil
	})

	g.Go(func() error { return d.orch.Run(gctx) })

	for _, src := range d.config.Sources {
		src := src
		g.Go(func() error { return src.Run(gctx) })
	}

	if d.config.Schedule != "" {
		g.Go(func() error { return d.runScheduler(gctx) })
	}

	if watcher != nil {
		g.Go(func() error { return d.processImports(gctx, watcher) })
	}

	if d.config.Dashboard != nil {
		g.Go(func() error { return d.config.Dashboard.Serve(gctx) })
	}

	if d.config.Interceptor != nil && d.config.ProxyAddr != "" {
		if d.config.InstallOnStart {
			if err := d.config.Interceptor.Install(ctx); err != nil {
				d.logger.Warn("cache install failed, serving previous generation", zap.Error(err))
			} else if _, err := d.config.Interceptor.Activate(ctx); err != nil {
				d.logger.Warn("cache activate failed", zap.Error(err))
			}
		}
		g.Go(func() error { return d.serveProxy(gctx) })
	}

	err := g.Wait()
	d.logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchConnectivity mirrors transitions into metrics and the dashboard.
func (d *Daemon) watchConnectivity(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.metrics.SetOnline(ev.Online)
			d.config.Events.OnConnectivity(ev)
		}
	}
}

// runScheduler triggers a drain on the configured schedule as a backstop for
// missed connectivity events.
func (d *Daemon) runScheduler(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.config.Schedule, func() {
		d.logger.Debug("scheduled drain")
		d.orch.Trigger(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule drain: %w", err)
	}

	c.Start()
	d.logger.Info("drain scheduler started", zap.String("schedule", d.config.Schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// serveProxy runs the caching reverse proxy until ctx is done.
func (d *Daemon) serveProxy(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.config.ProxyAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.ProxyAddr, err)
	}
	d.proxyAddrMu.Lock()
	d.proxyAddr = ln.Addr().String()
	d.proxyAddrMu.Unlock()

	srv := &http.Server{
		Handler:           d.config.Interceptor.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("caching proxy listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy shutdown error: %w", err)
		}
		return nil
	}
}

// ProxyAddr returns the proxy's listening address once it is serving.
func (d *Daemon) ProxyAddr() string {
	d.proxyAddrMu.Lock()
	defer d.proxyAddrMu.Unlock()
	return d.proxyAddr
}

// watchImports creates the import directory watcher and queues bundles that
// are already present.
func (d *Daemon) watchImports() (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(d.config.ImportDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create import directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(d.config.ImportDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch import directory: %w", err)
	}

	existing, _ := filepath.Glob(filepath.Join(d.config.ImportDir, "*.jsonl"))
	for _, path := range existing {
		d.queueChange(path)
	}

	d.logger.Info("watching for content bundles", zap.String("dir", d.config.ImportDir))
	return watcher, nil
}

// processImports consumes watcher events and imports debounced bundles.
func (d *Daemon) processImports(ctx context.Context, watcher *fsnotify.Watcher) error {
	defer watcher.Close()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			d.processPendingImports(ctx)
		}
	}
}

// queueChange records a bundle event for debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processPendingImports imports bundles that have been quiet long enough.
// A successfully imported bundle is renamed to *.jsonl.imported.
func (d *Daemon) processPendingImports(ctx context.Context) {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		result, err := migrate.Import(ctx, d.store, migrate.Options{Path: path})
		if err != nil {
			d.logger.Error("bundle import failed", zap.String("path", path), zap.Error(err))
			continue
		}
		d.logger.Info("bundle imported",
			zap.String("path", path),
			zap.Int("records", result.Imported()),
			zap.Int("errors", len(result.Errors)),
		)
		for _, msg := range result.Errors {
			d.logger.Warn("bundle line skipped", zap.String("path", path), zap.String("error", msg))
		}

		if err := os.Rename(path, path+".imported"); err != nil {
			d.logger.Warn("failed to mark bundle imported", zap.String("path", path), zap.Error(err))
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
