package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProbeSource polls a health URL and reports 2xx as online.
type ProbeSource struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	monitor *Monitor
	logger  *zap.Logger
}

// ProbeConfig configures a ProbeSource.
type ProbeConfig struct {
	// URL is fetched with GET on every probe.
	URL string
	// Interval is the minimum time between probes.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultProbeConfig returns sensible defaults for url.
func DefaultProbeConfig(url string) ProbeConfig {
	return ProbeConfig{
		URL:      url,
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// NewProbeSource creates a probe feeding monitor.
func NewProbeSource(monitor *Monitor, cfg ProbeConfig, logger *zap.Logger) (*ProbeSource, error) {
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe URL cannot be empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeConfig(cfg.URL).Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeConfig(cfg.URL).Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProbeSource{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		monitor: monitor,
		logger:  logger.Named("probe"),
	}, nil
}

// Probe performs one health check and returns the classification.
// It does not update the monitor.
func (p *ProbeSource) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe request", zap.Error(err))
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		p.logger.Debug("probe returned non-2xx", zap.String("url", p.url), zap.Int("status", resp.StatusCode))
	}
	return ok
}

// Run probes until ctx is cancelled, feeding each result to the monitor.
func (p *ProbeSource) Run(ctx context.Context) error {
	p.logger.Info("starting connectivity probe", zap.String("url", p.url))

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("probe limiter: %w", err)
		}

		online := p.Probe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.monitor.Set(online)
	}
}
