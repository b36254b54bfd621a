// Package intercept decides whether a read request is answered by the
// network or by the local response cache.
//
// The Interceptor is an http.RoundTripper. Same-origin GET and HEAD requests
// go to the network first; successful GET responses are written through to
// the cache. When the network fails, or answers with a non-2xx status, the
// cached copy is returned instead. A navigation that misses the cache gets
// the manifest's offline page. Everything else passes straight through.
package intercept

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/learnpath/learnsync/internal/metrics"
	"github.com/learnpath/learnsync/internal/offline/db"
)

// Interceptor applies the network-first, cache-fallback policy.
type Interceptor struct {
	next     http.RoundTripper
	cache    *Cache
	manifest Manifest
	origin   *url.URL
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithTransport sets the transport requests are forwarded to.
func WithTransport(rt http.RoundTripper) Option {
	return func(i *Interceptor) { i.next = rt }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// New creates an interceptor caching into store according to manifest.
func New(store *db.DB, manifest Manifest, opts ...Option) (*Interceptor, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	origin, _ := manifest.OriginURL()

	i := &Interceptor{
		next:     http.DefaultTransport,
		cache:    NewCache(store, manifest.Generation),
		manifest: manifest,
		origin:   origin,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.metrics == nil {
		i.metrics = metrics.New(nil)
	}
	i.logger = i.logger.Named("intercept")
	return i, nil
}

// Cache returns the response cache.
func (i *Interceptor) Cache() *Cache {
	return i.cache
}

// Manifest returns the manifest the interceptor was built with.
func (i *Interceptor) Manifest() Manifest {
	return i.manifest
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.applies(req) {
		i.metrics.CacheRequests.WithLabelValues("passthrough").Inc()
		return i.next.RoundTrip(req)
	}

	ctx := req.Context()
	key := Key(req.URL)

	resp, netErr := i.next.RoundTrip(req)
	if netErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		i.metrics.CacheRequests.WithLabelValues("network").Inc()
		if req.Method == http.MethodGet {
			return i.writeThrough(ctx, key, resp)
		}
		return resp, nil
	}

	cached, err := i.cache.Get(ctx, key)
	if err != nil {
		i.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if cached != nil {
		closeBody(resp)
		i.metrics.CacheRequests.WithLabelValues("hit").Inc()
		i.logger.Debug("serving from cache", zap.String("key", key))
		return toResponse(req, cached, "hit"), nil
	}

	if IsNavigation(req) {
		page, err := i.cache.Get(ctx, i.manifest.OfflineRoute)
		if err != nil {
			i.logger.Warn("offline page lookup failed", zap.Error(err))
		}
		if page != nil {
			closeBody(resp)
			i.metrics.CacheRequests.WithLabelValues("fallback").Inc()
			i.logger.Debug("serving offline page", zap.String("key", key))
			return toResponse(req, page, "offline"), nil
		}
	}

	i.metrics.CacheRequests.WithLabelValues("miss").Inc()
	if netErr != nil {
		return nil, netErr
	}
	return resp, nil
}

// writeThrough buffers a successful response, stores a copy, and returns
// an equivalent response to the caller. A cache write failure only logs.
func (i *Interceptor) writeThrough(ctx context.Context, key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body for %s: %w", key, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if err := i.cache.Put(ctx, key, resp.StatusCode, resp.Header, body); err != nil {
		i.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return resp, nil
}

// applies reports whether req is same-origin read traffic.
func (i *Interceptor) applies(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return strings.EqualFold(req.URL.Scheme, i.origin.Scheme) &&
		strings.EqualFold(req.URL.Host, i.origin.Host)
}

// IsNavigation reports whether req is a top-level page load.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
