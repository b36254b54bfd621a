package intercept

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"

	"github.com/learnpath/learnsync/internal/offline/db"
)

// Install fetches every shell route and the offline route and stores them
// in the current generation. Either all routes are stored or none are.
func (i *Interceptor) Install(ctx context.Context) error {
	routes := i.manifest.Routes()
	entries := make([]*db.CachedResponse, 0, len(routes))

	for _, route := range routes {
		entry, err := i.fetch(ctx, route)
		if err != nil {
			return fmt.Errorf("failed to install %s: %w", i.manifest.Generation, err)
		}
		entries = append(entries, entry)
	}

	if err := i.cache.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to install %s: %w", i.manifest.Generation, err)
	}
	i.logger.Info("cache installed",
		zap.String("generation", i.manifest.Generation),
		zap.Int("routes", len(entries)))
	return nil
}

// InstallStatic stores bundled pages (route -> HTML) in the current
// generation without touching the network. Either all pages are stored or
// none are.
func (i *Interceptor) InstallStatic(ctx context.Context, pages map[string][]byte) error {
	entries := make([]*db.CachedResponse, 0, len(pages))
	for route, body := range pages {
		header := make(http.Header)
		header.Set("Content-Type", "text/html; charset=utf-8")
		entries = append(entries, i.cache.entry(route, http.StatusOK, header, body))
	}
	if err := i.cache.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to install static pages: %w", err)
	}
	i.logger.Info("static pages installed",
		zap.String("generation", i.manifest.Generation),
		zap.Int("routes", len(entries)))
	return nil
}

// Activate purges every cache generation other than the current one.
func (i *Interceptor) Activate(ctx context.Context) (int64, error) {
	n, err := i.cache.Activate(ctx)
	if err != nil {
		return 0, err
	}
	i.logger.Info("cache activated",
		zap.String("generation", i.manifest.Generation),
		zap.Int64("purged", n))
	return n, nil
}

func (i *Interceptor) fetch(ctx context.Context, route string) (*db.CachedResponse, error) {
	ref, err := i.origin.Parse(route)
	if err != nil {
		return nil, fmt.Errorf("bad route %q: %w", route, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", route, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", route, err)
	}
	return i.cache.entry(Key(req.URL), resp.StatusCode, resp.Header, body), nil
}

// Handler returns a reverse proxy to the manifest origin that routes every
// request through the interceptor, so a browser pointed at it gets cache
// fallback and the offline page.
func (i *Interceptor) Handler() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(i.origin)
			pr.SetXForwarded()
		},
		Transport:     i,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			i.logger.Warn("proxy request failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}
