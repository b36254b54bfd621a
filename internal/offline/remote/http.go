package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a rejection body ends up in the error.
const maxErrorBody = 512

// HTTPBackend talks to a REST/JSON backend.
//
//	POST {base}/progress        body: progress payload
//	POST {base}/points          body: {"student_id": ..., "points_to_add": ...}
//	POST {base}/records/{kind}  body: payload
type HTTPBackend struct {
	base   string
	client *http.Client
	header http.Header
	logger *zap.Logger
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(key, value string) HTTPOption {
	return func(b *HTTPBackend) { b.header.Add(key, value) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(b *HTTPBackend) { b.logger = l }
}

// NewHTTPBackend creates a client for the backend rooted at base.
func NewHTTPBackend(base string, opts ...HTTPOption) (*HTTPBackend, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", base)
	}

	b := &HTTPBackend{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
		header: make(http.Header),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("remote")
	return b, nil
}

// UpsertProgress implements Backend.
func (b *HTTPBackend) UpsertProgress(ctx context.Context, payload json.RawMessage) error {
	return b.post(ctx, "/progress", payload)
}

// ApplyPointsDelta implements Backend.
func (b *HTTPBackend) ApplyPointsDelta(ctx context.Context, studentID string, delta int) error {
	body, err := json.Marshal(map[string]any{
		"student_id":    studentID,
		"points_to_add": delta,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal points delta: %w", ErrRemoteWriteFailed, err)
	}
	return b.post(ctx, "/points", body)
}

// Upsert implements Backend.
func (b *HTTPBackend) Upsert(ctx context.Context, kind string, payload json.RawMessage) error {
	return b.post(ctx, "/records/"+url.PathEscape(kind), payload)
}

func (b *HTTPBackend) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrRemoteWriteFailed, err)
	}
	for k, vs := range b.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %w", ErrRemoteWriteFailed, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("%w: POST %s: status %d: %s", ErrRemoteWriteFailed, path, resp.StatusCode,
		strings.TrimSpace(string(msg)))

	b.logger.Debug("backend rejected write",
		zap.String("path", path), zap.Int("status", resp.StatusCode))

	if isPermanentStatus(resp.StatusCode) {
		return Permanent(err)
	}
	return err
}

// isPermanentStatus reports rejections of the payload itself. Auth and
// routing failures (401, 403, 404) are fixed by configuration, so the
// writes stay queued for the next drain.
func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusConflict,
		http.StatusGone,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}
