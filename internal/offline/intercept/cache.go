package intercept

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/learnpath/learnsync/internal/offline/db"
)

// CacheHeader is set on responses served from the cache.
const CacheHeader = "X-Learnsync-Cache"

// Cache stores responses for one generation in the local store.
type Cache struct {
	store      *db.DB
	generation string
}

// NewCache creates a cache bound to generation.
func NewCache(store *db.DB, generation string) *Cache {
	return &Cache{store: store, generation: generation}
}

// Generation returns the active generation name.
func (c *Cache) Generation() string {
	return c.generation
}

// Key returns the cache identity of a request URL: path plus query. The
// method is not part of the key since only GET responses are stored.
func Key(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

// Put stores a response body under key.
func (c *Cache) Put(ctx context.Context, key string, status int, header http.Header, body []byte) error {
	return c.store.PutResponse(ctx, c.entry(key, status, header, body))
}

// PutAll stores every entry or none.
func (c *Cache) PutAll(ctx context.Context, entries []*db.CachedResponse) error {
	for _, e := range entries {
		e.Generation = c.generation
	}
	return c.store.PutResponses(ctx, entries)
}

// Get returns the cached entry for key, or nil.
func (c *Cache) Get(ctx context.Context, key string) (*db.CachedResponse, error) {
	return c.store.GetResponse(ctx, c.generation, key)
}

// Activate deletes every other generation and returns how many entries went.
func (c *Cache) Activate(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteGenerationsExcept(ctx, c.generation)
	if err != nil {
		return 0, fmt.Errorf("failed to activate cache %s: %w", c.generation, err)
	}
	return n, nil
}

// Generations lists every generation with stored entries.
func (c *Cache) Generations(ctx context.Context) ([]string, error) {
	return c.store.ListGenerations(ctx)
}

func (c *Cache) entry(key string, status int, header http.Header, body []byte) *db.CachedResponse {
	return &db.CachedResponse{
		Generation: c.generation,
		Key:        key,
		Status:     status,
		Header:     storableHeader(header),
		Body:       body,
		StoredAt:   time.Now(),
	}
}

// storableHeader drops headers that describe one connection or one client.
func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Set-Cookie", "Content-Length"} {
		out.Del(k)
	}
	return out
}

// toResponse builds an http.Response for req from a cached entry.
func toResponse(req *http.Request, e *db.CachedResponse, source string) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheHeader, source)

	body := e.Body
	if req.Method == http.MethodHead {
		body = nil
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
