package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CachedResponse is a stored HTTP response in one cache generation.
type CachedResponse struct {
	Generation string
	Key        string
	Status     int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// PutResponse upserts one cached response.
func (db *DB) PutResponse(ctx context.Context, resp *CachedResponse) error {
	return db.PutResponses(ctx, []*CachedResponse{resp})
}

// PutResponses stores every response in a single transaction: either all of
// them become visible or none do.
func (db *DB) PutResponses(ctx context.Context, resps []*CachedResponse) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrStorageWriteFailed, err)
	}
	defer tx.Rollback()

	for _, resp := range resps {
		header, err := json.Marshal(resp.Header)
		if err != nil {
			return fmt.Errorf("%w: marshal header for %s: %w", ErrStorageWriteFailed, resp.Key, err)
		}
		storedAt := resp.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO response_cache (generation, key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at
		`, resp.Generation, resp.Key, resp.Status, string(header), resp.Body, formatTime(storedAt)); err != nil {
			return fmt.Errorf("%w: cache %s: %w", ErrStorageWriteFailed, resp.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit cached responses: %w", ErrStorageWriteFailed, err)
	}
	return nil
}

// GetResponse returns the cached response for key in generation, or nil.
func (db *DB) GetResponse(ctx context.Context, generation, key string) (*CachedResponse, error) {
	var (
		resp     = CachedResponse{Generation: generation, Key: key}
		header   string
		storedAt string
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT status, header, body, stored_at FROM response_cache
	WHERE generation = ? AND key = ?
	`, generation, key).Scan(&resp.Status, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cached response %s: %w", ErrStorageReadFailed, key, err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("%w: decode header for %s: %w", ErrStorageReadFailed, key, err)
	}
	resp.StoredAt = parseTime(storedAt)
	return &resp, nil
}

// ListGenerations returns every cache generation with at least one entry.
func (db *DB) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT generation FROM response_cache ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("%w: list cache generations: %w", ErrStorageReadFailed, err)
	}
	defer rows.Close()

	var gens []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("%w: scan cache generation: %w", ErrStorageReadFailed, err)
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate cache generations: %w", ErrStorageReadFailed, err)
	}
	return gens, nil
}

// DeleteGenerationsExcept removes every cached response not in keep and
// returns how many rows were deleted.
func (db *DB) DeleteGenerationsExcept(ctx context.Context, keep string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM response_cache WHERE generation != ?`, keep)
	if err != nil {
		return 0, fmt.Errorf("%w: purge cache generations: %w", ErrStorageWriteFailed, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
