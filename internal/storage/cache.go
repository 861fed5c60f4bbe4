package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/featurespec/internal/model"
)

// GetCache returns the entry for key if it is younger than maxAge.
// A miss, including an expired entry, is (zero, false, nil). maxAge <= 0
// disables the age filter.
func (db *DB) GetCache(ctx context.Context, key string, maxAge time.Duration) (model.CacheEntry, bool, error) {
	var e model.CacheEntry
	err := db.pool.QueryRow(ctx,
		`SELECT cache_key, response, model, backend, created_at FROM model_cache WHERE cache_key = $1`, key,
	).Scan(&e.CacheKey, &e.Response, &e.Metadata.Model, &e.Metadata.Backend, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, wrap("get cache", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.Metadata.CreatedAt = e.CreatedAt
	if e.Expired(db.timestamp(), maxAge) {
		return model.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// SetCache upserts the entry for key. The last writer wins.
func (db *DB) SetCache(ctx context.Context, key, response string, meta model.CacheMetadata) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO model_cache (cache_key, response, model, backend, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cache_key) DO UPDATE
		 SET response = EXCLUDED.response, model = EXCLUDED.model,
		     backend = EXCLUDED.backend, created_at = EXCLUDED.created_at`,
		key, response, meta.Model, meta.Backend, db.timestamp(),
	)
	return wrap("set cache", err)
}
