package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ashita-ai/featurespec/internal/model"
)

// GetCache returns the entry for key if it is younger than maxAge.
// A miss, including an expired entry, is (zero, false, nil). maxAge <= 0
// disables the age filter.
func (db *DB) GetCache(ctx context.Context, key string, maxAge time.Duration) (model.CacheEntry, bool, error) {
	var (
		e         model.CacheEntry
		createdAt string
	)
	err := db.db.QueryRowContext(ctx,
		`SELECT cache_key, response, model, backend, created_at FROM model_cache WHERE cache_key = ?`, key,
	).Scan(&e.CacheKey, &e.Response, &e.Metadata.Model, &e.Metadata.Backend, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, wrap("get cache", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.CacheEntry{}, false, wrap("get cache", err)
	}
	e.Metadata.CreatedAt = e.CreatedAt
	if e.Expired(db.now(), maxAge) {
		return model.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// SetCache upserts the entry for key. The last writer wins.
func (db *DB) SetCache(ctx context.Context, key, response string, meta model.CacheMetadata) error {
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO model_cache (cache_key, response, model, backend, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (cache_key) DO UPDATE
			 SET response = excluded.response, model = excluded.model,
			     backend = excluded.backend, created_at = excluded.created_at`,
			key, response, meta.Model, meta.Backend, db.timestamp())
		return err
	})
	return wrap("set cache", err)
}
