// Package storage provides the PostgreSQL trace store for featurespec.
//
// It manages connection pooling (via pgxpool), forward-only migrations, and
// the run, trace, and cache queries. The SQLite store in storage/sqlite
// implements the same contract for single-machine use.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for all trace-store queries.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for row timestamps and cache
// expiry cutoffs.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger, opts ...Option) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) timestamp() time.Time {
	return db.now().UTC()
}
