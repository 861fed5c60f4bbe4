package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	writeRetries   = 3
	writeRetryBase = 10 * time.Millisecond
)

// isRetriable reports Postgres errors that mean "try the transaction again":
// serialization_failure (40001) and deadlock_detected (40P01).
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, then up to maxRetries more times while it fails with a
// transient conflict. Delays grow exponentially from baseDelay with jitter.
// Any other error is returned at once.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !isRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1))) //nolint:gosec // small constant
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// inTx runs fn in a transaction, retrying the whole transaction on transient
// conflicts, and wraps any failure as a storage error for op.
func (db *DB) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	})
	return wrap(op, err)
}
