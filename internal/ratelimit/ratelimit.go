// Package ratelimit paces outbound backend calls so a burst of requests does
// not trip a provider's own rate limiter.
package ratelimit

import "context"

// Limiter decides whether a call identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes a token for key and reports whether one was available.
	Allow(ctx context.Context, key string) (bool, error)

	// Wait blocks until a token for key is available or ctx is done.
	Wait(ctx context.Context, key string) error

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every call. Used when pacing is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Wait returns immediately.
func (NoopLimiter) Wait(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when rate is not positive.
func New(rate float64, burst int) Limiter {
	if rate <= 0 {
		return NoopLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return NewMemoryLimiter(rate, burst)
}
