package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a backend's limiter with the last time anyone asked for it.
type entry struct {
	lim        *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter keeps one golang.org/x/time/rate limiter per key, created on
// first use. Idle keys are evicted every minute. All token arithmetic goes
// through the limiter's *N(now, ...) methods so tests can substitute a clock.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter paces each key to perSecond calls with bursts of up to
// burst. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

func (m *MemoryLimiter) limiter(key string, now time.Time) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = e
	}
	e.lastAccess = now
	return e.lim
}

// Allow consumes one token for key if one is available now.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	return m.limiter(key, now).AllowN(now, 1), nil
}

// reserve books the next token for key.
func (m *MemoryLimiter) reserve(key string, now time.Time) *rate.Reservation {
	return m.limiter(key, now).ReserveN(now, 1)
}

// Wait blocks until the token reserved for key is due. A cancelled wait
// returns its reservation.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	now := m.now()
	r := m.reserve(key, now)
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(m.now())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := m.now().Add(-staleThreshold)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
