// Package cache memoizes successful backend responses in the trace store's
// model_cache table. Expiry is logical: entries older than the TTL read as
// misses and are removed later by retention cleanup.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/featurespec/internal/backend"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/telemetry"
)

// Store is the subset of the trace store the cache needs.
type Store interface {
	GetCache(ctx context.Context, key string, maxAge time.Duration) (model.CacheEntry, bool, error)
	SetCache(ctx context.Context, key, response string, meta model.CacheMetadata) error
}

// Config controls cache behavior.
type Config struct {
	Enabled bool
	TTL     time.Duration
}

// Stats is a snapshot of lookup outcomes since the cache was created.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Writes int64 `json:"writes"`
}

// Cache is safe for concurrent use.
type Cache struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64

	lookups metric.Int64Counter
}

type lookup struct {
	entry model.CacheEntry
	ok    bool
}

// New creates a cache over store.
func New(store Store, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{store: store, cfg: cfg, logger: logger}
	if counter, err := telemetry.Meter("featurespec/cache").Int64Counter("featurespec.cache.lookups"); err == nil {
		c.lookups = counter
	}
	return c
}

// Enabled reports whether lookups can hit.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

// Get looks up key. A miss is (zero, false, nil). Concurrent lookups of the
// same key share one store read.
func (c *Cache) Get(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	if !c.cfg.Enabled {
		c.record(ctx, false)
		return model.CacheEntry{}, false, nil
	}

	// Detach from the first caller's cancellation; every waiter shares the
	// result.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		entry, ok, err := c.store.GetCache(shared, key, c.cfg.TTL)
		if err != nil {
			return nil, err
		}
		return lookup{entry: entry, ok: ok}, nil
	})
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("cache: get: %w", err)
	}
	res := v.(lookup)
	c.record(ctx, res.ok)
	return res.entry, res.ok, nil
}

// Put stores a verified-successful response. It is a no-op when disabled.
func (c *Cache) Put(ctx context.Context, key, response string, meta model.CacheMetadata) error {
	if !c.cfg.Enabled {
		return nil
	}
	if err := c.store.SetCache(ctx, key, response, meta); err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	c.writes.Add(1)
	c.logger.Debug("cache: stored", "key", key, "backend", meta.Backend, "model", meta.Model)
	return nil
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Writes: c.writes.Load()}
}

func (c *Cache) record(ctx context.Context, hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.lookups != nil {
		c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
	}
}

// fingerprint is the canonical key material. Field order is fixed by the
// struct, so the encoding is stable.
type fingerprint struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Format      string  `json:"format"`
	System      string  `json:"system"`
}

// Key derives the cache key for req. req.Model must already be resolved.
// Runs of whitespace in the prompt collapse to one space and the ends are
// trimmed, so cosmetic differences share an entry.
func Key(req backend.Request) string {
	b, _ := json.Marshal(fingerprint{
		Prompt:      NormalizePrompt(req.Prompt),
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Format:      req.Format,
		System:      req.System,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NormalizePrompt collapses whitespace runs.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
