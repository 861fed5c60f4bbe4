package model

import "time"

// CacheMetadata describes where a cached response came from.
type CacheMetadata struct {
	Model     string    `json:"model"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheEntry is a memoized backend response, unique on CacheKey.
type CacheEntry struct {
	CacheKey  string        `json:"cache_key"`
	Response  string        `json:"response"`
	Metadata  CacheMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
}

// Expired reports whether the entry is older than ttl at now. A non-positive
// ttl never expires.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(ttl))
}
