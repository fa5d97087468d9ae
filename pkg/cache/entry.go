package cache

import (
	"net/http"
	"time"
)

// CacheEntry is one stored response, serialized as JSON under its cache key.
type CacheEntry struct {
	Data       []byte      `json:"data"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	CachedAt   time.Time   `json:"cached_at"`

	// FetchedAt is when the fetch that produced the response started.
	FetchedAt time.Time `json:"fetched_at,omitempty"`

	// Expires is zero for entries kept until overwritten.
	Expires time.Time `json:"expires,omitempty"`
}

// ExpiredAt reports whether the entry is stale at now.
func (e *CacheEntry) ExpiredAt(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// TTLAt returns the Redis expiry for writing the entry at now. Zero means
// no expiry.
func (e *CacheEntry) TTLAt(now time.Time) time.Duration {
	if e.Expires.IsZero() || !now.Before(e.Expires) {
		return 0
	}
	return e.Expires.Sub(now)
}

// fetchedAt orders entries written for the same key. Entries without a
// fetch time fall back to when they were cached.
func (e *CacheEntry) fetchedAt() time.Time {
	if e.FetchedAt.IsZero() {
		return e.CachedAt
	}
	return e.FetchedAt
}
