// Package ratelimit tracks upstream back-pressure and gates deferred write
// replay on it. The upstream signals back-pressure with 429 or 503 and an
// optional Retry-After header; the resulting block is shared across gateway
// instances via Redis.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyBlockedUntil holds the JSON encoded State while the upstream is
// blocked. It expires with the block.
const RedisKeyBlockedUntil = "swcache:rate_limit:blocked_until"

const (
	// DefaultBackoff is used for a 429 without a usable Retry-After.
	DefaultBackoff = 30 * time.Second

	// MaxBackoff caps the Retry-After the upstream may impose.
	MaxBackoff = time.Hour
)

// State is the current upstream back-pressure state.
type State struct {
	// BlockedUntil is when requests may be sent again. Zero when not blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// Status is the response status that caused the block.
	Status int `json:"status,omitempty"`

	// LastUpdate is when the state was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// Blocked reports whether requests must wait at now.
func (s *State) Blocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the duration until the block lifts.
// Returns 0 if the block has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.BlockedUntil)
	if duration < 0 {
		return 0
	}
	return duration
}

// ParseRetryAfter parses a Retry-After value, either delay seconds or an
// HTTP date. Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int(MaxBackoff/time.Second) {
			return MaxBackoff, true
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

// backoffFor returns how long resp blocks the upstream. Only 429 and 503
// block; a 503 blocks only when it carries a Retry-After.
func backoffFor(resp *http.Response, now time.Time) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}

	wait, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	switch {
	case !ok && resp.StatusCode == http.StatusServiceUnavailable:
		return 0, false
	case !ok:
		wait = DefaultBackoff
	}
	if wait > MaxBackoff {
		wait = MaxBackoff
	}
	return wait, wait > 0
}
