package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		expires     time.Time
		wantExpired bool
		wantTTL     time.Duration
	}{
		{name: "kept until overwritten", expires: time.Time{}, wantExpired: false, wantTTL: 0},
		{name: "fresh", expires: now.Add(90 * time.Second), wantExpired: false, wantTTL: 90 * time.Second},
		{name: "expires now", expires: now, wantExpired: true, wantTTL: 0},
		{name: "stale", expires: now.Add(-time.Hour), wantExpired: true, wantTTL: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{CachedAt: now.Add(-time.Minute), Expires: tt.expires}

			if got := entry.ExpiredAt(now); got != tt.wantExpired {
				t.Errorf("ExpiredAt() = %v, want %v", got, tt.wantExpired)
			}
			if got := entry.TTLAt(now); got != tt.wantTTL {
				t.Errorf("TTLAt() = %v, want %v", got, tt.wantTTL)
			}
		})
	}
}
