package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/swcache/internal/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func setupTracker(t *testing.T) (*Tracker, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	redisClient, mr := testutil.NewRedis(t)
	tracker := NewTracker(redisClient, zerolog.Nop())

	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, mr, &now
}

func response(status int, retryAfter string) *http.Response {
	resp := &http.Response{StatusCode: status, Header: http.Header{}}
	if retryAfter != "" {
		resp.Header.Set("Retry-After", retryAfter)
	}
	return resp
}

func TestGetState_Empty(t *testing.T) {
	tracker, _, _ := setupTracker(t)

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.BlockedUntil.IsZero() {
		t.Errorf("BlockedUntil = %v, want zero", state.BlockedUntil)
	}
}

func TestUpdateFromResponse_Blocks(t *testing.T) {
	tracker, mr, now := setupTracker(t)
	ctx := context.Background()

	if err := tracker.UpdateFromResponse(ctx, response(http.StatusTooManyRequests, "120")); err != nil {
		t.Fatalf("UpdateFromResponse failed: %v", err)
	}

	wait, err := tracker.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if wait != 120*time.Second {
		t.Errorf("wait = %v, want 2m0s", wait)
	}

	if ttl := mr.TTL(RedisKeyBlockedUntil); ttl != 120*time.Second {
		t.Errorf("TTL = %v, want 2m0s", ttl)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Status != http.StatusTooManyRequests || !state.LastUpdate.Equal(*now) {
		t.Errorf("state = %+v", state)
	}
}

func TestUpdateFromResponse_IgnoresOtherResponses(t *testing.T) {
	tracker, mr, _ := setupTracker(t)
	ctx := context.Background()

	for _, resp := range []*http.Response{
		response(http.StatusOK, ""),
		response(http.StatusInternalServerError, "30"),
		response(http.StatusServiceUnavailable, ""),
	} {
		if err := tracker.UpdateFromResponse(ctx, resp); err != nil {
			t.Fatalf("UpdateFromResponse(%d) failed: %v", resp.StatusCode, err)
		}
	}

	if mr.Exists(RedisKeyBlockedUntil) {
		t.Error("non back-pressure responses must not record a block")
	}
	if wait, _ := tracker.Allow(ctx); wait != 0 {
		t.Errorf("wait = %v, want 0", wait)
	}
}

func TestUpdateFromResponse_NeverShortens(t *testing.T) {
	tracker, _, _ := setupTracker(t)
	ctx := context.Background()

	tracker.UpdateFromResponse(ctx, response(http.StatusTooManyRequests, "300"))
	tracker.UpdateFromResponse(ctx, response(http.StatusTooManyRequests, "10"))

	wait, err := tracker.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if wait != 300*time.Second {
		t.Errorf("wait = %v, want 5m0s", wait)
	}
}

func TestAllow_AfterBlockPassed(t *testing.T) {
	tracker, _, now := setupTracker(t)
	ctx := context.Background()

	tracker.UpdateFromResponse(ctx, response(http.StatusTooManyRequests, "60"))
	*now = now.Add(61 * time.Second)

	wait, err := tracker.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0", wait)
	}
}

func TestGetState_Corrupt(t *testing.T) {
	tracker, mr, _ := setupTracker(t)
	mr.Set(RedisKeyBlockedUntil, "{not json")

	if _, err := tracker.GetState(context.Background()); err == nil {
		t.Error("Expected error for corrupt state")
	}
	if _, err := tracker.Allow(context.Background()); err == nil {
		t.Error("Expected Allow to surface the state error")
	}
}

func TestNewTracker_NilRedis(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for nil redis client")
		}
	}()
	NewTracker(nil, zerolog.Nop())
}
