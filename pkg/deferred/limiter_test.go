package deferred

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/swcache/internal/testutil"
	"github.com/Sternrassler/swcache/pkg/ratelimit"
	"github.com/Sternrassler/swcache/pkg/store"
	"github.com/rs/zerolog"
)

type stubLimiter struct {
	wait     time.Duration
	err      error
	observed []int
}

func (s *stubLimiter) Allow(ctx context.Context) (time.Duration, error) {
	return s.wait, s.err
}

func (s *stubLimiter) UpdateFromResponse(ctx context.Context, resp *http.Response) error {
	s.observed = append(s.observed, resp.StatusCode)
	return nil
}

func setupLimitedQueue(t *testing.T, client Doer, l Limiter) *Queue {
	t.Helper()
	kv, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "swcache.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	return NewQueue(kv, client, zerolog.Nop(), WithRetryConfig(fastRetry), WithLimiter(l))
}

func TestReplay_HeldBackWhileBlocked(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/contact", testutil.MockResponse{StatusCode: http.StatusCreated})

	q := setupLimitedQueue(t, upstream.Client(), &stubLimiter{wait: time.Minute})
	ctx := context.Background()
	q.DeferRequest(ctx, "/api", postRequest(t, upstream.URL()+"/api/contact", `{}`))

	result, err := q.Replay(ctx)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Replay() error = %v, want ErrRateLimited", err)
	}
	if result.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", result.Remaining)
	}
	if n := upstream.RequestCount(); n != 0 {
		t.Errorf("upstream received %d requests while blocked", n)
	}

	queued, _ := q.List(ctx)
	if len(queued) != 1 || queued[0].Attempts != 0 {
		t.Errorf("a held back write must keep its attempt count, got %+v", queued)
	}
}

func TestReplay_LimiterErrorLetsWritesThrough(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/contact", testutil.MockResponse{StatusCode: http.StatusCreated})

	limiter := &stubLimiter{err: errors.New("redis down")}
	q := setupLimitedQueue(t, upstream.Client(), limiter)
	ctx := context.Background()
	q.DeferRequest(ctx, "/api", postRequest(t, upstream.URL()+"/api/contact", `{}`))

	result, err := q.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if result.Replayed != 1 {
		t.Errorf("Replayed = %d, want 1", result.Replayed)
	}
	if len(limiter.observed) != 1 || limiter.observed[0] != http.StatusCreated {
		t.Errorf("observed = %v, want [201]", limiter.observed)
	}
}

func TestReplay_RetryAfterBlocksFollowingRuns(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/contact", testutil.MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "60"},
	})

	redisClient, _ := testutil.NewRedis(t)
	q := setupLimitedQueue(t, upstream.Client(), ratelimit.NewTracker(redisClient, zerolog.Nop()))
	ctx := context.Background()
	q.DeferRequest(ctx, "/api", postRequest(t, upstream.URL()+"/api/contact", `{}`))

	if _, err := q.Replay(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("first Replay() error = %v, want ErrRateLimited", err)
	}
	if n := upstream.RequestCount(); n != 1 {
		t.Errorf("upstream received %d requests, want 1 before the block", n)
	}

	if _, err := q.Replay(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Replay() error = %v, want ErrRateLimited", err)
	}
	if n := upstream.RequestCount(); n != 1 {
		t.Errorf("upstream received %d requests, the block must hold the second run back", n)
	}
}
