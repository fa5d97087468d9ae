package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for back-pressure tracking.
var (
	rateLimitBackoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_rate_limit_backoffs_total",
		Help: "Upstream responses that blocked replay, by status",
	}, []string{"status"})

	rateLimitBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_rate_limit_blocks_total",
		Help: "Replay attempts held back by an active upstream block",
	})
)

// Tracker records upstream back-pressure and gates requests on it.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new back-pressure tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Tracker{
		redis:  redisClient,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// GetState retrieves the current state from Redis.
// Returns an unblocked state if no block is recorded.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	data, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Bytes()
	if errors.Is(err, redis.Nil) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	return &state, nil
}

// UpdateFromResponse records the block resp imposes, if any. A block never
// shortens one already recorded.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) error {
	now := t.now()
	wait, ok := backoffFor(resp, now)
	if !ok {
		return nil
	}

	current, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	until := now.Add(wait)
	if !until.After(current.BlockedUntil) {
		return nil
	}

	state := State{BlockedUntil: until, Status: resp.StatusCode, LastUpdate: now}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	if err := t.redis.Set(ctx, RedisKeyBlockedUntil, data, wait).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitBackoffs.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	t.logger.Warn().
		Int("status", resp.StatusCode).
		Dur("wait", wait).
		Time("blocked_until", until).
		Msg("Upstream requested back-off")
	return nil
}

// Allow returns how long requests must still wait; zero means go ahead.
func (t *Tracker) Allow(ctx context.Context) (time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return 0, err
	}
	now := t.now()
	if !state.Blocked(now) {
		return 0, nil
	}

	wait := state.BlockedUntil.Sub(now)
	rateLimitBlocks.Inc()
	t.logger.Debug().Dur("wait", wait).Msg("Upstream blocked, holding request back")
	return wait, nil
}
