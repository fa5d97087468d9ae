package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/Sternrassler/swcache/pkg/identity"
	"github.com/Sternrassler/swcache/pkg/store"
)

// lastSyncKey is the state partition key of the last replay run.
const lastSyncKey = "last_sync"

var (
	// ErrRetryExhausted is returned when all replay attempts of a write failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRateLimited is returned when the upstream asked for a back-off that
	// has not passed yet.
	ErrRateLimited = errors.New("upstream rate limited")
)

// ErrorClass represents a classification of replay failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses. The write is rejected.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"
)

// ReplayError is a failed replay attempt.
type ReplayError struct {
	StatusCode int
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replay %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("replay %s error (status %d)", e.Class, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// classify maps a replay outcome to an ErrorClass. A nil result means success.
func classify(resp *http.Response, err error) *ReplayError {
	switch {
	case err != nil:
		return &ReplayError{Class: ErrorClassNetwork, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ReplayError{StatusCode: resp.StatusCode, Class: ErrorClassRateLimit}
	case resp.StatusCode >= 500:
		return &ReplayError{StatusCode: resp.StatusCode, Class: ErrorClassServer}
	case resp.StatusCode >= 400:
		return &ReplayError{StatusCode: resp.StatusCode, Class: ErrorClassClient}
	default:
		return nil
	}
}

// shouldRetry determines if a failure class is worth another attempt.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// RetryConfig holds the per-request replay retry policy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per replay run.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default replay retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// SyncResult summarizes one replay run.
type SyncResult struct {
	At        time.Time `json:"at"`
	Replayed  int       `json:"replayed"`
	Rejected  int       `json:"rejected"`
	Remaining int       `json:"remaining"`
	Error     string    `json:"error,omitempty"`
}

// Replay sends the queued writes in queue order. Delivered writes and writes
// the upstream rejects with a 4xx are removed. The run stops at the first
// write that exhausts its retries so later writes never overtake it.
func (q *Queue) Replay(ctx context.Context) (SyncResult, error) {
	q.replaying.Lock()
	defer q.replaying.Unlock()

	queued, err := q.List(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{Remaining: len(queued)}
	var runErr error

	for _, rec := range queued {
		err := q.replayOne(ctx, rec)

		var rerr *ReplayError
		switch {
		case err == nil:
			result.Replayed++
			deferredReplayed.Inc()
		case errors.As(err, &rerr) && rerr.Class == ErrorClassClient:
			result.Rejected++
			deferredRejected.Inc()
			q.logger.Warn().
				Str("id", rec.ID).
				Int("status", rerr.StatusCode).
				Msg("Deferred write rejected by upstream")
		default:
			runErr = err
		}
		if runErr != nil {
			if !errors.Is(runErr, ErrRateLimited) {
				rec.Attempts++
			}
			queuedStill, serr := q.update(context.WithoutCancel(ctx), rec)
			switch {
			case serr != nil:
				runErr = errors.Join(runErr, serr)
			case !queuedStill:
				result.Remaining--
				q.logger.Debug().Str("id", rec.ID).Msg("Failed write was superseded during replay")
			}
			break
		}

		if derr := q.kv.Del(ctx, store.PartitionRequests, rec.ID); derr != nil {
			runErr = fmt.Errorf("remove replayed request: %w", derr)
			break
		}
		result.Remaining--
	}

	result.At = time.Now().UTC()
	if runErr != nil {
		result.Error = runErr.Error()
	}
	deferredQueued.Set(float64(result.Remaining))

	if err := q.recordSync(context.WithoutCancel(ctx), result); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to record sync run")
	}

	event := q.logger.Info()
	if runErr != nil {
		event = q.logger.Warn().Err(runErr)
	}
	event.
		Int("replayed", result.Replayed).
		Int("rejected", result.Rejected).
		Int("remaining", result.Remaining).
		Msg("Sync run finished")

	return result, runErr
}

// LastSync returns the result of the most recent replay run.
// Returns store.ErrNotFound if no run was recorded yet.
func (q *Queue) LastSync(ctx context.Context) (SyncResult, error) {
	data, err := q.kv.Get(ctx, store.PartitionState, lastSyncKey)
	if err != nil {
		return SyncResult{}, err
	}
	var result SyncResult
	if err := json.Unmarshal(data, &result); err != nil {
		return SyncResult{}, fmt.Errorf("decode last sync: %w", err)
	}
	return result, nil
}

func (q *Queue) recordSync(ctx context.Context, result SyncResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.kv.Put(ctx, store.PartitionState, lastSyncKey, data)
}

// replayOne sends rec until it is delivered, rejected or out of attempts.
func (q *Queue) replayOne(ctx context.Context, rec *Request) error {
	return q.retryWithBackoff(ctx, rec.ID, func() error {
		if err := q.checkLimit(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, rec.Method, rec.URL, nil)
		if err != nil {
			// A write that cannot be rebuilt can never be delivered.
			return &ReplayError{Class: ErrorClassClient, Err: err}
		}
		req.Header = rec.Header.Clone()
		if req.Header == nil {
			req.Header = http.Header{}
		}
		identity.SetBody(req, rec.Body)

		out, err := RemoveFallback(ctx, identity.Include, req)
		if err != nil {
			return &ReplayError{Class: ErrorClassClient, Err: err}
		}

		resp, err := q.client.Do(out)
		if resp != nil {
			q.observe(ctx, resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		if rerr := classify(resp, err); rerr != nil {
			return rerr
		}
		return nil
	})
}

// checkLimit fails with ErrRateLimited while the limiter reports a block.
// Limiter errors let the attempt through.
func (q *Queue) checkLimit(ctx context.Context) error {
	if q.limiter == nil {
		return nil
	}
	wait, err := q.limiter.Allow(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("Rate limit state unavailable")
		return nil
	}
	if wait > 0 {
		return &ReplayError{Class: ErrorClassRateLimit, Err: fmt.Errorf("%w: retry in %v", ErrRateLimited, wait)}
	}
	return nil
}

// observe reports resp to the limiter.
func (q *Queue) observe(ctx context.Context, resp *http.Response) {
	if q.limiter == nil {
		return
	}
	if err := q.limiter.UpdateFromResponse(context.WithoutCancel(ctx), resp); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to record upstream back-off")
	}
}

// retryWithBackoff executes fn with exponential backoff retry logic.
// It respects context cancellation and adds jitter to prevent thundering herd.
func (q *Queue) retryWithBackoff(ctx context.Context, id string, fn func() error) error {
	cfg := q.retry
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				q.logger.Info().
					Str("id", id).
					Int("attempt", attempt).
					Msg("Replay succeeded after retry")
			}
			return nil
		}

		lastErr = err

		var class ErrorClass
		var rerr *ReplayError
		if errors.As(err, &rerr) {
			class = rerr.Class
		}

		if !shouldRetry(class) || errors.Is(err, ErrRateLimited) {
			return lastErr
		}

		if attempt >= cfg.MaxAttempts {
			replayExhausted.WithLabelValues(string(class)).Inc()
			break
		}

		replayRetries.WithLabelValues(string(class)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		replayBackoffSeconds.WithLabelValues(string(class)).Observe(jitter.Seconds())

		q.logger.Debug().
			Str("id", id).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying replay after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
