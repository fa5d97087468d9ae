package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/rs/zerolog"
)

// Fastest races the cache against the network and answers with whichever
// produces a response first. A successful network response is always
// written to the cache, even when it loses.
type Fastest struct {
	storage *cache.Storage
	client  Doer
	opts    Options
	logger  zerolog.Logger
}

// NewFastest creates a fastest-of strategy. NetworkTimeout and CacheFallback
// are ignored.
func NewFastest(storage *cache.Storage, client Doer, opts Options, logger zerolog.Logger) *Fastest {
	if storage == nil {
		panic("cache storage cannot be nil")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if opts.FetchRequest == nil {
		opts.FetchRequest = PassThrough
	}
	if opts.CacheRequest == nil {
		opts.CacheRequest = StripQuery
	}
	return &Fastest{
		storage: storage,
		client:  client,
		opts:    opts,
		logger:  logger.With().Str("strategy", "fastest").Str("cache", opts.CacheName).Logger(),
	}
}

type sourceResult struct {
	state State
	resp  *http.Response
	err   error
}

// Handle resolves r from the faster of cache and network.
func (s *Fastest) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
	start := time.Now()

	partition, err := openPartition(ctx, s.storage, s.opts.CacheName)
	if err != nil {
		return nil, err
	}

	netCtx := context.WithoutCancel(ctx)
	forms, err := resolveForms(ctx, netCtx, r, s.opts.FetchRequest, s.opts.CacheRequest)
	if err != nil {
		return nil, err
	}

	results := make(chan sourceResult, 2)
	go func() {
		resp, err := partition.Match(ctx, forms.Cache)
		results <- sourceResult{state: StateCacheWon, resp: resp, err: err}
	}()
	go func() {
		fetchedAt := time.Now()
		resp, err := s.client.Do(forms.Network)
		if err == nil && cacheable(forms.Cache) {
			if perr := partition.PutFetched(netCtx, forms.Cache, resp, fetchedAt); perr != nil {
				s.logger.Warn().Err(perr).Str("url", forms.Cache.URL.String()).Msg("Failed to cache response")
			}
		}
		results <- sourceResult{state: StateNetworkWon, resp: resp, err: err}
	}()

	var errs []error
	for received := 0; received < 2; received++ {
		select {
		case res := <-results:
			if res.err == nil && res.resp != nil {
				go discard(results, 1-received)
				s.observe(res.state, start)
				return res.resp, nil
			}
			errs = append(errs, res.err)
		case <-ctx.Done():
			go discard(results, 2-received)
			s.observe(StateFailed, start)
			return nil, ctx.Err()
		}
	}

	s.observe(StateFailed, start)
	return nil, fmt.Errorf("%w: %w", ErrNoResponse, errors.Join(errs...))
}

func (s *Fastest) observe(state State, start time.Time) {
	strategyOutcomes.WithLabelValues("fastest", state.String()).Inc()
	strategyDuration.WithLabelValues("fastest").Observe(time.Since(start).Seconds())
}

// discard closes the responses of the sources that lost.
func discard(results <-chan sourceResult, remaining int) {
	for i := 0; i < remaining; i++ {
		closeBody((<-results).resp)
	}
}
