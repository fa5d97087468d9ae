package strategy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/rs/zerolog"
)

// Options configures a strategy.
type Options struct {
	// CacheName is the partition responses are read from and written to.
	CacheName string

	// NetworkTimeout preempts the network with a cache lookup. Zero or
	// negative disables the timeout task.
	NetworkTimeout time.Duration

	// FetchRequest builds the network form. Defaults to PassThrough.
	FetchRequest RequestFunc

	// CacheRequest builds the cache form. Defaults to StripQuery.
	CacheRequest RequestFunc

	// CacheFallback is invoked when the cache lookup misses.
	CacheFallback FallbackFunc

	// SuccessHook runs after the network answers with a status below 400,
	// before the race settles. Its errors are logged, never returned. The
	// caller sees the response only after the hook finished, so a sync
	// requested right after a successful write cannot replay the queued
	// writes the hook removes.
	SuccessHook HookFunc
}

// NetworkFirst resolves a request from the network, falling back to the
// cache on failure or when the optional timeout elapses first.
type NetworkFirst struct {
	storage   *cache.Storage
	client    Doer
	opts      Options
	logger    zerolog.Logger
	afterFunc afterFunc
}

// NewNetworkFirst creates a network-first strategy. A nil client uses
// http.DefaultClient.
func NewNetworkFirst(storage *cache.Storage, client Doer, opts Options, logger zerolog.Logger) *NetworkFirst {
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
	return &NetworkFirst{
		storage:   storage,
		client:    client,
		opts:      opts,
		logger:    logger.With().Str("strategy", "network_first").Str("cache", opts.CacheName).Logger(),
		afterFunc: realAfterFunc,
	}
}

// Handle resolves r. The network fetch is detached from ctx: when the timeout
// or the caller wins, it keeps running and still refreshes the cache.
func (s *NetworkFirst) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
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

	rc := newRace()
	if s.opts.NetworkTimeout > 0 {
		rc.arm(s.afterFunc, s.opts.NetworkTimeout, func() {
			s.timeoutTask(ctx, rc, partition, forms.Cache)
		})
	}
	go s.networkTask(ctx, netCtx, rc, partition, forms.Network, forms.Cache)

	select {
	case <-rc.done:
	case <-ctx.Done():
		rc.settle(StateFailed, nil, ctx.Err())
	}

	state, resp, err := rc.result()
	strategyOutcomes.WithLabelValues("network_first", state.String()).Inc()
	strategyDuration.WithLabelValues("network_first").Observe(time.Since(start).Seconds())

	s.logger.Debug().
		Str("url", forms.Cache.URL.String()).
		Str("outcome", state.String()).
		Dur("duration", time.Since(start)).
		Msg("Request settled")

	return resp, err
}

// networkTask fetches the network form. Success writes through to the cache.
func (s *NetworkFirst) networkTask(ctx, netCtx context.Context, rc *race, partition *cache.Partition, netReq, cacheReq *http.Request) {
	fetchedAt := time.Now()
	resp, err := s.client.Do(netReq)
	if err == nil {
		if cacheable(cacheReq) {
			if perr := partition.PutFetched(netCtx, cacheReq, resp, fetchedAt); perr != nil {
				s.logger.Warn().Err(perr).Str("url", cacheReq.URL.String()).Msg("Failed to cache response")
			}
		}
		if s.opts.SuccessHook != nil && resp.StatusCode < http.StatusBadRequest {
			if herr := s.opts.SuccessHook(netCtx, cacheReq); herr != nil {
				s.logger.Warn().Err(herr).Str("url", cacheReq.URL.String()).Msg("Success hook failed")
			}
		}
		rc.stopTimer()
		if !rc.settle(StateNetworkWon, resp, nil) {
			// Lost to the timeout or the caller; the cache is refreshed anyway.
			closeBody(resp)
			lateNetworkResponses.Inc()
		}
		return
	}

	rc.stopTimer()
	if rc.settled() {
		return
	}

	s.logger.Debug().Err(err).Str("url", netReq.URL.String()).Msg("Network failed, falling back to cache")

	cached, lerr := CacheLookup(ctx, partition, cacheReq, s.opts.CacheFallback)
	switch {
	case lerr != nil:
		rc.settle(StateFailed, nil, fmt.Errorf("fallback after network failure (%v): %w", err, lerr))
	case cached == nil:
		rc.settle(StateFailed, nil, fmt.Errorf("%w: %w", ErrNoResponse, err))
	default:
		if !rc.settle(StateFallbackWon, cached, nil) {
			closeBody(cached)
		}
	}
}

// timeoutTask answers from the cache when the network is slow. It declines
// when the lookup finds nothing, leaving the network authoritative.
func (s *NetworkFirst) timeoutTask(ctx context.Context, rc *race, partition *cache.Partition, cacheReq *http.Request) {
	if rc.settled() {
		return
	}

	resp, err := CacheLookup(ctx, partition, cacheReq, s.opts.CacheFallback)
	if err != nil || resp == nil {
		s.logger.Debug().Err(err).Str("url", cacheReq.URL.String()).Msg("Timeout lookup found nothing, waiting for network")
		return
	}

	if !rc.settle(StateTimeoutWon, resp, nil) {
		closeBody(resp)
	}
}
