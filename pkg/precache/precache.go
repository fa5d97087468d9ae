// Package precache warms the cache for a family of interchangeable assets
// served from a third-party origin.
//
// Every request for one member of the family is taken as a hint that the
// others will be wanted soon. The request itself is answered by racing the
// cache against the network; in the background every sibling that is not
// cached yet is fetched and stored.
package precache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/Sternrassler/swcache/pkg/identity"
	"github.com/Sternrassler/swcache/pkg/strategy"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds concurrent sibling fetches of one warm-up.
const DefaultWorkers = 4

// Options configures a Precacher.
type Options struct {
	// CacheName is the partition assets are cached in.
	CacheName string

	// Prefix is the local path prefix the assets are requested under.
	Prefix string

	// Origin is the third-party origin the assets are fetched from.
	Origin *url.URL

	// Siblings names the interchangeable assets. Each name appears as one
	// path segment of the asset URL.
	Siblings []string

	// Workers bounds concurrent sibling fetches. Defaults to DefaultWorkers.
	Workers int
}

// Precacher answers asset requests and warms the cache for their siblings.
type Precacher struct {
	storage *cache.Storage
	client  strategy.Doer
	opts    Options
	fastest *strategy.Fastest
	logger  zerolog.Logger

	wg sync.WaitGroup
}

// New creates a precacher. A nil client uses http.DefaultClient.
func New(storage *cache.Storage, client strategy.Doer, opts Options, logger zerolog.Logger) (*Precacher, error) {
	if storage == nil {
		panic("cache storage cannot be nil")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, fmt.Errorf("precache origin must be an absolute URL")
	}
	if len(opts.Siblings) == 0 {
		return nil, fmt.Errorf("precache %s: no siblings configured", opts.Prefix)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	p := &Precacher{
		storage: storage,
		client:  client,
		opts:    opts,
		logger:  logger.With().Str("component", "precache").Str("prefix", opts.Prefix).Logger(),
	}
	p.fastest = strategy.NewFastest(storage, client, strategy.Options{
		CacheName:    opts.CacheName,
		FetchRequest: p.networkForm,
		CacheRequest: p.cacheForm,
	}, logger)
	return p, nil
}

// Prefix returns the local path prefix the precacher serves.
func (p *Precacher) Prefix() string {
	return p.opts.Prefix
}

// Handle answers r from the faster of cache and network and starts warming
// the cache for r's siblings. The warm-up outlives ctx and never affects the
// response.
func (p *Precacher) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := identity.Rebase(r, p.opts.Origin, p.opts.Prefix)
	if idx, current, ok := p.identify(target); ok {
		p.warm(context.WithoutCancel(ctx), target, idx, current)
	} else {
		p.logger.Debug().Str("url", target.String()).Msg("No sibling segment, skipping warm-up")
	}
	return p.fastest.Handle(ctx, r)
}

// Wait blocks until every started warm-up has finished.
func (p *Precacher) Wait() {
	p.wg.Wait()
}

func (p *Precacher) networkForm(ctx context.Context, r *http.Request) (*http.Request, error) {
	return identity.NetworkForm(ctx, r, identity.Rebase(r, p.opts.Origin, p.opts.Prefix), identity.Omit)
}

func (p *Precacher) cacheForm(ctx context.Context, r *http.Request) (*http.Request, error) {
	return identity.CacheForm(ctx, r, identity.Rebase(r, p.opts.Origin, p.opts.Prefix))
}

// identify returns the index and name of the path segment of u that names a
// sibling.
func (p *Precacher) identify(u *url.URL) (int, string, bool) {
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		for _, name := range p.opts.Siblings {
			if segments[i] == name {
				return i, name, true
			}
		}
	}
	return 0, "", false
}

// siblingURL substitutes segment idx of u with name.
func siblingURL(u *url.URL, idx int, name string) *url.URL {
	segments := strings.Split(u.Path, "/")
	segments[idx] = name
	out := *u
	out.Path = strings.Join(segments, "/")
	out.RawPath = ""
	return &out
}

// warm starts a supervised warm-up for every sibling other than current.
func (p *Precacher) warm(ctx context.Context, target *url.URL, idx int, current string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				precacheFailures.WithLabelValues("panic").Inc()
				p.logger.Error().Interface("panic", rec).Msg("Warm-up panicked")
			}
		}()

		start := time.Now()
		partition, err := p.storage.Open(ctx, p.opts.CacheName)
		if err != nil {
			precacheFailures.WithLabelValues("open").Inc()
			p.logger.Warn().Err(err).Msg("Warm-up could not open cache")
			return
		}

		var g errgroup.Group
		g.SetLimit(p.opts.Workers)

		for _, name := range p.opts.Siblings {
			if name == current {
				continue
			}
			u := siblingURL(target, idx, name)
			g.Go(func() error {
				p.fetchSibling(ctx, partition, u)
				return nil
			})
		}
		g.Wait()

		precacheDuration.Observe(time.Since(start).Seconds())
	}()
}

// fetchSibling caches u unless it is cached already. Failures are logged.
func (p *Precacher) fetchSibling(ctx context.Context, partition *cache.Partition, u *url.URL) {
	defer func() {
		if rec := recover(); rec != nil {
			precacheFailures.WithLabelValues("panic").Inc()
			p.logger.Error().Interface("panic", rec).Str("url", u.String()).Msg("Sibling fetch panicked")
		}
	}()

	cacheReq, err := http.NewRequestWithContext(ctx, http.MethodGet, identity.NormalizeURL(u).String(), nil)
	if err != nil {
		precacheFailures.WithLabelValues("request").Inc()
		p.logger.Warn().Err(err).Str("url", u.String()).Msg("Invalid sibling URL")
		return
	}

	if resp, err := partition.Match(ctx, cacheReq); err == nil {
		resp.Body.Close()
		precacheSkipped.Inc()
		return
	}

	netReq, err := identity.NetworkForm(ctx, cacheReq, u, identity.Omit)
	if err != nil {
		precacheFailures.WithLabelValues("request").Inc()
		p.logger.Warn().Err(err).Str("url", u.String()).Msg("Invalid sibling URL")
		return
	}

	fetchedAt := time.Now()
	resp, err := p.client.Do(netReq)
	if err != nil {
		precacheFailures.WithLabelValues("fetch").Inc()
		p.logger.Warn().Err(err).Str("url", u.String()).Msg("Sibling fetch failed")
		return
	}
	defer resp.Body.Close()

	if err := partition.PutFetched(ctx, cacheReq, resp, fetchedAt); err != nil {
		precacheFailures.WithLabelValues("store").Inc()
		p.logger.Warn().Err(err).Str("url", u.String()).Msg("Failed to cache sibling")
		return
	}

	precacheFetched.Inc()
	p.logger.Debug().Str("url", u.String()).Msg("Sibling cached")
}
