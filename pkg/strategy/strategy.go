// Package strategy implements the request strategies used by routes:
// network-first with a preemptive cache timeout, and fastest-of cache or
// network.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/Sternrassler/swcache/pkg/identity"
	"golang.org/x/sync/errgroup"
)

// ErrNoResponse is returned when neither the network nor the cache produced
// a response.
var ErrNoResponse = errors.New("no response")

// Doer executes network requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Matcher looks up cached responses. *cache.Partition satisfies it.
type Matcher interface {
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RequestFunc derives one request form from the incoming request.
type RequestFunc func(ctx context.Context, r *http.Request) (*http.Request, error)

// FallbackFunc produces a response when the cache lookup misses. It may
// return a nil response to signal that it has nothing either.
type FallbackFunc func(ctx context.Context, cacheReq *http.Request) (*http.Response, error)

// HookFunc observes a request form after a successful network fetch.
type HookFunc func(ctx context.Context, cacheReq *http.Request) error

// CacheLookup resolves cacheReq from partition, invoking fallback on a miss.
// A miss without fallback yields (nil, nil). Lookup errors count as misses.
func CacheLookup(ctx context.Context, partition Matcher, cacheReq *http.Request, fallback FallbackFunc) (*http.Response, error) {
	resp, err := partition.Match(ctx, cacheReq)
	if err == nil && resp != nil {
		return resp, nil
	}
	if fallback == nil {
		return nil, nil
	}
	return fallback(ctx, cacheReq)
}

// PassThrough returns r bound to ctx.
func PassThrough(ctx context.Context, r *http.Request) (*http.Request, error) {
	return r.Clone(ctx), nil
}

// StripQuery returns r bound to ctx with every query parameter removed.
func StripQuery(ctx context.Context, r *http.Request) (*http.Request, error) {
	out := r.Clone(ctx)
	out.URL = identity.NormalizeURL(r.URL)
	out.Header.Del("Cookie")
	out.Header.Del("Authorization")
	return out, nil
}

// resolveForms builds the network and cache forms concurrently. The network
// form is bound to netCtx so it outlives the caller.
func resolveForms(ctx, netCtx context.Context, r *http.Request, fetchReq, cacheReq RequestFunc) (identity.Identity, error) {
	var (
		forms identity.Identity
		g     errgroup.Group
	)

	g.Go(func() error {
		req, err := fetchReq(netCtx, r)
		if err != nil {
			return fmt.Errorf("network form: %w", err)
		}
		forms.Network = req
		return nil
	})
	g.Go(func() error {
		req, err := cacheReq(ctx, r)
		if err != nil {
			return fmt.Errorf("cache form: %w", err)
		}
		forms.Cache = req
		return nil
	})

	if err := g.Wait(); err != nil {
		return identity.Identity{}, err
	}
	return forms, nil
}

// openPartition opens name, counting failures.
func openPartition(ctx context.Context, storage *cache.Storage, name string) (*cache.Partition, error) {
	partition, err := storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return partition, nil
}

func cacheable(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}
