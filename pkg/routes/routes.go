// Package routes binds the fetch strategies to the gateway's URL space.
//
// Every declared API gets a read route and a write route under its path:
//
//	GET  <path>  network first, cache after SafetyFactor of the API timeout,
//	             content snapshot when the cache has nothing
//	POST <path>  network only, failed writes are deferred for replay and
//	             successful writes prune the writes they supersede
//
// Background asset families get one GET route each, served by a precacher.
package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/Sternrassler/swcache/pkg/deferred"
	"github.com/Sternrassler/swcache/pkg/identity"
	"github.com/Sternrassler/swcache/pkg/precache"
	"github.com/Sternrassler/swcache/pkg/router"
	"github.com/Sternrassler/swcache/pkg/snapshot"
	"github.com/Sternrassler/swcache/pkg/strategy"
	"github.com/rs/zerolog"
)

// SafetyFactor scales an API timeout so the cache answers before the
// application's own request times out.
const SafetyFactor = 0.85

// DefaultXHRTimeout is the application request timeout assumed when an API
// declares none.
const DefaultXHRTimeout = 3000 * time.Millisecond

// ErrInvalidSafetyFactor is returned for factors outside (0, 1).
var ErrInvalidSafetyFactor = errors.New("safety factor must be between 0 and 1 exclusive")

// API is one logical backend endpoint.
type API struct {
	// Name labels the API in logs.
	Name string

	// XHRPath is the path prefix the API is served under.
	XHRPath string

	// XHRTimeout is the application's own timeout for requests to the API.
	XHRTimeout time.Duration
}

// DefaultAPIs is used when no API is configured.
func DefaultAPIs() []API {
	return []API{{Name: "api", XHRPath: "/api", XHRTimeout: DefaultXHRTimeout}}
}

// Deps are the collaborators the API routes are built from.
type Deps struct {
	Cache     *cache.Storage
	Client    strategy.Doer
	CacheName string
	Upstream  *url.URL
	Snapshots *snapshot.Store
	Deferred  *deferred.Queue
	Logger    zerolog.Logger
}

// EffectiveTimeout returns factor × timeout, which is strictly shorter than
// timeout for any valid factor.
func EffectiveTimeout(timeout time.Duration, factor float64) (time.Duration, error) {
	if !(factor > 0 && factor < 1) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSafetyFactor, factor)
	}
	return time.Duration(float64(timeout) * factor), nil
}

// InstallAPIs registers the read and write routes of every API on rt.
func InstallAPIs(rt *router.Router, apis []API, deps Deps) (*router.Router, error) {
	if rt == nil {
		rt = router.New()
	}
	if deps.Cache == nil || deps.Snapshots == nil || deps.Deferred == nil {
		return nil, fmt.Errorf("install apis: cache, snapshots and deferred queue are required")
	}
	if deps.Upstream == nil || !deps.Upstream.IsAbs() {
		return nil, fmt.Errorf("install apis: upstream must be an absolute URL")
	}

	for _, api := range apis {
		if err := installAPI(rt, api, deps); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func installAPI(rt *router.Router, api API, deps Deps) error {
	if api.XHRPath == "" {
		return fmt.Errorf("api %q: empty path", api.Name)
	}
	xhrTimeout := api.XHRTimeout
	if xhrTimeout <= 0 {
		xhrTimeout = DefaultXHRTimeout
	}
	timeout, err := EffectiveTimeout(xhrTimeout, SafetyFactor)
	if err != nil {
		return fmt.Errorf("api %q: %w", api.Name, err)
	}

	logger := deps.Logger.With().Str("api", api.Name).Logger()
	target := func(r *http.Request) *url.URL {
		return identity.Rebase(r, deps.Upstream, "")
	}

	read := strategy.NewNetworkFirst(deps.Cache, deps.Client, strategy.Options{
		CacheName:      deps.CacheName,
		NetworkTimeout: timeout,
		FetchRequest: func(ctx context.Context, r *http.Request) (*http.Request, error) {
			return identity.NetworkForm(ctx, r, target(r), identity.Include)
		},
		CacheRequest: func(ctx context.Context, r *http.Request) (*http.Request, error) {
			return identity.CacheForm(ctx, r, target(r), snapshot.ResourceParam)
		},
		CacheFallback: deps.Snapshots.ResourceContentResponse,
	}, logger)

	// The write cache form keeps credentials and fallback metadata: it is
	// what gets queued and what supersedes queued writes.
	write := strategy.NewNetworkFirst(deps.Cache, deps.Client, strategy.Options{
		CacheName: deps.CacheName,
		FetchRequest: func(ctx context.Context, r *http.Request) (*http.Request, error) {
			req, err := identity.NetworkForm(ctx, r, target(r), identity.Include)
			if err != nil {
				return nil, err
			}
			return deferred.RemoveFallback(ctx, identity.Include, req)
		},
		CacheRequest: func(ctx context.Context, r *http.Request) (*http.Request, error) {
			return identity.NetworkForm(ctx, r, target(r), identity.Include)
		},
		CacheFallback: func(ctx context.Context, cacheReq *http.Request) (*http.Response, error) {
			rec, err := deps.Deferred.DeferRequest(ctx, api.XHRPath, cacheReq)
			if err != nil {
				return nil, err
			}
			return rec.Response(cacheReq), nil
		},
		SuccessHook: deps.Deferred.MaintainRequests,
	}, logger)

	rt.Get(api.XHRPath, read.Handle)
	rt.Post(api.XHRPath, write.Handle)

	logger.Info().
		Str("path", api.XHRPath).
		Dur("xhr_timeout", xhrTimeout).
		Dur("network_timeout", timeout).
		Msg("API routes installed")
	return nil
}

// InstallBackgrounds registers a GET route for every precacher.
func InstallBackgrounds(rt *router.Router, precachers ...*precache.Precacher) *router.Router {
	if rt == nil {
		rt = router.New()
	}
	for _, p := range precachers {
		rt.Get(p.Prefix(), p.Handle)
	}
	return rt
}
