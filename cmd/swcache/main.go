// Command swcache runs the offline-first caching gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/Sternrassler/swcache/pkg/config"
	"github.com/Sternrassler/swcache/pkg/deferred"
	"github.com/Sternrassler/swcache/pkg/gateway"
	"github.com/Sternrassler/swcache/pkg/logging"
	"github.com/Sternrassler/swcache/pkg/precache"
	"github.com/Sternrassler/swcache/pkg/ratelimit"
	"github.com/Sternrassler/swcache/pkg/router"
	"github.com/Sternrassler/swcache/pkg/routes"
	"github.com/Sternrassler/swcache/pkg/snapshot"
	"github.com/Sternrassler/swcache/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	upstreamTimeout = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "swcache",
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

	a, err := newApp(ctx, cfg, redisClient, &http.Client{Timeout: upstreamTimeout}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway")
	}

	if err := a.serve(ctx, cfg.ListenAddr, cfg.SyncInterval); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// app is the wired gateway.
type app struct {
	server     *gateway.Server
	queue      *deferred.Queue
	precachers []*precache.Precacher
	logger     zerolog.Logger
}

// newApp builds every component from cfg. client reaches the upstream and
// the background origins.
func newApp(ctx context.Context, cfg *config.Config, redisClient *redis.Client, client *http.Client, logger zerolog.Logger) (*app, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}

	kv, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	storage := cache.NewStorage(redisClient, cache.WithMaxAge(cfg.CacheMaxAge))
	snapshots := snapshot.NewStore(kv, logger)
	queue := deferred.NewQueue(kv, client, logger, deferred.WithLimiter(ratelimit.NewTracker(redisClient, logger)))

	apis := make([]routes.API, 0, len(cfg.APIs))
	for _, api := range cfg.APIs {
		apis = append(apis, routes.API{Name: api.Name, XHRPath: api.XHRPath, XHRTimeout: api.Timeout()})
	}

	rt, err := routes.InstallAPIs(router.New(), apis, routes.Deps{
		Cache:     storage,
		Client:    client,
		CacheName: cfg.CacheName,
		Upstream:  upstream,
		Snapshots: snapshots,
		Deferred:  queue,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	precachers := make([]*precache.Precacher, 0, len(cfg.Backgrounds))
	for _, bg := range cfg.Backgrounds {
		origin, err := url.Parse(bg.Origin)
		if err != nil {
			return nil, fmt.Errorf("background %s: parse origin: %w", bg.Prefix, err)
		}
		cacheName := bg.CacheName
		if cacheName == "" {
			cacheName = cfg.CacheName
		}
		p, err := precache.New(storage, client, precache.Options{
			CacheName: cacheName,
			Prefix:    bg.Prefix,
			Origin:    origin,
			Siblings:  bg.Names,
			Workers:   bg.Workers,
		}, logger)
		if err != nil {
			return nil, err
		}
		precachers = append(precachers, p)
	}
	routes.InstallBackgrounds(rt, precachers...)

	server, err := gateway.New(gateway.Deps{
		Router:       rt,
		Upstream:     upstream,
		Redis:        redisClient,
		Snapshots:    snapshots,
		Deferred:     queue,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("upstream", upstream.String()).
		Int("apis", len(apis)).
		Int("backgrounds", len(precachers)).
		Int("routes", rt.Len()).
		Msg("Gateway configured")

	return &app{server: server, queue: queue, precachers: precachers, logger: logger}, nil
}

// serve runs the HTTP server and the sync loop until ctx is done, then shuts
// down gracefully.
func (a *app) serve(ctx context.Context, addr string, syncInterval time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		a.syncLoop(ctx, syncInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("Starting swcache gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Graceful shutdown failed")
		}
	}

	<-syncDone
	a.wait()
	return nil
}

// syncLoop replays deferred writes once at startup and then every interval.
// A non-positive interval only runs the startup replay.
func (a *app) syncLoop(ctx context.Context, interval time.Duration) {
	a.replay(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.replay(ctx)
		}
	}
}

func (a *app) replay(ctx context.Context) {
	result, err := a.queue.Replay(ctx)
	if err != nil && !errors.Is(err, deferred.ErrContextCancelled) {
		a.logger.Warn().Err(err).Int("remaining", result.Remaining).Msg("Sync run incomplete")
	}
}

// wait blocks until every background warm-up finished.
func (a *app) wait() {
	for _, p := range a.precachers {
		p.Wait()
	}
}
