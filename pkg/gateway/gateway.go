// Package gateway is the HTTP front of swcache. It answers routed requests
// through the installed strategies, proxies everything else to the upstream
// and exposes the control endpoints:
//
//	GET  /health          liveness
//	GET  /ready           Redis reachability
//	GET  /metrics         Prometheus metrics
//	POST /_swcache/init   content snapshot delivery, merged into the stored one
//	POST /_swcache/sync   replay of deferred writes
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/swcache/pkg/deferred"
	"github.com/Sternrassler/swcache/pkg/identity"
	"github.com/Sternrassler/swcache/pkg/metrics"
	"github.com/Sternrassler/swcache/pkg/router"
	"github.com/Sternrassler/swcache/pkg/snapshot"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NetworkErrorBody is the body of a 502 answered when a route exhausted
// every fallback.
const NetworkErrorBody = "network error"

// hopHeaders are not copied from upstream responses.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Deps are the collaborators of a Server.
type Deps struct {
	Router       *router.Router
	Upstream     *url.URL
	Redis        *redis.Client
	Snapshots    *snapshot.Store
	Deferred     *deferred.Queue
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// Server is the gateway http.Handler.
type Server struct {
	router    *router.Router
	redis     *redis.Client
	snapshots *snapshot.Store
	queue     *deferred.Queue
	proxy     *httputil.ReverseProxy
	maxBody   int64
	logger    zerolog.Logger
	mux       *http.ServeMux
}

// New creates the gateway.
func New(deps Deps) (*Server, error) {
	if deps.Router == nil || deps.Snapshots == nil || deps.Deferred == nil || deps.Redis == nil {
		return nil, fmt.Errorf("gateway: router, redis, snapshots and deferred queue are required")
	}
	if deps.Upstream == nil || !deps.Upstream.IsAbs() {
		return nil, fmt.Errorf("gateway: upstream must be an absolute URL")
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = identity.DefaultMaxBody
	}

	s := &Server{
		router:    deps.Router,
		redis:     deps.Redis,
		snapshots: deps.Snapshots,
		queue:     deps.Deferred,
		maxBody:   deps.MaxBodyBytes,
		logger:    deps.Logger.With().Str("component", "gateway").Logger(),
		mux:       http.NewServeMux(),
	}

	s.proxy = httputil.NewSingleHostReverseProxy(deps.Upstream)
	s.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Proxy request failed")
		http.Error(w, NetworkErrorBody, http.StatusBadGateway)
	}

	s.mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	s.mux.HandleFunc("GET /ready", s.instrument("ready", s.handleReady))
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /_swcache/init", s.instrument("init", s.handleInit))
	s.mux.HandleFunc("POST /_swcache/sync", s.instrument("sync", s.handleSync))
	s.mux.HandleFunc("/", s.handleRequest)

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// initResponse acknowledges a snapshot delivery.
type initResponse struct {
	Resources int       `json:"resources"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var snap snapshot.Snapshot
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&snap); err != nil {
		http.Error(w, "invalid snapshot: "+err.Error(), http.StatusBadRequest)
		return
	}

	merged, err := s.snapshots.Update(r.Context(), snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("Snapshot update failed")
		http.Error(w, "snapshot update failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Int("delivered", len(snap.Resources)).Int("total", len(merged.Resources)).Msg("Snapshot delivered")
	writeJSON(w, http.StatusOK, initResponse{Resources: len(merged.Resources), UpdatedAt: merged.UpdatedAt})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.queue.Replay(r.Context())
	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// handleRequest answers routed requests through their handler and proxies
// the rest.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	h, ok := s.router.Match(r)
	if !ok {
		s.proxy.ServeHTTP(w, r)
		gatewayRequests.WithLabelValues("proxy", "-").Inc()
		gatewayDuration.WithLabelValues("proxy").Observe(time.Since(start).Seconds())
		return
	}

	if err := identity.BufferBody(r, s.maxBody); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, identity.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		gatewayRequests.WithLabelValues("route", strconv.Itoa(status)).Inc()
		return
	}

	resp, err := h(r.Context(), r)
	if err != nil || resp == nil {
		s.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request exhausted all fallbacks")
		http.Error(w, NetworkErrorBody, http.StatusBadGateway)
		gatewayRequests.WithLabelValues("route", strconv.Itoa(http.StatusBadGateway)).Inc()
		gatewayDuration.WithLabelValues("route").Observe(time.Since(start).Seconds())
		return
	}

	s.writeResponse(w, resp)
	gatewayRequests.WithLabelValues("route", strconv.Itoa(resp.StatusCode)).Inc()
	gatewayDuration.WithLabelValues("route").Observe(time.Since(start).Seconds())
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response body")
	}
}

// instrument records request metrics for a control endpoint.
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		gatewayRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		gatewayDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
