// Package metrics exposes the Prometheus registry swcache reports to.
// All metrics are defined in their respective packages (cache, strategy,
// store, snapshot, deferred, precache, gateway) to maintain modularity and
// avoid circular dependencies.
//
// This package provides the scrape handler and the reference for all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by swcache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - swcache_cache_hits_total{partition} (Counter): Cache partition hits
//   - swcache_cache_misses_total{partition} (Counter): Cache partition misses
//   - swcache_cache_puts_total{partition} (Counter): Responses written to a partition
//   - swcache_cache_stale_writes_total{partition} (Counter): Writes refused because a newer fetch is stored
//   - swcache_cache_errors_total{operation} (Counter): Cache operation errors
//
// Strategy Metrics (pkg/strategy):
//   - swcache_strategy_outcomes_total{strategy, outcome} (Counter): Settled requests by winning source
//   - swcache_strategy_duration_seconds{strategy} (Histogram): Time until a strategy settled
//   - swcache_late_network_responses_total (Counter): Network responses that only refreshed the cache
//
// Store Metrics (pkg/store):
//   - swcache_store_operations_total{partition, operation} (Counter): Key-value store operations
//   - swcache_store_errors_total{operation} (Counter): Failed key-value store operations
//
// Snapshot Metrics (pkg/snapshot):
//   - swcache_snapshot_resources (Gauge): Resources in the stored content snapshot
//   - swcache_snapshot_hits_total (Counter): Requests answered from the snapshot
//   - swcache_snapshot_misses_total (Counter): Snapshot lookups for unknown resources
//
// Deferred Write Metrics (pkg/deferred):
//   - swcache_deferred_requests_total{path_prefix} (Counter): Writes deferred by API
//   - swcache_deferred_queued (Gauge): Writes waiting for replay
//   - swcache_deferred_replayed_total (Counter): Writes delivered by a sync run
//   - swcache_deferred_rejected_total (Counter): Writes the upstream refused during replay
//   - swcache_deferred_pruned_total (Counter): Queued writes superseded by a successful write
//   - swcache_replay_retries_total{error_class} (Counter): Replay retry attempts
//   - swcache_replay_backoff_seconds{error_class} (Histogram): Replay backoff duration
//   - swcache_replay_exhausted_total{error_class} (Counter): Writes that exhausted their retries
//
// Precache Metrics (pkg/precache):
//   - swcache_precache_fetched_total (Counter): Siblings fetched and cached
//   - swcache_precache_skipped_total (Counter): Siblings already cached
//   - swcache_precache_failures_total{stage} (Counter): Failed sibling warm-ups by stage
//   - swcache_precache_duration_seconds (Histogram): Warm-up duration
//
// Gateway Metrics (pkg/gateway):
//   - swcache_gateway_requests_total{handler, status} (Counter): Requests by handler and status
//   - swcache_gateway_request_duration_seconds{handler} (Histogram): Request duration by handler
//
// Example Prometheus Queries:
//
//   # Share of reads answered offline
//   sum(rate(swcache_strategy_outcomes_total{outcome=~"cache|fallback|timeout"}[5m])) /
//   sum(rate(swcache_strategy_outcomes_total[5m]))
//
//   # Writes waiting for the upstream
//   swcache_deferred_queued > 0
//
//   # Cache Hit Rate
//   sum(rate(swcache_cache_hits_total[5m])) /
//   (sum(rate(swcache_cache_hits_total[5m])) + sum(rate(swcache_cache_misses_total[5m])))
//
//   # P95 Routed Request Latency
//   histogram_quantile(0.95, rate(swcache_gateway_request_duration_seconds_bucket{handler="route"}[5m]))
