package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by partition
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_hits_total",
			Help: "Total number of cache partition hits",
		},
		[]string{"partition"},
	)

	// CacheMisses tracks cache misses by partition
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_misses_total",
			Help: "Total number of cache partition misses",
		},
		[]string{"partition"},
	)

	// CachePuts tracks stored responses by partition
	CachePuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_puts_total",
			Help: "Total number of responses written to a cache partition",
		},
		[]string{"partition"},
	)

	// CacheStaleWrites tracks writes refused because a newer fetch was stored
	CacheStaleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_stale_writes_total",
			Help: "Total number of writes refused because the stored response came from a newer fetch",
		},
		[]string{"partition"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "open", "get", "set", "delete"
	)
)
