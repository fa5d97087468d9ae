package deferred

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deferredRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_deferred_requests_total",
		Help: "Total number of writes queued for replay",
	}, []string{"path_prefix"})

	deferredQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swcache_deferred_queued",
		Help: "Number of writes currently waiting for replay",
	})

	deferredReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_deferred_replayed_total",
		Help: "Total number of queued writes delivered upstream",
	})

	deferredRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_deferred_rejected_total",
		Help: "Total number of queued writes the upstream rejected with a client error",
	})

	deferredPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_deferred_pruned_total",
		Help: "Total number of queued writes superseded by a successful write",
	})

	replayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_replay_retries_total",
		Help: "Total number of replay retry attempts by error class",
	}, []string{"error_class"})

	replayBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swcache_replay_backoff_seconds",
		Help:    "Backoff duration for replay retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	replayExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_replay_exhausted_total",
		Help: "Total number of times replay attempts were exhausted by error class",
	}, []string{"error_class"})
)
