package precache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	precacheFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_precache_fetched_total",
		Help: "Sibling assets fetched and cached by warm-ups",
	})

	precacheSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_precache_skipped_total",
		Help: "Sibling assets skipped because they were already cached",
	})

	precacheFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_precache_failures_total",
		Help: "Warm-up failures by stage",
	}, []string{"stage"})

	precacheDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swcache_precache_duration_seconds",
		Help:    "Duration of complete warm-ups",
		Buckets: prometheus.DefBuckets,
	})
)
