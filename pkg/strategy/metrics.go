package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	strategyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_strategy_outcomes_total",
		Help: "Settled requests by strategy and winning source",
	}, []string{"strategy", "outcome"})

	strategyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swcache_strategy_duration_seconds",
		Help:    "Time until a strategy settled, in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"strategy"})

	lateNetworkResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_late_network_responses_total",
		Help: "Network responses that arrived after the race settled and only refreshed the cache",
	})
)
