package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotResources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swcache_snapshot_resources",
		Help: "Number of resources retained in the content snapshot",
	})

	snapshotHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_snapshot_hits_total",
		Help: "Responses synthesized from the content snapshot",
	})

	snapshotMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_snapshot_misses_total",
		Help: "Snapshot lookups for resources that were never delivered",
	})
)
