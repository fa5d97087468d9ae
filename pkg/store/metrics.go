package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_store_operations_total",
		Help: "Key-value store operations by partition and operation",
	}, []string{"partition", "operation"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_store_errors_total",
		Help: "Failed key-value store operations by operation",
	}, []string{"operation"})
)
