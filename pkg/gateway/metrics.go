package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_gateway_requests_total",
		Help: "Total requests answered by the gateway by handler and HTTP status",
	}, []string{"handler", "status"})

	gatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swcache_gateway_request_duration_seconds",
		Help:    "Gateway request duration by handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)
