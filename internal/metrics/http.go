package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control API metrics, labelled by route pattern rather than raw path.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_http_requests_total",
		Help: "Control API requests by route and status class",
	}, []string{"route", "method", "status"})

	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replay_http_request_seconds",
		Help:    "Control API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_http_rate_limited_total",
		Help: "Control API requests rejected or passed by the rate limiter",
	}, []string{"result"}) // blocked, redis_error

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_ws_clients",
		Help: "Connected notification websocket clients",
	})
)
