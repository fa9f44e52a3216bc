package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutor_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_gateway_requests_total",
			Help: "Inference gateway calls by operation and result",
		},
		[]string{"operation", "result"}, // result: "ok" or "error"
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutor_gateway_latency_seconds",
			Help:    "Inference gateway call latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"operation"},
	)

	// Page metrics
	ActivePages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tutor_active_pages",
			Help: "Pages with an open event stream",
		},
		[]string{"kind"},
	)

	RevealOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_reveal_outcomes_total",
			Help: "Answer reveals by how they ended",
		},
		[]string{"kind", "outcome"},
	)

	ExchangesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_exchanges_persisted_total",
			Help: "Question and answer pairs appended to a record",
		},
		[]string{"kind"},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_persist_failures_total",
			Help: "Exchanges that could not be stored",
		},
		[]string{"kind"},
	)

	// Auth and abuse metrics
	AuthEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_auth_events_total",
			Help: "Identity provider events",
		},
		[]string{"event", "result"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
