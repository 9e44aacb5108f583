package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelherd/herd/internal/backend"
)

// Registry is the private Prometheus registry served at /metrics when
// metrics.prometheus_enabled is set. Using our own registry keeps Go
// runtime collectors out unless explicitly added.
var Registry = prometheus.NewRegistry()

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herd",
			Name:      "requests_total",
			Help:      "Proxied requests by backend, model and outcome.",
		},
		[]string{"backend", "model", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "herd",
			Name:      "request_duration_seconds",
			Help:      "End-to-end upstream request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"backend", "model"},
	)
	ttftSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "herd",
			Name:      "ttft_seconds",
			Help:      "Time to first visible content chunk on streaming requests.",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 12),
		},
		[]string{"backend", "model"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "herd",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per pair: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"backend", "model"},
	)
	inflightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "herd",
			Name:      "inflight",
			Help:      "In-flight requests per backend, regular plus bypass.",
		},
		[]string{"backend"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "herd",
			Name:      "queue_depth",
			Help:      "Requests waiting in the admission queue.",
		},
	)
	backendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "herd",
			Name:      "backend_healthy",
			Help:      "Backend health per the probe scheduler: 1 healthy, 0 not.",
		},
		[]string{"backend"},
	)
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herd",
			Name:      "health_probes_total",
			Help:      "Health probes by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		requestsTotal,
		requestDuration,
		ttftSeconds,
		breakerState,
		inflightGauge,
		queueDepth,
		backendHealthy,
		probesTotal,
	)
}

// SetBreakerState publishes a breaker transition. The numeric mapping is
// 0 closed, 1 half-open, 2 open.
func SetBreakerState(p backend.Pair, state float64) {
	breakerState.WithLabelValues(p.BackendID, p.Model).Set(state)
}

// DeleteBreakerState drops the series for a removed pair.
func DeleteBreakerState(p backend.Pair) {
	breakerState.DeleteLabelValues(p.BackendID, p.Model)
}

// SetInflight publishes the current in-flight count for a backend.
func SetInflight(backendID string, n int) {
	inflightGauge.WithLabelValues(backendID).Set(float64(n))
}

// SetQueueDepth publishes the admission queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetBackendHealthy publishes a backend's probed health.
func SetBackendHealthy(backendID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	backendHealthy.WithLabelValues(backendID).Set(v)
}

// IncProbe counts one health probe outcome.
func IncProbe(backendID string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	probesTotal.WithLabelValues(backendID, outcome).Inc()
}

// DeleteBackendSeries drops per-backend series after a backend is
// removed from the fleet.
func DeleteBackendSeries(backendID string) {
	backendHealthy.DeleteLabelValues(backendID)
	inflightGauge.DeleteLabelValues(backendID)
}
