// Package metrics exposes the gateway's Prometheus collectors (spec
// §4.K). Metric names and label sets follow the teacher's hand-rolled
// internal/metrics.Registry (fabian4-gateway-homebrew-go); the
// collector wiring itself is promauto/promhttp, following
// mercator-hq-jupiter's pkg/limits/metrics.go, since the corpus
// already depends on github.com/prometheus/client_golang.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway records against.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	upstreamLatency   *prometheus.HistogramVec
	rateLimitDecisions *prometheus.CounterVec
	backendHealth     *prometheus.GaugeVec
	configReloads     *prometheus.CounterVec
}

// New registers and returns a fresh set of collectors.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests dispatched by route and status",
			},
			[]string{"route", "method", "status"},
		),
		activeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_connections",
				Help: "Number of requests currently in flight",
			},
		),
		upstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_latency_seconds",
				Help:    "Time to handle a routed request, from arrival until dispatch returns, in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),
		rateLimitDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_decisions_total",
				Help: "Rate limit admission decisions by route and outcome",
			},
			[]string{"route", "decision"},
		),
		backendHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_health",
				Help: "Backend health status, 1 healthy 0 unhealthy",
			},
			[]string{"backend"},
		),
		configReloads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_reloads_total",
				Help: "Configuration reload attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) RecordRequest(route, method, status string) {
	m.requestsTotal.WithLabelValues(route, method, status).Inc()
}

func (m *Metrics) IncActive()  { m.activeConnections.Inc() }
func (m *Metrics) DecActive()  { m.activeConnections.Dec() }

func (m *Metrics) ObserveUpstreamLatency(route string, d time.Duration) {
	m.upstreamLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordRateLimitDecision(route string, allowed bool) {
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.rateLimitDecisions.WithLabelValues(route, decision).Inc()
}

func (m *Metrics) SetBackendHealth(backendID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.backendHealth.WithLabelValues(backendID).Set(v)
}

func (m *Metrics) RecordReload(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.configReloads.WithLabelValues(outcome).Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
