package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors, registered against a
// private registry so /metrics never leaks Go-runtime defaults a scraping
// operator didn't ask for.
type Metrics struct {
	registry *prometheus.Registry

	toolCallsTotal  *prometheus.CounterVec
	toolCallLatency *prometheus.HistogramVec
	backendHealthy  *prometheus.GaugeVec
}

// NewMetrics builds and registers the gateway's metric collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		toolCallsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmcp",
			Name:      "tool_calls_total",
			Help:      "Total tools/call dispatches, by owning backend and outcome.",
		}, []string{"backend", "outcome"}),
		toolCallLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmcp",
			Name:      "tool_call_duration_seconds",
			Help:      "tools/call round-trip latency to the owning backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		backendHealthy: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmcp",
			Name:      "backend_healthy",
			Help:      "1 if the backend is currently healthy, 0 otherwise.",
		}, []string{"backend"}),
	}
	return m
}

// Registry returns the private registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordToolCall implements router.MetricsRecorder.
func (m *Metrics) RecordToolCall(backendID, outcome string, duration time.Duration) {
	m.toolCallsTotal.WithLabelValues(backendID, outcome).Inc()
	m.toolCallLatency.WithLabelValues(backendID).Observe(duration.Seconds())
}

// SetBackendHealthy records backendID's current health as a 0/1 gauge,
// called by the health supervisor's onChange hook.
func (m *Metrics) SetBackendHealthy(backendID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.backendHealthy.WithLabelValues(backendID).Set(v)
}
