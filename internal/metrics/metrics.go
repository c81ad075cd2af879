// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "deblur"

// Metrics groups the pipeline collectors.
type Metrics struct {
	Registry *prometheus.Registry

	requests          *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	inflight          prometheus.Gauge
	cleanupFailures   prometheus.Counter
	verdicts          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Deblur requests by final outcome.",
		}, []string{"outcome"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Wall time of the external inference process.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_processes",
			Help:      "External inference processes currently running.",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_cleanup_failures_total",
			Help:      "Scratch files that could not be deleted.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_verdicts_total",
			Help:      "Content validator verdicts by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.requests,
		m.inferenceDuration,
		m.inflight,
		m.cleanupFailures,
		m.verdicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest counts a finished request.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveInference records how long a process ran.
func (m *Metrics) ObserveInference(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// TrackInflight increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) TrackInflight() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}

// CleanupFailed counts an artifact that survived Release.
func (m *Metrics) CleanupFailed(string, error) {
	if m == nil {
		return
	}
	m.cleanupFailures.Inc()
}

// ObserveVerdict counts a content validator verdict.
func (m *Metrics) ObserveVerdict(reason string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(reason).Inc()
}
