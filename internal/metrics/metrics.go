// Package metrics exposes Prometheus instrumentation for the completion
// path and retrieval pipeline. All methods are nil-receiver safe so callers
// can run uninstrumented.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors used across the pipeline.
type Metrics struct {
	completionsTotal  *prometheus.CounterVec
	completionLatency prometheus.Histogram
	breakerState      prometheus.Gauge
	retrievalResults  *prometheus.CounterVec
	imagesSkipped     prometheus.Counter
	queriesTotal      *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		completionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Name:      "completions_total",
			Help:      "Chat completions by outcome.",
		}, []string{"outcome"}),
		completionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragcore",
			Name:      "completion_latency_seconds",
			Help:      "Chat completion latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragcore",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		retrievalResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Name:      "retrieval_results_total",
			Help:      "Retrieved context records by source.",
		}, []string{"source"}),
		imagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ragcore",
			Name:      "images_skipped_total",
			Help:      "Image attachments skipped during message assembly.",
		}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Name:      "queries_total",
			Help:      "Processed queries by detected intent.",
		}, []string{"intent"}),
	}
	reg.MustRegister(
		m.completionsTotal,
		m.completionLatency,
		m.breakerState,
		m.retrievalResults,
		m.imagesSkipped,
		m.queriesTotal,
	)
	return m
}

func (m *Metrics) ObserveCompletion(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.completionsTotal.WithLabelValues(outcome).Inc()
	m.completionLatency.Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}

func (m *Metrics) AddRetrievalResults(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retrievalResults.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) IncImagesSkipped() {
	if m == nil {
		return
	}
	m.imagesSkipped.Inc()
}

func (m *Metrics) IncQuery(intent string) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(intent).Inc()
}
