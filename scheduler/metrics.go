package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegisterer is the narrow slice of *prometheus.Registry the
// scheduler needs, so callers can supply their own registry (e.g. to
// expose it on an existing /metrics endpoint) without this package
// depending on how that endpoint is served.
type MetricsRegisterer interface {
	MustRegister(...prometheus.Collector)
}

// metrics is the scheduler's prometheus surface, enabled by
// Config.EnableTracing. Every method is a safe no-op on a nil *metrics,
// so callers that leave tracing off pay no per-buffer cost beyond a nil
// check.
type metrics struct {
	processed *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	leafTotal *prometheus.CounterVec
}

func newMetrics(reg MetricsRegisterer) *metrics {
	m := &metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ufocore_task_buffers_processed_total",
			Help: "Buffers a task pushed downstream, labeled by node id.",
		}, []string{"node"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ufocore_task_process_seconds",
			Help: "Wall time spent in a single process/generate call, by node id.",
		}, []string{"node"}),
		leafTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ufocore_sink_buffers_total",
			Help: "Buffers observed at a leaf (sink) task, by node id.",
		}, []string{"node"}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.latency, m.leafTotal)
	}
	return m
}

func (m *metrics) observeProcessed(nodeID string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(nodeID).Inc()
}

func (m *metrics) observeLatency(nodeID string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(nodeID).Observe(seconds)
}

func (m *metrics) observeLeaf(nodeID string) {
	if m == nil {
		return
	}
	m.leafTotal.WithLabelValues(nodeID).Inc()
}
