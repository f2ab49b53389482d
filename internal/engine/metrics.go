package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the manager's collectors. They always exist so the hot
// path never checks for nil; WithMetrics registers them.
type metrics struct {
	batches       prometheus.Counter
	actions       *prometheus.CounterVec
	nodeErrors    prometheus.Counter
	batchDuration prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relflow",
			Subsystem: "engine",
			Name:      "batches_total",
			Help:      "Running periods completed by the manager.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relflow",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Queued actions processed, by kind.",
		}, []string{"kind"}),
		nodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relflow",
			Subsystem: "engine",
			Name:      "node_errors_total",
			Help:      "Errors delivered to observed relations.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relflow",
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one running period, delivery included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.batches, m.actions, m.nodeErrors, m.batchDuration}
}
