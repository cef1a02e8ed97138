package collector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slaclab/bsas/metric"
)

// Metrics holds Prometheus metrics for the collector.
type Metrics struct {
	slicesCompleted prometheus.Counter
	batchesFlushed  prometheus.Counter
	overflows       prometheus.Counter
	duplicateKeys   prometheus.Counter
	lateArrivals    prometheus.Counter
	pendingSlices   prometheus.Gauge
	batchSize       prometheus.Histogram
}

// newMetrics creates and registers collector metrics.
// Returns nil if no registry is provided (nil input = nil feature pattern).
func newMetrics(registry *metric.Registry, table string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		slicesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "slices_completed_total",
			Help:        "Completed slices delivered downstream",
			ConstLabels: prometheus.Labels{"table": table},
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "batches_flushed_total",
			Help:        "Non-empty batches delivered to receivers",
			ConstLabels: prometheus.Labels{"table": table},
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "overflows_total",
			Help:        "Assembler overflow recoveries (queue truncation or dropped partials)",
			ConstLabels: prometheus.Labels{"table": table},
		}),
		duplicateKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "duplicate_keys_total",
			Help:        "Updates discarded because their slice slot was already filled",
			ConstLabels: prometheus.Labels{"table": table},
		}),
		lateArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "late_arrivals_total",
			Help:        "Updates discarded for arriving at or before the last emitted key",
			ConstLabels: prometheus.Labels{"table": table},
		}),
		pendingSlices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "pending_slices",
			Help:        "Slices currently held in the pending map",
			ConstLabels: prometheus.Labels{"table": table},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "bsas",
			Subsystem:   "collector",
			Name:        "batch_size",
			Help:        "Distribution of delivered batch sizes",
			Buckets:     []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
			ConstLabels: prometheus.Labels{"table": table},
		}),
	}

	serviceName := "collector_" + table
	registry.ReplaceCounter(serviceName, "slices_completed", m.slicesCompleted)
	registry.ReplaceCounter(serviceName, "batches_flushed", m.batchesFlushed)
	registry.ReplaceCounter(serviceName, "overflows", m.overflows)
	registry.ReplaceCounter(serviceName, "duplicate_keys", m.duplicateKeys)
	registry.ReplaceCounter(serviceName, "late_arrivals", m.lateArrivals)
	registry.ReplaceGauge(serviceName, "pending_slices", m.pendingSlices)
	registry.ReplaceHistogram(serviceName, "batch_size", m.batchSize)

	return m
}
