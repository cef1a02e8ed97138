// Package metric manages the service-private Prometheus registry and the
// platform-level metric families shared across BSAS components.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not table-specific)
type Metrics struct {
	// Pipeline metrics
	UpdatesReceived *prometheus.CounterVec
	RowsPublished   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		UpdatesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bsas",
				Subsystem: "ingest",
				Name:      "updates_received_total",
				Help:      "Signal updates received from the source transport",
			},
			[]string{"table"},
		),

		RowsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bsas",
				Subsystem: "publish",
				Name:      "rows_published_total",
				Help:      "Table rows delivered to the publish transport",
			},
			[]string{"table"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bsas",
				Subsystem: "service",
				Name:      "errors_total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bsas",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bsas",
				Subsystem: "nats",
				Name:      "rtt_seconds",
				Help:      "Round-trip time to the NATS server",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bsas",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "NATS reconnection events",
			},
		),
	}
}
