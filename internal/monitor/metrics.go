package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks server-level Prometheus metrics.
//
// All metrics use the apx_ prefix. They are fed from the server's event
// stream, so collection adds no work to the routing hot path beyond one
// listener call per event.
type Metrics struct {
	// ConnectionsActive tracks the number of attached connections
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts connections accepted since start
	ConnectionsTotal prometheus.Counter

	// NodesActive tracks the number of attached node instances
	NodesActive prometheus.Gauge

	// PortsConnectedTotal counts signature-map connect operations by side
	PortsConnectedTotal *prometheus.CounterVec

	// RoutedFramesTotal counts provide-port spans routed to requesters
	RoutedFramesTotal prometheus.Counter

	// RoutedBytesTotal counts bytes routed to requesters
	RoutedBytesTotal prometheus.Counter

	// RouteDuration tracks the fan-out latency of one routed span
	RouteDuration prometheus.Histogram
}

// NewMetrics creates the server metrics and registers them with reg.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apx_connections_active",
				Help: "Current number of attached connections",
			},
		),
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apx_connections_total",
				Help: "Total connections accepted since server start",
			},
		),
		NodesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apx_nodes_active",
				Help: "Current number of attached node instances",
			},
		),
		PortsConnectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apx_ports_connected_total",
				Help: "Signature-map connect operations by side",
			},
			[]string{"side"}, // "provide", "require"
		),
		RoutedFramesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apx_routed_frames_total",
				Help: "Provide-port spans routed to requesters",
			},
		),
		RoutedBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apx_routed_bytes_total",
				Help: "Bytes routed from providers to requesters",
			},
		),
		RouteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apx_route_duration_seconds",
				Help:    "Fan-out latency of one routed provide-port span",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.NodesActive,
		m.PortsConnectedTotal,
		m.RoutedFramesTotal,
		m.RoutedBytesTotal,
		m.RouteDuration,
	)

	return m
}
