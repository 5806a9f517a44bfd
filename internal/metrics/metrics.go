// Package metrics holds the hub's counters and gauges. The core only
// exposes read-only snapshots; export format is left to the observability
// collaborator, which can mount the Registry however it likes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the hub's instrumentation on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	OnlinePrincipals  prometheus.Gauge

	MessagesRouted    prometheus.Counter
	MessagesDelivered prometheus.Counter
	DroppedSlow       prometheus.Counter
	DroppedClosed     prometheus.Counter

	RelayForwarded prometheus.Counter
	RelayIngested  prometheus.Counter
	RelayDeduped   prometheus.Counter
}

// Snapshot is a read-only view of the counters at one instant.
type Snapshot struct {
	ActiveConnections int64
	OnlinePrincipals  int64
	MessagesRouted    int64
	MessagesDelivered int64
	DroppedSlow       int64
	DroppedClosed     int64
	RelayForwarded    int64
	RelayIngested     int64
	RelayDeduped      int64
}

// New creates the hub metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_connections",
			Help: "Connections currently in the registry.",
		}),
		OnlinePrincipals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_online_principals",
			Help: "Principals with at least one active connection.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_routed_total",
			Help: "Envelopes accepted by the router.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_delivered_total",
			Help: "Per-subscriber enqueues that succeeded.",
		}),
		DroppedSlow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_dropped_slow_consumer_total",
			Help: "Envelopes displaced from full outbound queues.",
		}),
		DroppedClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_dropped_closed_total",
			Help: "Deliveries that lost the race with a closing connection.",
		}),
		RelayForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_relay_forwarded_total",
			Help: "Local envelopes forwarded to peer instances.",
		}),
		RelayIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_relay_ingested_total",
			Help: "Peer envelopes accepted into local dispatch.",
		}),
		RelayDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_relay_deduped_total",
			Help: "Peer envelopes discarded as already seen.",
		}),
	}

	m.registry.MustRegister(
		m.ActiveConnections, m.OnlinePrincipals,
		m.MessagesRouted, m.MessagesDelivered,
		m.DroppedSlow, m.DroppedClosed,
		m.RelayForwarded, m.RelayIngested, m.RelayDeduped,
	)
	return m
}

// Registry exposes the underlying registry for an external exporter.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Snapshot gathers the current values.
func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot
	families, err := m.registry.Gather()
	if err != nil {
		return s
	}
	for _, mf := range families {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		metric := mf.GetMetric()[0]
		var v float64
		switch {
		case metric.GetCounter() != nil:
			v = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			v = metric.GetGauge().GetValue()
		}
		switch mf.GetName() {
		case "hub_active_connections":
			s.ActiveConnections = int64(v)
		case "hub_online_principals":
			s.OnlinePrincipals = int64(v)
		case "hub_messages_routed_total":
			s.MessagesRouted = int64(v)
		case "hub_messages_delivered_total":
			s.MessagesDelivered = int64(v)
		case "hub_dropped_slow_consumer_total":
			s.DroppedSlow = int64(v)
		case "hub_dropped_closed_total":
			s.DroppedClosed = int64(v)
		case "hub_relay_forwarded_total":
			s.RelayForwarded = int64(v)
		case "hub_relay_ingested_total":
			s.RelayIngested = int64(v)
		case "hub_relay_deduped_total":
			s.RelayDeduped = int64(v)
		}
	}
	return s
}
