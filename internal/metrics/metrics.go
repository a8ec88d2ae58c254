// Package metrics exposes the bus's dispatch-path counters as Prometheus
// collectors, with a ticker-driven refresher for the gauges that have to be
// sampled rather than observed.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics holds the collectors registered for one running subsystem.
type BusMetrics struct {
	MessagesRouted  *prometheus.CounterVec
	BroadcastFanout prometheus.Histogram
	PoolBytesInUse  prometheus.Gauge
	PolicyDenials   *prometheus.CounterVec
	ConnectionsOpen prometheus.Gauge
	NamesOwned      prometheus.Gauge
}

// NewBusMetrics registers every collector under namespace and returns the
// handle observer methods are called against.
func NewBusMetrics(reg prometheus.Registerer, namespace string) *BusMetrics {
	m := &BusMetrics{
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages accepted by the router, by destination kind.",
		}, []string{"kind"}),
		BroadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_fanout_recipients",
			Help:      "Number of connections a single broadcast was delivered to.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		PoolBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_bytes_in_use",
			Help:      "Receive pool bytes currently reserved across all connections.",
		}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "POLICY_DENIED decisions, by verb.",
		}, []string{"verb"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently active connections across every bus.",
		}),
		NamesOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "names_owned",
			Help:      "Currently owned well-known names across every bus.",
		}),
	}
	reg.MustRegister(
		m.MessagesRouted, m.BroadcastFanout, m.PoolBytesInUse,
		m.PolicyDenials, m.ConnectionsOpen, m.NamesOwned,
	)
	return m
}

// ObserveRouted records one routed message of the given destination kind
// ("unicast" or "broadcast", as the bus router reports them).
func (m *BusMetrics) ObserveRouted(kind string) {
	m.MessagesRouted.WithLabelValues(kind).Inc()
}

// ObserveFanout records the recipient count of one broadcast delivery.
func (m *BusMetrics) ObserveFanout(recipients int) {
	m.BroadcastFanout.Observe(float64(recipients))
}

// ObserveDenial records one POLICY_DENIED decision for verb.
func (m *BusMetrics) ObserveDenial(verb string) {
	m.PolicyDenials.WithLabelValues(verb).Inc()
}

// StatsSource is implemented by anything Run can periodically sample,
// typically a subsystem root domain, to refresh the gauge collectors.
type StatsSource interface {
	ConnectionCount() int
	NamesOwnedCount() int
	PoolBytesInUse() int
}

// Run periodically refreshes the gauge collectors from src until ctx is
// canceled.
func (m *BusMetrics) Run(ctx context.Context, src StatsSource, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns := src.ConnectionCount()
			names := src.NamesOwnedCount()
			poolBytes := src.PoolBytesInUse()
			m.ConnectionsOpen.Set(float64(conns))
			m.NamesOwned.Set(float64(names))
			m.PoolBytesInUse.Set(float64(poolBytes))
			log.Debug("metrics tick", "connections", conns, "names", names, "pool_bytes", poolBytes)
		}
	}
}
