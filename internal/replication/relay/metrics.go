package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the metrics collected by the relays of a Manager.
type Metrics struct {
	rowsSent          *prometheus.CounterVec
	heartbeatsSent    prometheus.Counter
	statusUpdates     prometheus.Counter
	gcAdvances        prometheus.Counter
	gcAdvancesDropped prometheus.Counter
	sessions          *prometheus.GaugeVec
	// knownSignature stops changing when a replica stops acknowledging.
	knownSignature *prometheus.GaugeVec
}

// NewMetrics returns a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		rowsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walrelay_relay_rows_sent_total",
			Help: "Number of rows sent to replicas.",
		}, []string{"state"}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walrelay_relay_heartbeats_sent_total",
			Help: "Number of heartbeats sent to subscribed replicas.",
		}),
		statusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walrelay_relay_status_updates_total",
			Help: "Number of acknowledged replica positions applied by the transaction processor.",
		}),
		gcAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walrelay_relay_gc_advances_total",
			Help: "Number of GC consumer advances issued on behalf of replicas.",
		}),
		gcAdvancesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walrelay_relay_gc_advances_dropped_total",
			Help: "Number of attempts to schedule a GC consumer advance that failed and are retried.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walrelay_relay_sessions",
			Help: "Number of relay sessions by state.",
		}, []string{"state"}),
		knownSignature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walrelay_relay_known_signature",
			Help: "Vclock signature of the position a replica acknowledged, as applied by the transaction processor.",
		}, []string{"replica_uuid"}),
	}
}

// Describe is used to describe Prometheus metrics.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect is used to collect Prometheus metrics.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.rowsSent.Collect(metrics)
	m.heartbeatsSent.Collect(metrics)
	m.statusUpdates.Collect(metrics)
	m.gcAdvances.Collect(metrics)
	m.gcAdvancesDropped.Collect(metrics)
	m.sessions.Collect(metrics)
	m.knownSignature.Collect(metrics)
}

func (m *Metrics) transition(from, to State) {
	if from != StateNone {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != StateStopped {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}
