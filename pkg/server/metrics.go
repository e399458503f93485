package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	sessionsRejected     prometheus.Counter

	// Message metrics
	messagesReceived *prometheus.CounterVec // by message kind

	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	messagesDelivered prometheus.Counter
	deliveryFailures  prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bcmp_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bcmp_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bcmp_sessions_disconnected_total",
				Help: "Total number of sessions removed",
			},
		),
		sessionsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bcmp_sessions_rejected_total",
				Help: "Total number of connections rejected at capacity",
			},
		),
		messagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bcmp_messages_received_total",
				Help: "Total number of messages received from clients",
			},
			[]string{"kind"},
		),
		broadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bcmp_broadcast_fanout",
				Help:    "Number of clients that received each broadcast message",
				Buckets: []float64{1, 2, 5, 10, 25, 50},
			},
		),
		messagesDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bcmp_messages_delivered_total",
				Help: "Total number of messages delivered to clients",
			},
		),
		deliveryFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bcmp_delivery_failures_total",
				Help: "Total number of failed deliveries that removed a session",
			},
		),
	}
}

// RecordActiveSessions updates the active session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the created counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnected counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordSessionRejected increments the capacity-rejection counter
func (m *Metrics) RecordSessionRejected() {
	m.sessionsRejected.Inc()
}

// RecordMessageReceived increments the per-kind received counter
func (m *Metrics) RecordMessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// RecordBroadcast records one broadcast's fan-out and failures
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	m.broadcastFanout.Observe(float64(delivered))
	m.messagesDelivered.Add(float64(delivered))
	if failed > 0 {
		m.deliveryFailures.Add(float64(failed))
	}
}
