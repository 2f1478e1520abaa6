package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the broker's core metrics (not adapter-specific)
type Metrics struct {
	// Message flow
	MessagesPublished    *prometheus.CounterVec
	MessagesDelivered    *prometheus.CounterVec
	HandlerFailures      *prometheus.CounterVec
	MessagesRetried      *prometheus.CounterVec
	MessagesDeadLettered *prometheus.CounterVec
	MessagesExpired      *prometheus.CounterVec
	HandlerDuration      *prometheus.HistogramVec

	// Subscriptions and store
	ActiveSubscriptions prometheus.Gauge
	StoreSweepRemoved   prometheus.Counter
	StoreSoftFailures   prometheus.Counter

	// Backend connection
	BackendConnected  prometheus.Gauge
	BackendReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all broker metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published per topic",
			},
			[]string{"topic"},
		),

		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "messages",
				Name:      "delivered_total",
				Help:      "Total number of messages delivered to handlers",
			},
			[]string{"topic", "group"},
		),

		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "handlers",
				Name:      "failures_total",
				Help:      "Total number of handler invocations that returned an error",
			},
			[]string{"topic", "group"},
		),

		MessagesRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "messages",
				Name:      "retried_total",
				Help:      "Total number of messages republished for retry",
			},
			[]string{"topic"},
		),

		MessagesDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "messages",
				Name:      "dead_lettered_total",
				Help:      "Total number of messages routed to a dead-letter topic",
			},
			[]string{"topic"},
		),

		MessagesExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "messages",
				Name:      "expired_skipped_total",
				Help:      "Total number of expired messages skipped without handler invocation",
			},
			[]string{"topic"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docrelay",
				Subsystem: "handlers",
				Name:      "duration_seconds",
				Help:      "Handler execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic", "group"},
		),

		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docrelay",
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Number of currently active subscriptions",
			},
		),

		StoreSweepRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "store",
				Name:      "sweep_removed_total",
				Help:      "Total number of expired messages removed by cleanup sweeps",
			},
		),

		StoreSoftFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "store",
				Name:      "soft_failures_total",
				Help:      "Total number of non-fatal store write failures during publish",
			},
		),

		BackendConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docrelay",
				Subsystem: "backend",
				Name:      "connected",
				Help:      "Backend connection status (0=disconnected, 1=connected)",
			},
		),

		BackendReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "backend",
				Name:      "reconnects_total",
				Help:      "Total number of backend reconnections",
			},
		),
	}
}

// RecordPublished increments the published counter for a topic
func (m *Metrics) RecordPublished(topic string) {
	m.MessagesPublished.WithLabelValues(topic).Inc()
}

// RecordDelivered increments the delivered counter
func (m *Metrics) RecordDelivered(topic, group string) {
	m.MessagesDelivered.WithLabelValues(topic, group).Inc()
}

// RecordHandlerFailure increments the handler failure counter
func (m *Metrics) RecordHandlerFailure(topic, group string) {
	m.HandlerFailures.WithLabelValues(topic, group).Inc()
}

// RecordRetried increments the retried counter for a topic
func (m *Metrics) RecordRetried(topic string) {
	m.MessagesRetried.WithLabelValues(topic).Inc()
}

// RecordDeadLettered increments the dead-letter counter for a topic
func (m *Metrics) RecordDeadLettered(topic string) {
	m.MessagesDeadLettered.WithLabelValues(topic).Inc()
}

// RecordExpired increments the expired-skip counter for a topic
func (m *Metrics) RecordExpired(topic string) {
	m.MessagesExpired.WithLabelValues(topic).Inc()
}

// RecordHandlerDuration records handler execution time
func (m *Metrics) RecordHandlerDuration(topic, group string, d time.Duration) {
	m.HandlerDuration.WithLabelValues(topic, group).Observe(d.Seconds())
}

// RecordSubscriptionCount sets the active subscription gauge
func (m *Metrics) RecordSubscriptionCount(n int) {
	m.ActiveSubscriptions.Set(float64(n))
}

// RecordSweepRemoved adds the number of messages removed by a cleanup sweep
func (m *Metrics) RecordSweepRemoved(n int) {
	m.StoreSweepRemoved.Add(float64(n))
}

// RecordStoreSoftFailure increments the store soft-failure counter
func (m *Metrics) RecordStoreSoftFailure() {
	m.StoreSoftFailures.Inc()
}

// RecordBackendStatus updates the backend connection gauge
func (m *Metrics) RecordBackendStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BackendConnected.Set(value)
}

// RecordBackendReconnect increments the reconnection counter
func (m *Metrics) RecordBackendReconnect() {
	m.BackendReconnects.Inc()
}
