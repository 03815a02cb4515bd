// Package metrics provides Prometheus metrics collectors for the gateway.
package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gateway"
	subsystem = "websocket"
)

var (
	instanceLabel string
	once          sync.Once
)

// GetInstanceLabel returns the instance label (pod name or hostname), used
// to distinguish metrics emitted by each replica.
func GetInstanceLabel() string {
	once.Do(func() {
		instanceLabel = os.Getenv("POD_NAME")
		if instanceLabel == "" {
			instanceLabel = os.Getenv("HOSTNAME")
		}
		if instanceLabel == "" {
			if hostname, err := os.Hostname(); err == nil {
				instanceLabel = hostname
			} else {
				instanceLabel = "unknown"
			}
		}
	})
	return instanceLabel
}

// WebSocketMetrics holds the gateway's Prometheus collectors.
type WebSocketMetrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec

	MessagesSentTotal     *prometheus.CounterVec
	MessagesReceivedTotal *prometheus.CounterVec
	MessageLatencySeconds *prometheus.HistogramVec

	SessionsActive *prometheus.GaugeVec

	PingsTotal       *prometheus.CounterVec
	DedupHitsTotal   *prometheus.CounterVec
	ForcedClosesTotal *prometheus.CounterVec

	UpstreamBreakerState *prometheus.GaugeVec
	UpstreamRequestsTotal *prometheus.CounterVec

	ConnectionDuration *prometheus.HistogramVec

	instance string
}

var globalMetrics *WebSocketMetrics

// NewWebSocketMetrics creates and registers the gateway's metrics.
func NewWebSocketMetrics() *WebSocketMetrics {
	instance := GetInstanceLabel()

	m := &WebSocketMetrics{
		instance: instance,

		ConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "connections_active",
				Help: "Number of currently active WebSocket connections on this replica",
			},
			[]string{"instance"},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "connections_total",
				Help: "Total number of WebSocket connections accepted",
			},
			[]string{"instance"},
		),

		MessagesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "messages_sent_total",
				Help: "Total number of messages sent to clients, by type",
			},
			[]string{"instance", "type"},
		),

		MessagesReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "messages_received_total",
				Help: "Total number of messages received from clients, by type",
			},
			[]string{"instance", "type"},
		),

		MessageLatencySeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name:    "message_latency_seconds",
				Help:    "Dispatch handler latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"instance", "type"},
		),

		SessionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "sessions_active",
				Help: "Number of session records observed on this replica",
			},
			[]string{"instance"},
		),

		PingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "pings_total",
				Help: "Total number of application-level ping frames sent",
			},
			[]string{"instance"},
		),

		DedupHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "dedup_hits_total",
				Help: "Total number of idempotent client intents suppressed by the dedup cache",
			},
			[]string{"instance", "type"},
		),

		ForcedClosesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "forced_closes_total",
				Help: "Total number of sockets closed by a monitor or cross-replica event, by reason",
			},
			[]string{"instance", "reason"},
		),

		UpstreamBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "upstream",
				Name: "breaker_state",
				Help: "Circuit breaker state per upstream (0=closed, 1=half-open, 2=open)",
			},
			[]string{"instance", "upstream"},
		),

		UpstreamRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "upstream",
				Name: "requests_total",
				Help: "Total number of upstream forwarding attempts, by outcome",
			},
			[]string{"instance", "upstream", "outcome"},
		),

		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name:    "connection_duration_seconds",
				Help:    "Duration of WebSocket connections in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"instance"},
		),
	}

	globalMetrics = m
	return m
}

// GetMetrics returns the process-wide metrics instance, constructing it on
// first use.
func GetMetrics() *WebSocketMetrics {
	if globalMetrics == nil {
		return NewWebSocketMetrics()
	}
	return globalMetrics
}

func (m *WebSocketMetrics) ConnectionOpened() {
	m.ConnectionsActive.WithLabelValues(m.instance).Inc()
	m.ConnectionsTotal.WithLabelValues(m.instance).Inc()
}

func (m *WebSocketMetrics) ConnectionClosed(durationSeconds float64) {
	m.ConnectionsActive.WithLabelValues(m.instance).Dec()
	m.ConnectionDuration.WithLabelValues(m.instance).Observe(durationSeconds)
}

func (m *WebSocketMetrics) MessageSent(msgType string) {
	m.MessagesSentTotal.WithLabelValues(m.instance, msgType).Inc()
}

func (m *WebSocketMetrics) MessageReceived(msgType string) {
	m.MessagesReceivedTotal.WithLabelValues(m.instance, msgType).Inc()
}

func (m *WebSocketMetrics) MessageProcessed(msgType string, latencySeconds float64) {
	m.MessageLatencySeconds.WithLabelValues(m.instance, msgType).Observe(latencySeconds)
}

func (m *WebSocketMetrics) PingSent() {
	m.PingsTotal.WithLabelValues(m.instance).Inc()
}

func (m *WebSocketMetrics) DedupHit(msgType string) {
	m.DedupHitsTotal.WithLabelValues(m.instance, msgType).Inc()
}

func (m *WebSocketMetrics) ForcedClose(reason string) {
	m.ForcedClosesTotal.WithLabelValues(m.instance, reason).Inc()
}

func (m *WebSocketMetrics) SetActiveConnections(count float64) {
	m.ConnectionsActive.WithLabelValues(m.instance).Set(count)
}

func (m *WebSocketMetrics) SetActiveSessions(count float64) {
	m.SessionsActive.WithLabelValues(m.instance).Set(count)
}

// BreakerState values for UpstreamBreakerState's gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

func (m *WebSocketMetrics) SetBreakerState(upstream string, state float64) {
	m.UpstreamBreakerState.WithLabelValues(m.instance, upstream).Set(state)
}

func (m *WebSocketMetrics) UpstreamRequest(upstream, outcome string) {
	m.UpstreamRequestsTotal.WithLabelValues(m.instance, upstream, outcome).Inc()
}
