package metrics

import (
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInstanceLabel(t *testing.T) {
	once = sync.Once{}
	instanceLabel = ""

	t.Run("with POD_NAME", func(t *testing.T) {
		once = sync.Once{}
		instanceLabel = ""
		os.Setenv("POD_NAME", "test-pod-123")
		defer os.Unsetenv("POD_NAME")

		label := GetInstanceLabel()
		assert.Equal(t, "test-pod-123", label)
	})

	t.Run("with HOSTNAME", func(t *testing.T) {
		once = sync.Once{}
		instanceLabel = ""
		os.Unsetenv("POD_NAME")
		os.Setenv("HOSTNAME", "test-hostname")
		defer os.Unsetenv("HOSTNAME")

		label := GetInstanceLabel()
		assert.Equal(t, "test-hostname", label)
	})
}

func TestWebSocketMetrics_ConnectionTracking(t *testing.T) {
	registry := prometheus.NewRegistry()

	connectionsActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "test", Name: "connections_active"},
		[]string{"instance"},
	)
	connectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "test", Name: "connections_total"},
		[]string{"instance"},
	)

	registry.MustRegister(connectionsActive)
	registry.MustRegister(connectionsTotal)

	instance := "test-pod"

	connectionsActive.WithLabelValues(instance).Inc()
	connectionsTotal.WithLabelValues(instance).Inc()

	val := testutil.ToFloat64(connectionsActive.WithLabelValues(instance))
	assert.Equal(t, float64(1), val)

	connectionsActive.WithLabelValues(instance).Inc()
	connectionsTotal.WithLabelValues(instance).Inc()

	val = testutil.ToFloat64(connectionsActive.WithLabelValues(instance))
	assert.Equal(t, float64(2), val)

	connectionsActive.WithLabelValues(instance).Dec()

	val = testutil.ToFloat64(connectionsActive.WithLabelValues(instance))
	assert.Equal(t, float64(1), val)

	totalVal := testutil.ToFloat64(connectionsTotal.WithLabelValues(instance))
	assert.Equal(t, float64(2), totalVal)
}

func TestWebSocketMetrics_MessageTracking(t *testing.T) {
	registry := prometheus.NewRegistry()

	messagesSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "test", Name: "messages_sent_total"},
		[]string{"instance", "type"},
	)
	messagesReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "test", Name: "messages_received_total"},
		[]string{"instance", "type"},
	)

	registry.MustRegister(messagesSent)
	registry.MustRegister(messagesReceived)

	instance := "test-pod"

	messagesSent.WithLabelValues(instance, "connected").Inc()
	messagesSent.WithLabelValues(instance, "connected").Inc()
	messagesSent.WithLabelValues(instance, "ping").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(messagesSent.WithLabelValues(instance, "connected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(messagesSent.WithLabelValues(instance, "ping")))

	messagesReceived.WithLabelValues(instance, "update_api_key").Inc()
	messagesReceived.WithLabelValues(instance, "pong").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(messagesReceived.WithLabelValues(instance, "update_api_key")))
	assert.Equal(t, float64(1), testutil.ToFloat64(messagesReceived.WithLabelValues(instance, "pong")))
}

func TestWebSocketMetrics_LatencyHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()

	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "test",
			Name:      "message_latency_seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"instance", "type"},
	)

	registry.MustRegister(latency)

	instance := "test-pod"

	latency.WithLabelValues(instance, "update_api_key").Observe(0.005)
	latency.WithLabelValues(instance, "update_api_key").Observe(0.015)
	latency.WithLabelValues(instance, "update_api_key").Observe(0.002)

	require.NotPanics(t, func() {
		latency.WithLabelValues(instance, "update_api_key").Observe(0.001)
	})
}

func TestWebSocketMetrics_BreakerState(t *testing.T) {
	registry := prometheus.NewRegistry()

	breaker := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "test", Name: "breaker_state"},
		[]string{"instance", "upstream"},
	)
	registry.MustRegister(breaker)

	breaker.WithLabelValues("test-pod", "billing-api").Set(BreakerOpen)
	assert.Equal(t, float64(BreakerOpen), testutil.ToFloat64(breaker.WithLabelValues("test-pod", "billing-api")))

	breaker.WithLabelValues("test-pod", "billing-api").Set(BreakerClosed)
	assert.Equal(t, float64(BreakerClosed), testutil.ToFloat64(breaker.WithLabelValues("test-pod", "billing-api")))
}

func TestNewWebSocketMetrics_Construction(t *testing.T) {
	once = sync.Once{}
	instanceLabel = ""
	globalMetrics = nil

	m := GetMetrics()
	require.NotNil(t, m)
	require.Same(t, m, GetMetrics())
}
