package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)
	assert.NotNil(t, m.APIErrorsTotal)

	assert.NotNil(t, m.SubscriptionsTotal)
	assert.NotNil(t, m.TokensTotal)
	assert.NotNil(t, m.StorageOperations)
	assert.NotNil(t, m.StorageOperationDuration)

	assert.NotNil(t, m.FirehoseFramesTotal)
	assert.NotNil(t, m.FirehoseReconnects)
	assert.NotNil(t, m.FirehoseConnected)
	assert.NotNil(t, m.FirehoseCursor)

	assert.NotNil(t, m.ClassifiedEventsTotal)

	assert.NotNil(t, m.DispatchQueueSize)
	assert.NotNil(t, m.DispatchDroppedTotal)
	assert.NotNil(t, m.DispatchEventDuration)
	assert.NotNil(t, m.NotificationsBuilt)

	assert.NotNil(t, m.PushMessagesTotal)
	assert.NotNil(t, m.PushBatchDuration)
	assert.NotNil(t, m.PushInvalidatedTotal)

	assert.NotNil(t, m.RegistryPollsTotal)
	assert.NotNil(t, m.RegistrySnapshotIdentities)
}

func TestMetricsOperations(t *testing.T) {
	// Isolated registry so values are not shared with the singleton
	registry := prometheus.NewRegistry()

	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_push_messages_total",
			Help: "Test metric",
		},
		[]string{"provider", "outcome"},
	)
	registry.MustRegister(outcomes)

	queue := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "test_dispatch_queue_size",
			Help: "Test metric",
		},
	)
	registry.MustRegister(queue)

	outcomes.WithLabelValues("expo", "success").Inc()
	outcomes.WithLabelValues("expo", "success").Add(2)
	outcomes.WithLabelValues("expo", "permanent").Inc()

	queue.Set(10)
	queue.Inc()
	queue.Dec()

	assert.Equal(t, float64(3), testutil.ToFloat64(outcomes.WithLabelValues("expo", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(outcomes.WithLabelValues("expo", "permanent")))
	assert.Equal(t, float64(10), testutil.ToFloat64(queue))
}

func BenchmarkCounterVec(b *testing.B) {
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_counter_vec",
			Help: "Benchmark counter vec",
		},
		[]string{"result"},
	)
	registry.MustRegister(counterVec)

	results := []string{"candidate", "ignored", "malformed"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counterVec.WithLabelValues(results[i%len(results)]).Inc()
	}
}
