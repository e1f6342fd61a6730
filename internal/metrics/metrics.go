package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for skypush
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Storage metrics
	SubscriptionsTotal       prometheus.Gauge
	TokensTotal              prometheus.Gauge
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Firehose metrics
	FirehoseFramesTotal *prometheus.CounterVec
	FirehoseReconnects  prometheus.Counter
	FirehoseConnected   prometheus.Gauge
	FirehoseCursor      prometheus.Gauge

	// Classifier metrics
	ClassifiedEventsTotal *prometheus.CounterVec

	// Dispatcher metrics
	DispatchQueueSize     prometheus.Gauge
	DispatchDroppedTotal  prometheus.Counter
	DispatchEventDuration prometheus.Histogram
	NotificationsBuilt    *prometheus.CounterVec

	// Push metrics
	PushMessagesTotal    *prometheus.CounterVec
	PushBatchDuration    prometheus.Histogram
	PushInvalidatedTotal *prometheus.CounterVec

	// Registry poller metrics
	RegistryPollsTotal         *prometheus.CounterVec
	RegistrySnapshotIdentities prometheus.Gauge
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_api_requests_total",
			Help: "Total number of registry API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skypush_api_request_duration_seconds",
			Help:    "Registry API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_api_errors_total",
			Help: "Total number of registry API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	// Storage metrics
	m.SubscriptionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypush_subscriptions",
			Help: "Number of identities with at least one registered token",
		},
	)

	m.TokensTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypush_tokens",
			Help: "Number of registered push tokens",
		},
	)

	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skypush_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	// Firehose metrics
	m.FirehoseFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_firehose_frames_total",
			Help: "Total number of firehose frames by result",
		},
		[]string{"result"}, // candidate, ignored, malformed
	)

	m.FirehoseReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skypush_firehose_reconnects_total",
			Help: "Total number of firehose reconnect attempts",
		},
	)

	m.FirehoseConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypush_firehose_connected",
			Help: "1 when the firehose connection is established",
		},
	)

	m.FirehoseCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypush_firehose_cursor",
			Help: "Last processed firehose sequence number",
		},
	)

	// Classifier metrics
	m.ClassifiedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_classified_events_total",
			Help: "Total number of accepted interaction events",
		},
		[]string{"reason"},
	)

	// Dispatcher metrics
	m.DispatchQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypush_dispatch_queue_size",
			Help: "Current size of the dispatch queue",
		},
	)

	m.DispatchDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skypush_dispatch_dropped_total",
			Help: "Total number of events dropped because the dispatch queue was full",
		},
	)

	m.DispatchEventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skypush_dispatch_event_duration_seconds",
			Help:    "Duration of dispatching one event in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // from 1ms to ~8s
		},
	)

	m.NotificationsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_notifications_built_total",
			Help: "Total number of notification messages built",
		},
		[]string{"reason"},
	)

	// Push metrics
	m.PushMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_push_messages_total",
			Help: "Total number of push messages by provider and final outcome",
		},
		[]string{"provider", "outcome"}, // success, transient, permanent, failed
	)

	m.PushBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skypush_push_batch_duration_seconds",
			Help:    "Duration of provider batch sends in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // from 5ms to ~10s
		},
	)

	m.PushInvalidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_push_invalidated_tokens_total",
			Help: "Total number of tokens invalidated after a permanent provider rejection",
		},
		[]string{"success"},
	)

	// Registry poller metrics
	m.RegistryPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypush_registry_polls_total",
			Help: "Total number of registry snapshot polls by result",
		},
		[]string{"result"},
	)

	m.RegistrySnapshotIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypush_registry_snapshot_identities",
			Help: "Number of identities in the notifier's current subscription snapshot",
		},
	)

	return m
}
