// Package prometheus collects the engine's operational metrics.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "machina"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all engine metrics.
type Metrics struct {
	// Transition pipeline
	TransitionsTotal    *prometheus.CounterVec
	EventsIgnoredTotal  *prometheus.CounterVec
	HookDuration        *prometheus.HistogramVec
	EventQueueDepth     *prometheus.GaugeVec
	InstancesActive     *prometheus.GaugeVec
	TimersPending       prometheus.Gauge

	// Persistence
	PersistedEventsTotal prometheus.Counter
	SnapshotsTotal       prometheus.Counter

	// Broker bridge
	BrokerPublishTotal    *prometheus.CounterVec
	BroadcasterBufferLen  prometheus.Gauge
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		TransitionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "machina_transitions_total",
				Help: "Total number of executed transitions",
			},
			[]string{"component", "machine", "result"},
		),
		EventsIgnoredTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "machina_events_ignored_total",
				Help: "Events with no matching transition or rejected by guards",
			},
			[]string{"component", "machine"},
		),
		HookDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "machina_hook_duration_seconds",
				Help:    "User hook execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "hook"},
		),
		EventQueueDepth: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "machina_event_queue_depth",
				Help: "Depth of the deferred event queue per runtime",
			},
			[]string{"component"},
		),
		InstancesActive: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "machina_instances_active",
				Help: "Live instances per machine",
			},
			[]string{"component", "machine"},
		),
		TimersPending: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "machina_timers_pending",
				Help: "Armed timeout timers",
			},
		),
		PersistedEventsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "machina_persisted_events_total",
				Help: "Events appended to the event store",
			},
		),
		SnapshotsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "machina_snapshots_total",
				Help: "Snapshots written",
			},
		),
		BrokerPublishTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "machina_broker_publish_total",
				Help: "Broker publishes by channel and result",
			},
			[]string{"channel", "result"},
		),
		BroadcasterBufferLen: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "machina_broadcaster_buffer_len",
				Help: "Events buffered while the broker is unavailable",
			},
		),
	}
}
