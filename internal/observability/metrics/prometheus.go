// Package metrics provides Prometheus metrics for the dose schedule services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Resolutions           prometheus.Counter
	ResolveDuration       prometheus.Histogram
	DosesResolved         *prometheus.CounterVec
	Diagnostics           *prometheus.CounterVec
	DosesMarked           *prometheus.CounterVec
	PrescriptionsStored   prometheus.Counter
	StoreFailures         *prometheus.CounterVec
	WatcherQueueDepth     prometheus.Gauge
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	OutboxFailed          prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates metrics registered with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedule_resolutions_total",
			Help: "Total daily schedule resolutions",
		}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schedule_resolve_duration_seconds",
			Help:    "Snapshot load and resolution duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		DosesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedule_doses_resolved_total",
			Help: "Resolved dose occurrences by status",
		}, []string{"status"}),
		Diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedule_diagnostics_total",
			Help: "Records skipped during resolution by kind",
		}, []string{"kind"}),
		DosesMarked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_marked_total",
			Help: "MarkTaken calls by outcome",
		}, []string{"outcome"}),
		PrescriptionsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_stored_total",
			Help: "Total prescriptions created or replaced",
		}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "record_store_failures_total",
			Help: "Record store failures by operation",
		}, []string{"op"}),
		WatcherQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schedule_watcher_queue_depth",
			Help: "Pending re-resolve tasks",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.Resolutions,
		m.ResolveDuration,
		m.DosesResolved,
		m.Diagnostics,
		m.DosesMarked,
		m.PrescriptionsStored,
		m.StoreFailures,
		m.WatcherQueueDepth,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxFailed,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// SetBreakerState records a breaker transition
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
