package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all gateway-level metrics shared across the pipeline
type Metrics struct {
	// Scheduler metrics
	TasksFired        *prometheus.CounterVec
	ScheduledPoints   prometheus.Gauge
	TaskDuration      *prometheus.HistogramVec

	// Connection pool metrics
	PoolActive  *prometheus.GaugeVec
	PoolIdle    *prometheus.GaugeVec
	PoolErrors  *prometheus.CounterVec
	PoolWaits   *prometheus.CounterVec

	// Value cache metrics
	CacheSize       prometheus.Gauge
	CacheDirty      prometheus.Gauge
	CacheUpdates    *prometheus.CounterVec
	CacheFlushes    prometheus.Counter
	CachePushes     prometheus.Counter

	// Dispatcher metrics
	MessagesDistributed *prometheus.CounterVec
	SinkConnections     *prometheus.GaugeVec
	SinkErrors          *prometheus.CounterVec

	// Gateway health
	ComponentStatus *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all gateway metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TasksFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "scheduler",
				Name:      "tasks_fired_total",
				Help:      "Total collection tasks emitted, by channel",
			},
			[]string{"channel"},
		),

		ScheduledPoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "scheduler",
				Name:      "scheduled_points",
				Help:      "Number of points currently registered with the scheduler",
			},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "executor",
				Name:      "task_duration_seconds",
				Help:      "Collection task execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel", "status"},
		),

		PoolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "pool",
				Name:      "active_connections",
				Help:      "Connections currently checked out or connected, by channel",
			},
			[]string{"channel"},
		),

		PoolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "pool",
				Name:      "idle_connections",
				Help:      "Connections currently idle in the pool, by channel",
			},
			[]string{"channel"},
		),

		PoolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "pool",
				Name:      "errors_total",
				Help:      "Connection create/health failures, by channel",
			},
			[]string{"channel"},
		),

		PoolWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "pool",
				Name:      "capacity_waits_total",
				Help:      "Acquisitions that waited for a slot, by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		CacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "points",
				Help:      "Number of points currently held in the value cache",
			},
		),

		CacheDirty: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "dirty_points",
				Help:      "Number of points awaiting flush",
			},
		),

		CacheUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "updates_total",
				Help:      "Cache updates, by outcome (changed, unchanged, forced)",
			},
			[]string{"outcome"},
		),

		CacheFlushes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "flushes_total",
				Help:      "Dirty-point flush cycles completed",
			},
		),

		CachePushes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "pushes_total",
				Help:      "Full-snapshot resync pushes completed",
			},
		),

		MessagesDistributed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "messages_total",
				Help:      "Messages distributed to subscriber connections, by type",
			},
			[]string{"type"},
		),

		SinkConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "sink_connections",
				Help:      "Live connections reported by each transport sink",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "sink_errors_total",
				Help:      "Delivery failures, by sink",
			},
			[]string{"sink"},
		),

		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=running)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors absorbed by the pipeline, by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

// RecordTaskFired increments the fired-task counter for a channel
func (m *Metrics) RecordTaskFired(channel string) {
	m.TasksFired.WithLabelValues(channel).Inc()
}

// RecordTaskDuration records a collection task's execution time
func (m *Metrics) RecordTaskDuration(channel, status string, duration time.Duration) {
	m.TaskDuration.WithLabelValues(channel, status).Observe(duration.Seconds())
}

// RecordComponentStatus updates a component's running status
func (m *Metrics) RecordComponentStatus(component string, running bool) {
	value := 0.0
	if running {
		value = 1.0
	}
	m.ComponentStatus.WithLabelValues(component).Set(value)
}

// RecordError increments the absorbed-error counter
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}
