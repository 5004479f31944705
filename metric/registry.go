package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
)

// Registrar defines the interface for registering component-specific metrics
type Registrar interface {
	Register(componentName, metricName string, collector prometheus.Collector) error
	Unregister(componentName, metricName string) bool
}

// Registry manages the registration and lifecycle of gateway metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with core gateway metrics
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Add Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core gateway metrics
func (r *Registry) CoreMetrics() *Metrics {
	return r.Metrics
}

// Register registers a collector for a component. Registering the same
// component/metric pair twice is an invalid call.
func (r *Registry) Register(componentName, metricName string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", metricName, componentName),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes a metric from the registry
func (r *Registry) Unregister(componentName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

// registerCoreMetrics registers all core gateway metrics
func (r *Registry) registerCoreMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.TasksFired,
		r.Metrics.ScheduledPoints,
		r.Metrics.TaskDuration,
		r.Metrics.PoolActive,
		r.Metrics.PoolIdle,
		r.Metrics.PoolErrors,
		r.Metrics.PoolWaits,
		r.Metrics.CacheSize,
		r.Metrics.CacheDirty,
		r.Metrics.CacheUpdates,
		r.Metrics.CacheFlushes,
		r.Metrics.CachePushes,
		r.Metrics.MessagesDistributed,
		r.Metrics.SinkConnections,
		r.Metrics.SinkErrors,
		r.Metrics.ComponentStatus,
		r.Metrics.ErrorsTotal,
	)
}
