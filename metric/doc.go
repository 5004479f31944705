// Package metric provides Prometheus metrics registration for the gateway.
//
// A single Registry owns the prometheus.Registry, the core pipeline metrics
// (scheduler, pool, cache, dispatcher) and any component-specific collectors
// registered at construction time. Components receive the *Registry and
// register their collectors under a "component.metric" key so duplicate
// registration is caught early and unregistration on teardown is possible.
package metric
