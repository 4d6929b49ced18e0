// Package metrics defines the Prometheus collectors exported by the
// sandbox agent and the manager.
//
// Constructors take a prometheus.Registerer so tests can pass a fresh
// registry. Registering the same collectors twice reuses the existing ones
// instead of panicking. All methods are safe on a nil receiver, which lets
// components run without metrics.
package metrics
