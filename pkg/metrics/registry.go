// Package metrics provides the observability facade for DittoBus.
//
// Metrics are optional: components receive nil-able interfaces and emit
// nothing when metrics are disabled. The Prometheus implementations live
// in pkg/metrics/prometheus and register themselves through constructor
// indirection, which avoids an import cycle; this package itself only
// holds the shared prometheus registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry. Call once at
// startup, before constructing components that record metrics.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
