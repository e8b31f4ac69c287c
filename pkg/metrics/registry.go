// Package metrics defines nil-safe metrics interfaces for the queue and
// transfer engine, together with a small Prometheus registry bootstrap.
// Every component that accepts a metrics interface must treat a nil
// value as "metrics disabled" and skip all recording, so the engine
// runs at zero overhead when InitRegistry is never called.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	regMu    sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry. Components
// created before this call will see metrics as disabled; call it early
// in startup, before constructing the queue engine.
func InitRegistry() *prometheus.Registry {
	regMu.Lock()
	defer regMu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	regMu.RLock()
	defer regMu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	regMu.RLock()
	defer regMu.RUnlock()
	return registry
}
