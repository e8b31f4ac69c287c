package metrics

// IndexMetrics records cache behavior for the badger-backed local index
// cache (pkg/qindex). A nil IndexMetrics is always safe to call methods
// on; every method is a no-op in that case.
type IndexMetrics interface {
	// RecordCacheHitRatio records the hit ratio (0.0-1.0) for a lookup
	// kind ("token", "tth").
	RecordCacheHitRatio(lookupKind string, ratio float64)
	// RecordCacheHit records a single cache hit for a lookup kind.
	RecordCacheHit(lookupKind string)
	// RecordCacheMiss records a single cache miss for a lookup kind.
	RecordCacheMiss(lookupKind string)
}

// NewIndexMetrics creates a Prometheus-backed IndexMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil to pkg/qindex, which
// results in zero overhead.
func NewIndexMetrics() IndexMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusIndexMetrics()
}

// newPrometheusIndexMetrics is implemented in pkg/metrics/prometheus/badger.go.
// This indirection avoids an import cycle (prometheus imports metrics for
// the interface and registry; metrics must not import prometheus's impl).
var newPrometheusIndexMetrics func() IndexMetrics

// RegisterIndexMetricsConstructor registers the Prometheus constructor.
// Called by pkg/metrics/prometheus/badger.go's package init.
func RegisterIndexMetricsConstructor(constructor func() IndexMetrics) {
	newPrometheusIndexMetrics = constructor
}
