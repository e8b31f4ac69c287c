package prometheus

import (
	"github.com/dcqueue/qengine/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterIndexMetricsConstructor(func() metrics.IndexMetrics {
		return newBadgerMetrics()
	})
}

// badgerMetrics is the Prometheus implementation of metrics.IndexMetrics
// for the pkg/qindex badger-backed local index cache.
type badgerMetrics struct {
	cacheHitRatio *prometheus.GaugeVec
	cacheMisses   *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
}

func newBadgerMetrics() *badgerMetrics {
	reg := metrics.GetRegistry()

	return &badgerMetrics{
		cacheHitRatio: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qengine_qindex_cache_hit_ratio",
				Help: "Local index cache hit ratio (0.0 to 1.0) by lookup kind",
			},
			[]string{"lookup_kind"}, // "token", "tth"
		),
		cacheMisses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qengine_qindex_cache_misses_total",
				Help: "Total number of local index cache misses by lookup kind",
			},
			[]string{"lookup_kind"},
		),
		cacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qengine_qindex_cache_hits_total",
				Help: "Total number of local index cache hits by lookup kind",
			},
			[]string{"lookup_kind"},
		),
	}
}

// RecordCacheHitRatio records the cache hit ratio for a specific lookup kind.
// ratio should be between 0.0 and 1.0.
func (m *badgerMetrics) RecordCacheHitRatio(lookupKind string, ratio float64) {
	if m == nil {
		return
	}
	m.cacheHitRatio.WithLabelValues(lookupKind).Set(ratio)
}

// RecordCacheHit records a cache hit for a specific lookup kind.
func (m *badgerMetrics) RecordCacheHit(lookupKind string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(lookupKind).Inc()
}

// RecordCacheMiss records a cache miss for a specific lookup kind.
func (m *badgerMetrics) RecordCacheMiss(lookupKind string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(lookupKind).Inc()
}
