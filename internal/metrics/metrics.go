// Package metrics exposes the local diagnostics counters/gauges of
// spec.md §7.1: cache hit/miss/eviction counts, fetch attempt outcomes,
// in-flight fetches, skeleton version and user cursor gauges, and
// sync-error counts. Grounded on the teacher's internal/api/metrics.go
// CounterVec/HistogramVec-against-a-private-registry shape, adapted
// from HTTP request metrics to the client-side diagnostics this core
// actually produces — there is no HTTP server here, so Handler exposes
// the registry for an embedding application to mount if it chooses to.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every diagnostics metric registered against a private
// registry, never the global default, so multiple Engine instances
// (as in tests) don't collide on registration.
type Metrics struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	FetchAttempts *prometheus.CounterVec
	FetchInflight prometheus.Gauge

	SkeletonVersion prometheus.Gauge
	UserCursor      prometheus.Gauge

	SyncErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics against a fresh private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogcore_cache_hits_total",
			Help: "Total number of Bounded LRU Cache hits.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogcore_cache_misses_total",
			Help: "Total number of Bounded LRU Cache misses.",
		}, []string{"cache"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogcore_cache_evictions_total",
			Help: "Total number of Bounded LRU Cache evictions.",
		}, []string{"cache"}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogcore_fetch_attempts_total",
			Help: "Total number of Background Fetcher attempts.",
		}, []string{"item_type", "outcome"}),
		FetchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogcore_fetch_inflight",
			Help: "Number of fetch attempts currently in flight.",
		}),
		SkeletonVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogcore_skeleton_version",
			Help: "Locally stored skeleton version.",
		}),
		UserCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogcore_user_cursor",
			Help: "Locally stored user-data log cursor.",
		}),
		SyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogcore_sync_errors_total",
			Help: "Total number of synchronizer failures.",
		}, []string{"synchronizer", "reason"}),
		registry: registry,
	}

	registry.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions,
		m.FetchAttempts, m.FetchInflight,
		m.SkeletonVersion, m.UserCursor,
		m.SyncErrors,
	)
	return m
}

// Handler exposes the private registry for an embedding application's
// HTTP mux. The core itself never starts a listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
