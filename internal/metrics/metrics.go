// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/briangreenhill/tdxsync/cache"
)

var (
	// DaemonIterations counts scheduler loop iterations.
	DaemonIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tdxsync_daemon_iterations_total",
		Help: "Scheduler loop iterations.",
	})

	// DaemonCooldowns counts cooldowns applied after repeated quota errors.
	DaemonCooldowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tdxsync_daemon_cooldowns_total",
		Help: "Per-city cooldowns applied after repeated quota errors.",
	})

	// QuotaErrors counts upstream quota rejections observed by the daemon.
	QuotaErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tdxsync_quota_errors_total",
		Help: "Upstream quota rejections observed.",
	})

	// BulkPagesFetched counts pages ingested into the bulk store.
	BulkPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tdxsync_bulk_pages_fetched_total",
		Help: "Pages ingested into the bulk store.",
	})

	// BulkItemsAdded counts new records added to the bulk store.
	BulkItemsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tdxsync_bulk_items_added_total",
		Help: "New records added to the bulk store.",
	})

	// JobsStarted counts prefetch jobs accepted by the control plane.
	JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tdxsync_jobs_started_total",
		Help: "Prefetch jobs accepted.",
	})
)

// RegisterCache exports the cache hit/miss counters of fc on the default
// registry. Call it once per process.
func RegisterCache(fc *cache.FileCache) {
	gauge := func(name, help string, read func(cache.StatsSnapshot) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(read(fc.Stats()))
		})
	}
	prometheus.MustRegister(
		gauge("tdxsync_cache_hits_total", "Fresh cache hits.", func(s cache.StatsSnapshot) int64 { return s.Hits }),
		gauge("tdxsync_cache_misses_total", "Cache misses.", func(s cache.StatsSnapshot) int64 { return s.Misses }),
		gauge("tdxsync_cache_expired_total", "Cache reads rejected as expired.", func(s cache.StatsSnapshot) int64 { return s.Expired }),
		gauge("tdxsync_cache_sets_total", "Cache writes.", func(s cache.StatsSnapshot) int64 { return s.Sets }),
		gauge("tdxsync_cache_stale_fallbacks_total", "Stale entries served after fetch failures.", func(s cache.StatsSnapshot) int64 { return s.StaleFallbacks }),
	)
}
