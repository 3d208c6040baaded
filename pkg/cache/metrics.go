package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	evictionReasonCapacity = "capacity" // Removed by a cleanup pass.
	evictionReasonStale    = "stale"    // Expired by the maintenance tick.
	evictionReasonExplicit = "explicit" // Removed by Delete / DeleteMatching after a mutation.
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plaza",
		Name:      "cache_lookups_total",
		Help:      "Total number of cache lookups.",
	}, []string{"type", "status" /* hit | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plaza",
		Name:      "cache_evictions_total",
		Help:      "Total number of entries removed from the cache.",
	}, []string{"type", "reason"})
	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "plaza",
		Name:      "cache_entries",
		Help:      "Number of entries per cache pool, refreshed on every maintenance tick and status call.",
	}, []string{"type"})
	cacheSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plaza",
		Name:      "cache_syncs_total",
		Help:      "Total number of cache maintenance ticks.",
	})
)
