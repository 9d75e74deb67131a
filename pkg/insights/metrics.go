package insights

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts lookups served from the store, by insight type.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_cache_hits_total",
			Help: "Total number of insight cache hits",
		},
		[]string{"insight_type"},
	)

	// CacheMisses counts lookups that fell through to generation,
	// including forced regenerations.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_cache_misses_total",
			Help: "Total number of insight cache misses",
		},
		[]string{"insight_type"},
	)

	// CacheErrors counts absorbed cache-layer failures.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_cache_errors_total",
			Help: "Total number of insight cache operation errors",
		},
		[]string{"operation"}, // "lookup", "save", "increment", "invalidate", "stats"
	)

	// Generations counts generator calls by outcome ("ok", "error").
	Generations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_generations_total",
			Help: "Total number of generator calls",
		},
		[]string{"insight_type", "outcome"},
	)

	// GenerationDuration observes generator latency.
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insight_generation_duration_seconds",
			Help:    "Generator call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	// Invalidated counts rows removed by user invalidation.
	Invalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_cache_invalidated_total",
			Help: "Total number of cache rows removed by user invalidation",
		},
	)
)
