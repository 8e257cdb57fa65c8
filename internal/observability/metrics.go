// Package observability exposes Prometheus metrics for tile fetching,
// merging and output, plus the HTTP router that serves them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tilesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_fetched_total",
			Help: "Tile fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tileFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tile_fetch_duration_seconds",
			Help:    "Duration of a single tile fetch including decode and scratch write.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	mergeComposites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_composites_total",
			Help: "Group composites produced by reduction level.",
		},
		[]string{"level"},
	)

	mergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "merge_duration_seconds",
			Help:    "Duration of a complete merge.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	outputBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mosaic_output_bytes",
			Help: "Size of the last mosaic written.",
		},
	)
)

// Fetch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
)

func ObserveTileFetch(outcome string, durationSeconds float64) {
	tilesFetched.WithLabelValues(outcome).Inc()
	tileFetchDuration.Observe(durationSeconds)
}

func IncCacheHit()  { cacheResults.WithLabelValues(OutcomeHit).Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues(OutcomeMiss).Inc() }

func IncMergeComposite(level string) {
	mergeComposites.WithLabelValues(level).Inc()
}

func ObserveMerge(durationSeconds float64) {
	mergeDuration.Observe(durationSeconds)
}

func SetOutputBytes(n int64) {
	outputBytes.Set(float64(n))
}
