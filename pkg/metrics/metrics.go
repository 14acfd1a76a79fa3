// Package metrics defines the Prometheus metrics this module exposes: patch
// apply outcomes, envelope-index build duration, and feature-envelope
// counts. Metrics are package-level variables registered at init, in the
// same style as a long-running service's metrics package, even though this
// module is invoked per-command rather than run as a daemon -- a caller that
// does run as a service (e.g. a server wrapping PatchApply/index-build)
// can expose Handler() on its own /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Patch apply metrics.
	PatchesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kart_patches_applied_total",
			Help: "Total number of patch documents applied, by outcome",
		},
		[]string{"outcome"}, // "committed", "no-commit", "rejected"
	)

	PatchApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kart_patch_apply_duration_seconds",
			Help:    "Time taken to apply a patch document, from Apply to the staged tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	PatchFeatureDeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kart_patch_feature_deltas_total",
			Help: "Total number of feature deltas processed during patch apply, by dataset",
		},
		[]string{"dataset"},
	)

	// Envelope index metrics.
	EnvelopeIndexBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kart_envelope_index_build_duration_seconds",
			Help:    "Time taken to build the envelope index across a commit range",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	EnvelopeFeaturesIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kart_envelope_features_indexed_total",
			Help: "Total number of feature envelopes written to the index",
		},
	)

	EnvelopeFeaturesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kart_envelope_features_skipped_total",
			Help: "Total number of features skipped during index build, by reason",
		},
		[]string{"reason"}, // "cannot-index", "wrong-crs"
	)

	// Dataset metrics.
	DatasetFeatureCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kart_dataset_feature_count",
			Help: "Feature count of the most recently opened view of a dataset",
		},
		[]string{"dataset"},
	)
)

func init() {
	prometheus.MustRegister(
		PatchesAppliedTotal,
		PatchApplyDuration,
		PatchFeatureDeltasTotal,
		EnvelopeIndexBuildDuration,
		EnvelopeFeaturesIndexedTotal,
		EnvelopeFeaturesSkippedTotal,
		DatasetFeatureCount,
	)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and observing its
// duration against a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
