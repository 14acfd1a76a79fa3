package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/metrics"
)

func TestNewTimerStartsImmediately(t *testing.T) {
	timer := metrics.NewTimer()
	require.NotNil(t, timer)
	assert.Less(t, timer.Duration(), time.Second)
}

func TestTimerObserveDurationRecordsToHistogram(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds"})
	timer := metrics.NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)

	var m dto.Metric
	require.NoError(t, h.Write(&m))
	assert.EqualValues(t, 1, m.Histogram.GetSampleCount())
	assert.Greater(t, m.Histogram.GetSampleSum(), 0.0)
}

func TestPatchesAppliedTotalIncrementsByOutcome(t *testing.T) {
	metrics.PatchesAppliedTotal.Reset()
	metrics.PatchesAppliedTotal.WithLabelValues("committed").Inc()
	metrics.PatchesAppliedTotal.WithLabelValues("committed").Inc()
	metrics.PatchesAppliedTotal.WithLabelValues("rejected").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PatchesAppliedTotal.WithLabelValues("committed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PatchesAppliedTotal.WithLabelValues("rejected")))
}

func TestEnvelopeFeaturesIndexedTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(metrics.EnvelopeFeaturesIndexedTotal)
	metrics.EnvelopeFeaturesIndexedTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EnvelopeFeaturesIndexedTotal))
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	require.NotNil(t, metrics.Handler())
}
