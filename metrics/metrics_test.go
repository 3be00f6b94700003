package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	return m.GetCounter().GetValue()
}

func TestRecorder_ObserveCompletionIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveCompletion("NO_ERROR")
	r.ObserveCompletion("NO_ERROR")

	assert.Equal(t, float64(2), counterValue(t, r.completions.WithLabelValues("NO_ERROR")))
}

func TestRecorder_ObserveFallbackTracksTier(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveFallback(TierRetryTemporary)
	r.ObserveFallback(TierPartialCPU)
	r.ObserveFallback(TierFullCPU)
	r.ObserveFallback(TierFullCPU)

	assert.Equal(t, float64(1), counterValue(t, r.fallbacks.WithLabelValues(string(TierRetryTemporary))))
	assert.Equal(t, float64(1), counterValue(t, r.fallbacks.WithLabelValues(string(TierPartialCPU))))
	assert.Equal(t, float64(2), counterValue(t, r.fallbacks.WithLabelValues(string(TierFullCPU))))
}

func TestRecorder_InFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.InFlightInc()
	r.InFlightInc()
	r.InFlightDec()

	m := &dto.Metric{}
	require.NoError(t, r.inFlight.Write(m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())
}

func TestRecorder_NilRecorderIsNoOp(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveCompletion("x")
		r.ObserveFallback(TierRetryTemporary)
		r.ObserveDuration("blocking", 1.0)
		r.InFlightInc()
		r.InFlightDec()
	})
}
