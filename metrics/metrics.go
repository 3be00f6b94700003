// Package metrics wires the engine's terminal outcomes and recovery-ladder
// transitions into Prometheus client_golang collectors (SPEC_FULL.md §11). A nil
// *Recorder is valid and records nothing, so instrumentation stays
// optional for callers that don't run a Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns the collectors the engine reports execution outcomes
// through. The zero value is not usable; use NewRecorder or a nil
// *Recorder (every method is nil-safe).
type Recorder struct {
	duration    *prometheus.HistogramVec
	completions *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	inFlight    prometheus.Gauge
}

// NewRecorder builds a Recorder and registers its collectors with reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferexec",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of one execution, from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"completion_mode"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferexec",
			Name:      "execution_completions_total",
			Help:      "Terminal executions by result code.",
		}, []string{"code"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferexec",
			Name:      "fallback_transitions_total",
			Help:      "Recovery-ladder transitions taken during execution.",
		}, []string{"tier"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inferexec",
			Name:      "executions_in_flight",
			Help:      "Executions that have started but not yet reached a terminal state.",
		}),
	}
	reg.MustRegister(r.duration, r.completions, r.fallbacks, r.inFlight)
	return r
}

// FallbackTier names the recovery-ladder rungs spec.md §4.5 defines, used
// as the "tier" label on the fallback-transitions counter.
type FallbackTier string

const (
	TierRetryTemporary FallbackTier = "retry_temporary"
	TierPartialCPU     FallbackTier = "partial_cpu"
	TierFullCPU        FallbackTier = "full_cpu"
)

// ObserveDuration records one execution's wall-clock duration, in seconds,
// under the given completion mode label.
func (r *Recorder) ObserveDuration(completionMode string, seconds float64) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(completionMode).Observe(seconds)
}

// ObserveCompletion increments the terminal-result counter for code.
func (r *Recorder) ObserveCompletion(code string) {
	if r == nil {
		return
	}
	r.completions.WithLabelValues(code).Inc()
}

// ObserveFallback increments the recovery-ladder counter for tier.
func (r *Recorder) ObserveFallback(tier FallbackTier) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(string(tier)).Inc()
}

// InFlightInc/Dec bracket one execution's lifetime for the in-flight gauge.
func (r *Recorder) InFlightInc() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Recorder) InFlightDec() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}
