package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}

// Metrics records run outcomes and step durations.
type Metrics struct {
	runs     *prometheus.CounterVec
	steps    *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with reg, reusing collectors that
// are already registered. A nil registerer yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canary",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by target and final phase",
		}, []string{"target", "phase"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canary",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps",
			Buckets:   histogramBuckets,
		}, []string{"step", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canary",
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Pipeline runs currently executing",
		}),
	}
	if reg == nil {
		return m
	}
	m.runs = register(reg, m.runs)
	m.steps = register(reg, m.steps)
	m.inFlight = register(reg, m.inFlight)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// ObserveStep records the duration of a step.
func (m *Metrics) ObserveStep(step string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.steps.WithLabelValues(step, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) runFinished(target Target, phase Phase) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.runs.WithLabelValues(target.String(), string(phase)).Inc()
}
