// Package metrics exposes Prometheus metrics for the updates client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lxc/updates-client/api"
)

// Metrics holds the Prometheus collectors of the updates client.
type Metrics struct {
	StateEvents       *prometheus.CounterVec
	Procedures        *prometheus.CounterVec
	ProcedureDuration *prometheus.HistogramVec
	State             *prometheus.GaugeVec
	RestartCount      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StateEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "updates_state_events_total",
				Help: "Total number of state machine events broadcast",
			},
			[]string{"event"},
		),
		Procedures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "updates_procedures_total",
				Help: "Total number of procedures run",
			},
			[]string{"procedure", "result"},
		),
		ProcedureDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "updates_procedure_duration_seconds",
				Help:    "Time spent running procedures",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"procedure"},
		),
		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updates_state",
				Help: "Current state of the updates state machine, 1 for the active state",
			},
			[]string{"state"},
		),
		RestartCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "updates_restart_count",
				Help: "Number of times the state machine was reset",
			},
		),
	}
}

// ObserveProcedure records a completed procedure.
func (m *Metrics) ObserveProcedure(name string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}

	m.Procedures.WithLabelValues(name, result).Inc()
	m.ProcedureDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// Listen records a state change event.
func (m *Metrics) Listen(event api.StateChangeEvent) {
	m.StateEvents.WithLabelValues(string(event.Type)).Inc()

	for state := range api.UpdatesStateValues {
		value := 0.0
		if state == event.State {
			value = 1
		}

		m.State.WithLabelValues(string(state)).Set(value)
	}

	m.RestartCount.Set(float64(event.Context.RestartCount))
}
