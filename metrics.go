package biogate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of the authorization flow.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Attempts       *prometheus.CounterVec
	ActiveAttempts prometheus.Gauge
	StageEntries   *prometheus.CounterVec
	SensorOutcomes *prometheus.CounterVec
	KeyOperations  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biogate_attempts_total",
				Help: "Authorization attempts by final result",
			},
			[]string{"result"},
		),
		ActiveAttempts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "biogate_active_attempts",
				Help: "Authorization attempts begun and not yet finished",
			},
		),
		StageEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biogate_stage_entries_total",
				Help: "Stages entered by authorization attempts",
			},
			[]string{"stage"},
		),
		SensorOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biogate_sensor_outcomes_total",
				Help: "Biometric sensor outcomes reported to the gate",
			},
			[]string{"result"},
		),
		KeyOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biogate_key_operations_total",
				Help: "Key vault operations by result",
			},
			[]string{"op", "result"},
		),
	}
}

func (m *Metrics) attemptStarted() {
	if m == nil {
		return
	}
	m.ActiveAttempts.Inc()
}

// attemptFinished is called once per gate reaching a terminal state
func (m *Metrics) attemptFinished(result string, started bool) {
	if m == nil {
		return
	}
	if started {
		m.ActiveAttempts.Dec()
	}
	m.Attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) stageEntered(stage Stage) {
	if m == nil {
		return
	}
	m.StageEntries.WithLabelValues(stage.String()).Inc()
}

func (m *Metrics) sensorOutcome(success bool) {
	if m == nil {
		return
	}
	m.SensorOutcomes.WithLabelValues(resultLabel(success)).Inc()
}

func (m *Metrics) keyOperation(op string, err error) {
	if m == nil {
		return
	}
	m.KeyOperations.WithLabelValues(op, resultLabel(err == nil)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
