package policy

import (
	"time"

	"github.com/matverse/autonomy/internal/telemetry"
)

// #region action

// Action is a corrective action the controller can take against the
// managed target.
type Action string

const (
	ActionScaleUp       Action = "scale_up"
	ActionScaleDown     Action = "scale_down"
	ActionRetune        Action = "retune"
	ActionRollback      Action = "rollback"
	ActionEmergencyStop Action = "emergency_stop"
	ActionNoop          Action = "noop"
)

// Valid reports whether a is a recognized action.
func (a Action) Valid() bool {
	switch a {
	case ActionScaleUp, ActionScaleDown, ActionRetune, ActionRollback, ActionEmergencyStop, ActionNoop:
		return true
	}
	return false
}

// HighRisk reports whether a must pass the governance gate before
// actuation, regardless of decision mode.
func (a Action) HighRisk() bool {
	return a == ActionRollback || a == ActionEmergencyStop
}

// #endregion action

// #region prediction

// Prediction is the estimator's output for one observation.
type Prediction struct {
	Action         Action
	Confidence     float64 // [0,1]
	Reasoning      string
	Predicted      telemetry.SystemState // post-update belief
	ErrorNorm      float64               // ‖x - target‖ after the update
	ProcessingTime time.Duration
}

// #endregion prediction

// #region config

// Config holds the filter and action-selection parameters.
type Config struct {
	// Target is the setpoint the belief is steered toward.
	Target [telemetry.Dim]float64

	// Alpha scales the innovation norm into adaptive process noise.
	Alpha float64
	// QMin and QMax bound the adaptive process noise.
	QMin, QMax float64
	// MeasurementNoise is the diagonal of R.
	MeasurementNoise float64
	// InitialCovariance is the diagonal of P(0).
	InitialCovariance float64
	// InitialBelief seeds x(0); nil starts from the zero vector.
	InitialBelief *[telemetry.Dim]float64

	// MaxErrorNorm normalizes confidence: conf = 1 - ‖e‖/MaxErrorNorm.
	MaxErrorNorm float64
	// ScaleTolerance is the cpu/latency error a dominant coordinate must
	// exceed before a scaling action fires.
	ScaleTolerance float64
	// RetuneTolerance is the omega/psi shortfall that triggers a retune.
	RetuneTolerance float64
	// TrendThreshold is the per-sample beta slope below which the system
	// is considered to be losing antifragility.
	TrendThreshold float64
	// SevereErrorNorm is the error magnitude that warrants a rollback.
	SevereErrorNorm float64
	// SeverePersistence is the consecutive severe-cycle count that
	// escalates a rollback to an emergency stop.
	SeverePersistence int
	// HistorySize bounds the observation history used for trends.
	HistorySize int
}

// DefaultConfig returns the production filter parameters.
func DefaultConfig() Config {
	return Config{
		Target:            [telemetry.Dim]float64{0.95, 0.97, 1.20, 0.70, 0.10},
		Alpha:             0.05,
		QMin:              0.001,
		QMax:              0.1,
		MeasurementNoise:  0.1,
		InitialCovariance: 1.0,
		MaxErrorNorm:      2.0,
		ScaleTolerance:    0.10,
		RetuneTolerance:   0.15,
		TrendThreshold:    0.10,
		SevereErrorNorm:   0.80,
		SeverePersistence: 3,
		HistorySize:       100,
	}
}

// #endregion config
