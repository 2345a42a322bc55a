package telemetry

import (
	"fmt"
	"math"
	"time"
)

// Dim is the dimension of the belief vector tracked by the estimator:
// [omega, psi, beta, cpu, latency].
const Dim = 5

// #region system-state

// SystemState is one immutable sample of the managed service's health.
// Latency is normalized to [0,1] (1.0 = 1000ms).
type SystemState struct {
	OmegaScore      float64   // composite health score, [0,1]
	PsiIndex        float64   // coherence/fidelity sub-score, [0,1]
	BetaAntifragile float64   // antifragility coefficient, [0,2]
	CPUUsage        float64   // [0,1]
	Latency         float64   // normalized, [0,1]
	Throughput      float64   // req/s, >= 0
	Timestamp       time.Time
}

// #endregion system-state

// #region validation

// RangeError reports a telemetry field outside its declared range.
// Samples carrying one are rejected, never silently clamped.
type RangeError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("telemetry field %s out of range: %.4f not in [%.2f, %.2f]",
		e.Field, e.Value, e.Min, e.Max)
}

// Validate checks every field against its declared range.
func (s SystemState) Validate() error {
	checks := []struct {
		field    string
		value    float64
		min, max float64
	}{
		{"omega", s.OmegaScore, 0, 1},
		{"psi", s.PsiIndex, 0, 1},
		{"beta", s.BetaAntifragile, 0, 2},
		{"cpu", s.CPUUsage, 0, 1},
		{"latency", s.Latency, 0, 1},
	}
	for _, c := range checks {
		// NaN fails neither comparison, so it must be rejected explicitly.
		if math.IsNaN(c.value) || c.value < c.min || c.value > c.max {
			return &RangeError{Field: c.field, Value: c.value, Min: c.min, Max: c.max}
		}
	}
	if math.IsNaN(s.Throughput) || s.Throughput < 0 {
		return &RangeError{Field: "throughput", Value: s.Throughput, Min: 0, Max: 0}
	}
	return nil
}

// #endregion validation

// #region vector

// Vector maps the state onto the estimator's belief space.
// Throughput is carried alongside the vector, not filtered.
func (s SystemState) Vector() [Dim]float64 {
	return [Dim]float64{
		s.OmegaScore,
		s.PsiIndex,
		s.BetaAntifragile,
		s.CPUUsage,
		s.Latency,
	}
}

// FromVector rebuilds a SystemState from a belief vector.
func FromVector(vec [Dim]float64, throughput float64, at time.Time) SystemState {
	return SystemState{
		OmegaScore:      vec[0],
		PsiIndex:        vec[1],
		BetaAntifragile: vec[2],
		CPUUsage:        vec[3],
		Latency:         vec[4],
		Throughput:      throughput,
		Timestamp:       at,
	}
}

// #endregion vector
