// Package simulate produces synthetic telemetry trajectories for
// development, load rehearsal, and the simulate command.
package simulate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matverse/autonomy/internal/collector"
	"github.com/matverse/autonomy/internal/telemetry"
)

// #region scenarios

// Scenario names a synthetic workload shape.
type Scenario string

const (
	// ScenarioSteady holds every metric at its target plus noise.
	ScenarioSteady Scenario = "steady"
	// ScenarioOverload ramps cpu and latency past their targets.
	ScenarioOverload Scenario = "overload"
	// ScenarioQualityCollapse decays omega and psi while load stays flat.
	ScenarioQualityCollapse Scenario = "quality_collapse"
	// ScenarioBetaDecay erodes the antifragility coefficient.
	ScenarioBetaDecay Scenario = "beta_decay"
)

// Scenarios lists every known scenario.
var Scenarios = []Scenario{ScenarioSteady, ScenarioOverload, ScenarioQualityCollapse, ScenarioBetaDecay}

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool {
	for _, known := range Scenarios {
		if s == known {
			return true
		}
	}
	return false
}

// #endregion scenarios

// #region generator

// Generator emits a deterministic telemetry trajectory for a
// scenario. The same seed always yields the same trajectory.
type Generator struct {
	mu       sync.Mutex
	scenario Scenario
	rng      *rand.Rand
	noise    float64
	step     int
}

// NewGenerator creates a generator for scenario. noise is the
// amplitude of the jitter applied to every field.
func NewGenerator(scenario Scenario, seed int64, noise float64) (*Generator, error) {
	if !scenario.Valid() {
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
	if noise < 0 || noise > 0.1 {
		return nil, fmt.Errorf("noise %v outside [0, 0.1]", noise)
	}
	return &Generator{
		scenario: scenario,
		rng:      rand.New(rand.NewSource(seed)),
		noise:    noise,
	}, nil
}

// Next emits the next sample of the trajectory.
func (g *Generator) Next() telemetry.SystemState {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := float64(g.step)
	g.step++

	s := telemetry.SystemState{
		OmegaScore:      0.95,
		PsiIndex:        0.97,
		BetaAntifragile: 1.20,
		CPUUsage:        0.70,
		Latency:         0.10,
		Throughput:      800 + 40*math.Sin(t/7),
		Timestamp:       time.Now().UTC(),
	}

	switch g.scenario {
	case ScenarioOverload:
		// Load climbs over eight steps, then saturates. The ramp is
		// steep enough that the filter's lag error stays visible.
		ramp := math.Min(t/8, 1)
		s.CPUUsage = 0.70 + 0.28*ramp
		s.Latency = 0.10 + 0.20*ramp
		s.Throughput *= 1 - 0.3*ramp
	case ScenarioQualityCollapse:
		// Quality holds nominal, then falls off a cliff at step 12.
		if t >= 12 {
			s.OmegaScore = 0.45
			s.PsiIndex = 0.50
		}
	case ScenarioBetaDecay:
		s.BetaAntifragile = 0.50 + 0.70*math.Exp(-t/4)
	}

	s.OmegaScore = clamp(s.OmegaScore+g.jitter(), 0, 1)
	s.PsiIndex = clamp(s.PsiIndex+g.jitter(), 0, 1)
	s.BetaAntifragile = clamp(s.BetaAntifragile+g.jitter(), 0, 2)
	s.CPUUsage = clamp(s.CPUUsage+g.jitter(), 0, 1)
	s.Latency = clamp(s.Latency+g.jitter(), 0, 1)
	if s.Throughput < 0 {
		s.Throughput = 0
	}
	return s
}

// Steps reports how many samples were emitted.
func (g *Generator) Steps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.step
}

// Source adapts the generator to the collector's sampling contract.
func (g *Generator) Source() collector.Source {
	return collector.SourceFunc(func(context.Context) (telemetry.SystemState, error) {
		return g.Next(), nil
	})
}

// Trajectory emits n samples as a slice.
func (g *Generator) Trajectory(n int) []telemetry.SystemState {
	out := make([]telemetry.SystemState, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

func (g *Generator) jitter() float64 {
	if g.noise == 0 {
		return 0
	}
	return g.noise * (2*g.rng.Float64() - 1)
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion generator
