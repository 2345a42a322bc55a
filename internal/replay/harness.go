package replay

import (
	"fmt"
	"time"

	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/telemetry"
)

// #region types

// StepResult captures the estimator output for one trajectory step.
type StepResult struct {
	Step       int
	Action     policy.Action
	Confidence float64
	ErrorNorm  float64
	Reasoning  string
}

// Summary aggregates a replay run.
type Summary struct {
	Steps        int
	Actions      map[policy.Action]int
	InitialError float64
	FinalError   float64
	Converged    bool
}

// #endregion types

// #region replay

// Replay feeds a recorded trajectory through a fresh estimator and
// returns the per-step decisions. Operates entirely in-memory.
func Replay(cfg policy.Config, states []telemetry.SystemState) ([]StepResult, error) {
	pred, err := policy.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build estimator: %w", err)
	}
	results := make([]StepResult, 0, len(states))
	for i, s := range states {
		p, err := pred.Observe(s)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		results = append(results, StepResult{
			Step:       i,
			Action:     p.Action,
			Confidence: p.Confidence,
			ErrorNorm:  p.ErrorNorm,
			Reasoning:  p.Reasoning,
		})
	}
	return results, nil
}

// ReplayFixture runs a loaded fixture and checks its pinned
// expectations.
func ReplayFixture(f *Fixture) ([]StepResult, error) {
	cfg, err := f.Config.ToPolicyConfig()
	if err != nil {
		return nil, fmt.Errorf("fixture config: %w", err)
	}
	base := time.Now().UTC()
	states := make([]telemetry.SystemState, len(f.Steps))
	for i := range f.Steps {
		states[i] = f.Steps[i].ToState(base.Add(time.Duration(i) * time.Second))
	}
	results, err := Replay(cfg, states)
	if err != nil {
		return nil, err
	}
	for _, exp := range f.Expected {
		if exp.Step < 0 || exp.Step >= len(results) {
			return nil, fmt.Errorf("expectation references step %d of %d", exp.Step, len(results))
		}
		if got := results[exp.Step].Action; got != policy.Action(exp.Action) {
			return nil, fmt.Errorf("step %d produced %s, fixture expects %s", exp.Step, got, exp.Action)
		}
	}
	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []StepResult) Summary {
	s := Summary{
		Steps:   len(results),
		Actions: map[policy.Action]int{},
	}
	for _, r := range results {
		s.Actions[r.Action]++
	}
	if len(results) > 0 {
		s.InitialError = results[0].ErrorNorm
		s.FinalError = results[len(results)-1].ErrorNorm
		s.Converged = s.FinalError < s.InitialError
	}
	return s
}

// #endregion replay
