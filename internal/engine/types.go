package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/matverse/autonomy/internal/actuator"
	"github.com/matverse/autonomy/internal/governance"
	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/telemetry"
)

// #region modes

// DecisionMode sets how much estimator confidence a decision needs
// before it is allowed to act.
type DecisionMode string

const (
	ModeConservative DecisionMode = "conservative"
	ModeBalanced     DecisionMode = "balanced"
	ModeAggressive   DecisionMode = "aggressive"
)

// Valid reports whether m is a known mode.
func (m DecisionMode) Valid() bool {
	switch m {
	case ModeConservative, ModeBalanced, ModeAggressive:
		return true
	}
	return false
}

// ConfidenceFloor is the minimum prediction confidence required for
// the mode to act on anything but a noop.
func (m DecisionMode) ConfidenceFloor() float64 {
	switch m {
	case ModeConservative:
		return 0.85
	case ModeAggressive:
		return 0.50
	default:
		return 0.70
	}
}

// #endregion modes

// #region decision

// Decision is the outcome of one control cycle.
type Decision struct {
	ID         string
	Action     policy.Action
	Confidence float64
	Mode       DecisionMode
	Reasoning  string
	Proposal   uint64 // governance proposal id, when the action was escalated
	Snapshot   telemetry.SystemState
	CreatedAt  time.Time
	CycleTime  time.Duration
}

// Handler reacts to a finished decision. Handlers run in registration
// order; a handler error is logged and never stops the others.
type Handler func(ctx context.Context, d Decision) error

// #endregion decision

// #region collaborators

// Sampler yields the latest validated telemetry snapshot.
type Sampler interface {
	Snapshot() (telemetry.SystemState, bool)
}

// Estimator folds one snapshot into the state belief and recommends
// an action.
type Estimator interface {
	Observe(sample telemetry.SystemState) (policy.Prediction, error)
}

// Executor applies an approved actuation.
type Executor interface {
	Execute(ctx context.Context, req actuator.Request) (actuator.Result, error)
}

// Governor escalates high-risk actions to stake-weighted approval.
type Governor interface {
	Propose(action policy.Action, snapshot telemetry.SystemState, proposer string) (uint64, error)
	Finalize(proposalID uint64) (governance.ProposalStatus, error)
	MarkExecuted(proposalID uint64) error
	ProposalsByStatus(status governance.ProposalStatus) []governance.Proposal
}

// #endregion collaborators

// #region config

// Budgets caps how long each cycle stage may take. A pre-actuation
// stage that blows its budget aborts the cycle into a safe noop.
type Budgets struct {
	Observe time.Duration
	Orient  time.Duration
	Decide  time.Duration
	Act     time.Duration
	Total   time.Duration
}

// DefaultBudgets returns the production stage budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Observe: 10 * time.Millisecond,
		Orient:  50 * time.Millisecond,
		Decide:  50 * time.Millisecond,
		Act:     90 * time.Millisecond,
		Total:   200 * time.Millisecond,
	}
}

// Config parameterizes the decision engine.
type Config struct {
	Mode          DecisionMode
	Interval      time.Duration
	Budgets       Budgets
	TargetName    string
	Proposer      string
	WatchInterval time.Duration
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeBalanced,
		Interval:      5 * time.Second,
		Budgets:       DefaultBudgets(),
		TargetName:    "matverse-backend",
		Proposer:      "engine:controller",
		WatchInterval: time.Second,
	}
}

func (c Config) validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown decision mode %q", c.Mode)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("decision interval must be positive, got %v", c.Interval)
	}
	if c.TargetName == "" {
		return fmt.Errorf("empty target name")
	}
	if c.Proposer == "" {
		return fmt.Errorf("empty proposer address")
	}
	for _, b := range []time.Duration{c.Budgets.Observe, c.Budgets.Orient, c.Budgets.Decide, c.Budgets.Act, c.Budgets.Total} {
		if b <= 0 {
			return fmt.Errorf("stage budgets must be positive")
		}
	}
	return nil
}

// #endregion config

// #region stats

// Stats is a snapshot of engine counters.
type Stats struct {
	Cycles            uint64
	Actions           map[policy.Action]uint64
	Suppressed        uint64
	Upgraded          uint64
	BudgetOverruns    uint64
	ProposalsCreated  uint64
	ProposalsExecuted uint64
	AvgCycleTime      time.Duration
	LastDecision      time.Time
}

// #endregion stats
