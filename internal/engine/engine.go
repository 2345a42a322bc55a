package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matverse/autonomy/internal/actuator"
	"github.com/matverse/autonomy/internal/logging"
	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/telemetry"
)

// #region engine-struct

// Engine runs the observe-orient-decide-act loop: it samples
// telemetry, folds it into the estimator, filters the recommended
// action through the decision mode, and either actuates directly or
// escalates high-risk actions to governance.
type Engine struct {
	cfg       Config
	sampler   Sampler
	estimator Estimator
	executor  Executor
	governor  Governor
	log       zerolog.Logger

	mu        sync.Mutex
	handlers  map[policy.Action][]Handler
	stats     Stats
	cycleTime time.Duration // running sum, averaged in Statistics

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New wires an engine over its collaborators.
func New(cfg Config, sampler Sampler, estimator Estimator, executor Executor, governor Governor) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if sampler == nil || estimator == nil || executor == nil || governor == nil {
		return nil, fmt.Errorf("invalid engine config: nil collaborator")
	}
	return &Engine{
		cfg:       cfg,
		sampler:   sampler,
		estimator: estimator,
		executor:  executor,
		governor:  governor,
		log:       logging.Component("engine"),
		handlers:  map[policy.Action][]Handler{},
		stats:     Stats{Actions: map[policy.Action]uint64{}},
		stop:      make(chan struct{}),
	}, nil
}

// Register adds a handler for decisions carrying action. Handlers
// run in registration order after the action has been applied.
func (e *Engine) Register(action policy.Action, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[action] = append(e.handlers[action], h)
}

// Statistics returns a copy of the engine counters.
func (e *Engine) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	out.Actions = make(map[policy.Action]uint64, len(e.stats.Actions))
	for k, v := range e.stats.Actions {
		out.Actions[k] = v
	}
	if e.stats.Cycles > 0 {
		out.AvgCycleTime = e.cycleTime / time.Duration(e.stats.Cycles)
	}
	return out
}

// #endregion engine-struct

// #region lifecycle

// Start launches the decision loop and the governance watcher.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.wg.Add(2)
		go e.decisionLoop(ctx)
		go e.watchGovernance(ctx)
		e.log.Info().Str("mode", string(e.cfg.Mode)).Dur("interval", e.cfg.Interval).
			Msg("engine started")
	})
}

// Stop halts both loops. An in-flight cycle finishes its act stage
// before Stop returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) decisionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil {
				e.log.Error().Err(err).Msg("control cycle failed")
			}
		}
	}
}

// #endregion lifecycle

// #region cycle

// RunCycle executes one observe-orient-decide-act pass. Stage budget
// overruns before actuation abort the cycle into a safe noop.
func (e *Engine) RunCycle(ctx context.Context) (Decision, error) {
	cycleStart := time.Now()

	// Observe.
	stageStart := time.Now()
	sample, ok := e.sampler.Snapshot()
	if d := time.Since(stageStart); d > e.cfg.Budgets.Observe {
		return e.abortCycle("observe", d, e.cfg.Budgets.Observe, sample, cycleStart), nil
	}
	if !ok {
		return e.finishCycle(ctx, Decision{
			Action:    policy.ActionNoop,
			Reasoning: "no telemetry snapshot yet",
		}, sample, cycleStart)
	}

	// Orient.
	stageStart = time.Now()
	pred, err := e.estimator.Observe(sample)
	if d := time.Since(stageStart); d > e.cfg.Budgets.Orient {
		return e.abortCycle("orient", d, e.cfg.Budgets.Orient, sample, cycleStart), nil
	}
	if err != nil {
		return e.finishCycle(ctx, Decision{
			Action:    policy.ActionNoop,
			Reasoning: fmt.Sprintf("estimator rejected sample: %v", err),
		}, sample, cycleStart)
	}

	// Decide.
	stageStart = time.Now()
	action, reasoning := e.decide(pred, sample)
	if d := time.Since(stageStart); d > e.cfg.Budgets.Decide {
		return e.abortCycle("decide", d, e.cfg.Budgets.Decide, sample, cycleStart), nil
	}

	dec := Decision{
		Action:     action,
		Confidence: pred.Confidence,
		Reasoning:  reasoning,
	}

	// Act.
	stageStart = time.Now()
	dec, err = e.act(ctx, dec, pred, sample)
	if err != nil {
		e.log.Error().Err(err).Str("action", string(dec.Action)).Msg("act stage failed")
	}
	if d := time.Since(stageStart); d > e.cfg.Budgets.Act {
		e.noteOverrun("act", d, e.cfg.Budgets.Act)
	}

	out, ferr := e.finishCycle(ctx, dec, sample, cycleStart)
	if err != nil {
		return out, err
	}
	return out, ferr
}

// decide filters the estimator recommendation through the decision
// mode. The confidence floor applies to every non-noop action,
// high-risk included; clearing it sends high-risk actions on to
// governance rather than straight to the actuator.
func (e *Engine) decide(pred policy.Prediction, sample telemetry.SystemState) (policy.Action, string) {
	action := pred.Action
	reasoning := pred.Reasoning
	floor := e.cfg.Mode.ConfidenceFloor()

	if action != policy.ActionNoop && pred.Confidence < floor {
		e.countSuppressed()
		return policy.ActionNoop, fmt.Sprintf("%s suppressed: confidence %.2f below %s floor %.2f",
			action, pred.Confidence, e.cfg.Mode, floor)
	}

	if action.HighRisk() {
		return action, reasoning
	}

	switch e.cfg.Mode {
	case ModeConservative:
		if action == policy.ActionScaleDown && sample.OmegaScore <= 0.90 {
			e.countSuppressed()
			return policy.ActionNoop, fmt.Sprintf("scale down suppressed: omega %.2f not comfortably above target",
				sample.OmegaScore)
		}
	case ModeAggressive:
		if action == policy.ActionNoop && (sample.CPUUsage > 0.60 || sample.Latency > 0.08) {
			e.countUpgraded()
			return policy.ActionScaleUp, fmt.Sprintf("preemptive scale up: cpu %.2f latency %.3f trending hot",
				sample.CPUUsage, sample.Latency)
		}
	}
	return action, reasoning
}

// act applies the decided action: direct actuation for routine
// actions, a governance proposal for high-risk ones.
func (e *Engine) act(ctx context.Context, dec Decision, pred policy.Prediction, sample telemetry.SystemState) (Decision, error) {
	dec.ID = uuid.NewString()
	dec.Mode = e.cfg.Mode
	dec.Snapshot = sample
	dec.CreatedAt = time.Now().UTC()

	var actErr error
	switch {
	case dec.Action == policy.ActionNoop:
		// Nothing to apply.
	case dec.Action.HighRisk():
		id, err := e.governor.Propose(dec.Action, sample, e.cfg.Proposer)
		if err != nil {
			actErr = fmt.Errorf("propose %s: %w", dec.Action, err)
		} else {
			dec.Proposal = id
			e.countProposal()
			e.log.Warn().Uint64("proposal", id).Str("action", string(dec.Action)).
				Msg("high-risk action escalated to governance")
		}
	default:
		req := actuator.Request{
			ID:     dec.ID,
			Action: dec.Action,
			Target: e.cfg.TargetName,
		}
		if dec.Action == policy.ActionRetune {
			req.Params = retuneParams(pred.ErrorNorm)
		}
		res, err := e.executor.Execute(ctx, req)
		if err != nil {
			actErr = fmt.Errorf("execute %s: %w", dec.Action, err)
			if errors.Is(err, actuator.ErrActuationFailed) {
				e.escalateFatalFailure(dec, sample, err)
			}
		} else if !res.Success {
			dec.Reasoning = fmt.Sprintf("%s; actuation declined: %s", dec.Reasoning, res.Details)
		}
	}

	e.runHandlers(ctx, dec)
	return dec, actErr
}

// escalateFatalFailure raises an emergency-stop proposal after the
// actuator has exhausted its retries. Routine recovery (busy target,
// transient target errors) never reaches this path.
func (e *Engine) escalateFatalFailure(dec Decision, sample telemetry.SystemState, cause error) {
	id, err := e.governor.Propose(policy.ActionEmergencyStop, sample, e.cfg.Proposer)
	if err != nil {
		e.log.Error().Err(err).Str("action", string(dec.Action)).
			Msg("failed to escalate fatal actuation failure")
		return
	}
	e.countProposal()
	e.log.Error().Err(cause).Uint64("proposal", id).Str("action", string(dec.Action)).
		Msg("actuation failed after retries, emergency stop proposed")
}

func (e *Engine) runHandlers(ctx context.Context, dec Decision) {
	e.mu.Lock()
	hs := append([]Handler(nil), e.handlers[dec.Action]...)
	e.mu.Unlock()
	for i, h := range hs {
		e.runHandler(ctx, i, h, dec)
	}
}

func (e *Engine) runHandler(ctx context.Context, i int, h Handler, dec Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Int("handler", i).
				Str("action", string(dec.Action)).Msg("decision handler panicked")
		}
	}()
	if err := h(ctx, dec); err != nil {
		e.log.Error().Err(err).Int("handler", i).Str("action", string(dec.Action)).
			Msg("decision handler failed")
	}
}

func (e *Engine) abortCycle(stage string, took, budget time.Duration, sample telemetry.SystemState, cycleStart time.Time) Decision {
	e.noteOverrun(stage, took, budget)
	dec := Decision{
		ID:        uuid.NewString(),
		Action:    policy.ActionNoop,
		Mode:      e.cfg.Mode,
		Snapshot:  sample,
		Reasoning: fmt.Sprintf("cycle aborted: %s stage took %v, budget %v", stage, took, budget),
		CreatedAt: time.Now().UTC(),
		CycleTime: time.Since(cycleStart),
	}
	e.recordDecision(dec)
	return dec
}

func (e *Engine) finishCycle(ctx context.Context, dec Decision, sample telemetry.SystemState, cycleStart time.Time) (Decision, error) {
	if dec.ID == "" {
		dec.ID = uuid.NewString()
		dec.Mode = e.cfg.Mode
		dec.Snapshot = sample
		dec.CreatedAt = time.Now().UTC()
		e.runHandlers(ctx, dec)
	}
	dec.CycleTime = time.Since(cycleStart)
	if dec.CycleTime > e.cfg.Budgets.Total {
		e.noteOverrun("total", dec.CycleTime, e.cfg.Budgets.Total)
	}
	e.recordDecision(dec)
	e.log.Debug().Str("decision", dec.ID).Str("action", string(dec.Action)).
		Float64("confidence", dec.Confidence).Dur("cycle", dec.CycleTime).
		Msg("cycle complete")
	return dec, nil
}

// #endregion cycle

// #region stats-internal

func (e *Engine) recordDecision(dec Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Cycles++
	e.stats.Actions[dec.Action]++
	e.cycleTime += dec.CycleTime
	e.stats.LastDecision = dec.CreatedAt
}

func (e *Engine) countSuppressed() {
	e.mu.Lock()
	e.stats.Suppressed++
	e.mu.Unlock()
}

func (e *Engine) countUpgraded() {
	e.mu.Lock()
	e.stats.Upgraded++
	e.mu.Unlock()
}

func (e *Engine) countProposal() {
	e.mu.Lock()
	e.stats.ProposalsCreated++
	e.mu.Unlock()
}

func (e *Engine) noteOverrun(stage string, took, budget time.Duration) {
	e.mu.Lock()
	e.stats.BudgetOverruns++
	e.mu.Unlock()
	e.log.Warn().Str("stage", stage).Dur("took", took).Dur("budget", budget).
		Msg("stage budget overrun")
}

// retuneParams maps the residual error magnitude onto control
// parameter targets. Larger residuals push the learning rate up; the
// actuator clamps everything into its safe bounds.
func retuneParams(errNorm float64) map[string]float64 {
	return map[string]float64{
		"eta":   0.01 * (1 + errNorm),
		"gamma": 0.95,
		"tau":   1.0,
	}
}

// #endregion stats-internal
