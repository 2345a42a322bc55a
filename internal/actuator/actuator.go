package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/matverse/autonomy/internal/journal"
	"github.com/matverse/autonomy/internal/logging"
	"github.com/matverse/autonomy/internal/policy"
)

// #region errors

var (
	// ErrBusy means the per-target lock could not be acquired within
	// the bounded wait. The request is dropped, never queued.
	ErrBusy = errors.New("actuator: target busy")

	// ErrActuationFailed means every retry attempt against the target
	// failed. Callers escalate this as a fatal actuation failure.
	ErrActuationFailed = errors.New("actuator: actuation failed")
)

// #endregion errors

// #region config

// Bound is the safe range for one control parameter.
type Bound struct {
	Min float64
	Max float64
}

// Config bounds what the actuator may do to a target.
type Config struct {
	MinReplicas  int
	MaxReplicas  int
	ScaleUpStep  int
	LockWait     time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	ParamBounds  map[string]Bound
}

// DefaultConfig returns production actuation limits.
func DefaultConfig() Config {
	return Config{
		MinReplicas:  1,
		MaxReplicas:  20,
		ScaleUpStep:  2,
		LockWait:     50 * time.Millisecond,
		MaxAttempts:  3,
		RetryBackoff: 20 * time.Millisecond,
		ParamBounds: map[string]Bound{
			"eta":   {Min: 0.001, Max: 0.5},
			"gamma": {Min: 0.1, Max: 0.999},
			"tau":   {Min: 0.01, Max: 10.0},
		},
	}
}

func (c Config) validate() error {
	if c.MinReplicas < 0 {
		return fmt.Errorf("min replicas must be >= 0, got %d", c.MinReplicas)
	}
	if c.MaxReplicas < c.MinReplicas {
		return fmt.Errorf("max replicas %d below min %d", c.MaxReplicas, c.MinReplicas)
	}
	if c.ScaleUpStep <= 0 {
		return fmt.Errorf("scale up step must be positive, got %d", c.ScaleUpStep)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// #endregion config

// #region request-result

// Request is one approved actuation. ID is the idempotency key: the
// originating decision or proposal identifier.
type Request struct {
	ID     string
	Action policy.Action
	Target string
	Params map[string]float64
}

// Result is the outcome of one actuation.
type Result struct {
	Success       bool
	Details       string
	ExecutionTime time.Duration
}

// #endregion request-result

// #region actuator

// Actuator applies approved actions to a Target. Executions are
// serialized per target name and journaled for idempotent retry.
type Actuator struct {
	cfg     Config
	target  Target
	journal *journal.Journal
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}

	busy     atomic.Uint64
	executed atomic.Uint64
	failed   atomic.Uint64

	alertFn func(Request, string)
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithAlert installs a hook invoked on emergency stops.
func WithAlert(fn func(req Request, detail string)) Option {
	return func(a *Actuator) { a.alertFn = fn }
}

// New creates an actuator over target, journaling into jrn.
func New(cfg Config, target Target, jrn *journal.Journal, opts ...Option) (*Actuator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid actuator config: %w", err)
	}
	if target == nil {
		return nil, fmt.Errorf("invalid actuator config: nil target")
	}
	if jrn == nil {
		return nil, fmt.Errorf("invalid actuator config: nil journal")
	}
	a := &Actuator{
		cfg:     cfg,
		target:  target,
		journal: jrn,
		log:     logging.Component("actuator"),
		locks:   map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Busy reports how many requests were dropped on lock contention.
func (a *Actuator) Busy() uint64 { return a.busy.Load() }

// Executed reports how many requests completed successfully.
func (a *Actuator) Executed() uint64 { return a.executed.Load() }

// Failed reports how many requests exhausted their retries.
func (a *Actuator) Failed() uint64 { return a.failed.Load() }

// #endregion actuator

// #region locking

func (a *Actuator) lockFor(name string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[name]
	if !ok {
		l = make(chan struct{}, 1)
		a.locks[name] = l
	}
	return l
}

// acquire takes the per-target lock, waiting at most cfg.LockWait.
// A request that cannot get the lock in time is dropped, not queued.
func (a *Actuator) acquire(ctx context.Context, name string) (release func(), err error) {
	l := a.lockFor(name)
	timer := time.NewTimer(a.cfg.LockWait)
	defer timer.Stop()
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-timer.C:
		a.busy.Add(1)
		return nil, fmt.Errorf("%w: %s held past %v", ErrBusy, name, a.cfg.LockWait)
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock for %s: %w", name, ctx.Err())
	}
}

// #endregion locking

// #region execute

// Execute applies one approved request. Re-invoking with the same
// request ID returns the recorded result without touching the target.
func (a *Actuator) Execute(ctx context.Context, req Request) (Result, error) {
	if req.ID == "" {
		return Result{}, fmt.Errorf("execute: empty request id")
	}
	if !req.Action.Valid() {
		return Result{}, fmt.Errorf("execute: unknown action %q", req.Action)
	}
	if req.Target == "" {
		return Result{}, fmt.Errorf("execute: empty target")
	}

	release, err := a.acquire(ctx, req.Target)
	if err != nil {
		return Result{}, err
	}
	defer release()

	// Idempotency: a completed execution under this id is replayed
	// from the journal, never re-applied to the target.
	if rec, ok, jerr := a.journal.GetExecution(req.ID); jerr != nil {
		return Result{}, fmt.Errorf("journal lookup for %s: %w", req.ID, jerr)
	} else if ok {
		a.log.Debug().Str("request_id", req.ID).Str("action", string(req.Action)).
			Msg("replaying journaled execution")
		return Result{Success: rec.Success, Details: rec.Details, ExecutionTime: rec.ExecutionTime}, nil
	}

	start := time.Now()
	res, err := a.apply(ctx, req)
	res.ExecutionTime = time.Since(start)
	if err != nil {
		a.failed.Add(1)
		a.log.Error().Err(err).Str("request_id", req.ID).Str("action", string(req.Action)).
			Str("target", req.Target).Msg("actuation failed")
		return res, err
	}

	if jerr := a.journal.RecordExecution(journal.ExecutionRecord{
		RequestID:     req.ID,
		Action:        string(req.Action),
		Target:        req.Target,
		Success:       res.Success,
		Details:       res.Details,
		ExecutionTime: res.ExecutionTime,
		CreatedAt:     time.Now().UTC(),
	}); jerr != nil {
		return res, fmt.Errorf("journal execution %s: %w", req.ID, jerr)
	}

	a.executed.Add(1)
	a.log.Info().Str("request_id", req.ID).Str("action", string(req.Action)).
		Str("target", req.Target).Bool("success", res.Success).
		Dur("took", res.ExecutionTime).Msg("actuation complete")
	return res, nil
}

func (a *Actuator) apply(ctx context.Context, req Request) (Result, error) {
	switch req.Action {
	case policy.ActionNoop:
		return Result{Success: true, Details: "no action required"}, nil
	case policy.ActionScaleUp:
		return a.scale(ctx, req, a.cfg.ScaleUpStep)
	case policy.ActionScaleDown:
		return a.scale(ctx, req, -1)
	case policy.ActionRetune:
		return a.retune(ctx, req)
	case policy.ActionRollback:
		return a.rollback(ctx, req)
	case policy.ActionEmergencyStop:
		return a.emergencyStop(ctx, req)
	default:
		return Result{}, fmt.Errorf("unhandled action %q", req.Action)
	}
}

// withRetry runs op with bounded retries and linear backoff. All
// attempts failing surfaces ErrActuationFailed.
func (a *Actuator) withRetry(ctx context.Context, op func() error) error {
	var last error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if last = op(); last == nil {
			return nil
		}
		a.log.Warn().Err(last).Int("attempt", attempt).Int("max", a.cfg.MaxAttempts).
			Msg("actuation attempt failed")
		if attempt < a.cfg.MaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * a.cfg.RetryBackoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrActuationFailed, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrActuationFailed, a.cfg.MaxAttempts, last)
}

// #endregion execute

// #region actions

func (a *Actuator) scale(ctx context.Context, req Request, step int) (Result, error) {
	cur, err := a.target.GetReplicas(ctx, req.Target)
	if err != nil {
		return Result{}, fmt.Errorf("read replicas for %s: %w", req.Target, err)
	}
	desired := cur + step
	if desired > a.cfg.MaxReplicas {
		desired = a.cfg.MaxReplicas
	}
	if desired < a.cfg.MinReplicas {
		desired = a.cfg.MinReplicas
	}
	if desired == cur {
		limit := "max"
		if step < 0 {
			limit = "min"
		}
		return Result{Success: false, Details: fmt.Sprintf("already at %s replicas (%d)", limit, cur)}, nil
	}
	if err := a.withRetry(ctx, func() error {
		return a.target.SetReplicas(ctx, req.Target, desired)
	}); err != nil {
		return Result{Details: fmt.Sprintf("scale %d -> %d", cur, desired)}, err
	}
	if err := a.recordRevision(req.Target, desired, nil); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Details: fmt.Sprintf("scaled %d -> %d", cur, desired)}, nil
}

func (a *Actuator) retune(ctx context.Context, req Request) (Result, error) {
	if len(req.Params) == 0 {
		return Result{Success: false, Details: "no parameters to retune"}, nil
	}
	clamped := make(map[string]float64, len(req.Params))
	for name, v := range req.Params {
		b, ok := a.cfg.ParamBounds[name]
		if !ok {
			return Result{Success: false, Details: fmt.Sprintf("unknown control parameter %q", name)}, nil
		}
		if v < b.Min {
			v = b.Min
		}
		if v > b.Max {
			v = b.Max
		}
		clamped[name] = v
	}
	if err := a.withRetry(ctx, func() error {
		return a.target.SetControlParams(ctx, req.Target, clamped)
	}); err != nil {
		return Result{Details: "retune"}, err
	}
	cur, err := a.target.GetReplicas(ctx, req.Target)
	if err != nil {
		return Result{}, fmt.Errorf("read replicas for %s: %w", req.Target, err)
	}
	if err := a.recordRevision(req.Target, cur, clamped); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Details: fmt.Sprintf("retuned %d parameters", len(clamped))}, nil
}

func (a *Actuator) rollback(ctx context.Context, req Request) (Result, error) {
	prior, ok, err := a.journal.PriorRevision(req.Target)
	if err != nil {
		return Result{}, fmt.Errorf("lookup prior revision for %s: %w", req.Target, err)
	}
	if !ok {
		return Result{Success: false, Details: "no prior revision to roll back to"}, nil
	}
	if err := a.withRetry(ctx, func() error {
		return a.target.RollbackToRevision(ctx, req.Target, prior.Revision)
	}); err != nil {
		return Result{Details: fmt.Sprintf("rollback to revision %d", prior.Revision)}, err
	}
	if err := a.recordRevision(req.Target, prior.Replicas, prior.Params); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Details: fmt.Sprintf("rolled back to revision %d", prior.Revision)}, nil
}

// emergencyStop halts the target by scaling to zero, bypassing
// MinReplicas, and raises a top-severity alert.
func (a *Actuator) emergencyStop(ctx context.Context, req Request) (Result, error) {
	if err := a.withRetry(ctx, func() error {
		return a.target.SetReplicas(ctx, req.Target, 0)
	}); err != nil {
		return Result{Details: "emergency stop"}, err
	}
	detail := fmt.Sprintf("emergency stop: %s halted", req.Target)
	a.log.Error().Str("request_id", req.ID).Str("target", req.Target).
		Str("severity", "critical").Msg(detail)
	if a.alertFn != nil {
		a.alertFn(req, detail)
	}
	if err := a.recordRevision(req.Target, 0, nil); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Details: detail}, nil
}

func (a *Actuator) recordRevision(target string, replicas int, params map[string]float64) error {
	latest, ok, err := a.journal.LatestRevision(target)
	if err != nil {
		return fmt.Errorf("lookup latest revision for %s: %w", target, err)
	}
	next := int64(1)
	if ok {
		next = latest.Revision + 1
	}
	if err := a.journal.RecordRevision(journal.Revision{
		Target:    target,
		Revision:  next,
		Replicas:  replicas,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record revision for %s: %w", target, err)
	}
	return nil
}

// #endregion actions
