package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matverse/autonomy/internal/journal"
	"github.com/matverse/autonomy/internal/policy"
)

func newTestActuator(t *testing.T, cfg Config, target Target, opts ...Option) *Actuator {
	t.Helper()
	jrn, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { jrn.Close() })
	a, err := New(cfg, target, jrn, opts...)
	if err != nil {
		t.Fatalf("new actuator: %v", err)
	}
	return a
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinReplicas = 1
	cfg.MaxReplicas = 5
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestScaleUpBoundedByMax(t *testing.T) {
	target := NewMemoryTarget(2)
	a := newTestActuator(t, testConfig(), target)
	ctx := context.Background()

	res, err := a.Execute(ctx, Request{ID: "up-1", Action: policy.ActionScaleUp, Target: "svc"})
	if err != nil || !res.Success {
		t.Fatalf("first scale up: res=%+v err=%v", res, err)
	}
	if got, _ := target.GetReplicas(ctx, "svc"); got != 4 {
		t.Fatalf("replicas after first scale up = %d, want 4", got)
	}

	// 4+2 exceeds the cap; the actuator clamps to MaxReplicas.
	if _, err := a.Execute(ctx, Request{ID: "up-2", Action: policy.ActionScaleUp, Target: "svc"}); err != nil {
		t.Fatalf("second scale up: %v", err)
	}
	if got, _ := target.GetReplicas(ctx, "svc"); got != 5 {
		t.Fatalf("replicas after clamp = %d, want 5", got)
	}

	res, err = a.Execute(ctx, Request{ID: "up-3", Action: policy.ActionScaleUp, Target: "svc"})
	if err != nil {
		t.Fatalf("scale up at cap: %v", err)
	}
	if res.Success {
		t.Fatalf("scale up at cap reported success: %+v", res)
	}
	if got, _ := target.GetReplicas(ctx, "svc"); got != 5 {
		t.Fatalf("replicas moved past cap: %d", got)
	}
}

func TestScaleDownBoundedByMin(t *testing.T) {
	target := NewMemoryTarget(2)
	a := newTestActuator(t, testConfig(), target)
	ctx := context.Background()

	res, err := a.Execute(ctx, Request{ID: "down-1", Action: policy.ActionScaleDown, Target: "svc"})
	if err != nil || !res.Success {
		t.Fatalf("scale down: res=%+v err=%v", res, err)
	}
	if got, _ := target.GetReplicas(ctx, "svc"); got != 1 {
		t.Fatalf("replicas = %d, want 1", got)
	}

	res, err = a.Execute(ctx, Request{ID: "down-2", Action: policy.ActionScaleDown, Target: "svc"})
	if err != nil {
		t.Fatalf("scale down at floor: %v", err)
	}
	if res.Success {
		t.Fatalf("scale down at floor reported success: %+v", res)
	}
	if got, _ := target.GetReplicas(ctx, "svc"); got != 1 {
		t.Fatalf("replicas dropped below floor: %d", got)
	}
}

func TestExecuteIdempotentByRequestID(t *testing.T) {
	target := NewMemoryTarget(2)
	a := newTestActuator(t, testConfig(), target)
	ctx := context.Background()

	first, err := a.Execute(ctx, Request{ID: "dup-1", Action: policy.ActionScaleUp, Target: "svc"})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	calls := target.MutatingCalls()

	// Same id replays the journaled result without touching the target.
	second, err := a.Execute(ctx, Request{ID: "dup-1", Action: policy.ActionScaleUp, Target: "svc"})
	if err != nil {
		t.Fatalf("replayed execute: %v", err)
	}
	if second.Success != first.Success || second.Details != first.Details {
		t.Fatalf("replay diverged: first=%+v second=%+v", first, second)
	}
	if got := target.MutatingCalls(); got != calls {
		t.Fatalf("replay reached the target: calls %d -> %d", calls, got)
	}
	if got, _ := target.GetReplicas(ctx, "svc"); got != 4 {
		t.Fatalf("replicas double-applied: %d", got)
	}
}

// blockingTarget parks the first SetReplicas until released, to hold
// the per-target lock from a concurrent execution.
type blockingTarget struct {
	*MemoryTarget
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTarget) SetReplicas(ctx context.Context, name string, replicas int) error {
	first := false
	b.once.Do(func() {
		first = true
		close(b.entered)
	})
	if first {
		<-b.release
	}
	return b.MemoryTarget.SetReplicas(ctx, name, replicas)
}

func TestContendedTargetDropsNewest(t *testing.T) {
	target := &blockingTarget{
		MemoryTarget: NewMemoryTarget(2),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	cfg := testConfig()
	cfg.LockWait = 10 * time.Millisecond
	a := newTestActuator(t, cfg, target)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := a.Execute(ctx, Request{ID: "slow-1", Action: policy.ActionScaleUp, Target: "svc"})
		done <- err
	}()
	<-target.entered

	_, err := a.Execute(ctx, Request{ID: "fast-1", Action: policy.ActionScaleUp, Target: "svc"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("contended execute error = %v, want ErrBusy", err)
	}
	if got := a.Busy(); got != 1 {
		t.Fatalf("busy counter = %d, want 1", got)
	}

	close(target.release)
	if err := <-done; err != nil {
		t.Fatalf("slow execute: %v", err)
	}

	// Other targets are unaffected by svc contention.
	if _, err := a.Execute(ctx, Request{ID: "other-1", Action: policy.ActionScaleUp, Target: "other"}); err != nil {
		t.Fatalf("execute against idle target: %v", err)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	target := NewMemoryTarget(2)
	target.FailNext(2)
	a := newTestActuator(t, testConfig(), target)

	res, err := a.Execute(context.Background(), Request{ID: "retry-1", Action: policy.ActionScaleUp, Target: "svc"})
	if err != nil || !res.Success {
		t.Fatalf("execute with transient faults: res=%+v err=%v", res, err)
	}
	if got, _ := target.GetReplicas(context.Background(), "svc"); got != 4 {
		t.Fatalf("replicas = %d, want 4", got)
	}
}

func TestExhaustedRetriesSurfaceFatal(t *testing.T) {
	target := NewMemoryTarget(2)
	target.FailNext(3)
	a := newTestActuator(t, testConfig(), target)
	ctx := context.Background()

	_, err := a.Execute(ctx, Request{ID: "fatal-1", Action: policy.ActionScaleUp, Target: "svc"})
	if !errors.Is(err, ErrActuationFailed) {
		t.Fatalf("exhausted execute error = %v, want ErrActuationFailed", err)
	}
	if got := a.Failed(); got != 1 {
		t.Fatalf("failed counter = %d, want 1", got)
	}

	// Nothing was journaled, so the same id may be retried once the
	// target recovers.
	res, err := a.Execute(ctx, Request{ID: "fatal-1", Action: policy.ActionScaleUp, Target: "svc"})
	if err != nil || !res.Success {
		t.Fatalf("retry after recovery: res=%+v err=%v", res, err)
	}
}

func TestRetuneClampsToSafeBounds(t *testing.T) {
	target := NewMemoryTarget(2)
	a := newTestActuator(t, testConfig(), target)
	ctx := context.Background()

	res, err := a.Execute(ctx, Request{
		ID:     "tune-1",
		Action: policy.ActionRetune,
		Target: "svc",
		Params: map[string]float64{"eta": 0.9, "gamma": 0.5},
	})
	if err != nil || !res.Success {
		t.Fatalf("retune: res=%+v err=%v", res, err)
	}
	got := target.Params("svc")
	if got["eta"] != 0.5 {
		t.Fatalf("eta = %v, want clamped 0.5", got["eta"])
	}
	if got["gamma"] != 0.5 {
		t.Fatalf("gamma = %v, want 0.5", got["gamma"])
	}

	res, err = a.Execute(ctx, Request{
		ID:     "tune-2",
		Action: policy.ActionRetune,
		Target: "svc",
		Params: map[string]float64{"bogus": 1.0},
	})
	if err != nil {
		t.Fatalf("retune with unknown parameter: %v", err)
	}
	if res.Success {
		t.Fatalf("unknown parameter accepted: %+v", res)
	}
}

func TestRollbackRestoresPriorRevision(t *testing.T) {
	target := NewMemoryTarget(2)
	a := newTestActuator(t, testConfig(), target)
	ctx := context.Background()

	res, err := a.Execute(ctx, Request{ID: "rb-0", Action: policy.ActionRollback, Target: "svc"})
	if err != nil {
		t.Fatalf("rollback with no history: %v", err)
	}
	if res.Success {
		t.Fatalf("rollback with no history reported success: %+v", res)
	}

	// Two scalings leave revisions 1 and 2; rollback reverts to 1.
	if _, err := a.Execute(ctx, Request{ID: "rb-1", Action: policy.ActionScaleUp, Target: "svc"}); err != nil {
		t.Fatalf("first scale: %v", err)
	}
	if _, err := a.Execute(ctx, Request{ID: "rb-2", Action: policy.ActionScaleDown, Target: "svc"}); err != nil {
		t.Fatalf("second scale: %v", err)
	}

	res, err = a.Execute(ctx, Request{ID: "rb-3", Action: policy.ActionRollback, Target: "svc"})
	if err != nil || !res.Success {
		t.Fatalf("rollback: res=%+v err=%v", res, err)
	}
	if got := target.Revision("svc"); got != 1 {
		t.Fatalf("target revision = %d, want 1", got)
	}
}

func TestEmergencyStopHaltsAndAlerts(t *testing.T) {
	target := NewMemoryTarget(3)
	var alerted string
	a := newTestActuator(t, testConfig(), target, WithAlert(func(_ Request, detail string) {
		alerted = detail
	}))
	ctx := context.Background()

	res, err := a.Execute(ctx, Request{ID: "stop-1", Action: policy.ActionEmergencyStop, Target: "svc"})
	if err != nil || !res.Success {
		t.Fatalf("emergency stop: res=%+v err=%v", res, err)
	}
	// The halt bypasses MinReplicas.
	if got, _ := target.GetReplicas(ctx, "svc"); got != 0 {
		t.Fatalf("replicas after halt = %d, want 0", got)
	}
	if alerted == "" {
		t.Fatal("no alert raised for emergency stop")
	}
}

func TestExecuteRejectsMalformedRequests(t *testing.T) {
	a := newTestActuator(t, testConfig(), NewMemoryTarget(2))
	ctx := context.Background()

	cases := []Request{
		{Action: policy.ActionNoop, Target: "svc"},
		{ID: "x", Action: "reboot", Target: "svc"},
		{ID: "x", Action: policy.ActionNoop},
	}
	for _, req := range cases {
		if _, err := a.Execute(ctx, req); err == nil {
			t.Fatalf("request %+v accepted", req)
		}
	}
}
