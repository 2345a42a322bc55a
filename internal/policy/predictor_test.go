package policy

import (
	"math"
	"testing"
	"time"

	"github.com/matverse/autonomy/internal/telemetry"
)

func target() [telemetry.Dim]float64 {
	return [telemetry.Dim]float64{0.95, 0.97, 1.20, 0.70, 0.10}
}

func stateAt(vec [telemetry.Dim]float64) telemetry.SystemState {
	return telemetry.FromVector(vec, 1000, time.Now().UTC())
}

func mustNew(t *testing.T, cfg Config) *Predictor {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	return p
}

func TestObserveRejectsInvalidSample(t *testing.T) {
	p := mustNew(t, DefaultConfig())
	bad := stateAt(target())
	bad.CPUUsage = 1.4
	if _, err := p.Observe(bad); err == nil {
		t.Fatal("expected rejection of out-of-range sample")
	}
	// Belief must be untouched by the rejected sample.
	if p.ErrorNorm() != mustNew(t, DefaultConfig()).ErrorNorm() {
		t.Fatal("rejected sample mutated the belief")
	}
}

func TestGainStaysStrictlyInsideUnitInterval(t *testing.T) {
	// With 0 < K < 1 a single update can neither ignore nor overshoot
	// the measurement: the belief lands strictly between prior and z.
	p := mustNew(t, DefaultConfig())
	pred, err := p.Observe(stateAt(target()))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	got := pred.Predicted.Vector()
	for i, z := range target() {
		if got[i] <= 0 || got[i] >= z {
			t.Fatalf("coordinate %d: belief %f not strictly between 0 and %f", i, got[i], z)
		}
	}
}

// Bounded-noise measurements around the target must pull the error norm
// down exponentially into a steady-state band, with no sustained
// oscillation.
func TestConvergenceUnderBoundedNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = target()
	p := mustNew(t, cfg)

	const epsSS = 0.05
	initial := p.ErrorNorm()

	var errAt1, errAt5, errAt30 float64
	for it := 1; it <= 30; it++ {
		var vec [telemetry.Dim]float64
		for i, tv := range target() {
			vec[i] = tv + 0.02*math.Sin(1.7*float64(it)+float64(i))
		}
		pred, err := p.Observe(stateAt(vec))
		if err != nil {
			t.Fatalf("observe %d: %v", it, err)
		}
		switch it {
		case 1:
			errAt1 = pred.ErrorNorm
		case 5:
			errAt5 = pred.ErrorNorm
		case 30:
			errAt30 = pred.ErrorNorm
		}
	}

	if !(errAt30 < errAt5 && errAt5 < errAt1 && errAt1 < initial) {
		t.Fatalf("error norm must decay: %.4f -> %.4f -> %.4f -> %.4f",
			initial, errAt1, errAt5, errAt30)
	}
	if errAt30 > epsSS {
		t.Fatalf("steady-state error %.4f exceeds band %.4f", errAt30, epsSS)
	}
}

// Recovery scenario: a converged filter whose plant steps back to the
// target closes ~88% of the gap within 10 iterations.
func TestSetpointStepErrorRatio(t *testing.T) {
	start := [telemetry.Dim]float64{0.65, 0.70, 0.95, 0.75, 0.25}
	cfg := DefaultConfig()
	cfg.Target = target()
	cfg.Alpha = 0.3
	cfg.MeasurementNoise = 1.0
	cfg.InitialCovariance = 0.05
	cfg.InitialBelief = &start

	p := mustNew(t, cfg)
	initial := p.ErrorNorm()

	var final float64
	for i := 0; i < 10; i++ {
		pred, err := p.Observe(stateAt(target()))
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		final = pred.ErrorNorm
	}

	ratio := final / initial
	if ratio < 0.09 || ratio > 0.15 {
		t.Fatalf("expected error ratio ~0.12 after 10 iterations, got %.4f", ratio)
	}
}

func TestOverloadSelectsScaleUp(t *testing.T) {
	cfg := DefaultConfig()
	tg := target()
	cfg.InitialBelief = &tg
	p := mustNew(t, cfg)

	vec := target()
	vec[3] = 0.95 // cpu
	vec[4] = 0.30 // latency
	pred, err := p.Observe(stateAt(vec))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if pred.Action != ActionScaleUp {
		t.Fatalf("expected scale_up, got %s (%s)", pred.Action, pred.Reasoning)
	}
	if pred.Confidence <= 0.5 || pred.Confidence >= 1 {
		t.Fatalf("unexpected confidence %f", pred.Confidence)
	}
}

func TestUnderutilizationSelectsScaleDown(t *testing.T) {
	cfg := DefaultConfig()
	tg := target()
	cfg.InitialBelief = &tg
	p := mustNew(t, cfg)

	vec := target()
	vec[3] = 0.30
	vec[4] = 0.02
	pred, err := p.Observe(stateAt(vec))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if pred.Action != ActionScaleDown {
		t.Fatalf("expected scale_down, got %s (%s)", pred.Action, pred.Reasoning)
	}
}

func TestQualityDegradationSelectsRetune(t *testing.T) {
	cfg := DefaultConfig()
	tg := target()
	cfg.InitialBelief = &tg
	p := mustNew(t, cfg)

	vec := target()
	vec[0] = 0.70 // omega
	vec[1] = 0.75 // psi
	pred, err := p.Observe(stateAt(vec))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if pred.Action != ActionRetune {
		t.Fatalf("expected retune, got %s (%s)", pred.Action, pred.Reasoning)
	}
}

func TestBetaDecaySelectsRetune(t *testing.T) {
	cfg := DefaultConfig()
	tg := target()
	cfg.InitialBelief = &tg
	p := mustNew(t, cfg)

	var pred Prediction
	var err error
	for _, beta := range []float64{1.20, 1.05, 0.90, 0.75} {
		vec := target()
		vec[2] = beta
		pred, err = p.Observe(stateAt(vec))
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	if pred.Action != ActionRetune {
		t.Fatalf("expected retune on beta decay, got %s (%s)", pred.Action, pred.Reasoning)
	}
}

func TestSevereErrorEscalatesAfterPersistence(t *testing.T) {
	cfg := DefaultConfig()
	tg := target()
	cfg.InitialBelief = &tg
	p := mustNew(t, cfg)

	crashed := [telemetry.Dim]float64{0.2, 0.2, 0.4, 0.99, 0.9}

	for i := 0; i < 2; i++ {
		pred, err := p.Observe(stateAt(crashed))
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if pred.Action != ActionRollback {
			t.Fatalf("cycle %d: expected rollback, got %s (%s)", i, pred.Action, pred.Reasoning)
		}
	}

	pred, err := p.Observe(stateAt(crashed))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if pred.Action != ActionEmergencyStop {
		t.Fatalf("expected emergency_stop after persistence, got %s (%s)", pred.Action, pred.Reasoning)
	}

	// Recovery clears the streak.
	if _, err := p.Observe(stateAt(target())); err != nil {
		t.Fatalf("observe: %v", err)
	}
	pred, err = p.Observe(stateAt(crashed))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if pred.Action != ActionRollback {
		t.Fatalf("streak should reset after recovery, got %s", pred.Action)
	}
}

func TestStableSystemSelectsNoop(t *testing.T) {
	cfg := DefaultConfig()
	tg := target()
	cfg.InitialBelief = &tg
	p := mustNew(t, cfg)

	pred, err := p.Observe(stateAt(target()))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if pred.Action != ActionNoop {
		t.Fatalf("expected noop, got %s (%s)", pred.Action, pred.Reasoning)
	}
	if pred.Confidence < 0.99 {
		t.Fatalf("expected near-perfect confidence, got %f", pred.Confidence)
	}
}

func TestProcessNoiseStaysClamped(t *testing.T) {
	cfg := DefaultConfig()
	p := mustNew(t, cfg)

	// Huge innovation: q must clamp at QMax, not track alpha*‖y‖.
	if _, err := p.Observe(stateAt([telemetry.Dim]float64{1, 1, 2, 1, 1})); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if p.q > cfg.QMax || p.q < cfg.QMin {
		t.Fatalf("process noise %f escaped [%f, %f]", p.q, cfg.QMin, cfg.QMax)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	bad := []Config{
		{},
		{Alpha: 0.05},
		{Alpha: 0.05, QMin: 0.01, QMax: 0.001},
		{Alpha: 0.05, QMin: 0.001, QMax: 0.1, MeasurementNoise: -1},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("config %d should be rejected", i)
		}
	}
}
