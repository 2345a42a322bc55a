package policy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/matverse/autonomy/internal/logging"
	"github.com/matverse/autonomy/internal/telemetry"
	"github.com/rs/zerolog"
)

// #region predictor-struct

// Predictor maintains a filtered belief of the managed service's state
// and maps the post-update error against the target to an Action.
//
// The filter is the adaptive Kalman form with F = I and diagonal P, Q, R,
// so every coordinate updates independently:
//
//	y = z - x
//	Q = clamp(alpha*‖y‖, QMin, QMax)
//	K_i = (P_i + Q) / (P_i + Q + R)      // 0 < K_i < 1 by construction
//	x_i += K_i * y_i
//	P_i  = (1 - K_i) * (P_i + Q)
//
// All methods serialize behind one mutex: the belief has a single writer.
type Predictor struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	x [telemetry.Dim]float64 // belief
	p [telemetry.Dim]float64 // covariance diagonal
	q float64                // adaptive process noise

	history      []telemetry.SystemState
	severeStreak int
}

// New creates a predictor. The noise and covariance parameters must be
// positive; Alpha must be positive (the configured operating range is
// validated by the config package).
func New(cfg Config) (*Predictor, error) {
	if cfg.Alpha <= 0 {
		return nil, fmt.Errorf("policy: alpha must be positive, got %f", cfg.Alpha)
	}
	if cfg.QMin <= 0 || cfg.QMax < cfg.QMin {
		return nil, fmt.Errorf("policy: need 0 < QMin <= QMax, got [%f, %f]", cfg.QMin, cfg.QMax)
	}
	if cfg.MeasurementNoise <= 0 {
		return nil, fmt.Errorf("policy: measurement noise must be positive, got %f", cfg.MeasurementNoise)
	}
	if cfg.InitialCovariance <= 0 {
		return nil, fmt.Errorf("policy: initial covariance must be positive, got %f", cfg.InitialCovariance)
	}
	if cfg.MaxErrorNorm <= 0 {
		return nil, fmt.Errorf("policy: max error norm must be positive, got %f", cfg.MaxErrorNorm)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.SeverePersistence <= 0 {
		cfg.SeverePersistence = DefaultConfig().SeverePersistence
	}

	p := &Predictor{
		cfg: cfg,
		log: logging.Component("policy"),
		q:   cfg.QMin,
	}
	p.resetLocked()
	return p, nil
}

// Reset reinitializes belief and covariance to their configured start.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Predictor) resetLocked() {
	if p.cfg.InitialBelief != nil {
		p.x = *p.cfg.InitialBelief
	} else {
		p.x = [telemetry.Dim]float64{}
	}
	for i := range p.p {
		p.p[i] = p.cfg.InitialCovariance
	}
	p.history = p.history[:0]
	p.severeStreak = 0
}

// #endregion predictor-struct

// #region observe

// Observe folds one telemetry sample into the belief and returns the
// resulting prediction. Out-of-range samples are rejected before they
// touch the filter.
func (p *Predictor) Observe(sample telemetry.SystemState) (Prediction, error) {
	if err := sample.Validate(); err != nil {
		return Prediction{}, fmt.Errorf("observe: %w", err)
	}
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	z := sample.Vector()

	// Innovation and adaptive process noise.
	var y [telemetry.Dim]float64
	for i := range z {
		y[i] = z[i] - p.x[i]
	}
	p.q = clampF(p.cfg.Alpha*norm(y), p.cfg.QMin, p.cfg.QMax)

	// Gain, state, and Riccati update per coordinate.
	for i := range p.x {
		pPred := p.p[i] + p.q
		k := pPred / (pPred + p.cfg.MeasurementNoise)
		p.x[i] += k * y[i]
		p.p[i] = (1 - k) * pPred
	}

	p.history = append(p.history, sample)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[1:]
	}

	var e [telemetry.Dim]float64
	for i := range p.x {
		e[i] = p.x[i] - p.cfg.Target[i]
	}
	errNorm := norm(e)

	action, reasoning := p.selectAction(e, errNorm)
	confidence := clampF(1-errNorm/p.cfg.MaxErrorNorm, 0, 1)

	pred := Prediction{
		Action:         action,
		Confidence:     confidence,
		Reasoning:      reasoning,
		Predicted:      telemetry.FromVector(p.x, sample.Throughput, time.Now().UTC()),
		ErrorNorm:      errNorm,
		ProcessingTime: time.Since(start),
	}

	p.log.Debug().
		Str("action", string(action)).
		Float64("confidence", confidence).
		Float64("error_norm", errNorm).
		Float64("process_noise", p.q).
		Msg("observation folded")

	return pred, nil
}

// #endregion observe

// #region action-selection

// selectAction maps the post-update error vector to an action.
// Precedence: severe error, load scaling, quality retune, beta trend.
func (p *Predictor) selectAction(e [telemetry.Dim]float64, errNorm float64) (Action, string) {
	// Severe deviation: rollback, or emergency stop once persistent.
	if errNorm >= p.cfg.SevereErrorNorm {
		p.severeStreak++
		if p.severeStreak >= p.cfg.SeverePersistence {
			return ActionEmergencyStop, fmt.Sprintf(
				"severe error ‖e‖=%.3f persisted %d cycles", errNorm, p.severeStreak)
		}
		return ActionRollback, fmt.Sprintf(
			"severe error ‖e‖=%.3f >= %.3f", errNorm, p.cfg.SevereErrorNorm)
	}
	p.severeStreak = 0

	errCPU, errLat := e[3], e[4]

	// Overload: dominant positive cpu/latency error.
	if load := math.Max(errCPU, errLat); load >= p.cfg.ScaleTolerance && dominant(e, load) {
		return ActionScaleUp, fmt.Sprintf(
			"load above target: cpu %+.3f latency %+.3f", errCPU, errLat)
	}

	// Underutilization: dominant negative cpu/latency error.
	if under := math.Min(errCPU, errLat); under <= -p.cfg.ScaleTolerance && dominant(e, under) {
		return ActionScaleDown, fmt.Sprintf(
			"load below target: cpu %+.3f latency %+.3f", errCPU, errLat)
	}

	// Quality degradation: omega/psi short of target.
	if -e[0] >= p.cfg.RetuneTolerance || -e[1] >= p.cfg.RetuneTolerance {
		return ActionRetune, fmt.Sprintf(
			"quality below target: omega %+.3f psi %+.3f", e[0], e[1])
	}

	// Antifragility loss: beta trending down fast.
	if trend := p.betaTrend(); trend <= -p.cfg.TrendThreshold {
		return ActionRetune, fmt.Sprintf("beta degrading: trend %+.3f per sample", trend)
	}

	return ActionNoop, fmt.Sprintf("within tolerance: ‖e‖=%.3f", errNorm)
}

// dominant reports whether |v| is the largest absolute error coordinate.
func dominant(e [telemetry.Dim]float64, v float64) bool {
	av := math.Abs(v)
	for _, c := range e {
		if math.Abs(c) > av {
			return false
		}
	}
	return true
}

// betaTrend is the least-squares slope of beta over the last 5 samples.
func (p *Predictor) betaTrend() float64 {
	if len(p.history) < 3 {
		return 0
	}
	window := p.history
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	values := make([]float64, len(window))
	for i, s := range window {
		values[i] = s.BetaAntifragile
	}
	return slope(values)
}

// #endregion action-selection

// #region readers

// Belief returns the current filtered state.
func (p *Predictor) Belief() telemetry.SystemState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return telemetry.FromVector(p.x, 0, time.Now().UTC())
}

// ErrorNorm returns ‖x - target‖ for the current belief.
func (p *Predictor) ErrorNorm() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var e [telemetry.Dim]float64
	for i := range p.x {
		e[i] = p.x[i] - p.cfg.Target[i]
	}
	return norm(e)
}

// #endregion readers

// #region helpers

func norm(v [telemetry.Dim]float64) float64 {
	var sum float64
	for _, c := range v {
		sum += c * c
	}
	return math.Sqrt(sum)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// slope fits values against their indices by least squares.
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// #endregion helpers
