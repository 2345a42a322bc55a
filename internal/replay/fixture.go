package replay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/telemetry"
)

// #region fixture-types

// Fixture is the top-level YAML structure for a recorded trajectory.
type Fixture struct {
	Description string         `yaml:"description"`
	Config      FixtureConfig  `yaml:"config"`
	Steps       []FixtureStep  `yaml:"steps"`
	Expected    []ExpectedStep `yaml:"expected"`
}

// FixtureConfig mirrors the estimator knobs a fixture may pin. Zero
// values fall back to the production defaults.
type FixtureConfig struct {
	Alpha            float64   `yaml:"alpha"`
	MeasurementNoise float64   `yaml:"measurement_noise"`
	InitialBelief    []float64 `yaml:"initial_belief"`
	ScaleTolerance   float64   `yaml:"scale_tolerance"`
	RetuneTolerance  float64   `yaml:"retune_tolerance"`
}

// FixtureStep is one recorded telemetry sample.
type FixtureStep struct {
	Omega      float64 `yaml:"omega"`
	Psi        float64 `yaml:"psi"`
	Beta       float64 `yaml:"beta"`
	CPU        float64 `yaml:"cpu"`
	Latency    float64 `yaml:"latency"`
	Throughput float64 `yaml:"throughput"`
}

// ExpectedStep pins the action a step must produce.
type ExpectedStep struct {
	Step   int    `yaml:"step"`
	Action string `yaml:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a YAML trajectory file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("fixture %s has no steps", path)
	}
	return &f, nil
}

// ToPolicyConfig materializes the estimator configuration, filling
// unpinned knobs from the defaults.
func (fc *FixtureConfig) ToPolicyConfig() (policy.Config, error) {
	cfg := policy.DefaultConfig()
	if fc.Alpha != 0 {
		cfg.Alpha = fc.Alpha
	}
	if fc.MeasurementNoise != 0 {
		cfg.MeasurementNoise = fc.MeasurementNoise
	}
	if fc.ScaleTolerance != 0 {
		cfg.ScaleTolerance = fc.ScaleTolerance
	}
	if fc.RetuneTolerance != 0 {
		cfg.RetuneTolerance = fc.RetuneTolerance
	}
	if len(fc.InitialBelief) > 0 {
		if len(fc.InitialBelief) != telemetry.Dim {
			return policy.Config{}, fmt.Errorf("initial belief has %d elements, want %d",
				len(fc.InitialBelief), telemetry.Dim)
		}
		var belief [telemetry.Dim]float64
		copy(belief[:], fc.InitialBelief)
		cfg.InitialBelief = &belief
	}
	return cfg, nil
}

// ToState converts one recorded step to a telemetry sample.
func (fs *FixtureStep) ToState(at time.Time) telemetry.SystemState {
	return telemetry.SystemState{
		OmegaScore:      fs.Omega,
		PsiIndex:        fs.Psi,
		BetaAntifragile: fs.Beta,
		CPUUsage:        fs.CPU,
		Latency:         fs.Latency,
		Throughput:      fs.Throughput,
		Timestamp:       at,
	}
}

// #endregion fixture-loader
