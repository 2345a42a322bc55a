// Package config loads the controller configuration from YAML with
// environment overrides for the operational knobs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matverse/autonomy/internal/actuator"
	"github.com/matverse/autonomy/internal/engine"
	"github.com/matverse/autonomy/internal/governance"
	"github.com/matverse/autonomy/internal/policy"
)

// #region types

// Duration decodes YAML strings like "5s" or "2m" into a duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full controller configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Journal    JournalConfig    `yaml:"journal"`
	Collector  CollectorConfig  `yaml:"collector"`
	Policy     PolicyConfig     `yaml:"policy"`
	Engine     EngineConfig     `yaml:"engine"`
	Governance GovernanceConfig `yaml:"governance"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// JournalConfig locates the actuation journal database.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// CollectorConfig controls telemetry sampling.
type CollectorConfig struct {
	Interval Duration `yaml:"interval"`
}

// PolicyConfig tunes the state estimator.
type PolicyConfig struct {
	Alpha            float64 `yaml:"alpha"`
	MeasurementNoise float64 `yaml:"measurement_noise"`
	ScaleTolerance   float64 `yaml:"scale_tolerance"`
	RetuneTolerance  float64 `yaml:"retune_tolerance"`
	HistorySize      int     `yaml:"history_size"`
}

// EngineConfig tunes the decision loop.
type EngineConfig struct {
	Mode             string   `yaml:"decision_mode"`
	DecisionInterval Duration `yaml:"decision_interval"`
	TargetName       string   `yaml:"target_name"`
	Proposer         string   `yaml:"proposer"`
}

// GovernanceConfig tunes the approval gate. QuorumBps is in basis
// points of total stake, 0 to 10000.
type GovernanceConfig struct {
	MinStakeToPropose uint64   `yaml:"min_stake_to_propose"`
	QuorumBps         uint64   `yaml:"quorum_bps"`
	VotingPeriod      Duration `yaml:"voting_period"`
}

// ActuatorConfig bounds actuation.
type ActuatorConfig struct {
	MinReplicas int `yaml:"min_replicas"`
	MaxReplicas int `yaml:"max_replicas"`
}

// #endregion types

// #region load

// Load reads the configuration at path, fills defaults, applies
// environment overrides, and validates. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the production defaults.
func Default() Config {
	pol := policy.DefaultConfig()
	eng := engine.DefaultConfig()
	gov := governance.DefaultConfig()
	act := actuator.DefaultConfig()
	return Config{
		Log:       LogConfig{Level: "info"},
		Journal:   JournalConfig{Path: "autonomy.db"},
		Collector: CollectorConfig{Interval: Duration(time.Second)},
		Policy: PolicyConfig{
			Alpha:            pol.Alpha,
			MeasurementNoise: pol.MeasurementNoise,
			ScaleTolerance:   pol.ScaleTolerance,
			RetuneTolerance:  pol.RetuneTolerance,
			HistorySize:      pol.HistorySize,
		},
		Engine: EngineConfig{
			Mode:             string(eng.Mode),
			DecisionInterval: Duration(eng.Interval),
			TargetName:       eng.TargetName,
			Proposer:         eng.Proposer,
		},
		Governance: GovernanceConfig{
			MinStakeToPropose: gov.MinStakeToPropose,
			QuorumBps:         gov.QuorumBps,
			VotingPeriod:      Duration(gov.VotingPeriod),
		},
		Actuator: ActuatorConfig{
			MinReplicas: act.MinReplicas,
			MaxReplicas: act.MaxReplicas,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Journal.Path == "" {
		c.Journal.Path = def.Journal.Path
	}
	if c.Collector.Interval == 0 {
		c.Collector.Interval = def.Collector.Interval
	}
	if c.Policy.Alpha == 0 {
		c.Policy.Alpha = def.Policy.Alpha
	}
	if c.Policy.MeasurementNoise == 0 {
		c.Policy.MeasurementNoise = def.Policy.MeasurementNoise
	}
	if c.Policy.ScaleTolerance == 0 {
		c.Policy.ScaleTolerance = def.Policy.ScaleTolerance
	}
	if c.Policy.RetuneTolerance == 0 {
		c.Policy.RetuneTolerance = def.Policy.RetuneTolerance
	}
	if c.Policy.HistorySize == 0 {
		c.Policy.HistorySize = def.Policy.HistorySize
	}
	if c.Engine.Mode == "" {
		c.Engine.Mode = def.Engine.Mode
	}
	if c.Engine.DecisionInterval == 0 {
		c.Engine.DecisionInterval = def.Engine.DecisionInterval
	}
	if c.Engine.TargetName == "" {
		c.Engine.TargetName = def.Engine.TargetName
	}
	if c.Engine.Proposer == "" {
		c.Engine.Proposer = def.Engine.Proposer
	}
	if c.Governance.MinStakeToPropose == 0 {
		c.Governance.MinStakeToPropose = def.Governance.MinStakeToPropose
	}
	if c.Governance.QuorumBps == 0 {
		c.Governance.QuorumBps = def.Governance.QuorumBps
	}
	if c.Governance.VotingPeriod == 0 {
		c.Governance.VotingPeriod = def.Governance.VotingPeriod
	}
	if c.Actuator.MinReplicas == 0 {
		c.Actuator.MinReplicas = def.Actuator.MinReplicas
	}
	if c.Actuator.MaxReplicas == 0 {
		c.Actuator.MaxReplicas = def.Actuator.MaxReplicas
	}
}

// applyEnv overrides the operational knobs from the environment.
func (c *Config) applyEnv() {
	c.Log.Level = envOr("AUTONOMY_LOG_LEVEL", c.Log.Level)
	c.Journal.Path = envOr("AUTONOMY_DB", c.Journal.Path)
	c.Engine.Mode = envOr("AUTONOMY_MODE", c.Engine.Mode)
	c.Engine.TargetName = envOr("AUTONOMY_TARGET", c.Engine.TargetName)
	if v, ok := envDuration("AUTONOMY_INTERVAL"); ok {
		c.Engine.DecisionInterval = Duration(v)
	}
	if v, ok := envUint("AUTONOMY_QUORUM_BPS"); ok {
		c.Governance.QuorumBps = v
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envUint(key string) (uint64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// #endregion load

// #region validate

// Validate rejects configurations the controller must not run with.
func (c Config) Validate() error {
	if c.Policy.Alpha < 0.001 || c.Policy.Alpha > 0.1 {
		return fmt.Errorf("policy alpha %v outside [0.001, 0.1]", c.Policy.Alpha)
	}
	if c.Policy.MeasurementNoise <= 0 {
		return fmt.Errorf("measurement noise must be positive, got %v", c.Policy.MeasurementNoise)
	}
	if c.Policy.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive, got %d", c.Policy.HistorySize)
	}
	if !engine.DecisionMode(c.Engine.Mode).Valid() {
		return fmt.Errorf("unknown decision mode %q", c.Engine.Mode)
	}
	if c.Engine.DecisionInterval <= 0 {
		return fmt.Errorf("decision interval must be positive, got %v", c.Engine.DecisionInterval.Std())
	}
	if c.Governance.QuorumBps > 10000 {
		return fmt.Errorf("quorum %d basis points exceeds 10000", c.Governance.QuorumBps)
	}
	if c.Governance.VotingPeriod <= 0 {
		return fmt.Errorf("voting period must be positive, got %v", c.Governance.VotingPeriod.Std())
	}
	if c.Actuator.MinReplicas < 0 {
		return fmt.Errorf("min replicas must be >= 0, got %d", c.Actuator.MinReplicas)
	}
	if c.Actuator.MaxReplicas < c.Actuator.MinReplicas {
		return fmt.Errorf("max replicas %d below min %d", c.Actuator.MaxReplicas, c.Actuator.MinReplicas)
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector interval must be positive, got %v", c.Collector.Interval.Std())
	}
	return nil
}

// #endregion validate

// #region builders

// PolicyConfig materializes the estimator configuration.
func (c Config) PolicyConfig() policy.Config {
	pol := policy.DefaultConfig()
	pol.Alpha = c.Policy.Alpha
	pol.MeasurementNoise = c.Policy.MeasurementNoise
	pol.ScaleTolerance = c.Policy.ScaleTolerance
	pol.RetuneTolerance = c.Policy.RetuneTolerance
	pol.HistorySize = c.Policy.HistorySize
	return pol
}

// EngineConfig materializes the decision loop configuration.
func (c Config) EngineConfig() engine.Config {
	eng := engine.DefaultConfig()
	eng.Mode = engine.DecisionMode(c.Engine.Mode)
	eng.Interval = c.Engine.DecisionInterval.Std()
	eng.TargetName = c.Engine.TargetName
	eng.Proposer = c.Engine.Proposer
	return eng
}

// GovernanceConfig materializes the gate configuration.
func (c Config) GovernanceConfig() governance.Config {
	return governance.Config{
		MinStakeToPropose: c.Governance.MinStakeToPropose,
		QuorumBps:         c.Governance.QuorumBps,
		VotingPeriod:      c.Governance.VotingPeriod.Std(),
	}
}

// ActuatorConfig materializes the actuation limits.
func (c Config) ActuatorConfig() actuator.Config {
	act := actuator.DefaultConfig()
	act.MinReplicas = c.Actuator.MinReplicas
	act.MaxReplicas = c.Actuator.MaxReplicas
	return act
}

// #endregion builders
