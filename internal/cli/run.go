package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matverse/autonomy/internal/actuator"
	"github.com/matverse/autonomy/internal/collector"
	"github.com/matverse/autonomy/internal/config"
	"github.com/matverse/autonomy/internal/engine"
	"github.com/matverse/autonomy/internal/governance"
	"github.com/matverse/autonomy/internal/journal"
	"github.com/matverse/autonomy/internal/logging"
	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/simulate"
)

// NewRunCommand creates the long-running controller daemon command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var (
		cfgPath  string
		scenario string
		seed     int64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the autonomy control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, cfgPath, scenario, seed)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "autonomy.yaml", "path to the controller config")
	cmd.Flags().StringVar(&scenario, "scenario", string(simulate.ScenarioSteady),
		"synthetic telemetry scenario fed to the collector")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "telemetry generator seed")
	return cmd
}

func runDaemon(ctx context.Context, opts *RootOptions, cfgPath, scenario string, seed int64) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logging.Setup(level, cfg.Log.Console)
	log := logging.Component("daemon")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	jrn, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrn.Close()

	gen, err := simulate.NewGenerator(simulate.Scenario(scenario), seed, 0.01)
	if err != nil {
		return err
	}
	col := collector.New(gen.Source(), cfg.Collector.Interval.Std())

	pred, err := policy.New(cfg.PolicyConfig())
	if err != nil {
		return err
	}

	target := actuator.NewMemoryTarget(cfg.Actuator.MinReplicas + 2)
	act, err := actuator.New(cfg.ActuatorConfig(), target, jrn, actuator.WithAlert(
		func(req actuator.Request, detail string) {
			log.Error().Str("request_id", req.ID).Str("severity", "critical").Msg(detail)
		}))
	if err != nil {
		return err
	}

	ledger := governance.NewMemoryLedger()
	ledger.Mint(cfg.Engine.Proposer, cfg.Governance.MinStakeToPropose*10)
	gate := governance.NewGate(cfg.GovernanceConfig(), ledger)
	if err := gate.Stake(cfg.Engine.Proposer, cfg.Governance.MinStakeToPropose*10); err != nil {
		return fmt.Errorf("stake operator account: %w", err)
	}
	gate.Subscribe(func(ev governance.Event) {
		log.Info().Str("event", string(ev.Kind)).Uint64("proposal", ev.ProposalID).
			Str("address", ev.Address).Uint64("amount", ev.Amount).Msg("governance event")
	})

	eng, err := engine.New(cfg.EngineConfig(), col, pred, act, gate)
	if err != nil {
		return err
	}

	col.Start(ctx)
	eng.Start(ctx)
	log.Info().Str("scenario", scenario).Str("mode", cfg.Engine.Mode).
		Str("journal", cfg.Journal.Path).Msg("controller running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		eng.Stop()
		col.Stop()
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				stats := eng.Statistics()
				log.Info().Uint64("cycles", stats.Cycles).
					Uint64("suppressed", stats.Suppressed).
					Uint64("overruns", stats.BudgetOverruns).
					Uint64("busy_drops", act.Busy()).
					Interface("metrics", col.Export()).
					Msg("controller health")
			}
		}
	})
	return g.Wait()
}
