package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/replay"
	"github.com/matverse/autonomy/internal/simulate"
)

// NewSimulateCommand creates the synthetic trajectory command: it
// generates a scenario, runs it through a fresh estimator, and
// reports how the controller would have reacted.
func NewSimulateCommand(opts *RootOptions) *cobra.Command {
	var (
		scenario string
		steps    int
		seed     int64
		noise    float64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stress the estimator against a synthetic workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("steps must be positive, got %d", steps)
			}
			gen, err := simulate.NewGenerator(simulate.Scenario(scenario), seed, noise)
			if err != nil {
				return err
			}
			results, err := replay.Replay(policy.DefaultConfig(), gen.Trajectory(steps))
			if err != nil {
				return err
			}
			desc := fmt.Sprintf("scenario %s, %d steps, seed %d", scenario, steps, seed)
			return printReplay(opts, desc, results)
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", string(simulate.ScenarioOverload),
		fmt.Sprintf("workload shape %v", simulate.Scenarios))
	cmd.Flags().IntVar(&steps, "steps", 50, "trajectory length")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "generator seed")
	cmd.Flags().Float64Var(&noise, "noise", 0.01, "jitter amplitude")
	return cmd
}
