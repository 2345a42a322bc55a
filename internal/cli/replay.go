package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matverse/autonomy/internal/replay"
)

// NewReplayCommand creates the fixture replay command.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <fixture.yaml>",
		Short: "Replay a recorded telemetry trajectory through the estimator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return err
			}
			results, err := replay.ReplayFixture(f)
			if err != nil {
				return err
			}
			return printReplay(opts, f.Description, results)
		},
	}
}

type replayReport struct {
	Description string              `json:"description,omitempty"`
	Steps       []replay.StepResult `json:"steps"`
	Summary     replay.Summary      `json:"summary"`
}

func printReplay(opts *RootOptions, description string, results []replay.StepResult) error {
	sum := replay.Summarize(results)
	if opts.Format == "json" {
		return printJSON(replayReport{Description: description, Steps: results, Summary: sum})
	}

	if description != "" {
		fmt.Println(description)
	}
	fmt.Printf("%-5s  %-14s  %10s  %10s  %s\n", "Step", "Action", "Confidence", "Error", "Reasoning")
	for _, r := range results {
		fmt.Printf("%-5d  %-14s  %10.3f  %10.4f  %s\n", r.Step, r.Action, r.Confidence, r.ErrorNorm, r.Reasoning)
	}
	fmt.Printf("\n%d steps, error %.4f -> %.4f, converged=%v\n",
		sum.Steps, sum.InitialError, sum.FinalError, sum.Converged)
	for action, n := range sum.Actions {
		fmt.Printf("  %-14s %d\n", action, n)
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
