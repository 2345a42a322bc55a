package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matverse/autonomy/internal/journal"
)

// NewInspectCommand creates the journal inspection command.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	var (
		dbPath string
		last   int
		target string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the actuation journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			jrn, err := journal.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer jrn.Close()
			return inspectJournal(opts, jrn, last, target)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "autonomy.db", "path to the journal database")
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent executions")
	cmd.Flags().StringVar(&target, "target", "", "also show revision history for this target")
	return cmd
}

type inspectReport struct {
	Executions []journal.ExecutionRecord `json:"executions"`
	Revisions  []journal.Revision        `json:"revisions,omitempty"`
}

func inspectJournal(opts *RootOptions, jrn *journal.Journal, last int, target string) error {
	execs, err := jrn.RecentExecutions(last)
	if err != nil {
		return err
	}
	var revs []journal.Revision
	if target != "" {
		if revs, err = jrn.RevisionHistory(target, last); err != nil {
			return err
		}
	}

	if opts.Format == "json" {
		return printJSON(inspectReport{Executions: execs, Revisions: revs})
	}

	if len(execs) == 0 {
		fmt.Println("no executions recorded")
	} else {
		fmt.Printf("%-38s  %-14s  %-18s  %-7s  %10s  %s\n",
			"Request", "Action", "Target", "Success", "Took", "Time")
		for _, e := range execs {
			fmt.Printf("%-38s  %-14s  %-18s  %-7v  %10s  %s\n",
				e.RequestID, e.Action, e.Target, e.Success, e.ExecutionTime,
				e.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}
	}

	if target != "" {
		fmt.Printf("\nRevisions for %s:\n", target)
		if len(revs) == 0 {
			fmt.Println("  none recorded")
		}
		for _, r := range revs {
			fmt.Printf("  rev %-4d  replicas %-3d  params %v  %s\n",
				r.Revision, r.Replicas, r.Params, r.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}
	}
	return nil
}
