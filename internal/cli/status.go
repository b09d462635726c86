package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/concordhq/concord/internal/pipeline"
	"github.com/concordhq/concord/internal/sandbox"
)

func newStatusCommand() *cobra.Command {
	var runDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the step states of a run directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := pipeline.LoadPipelineState(filepath.Join(runDir, "state.json"))
			if err != nil {
				return fmt.Errorf("read run state: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s (started %s)\n",
				state.RunID, state.Status, state.StartedAt.Format("2006-01-02 15:04:05"))
			for _, name := range state.StepOrder {
				step := state.Steps[name]
				if step == nil {
					continue
				}
				fmt.Fprintf(out, "  %-18s %-10s attempts=%d/%d\n",
					step.Name, step.Status, len(step.Attempts), step.MaxAttempts)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&runDir, "run-dir", "d", ".", "run output directory containing state.json")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover sandbox containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine := sandbox.NewEngine()
			n, err := engine.CleanupContainers(cmd.Context(), sandbox.ComponentLabel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d container(s)\n", n)
			return nil
		},
	}
}
