// Package cli wires the concord command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// ExitHalt is the process exit code for a consensus HALT verdict, so CI
// can distinguish "the tracks disagree" from operational failure.
const ExitHalt = 2

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "concord",
		Short:         "Dual-track LLM pipeline for clinical trial analysis with consensus verification",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newCleanupCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the concord version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "concord %s\n", Version)
		},
	}
}
