// Package testfleet wires the command-line surface: sharding a suite,
// running it on the compute backend, watching progress and cancelling.
package testfleet

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewTestfleetCommand is the root of the command tree.
func NewTestfleetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "testfleet",
		Long:         `Shard a test suite across ephemeral remote workers and reconcile their results into one run outcome.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newPlanCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newCancelCommand())

	return cmd
}

// noArgs rejects positional arguments on commands that take none.
func noArgs(cmd *cobra.Command, args []string) error {
	for _, arg := range args {
		if len(arg) > 0 {
			return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
		}
	}
	return nil
}
