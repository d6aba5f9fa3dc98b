// Package cli assembles the benchd command tree. Daemon configuration comes
// from BENCHD_* environment variables; commands take only what differs per
// invocation as flags.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the benchd CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchd",
		Short: "benchd - laboratory run orchestration daemon",
		Long: `benchd schedules protocol runs onto bench assets, drives their steps
through device adapters, and tracks every state change a failure could
have left ambiguous.

The serve and worker commands read their configuration from BENCHD_*
environment variables (listen address, database path, worker count,
lease TTL).`,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewWorkerCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewSeedCommand())

	return cmd
}
