package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orbit",
		Short: "orbitloop - closed-loop procedure runtime for ground control",
		Long: `orbitloop runs spacecraft operations procedures as closed loops: every
telecommand and telemetry check is verified, and failures are resolved by
retrying, rechecking, skipping, asking the operator or aborting.

Features:
  - Procedures written in Starlark
  - Concurrent multi-parameter telemetry verification
  - Layered option configuration in CUE, hot-reloaded
  - Action selection policies in Rego
  - Execution history in SQLite
  - Simulated ground system for dry runs`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print every verification step")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
