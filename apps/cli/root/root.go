package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the roster admin CLI. Subcommands (auth, migrate, import) are attached here.
var rootCmd = &cobra.Command{
	Use:           "rosterctl",
	Short:         "Roster admin CLI",
	Long:          "Administrative utilities for the roster service (migrations, import jobs, dev tokens).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
