package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/bundlehost"
)

// NewRootCommand creates the root command for the bundlehost binary
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundlehost",
		Short: "bundlehost - a dynamic bundle framework host",
		Long: `bundlehost runs a bundle framework: it installs, resolves, starts and stops
bundles, publishes lifecycle events and exposes an admin API.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewManifestCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}

// Build information, set with -ldflags.
var (
	Commit = "none"
	Date   = "unknown"
)

// PrintVersion formats the framework version and build information.
func PrintVersion() string {
	return fmt.Sprintf("bundlehost v%s (commit: %s, built on: %s)", bundlehost.Version, Commit, Date)
}
