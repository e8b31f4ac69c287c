// Package commands implements the qengine CLI, following the cobra
// wiring of dittofs's cmd/dfsctl/commands (root command + persistent
// flags + subcommand packages).
package commands

import (
	"github.com/spf13/cobra"
)

// Version information injected at build time by cmd/qengine/main.go.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "qengine",
	Short: "Direct Connect queue and transfer engine",
	Long: `qengine is the standalone queue and transfer engine for a Direct
Connect (NMDC/ADC) file-sharing client: it owns the bundle queue,
download scheduler, segmented transfer protocol, and the auto-priority
and alternate-source search loops.

Use "qengine [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default: $XDG_CONFIG_HOME/qengine/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}
