// Package commands implements the CLI commands for dittobus broker
// management.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dittobus",
	Short: "DittoBus - user-space IPC message broker",
	Long: `DittoBus is a user-space IPC message broker providing named,
authenticated, multicast-capable message buses between processes on a
single host. Buses live in namespaces, clients connect through endpoints,
own well-known names, and exchange messages with sender metadata attached
on demand.

Use "dittobus [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it. This
// is called by main.main() and only needs to happen once.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dittobus/config.yaml)")
}
