// Package cmd provides the CLI commands for the fleet autoscaler.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbosity int
	cfgFile   string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fleet-autoscaler",
	Short: "Fleet Autoscaler - demand-driven cluster capacity management",
	Long: `Fleet Autoscaler reconciles cloud compute-group capacity against the
scheduling demand of a Kubernetes cluster: scaling groups up to satisfy
pending workloads and draining idle nodes to scale them back down.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"Increase log verbosity (-v info, -vv and above debug; default warnings only)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to a YAML configuration file supplying flag defaults")
}

// setupLogging configures structured JSON logging using slog.
func setupLogging() error {
	level := slog.LevelWarn
	switch {
	case verbosity == 1:
		level = slog.LevelInfo
	case verbosity >= 2:
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}
