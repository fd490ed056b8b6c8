// Package cli implements the hydrotwin command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hydrotwin",
	Short: "hydrotwin — real-time digital twin for water-distribution networks",
	Long: `hydrotwin runs a SCADA telemetry simulator and a hydraulic-model-backed
anomaly detector over a water-distribution network definition.

Import a network, compute its baseline, then serve the API and start the
simulator and monitor.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
