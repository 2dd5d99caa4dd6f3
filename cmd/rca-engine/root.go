package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rca-engine",
	Short: "Root-cause analysis over metrics, logs and traces",
	Long: `rca-engine correlates anomalies, changepoints, log bursts and trace
degradations across telemetry backends and ranks root-cause hypotheses.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: $BECERTAIN_CONFIG)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(patternsCmd)
}
