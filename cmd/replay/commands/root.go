package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay recorded transcript exports through the enrichment pipeline",
	Long: `replay - feed recorded captioning sessions through the pipeline offline.

A transcript export (xlsx) holds segments tagged with stream ids and
sequence numbers, exactly as the live ingestion boundary would deliver
them. 'run' pushes every row through the enrichment pipeline and reports
what got published; 'inspect' summarizes an export without running it.

Examples:
  # Summarize an export
  replay inspect sessions.xlsx

  # Replay with the default configuration
  replay run sessions.xlsx

  # Replay with a config file and a specific strategy
  replay run --config pipeline.yaml --strategy multilang sessions.xlsx`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to pipeline config YAML")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
