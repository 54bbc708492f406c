package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"caption-pipeline-go/internal/dataset"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <export.xlsx>",
	Short: "Summarize an export without running the pipeline",
	Long: `Inspect loads a transcript export and reports what a replay would
exercise: streams, sequence-number coverage, duplicates, holes, and the
domain keywords present. Nothing is enriched or published.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := dataset.LoadAndSummarize(args[0])
		if err != nil {
			return fmt.Errorf("inspect %s: %w", args[0], err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
