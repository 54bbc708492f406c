// Package main is the entry point for the replay CLI.
//
// Usage:
//
//	replay [flags] <command> [args]
//
// Commands:
//
//	run      - Feed a recorded transcript export through the pipeline
//	inspect  - Summarize a transcript export without running it
package main

import (
	"fmt"
	"os"

	"caption-pipeline-go/cmd/replay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
