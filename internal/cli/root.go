// Package cli implements the testsmith command-line interface using
// Cobra. Subcommands: run (generate tests for sources), checkpoints
// (inspect/gc the store), serve (status API), coverage (artifact scan).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "testsmith",
	Short: "TestSmith — AI-assisted test generation at scale",
	Long: `TestSmith drives a slow, unreliable AI code-generation CLI safely:
bounded concurrency, health-checked subprocesses, hard timeouts, retries
with backoff, and crash-surviving checkpoints that let interrupted
generations resume instead of starting over.`,
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
