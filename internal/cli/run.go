package cli

import (
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Max in-flight tasks (0 = unbounded, slot limits still apply)")
	runCmd.Flags().StringVar(&runOutDir, "output-dir", "", "Write generated tests here instead of next to sources")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Build the batch and print it without spawning anything")
	rootCmd.AddCommand(runCmd)
}

var (
	runConcurrency int
	runOutDir      string
	runDryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run <source file or dir>...",
	Short: "Generate tests for the given sources",
	Long: `Build a batch of generation tasks (one per source file), run them
against the configured backend CLI with health checks, timeouts, and
retries, and write each successful result as a test file next to its
source. Interrupting with Ctrl-C aborts the batch: every subprocess is
killed and the partial results are reported.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	batch, err := buildBatch(args, runConcurrency)
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s: %d tasks, ~%d tokens, ~$%.2f estimated\n",
		batch.ID, len(batch.Tasks), batch.TotalEstimatedTokens, batch.TotalEstimatedCost)
	if runDryRun {
		for _, t := range batch.Tasks {
			fmt.Printf("  %s (~%d tokens)\n", t.SourceRef, t.EstimatedTokens)
		}
		return nil
	}

	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			eng.orch.Abort("interrupt")
		}
	}()

	start := time.Now()
	result := eng.orch.ProcessBatch(batch)

	// Persist artifacts for the successes.
	written := map[string]string{}
	for _, r := range result.Results {
		if !r.Success || r.Output == "" {
			continue
		}
		path, err := writeArtifact(r.SourceRef, runOutDir, r.Output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "write artifact for %s: %v\n", r.SourceRef, err)
			continue
		}
		written[r.TaskID] = path
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tATTEMPTS\tTOKENS\tCOST\tDETAIL")
	for _, r := range result.Results {
		status := "failed"
		detail := r.Error
		if r.Success {
			status = "ok"
			detail = written[r.TaskID]
			if r.Resumed {
				status = "ok (resumed)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t$%.4f\t%s\n",
			r.SourceRef, status, r.Attempts, r.TokensUsed, r.Cost, detail)
	}
	w.Flush()

	fmt.Printf("\n%d succeeded, %d failed, $%.4f actual, %s elapsed",
		result.Succeeded, result.Failed, result.TotalCost, time.Since(start).Round(time.Second))
	if result.Aborted {
		fmt.Print(" (aborted)")
	}
	fmt.Println()

	if result.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", result.Failed, len(result.Results))
	}
	return nil
}
