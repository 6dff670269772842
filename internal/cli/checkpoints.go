package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	checkpointsListCmd.Flags().StringVar(&checkpointsBucket, "bucket", "", "Filter by bucket: active, completed, failed")
	checkpointsGCCmd.Flags().IntVar(&checkpointsMaxAgeHours, "max-age-hours", 0, "Override the configured retention age")
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsGCCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

var (
	checkpointsBucket      string
	checkpointsMaxAgeHours int
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and clean up stored checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored checkpoints",
	RunE:  runCheckpointsList,
}

var checkpointsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove checkpoints past the retention age",
	RunE:  runCheckpointsGC,
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	infos, err := eng.store.List(checkpointsBucket)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tBUCKET\tPHASE\tPROGRESS\tFAILURES\tUPDATED")
	for _, ci := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\n",
			ci.ID[:8], ci.SourceRef, ci.Bucket, ci.Phase,
			ci.Progress, ci.Failures, ci.UpdatedAt.Format("2006-01-02 15:04"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary, err := eng.store.Summary()
	if err != nil {
		return err
	}
	fmt.Printf("\n%d total, %d active, %d recoverable\n",
		summary.TotalCheckpoints, summary.ActiveCheckpoints, len(summary.Recoverable))
	return nil
}

func runCheckpointsGC(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	var removed int
	if checkpointsMaxAgeHours > 0 {
		removed, err = eng.store.Cleanup(time.Duration(checkpointsMaxAgeHours) * time.Hour)
	} else {
		removed, err = eng.gcCheckpoints()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d checkpoints.\n", removed)
	return nil
}
