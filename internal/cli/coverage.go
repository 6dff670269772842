package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(coverageCmd)
}

var coverageCmd = &cobra.Command{
	Use:   "coverage <dir>...",
	Short: "Report which source files have a generated test artifact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCoverage,
}

func runCoverage(cmd *cobra.Command, args []string) error {
	var covered, uncovered []string
	for _, root := range args {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if !isSourceFile(path) {
				return nil
			}
			if _, err := os.Stat(artifactPath(path, "")); err == nil {
				covered = append(covered, path)
			} else {
				uncovered = append(uncovered, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	total := len(covered) + len(uncovered)
	if total == 0 {
		fmt.Println("No source files found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, p := range uncovered {
		fmt.Fprintf(w, "%s\tmissing\n", p)
	}
	w.Flush()

	fmt.Printf("%d/%d source files have tests (%.0f%%)\n",
		len(covered), total, float64(len(covered))*100/float64(total))
	return nil
}
