package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of iterations to show")
}

var historyCmd = &cobra.Command{
	Use:   "history <loop>",
	Short: "Show recent iterations of a loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}

		ctx := context.Background()
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		exec, err := db.NewExecutionRepository(database).Resolve(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loop '%s': %w", args[0], err)
		}

		records, err := db.NewProgressRepository(database).RecentIterations(ctx, exec.ID, historyLimit)
		if err != nil {
			return err
		}

		formatter := NewFormatter(os.Stdout)
		if formatter.Structured() {
			return formatter.Write(records)
		}
		if len(records) == 0 {
			fmt.Fprintf(os.Stdout, "No iterations recorded for %s\n", exec.Name)
			return nil
		}

		rows := make([][]string, 0, len(records))
		for _, record := range records {
			rows = append(rows, []string{
				fmt.Sprintf("%d", record.Iteration),
				string(record.Outcome),
				formatExitCode(record.ExitCode),
				fmt.Sprintf("%d", record.Turns),
				record.Duration.Round(100 * time.Millisecond).String(),
				fmt.Sprintf("%d", len(record.FilesChanged)),
				truncateText(firstNonEmpty(strings.Join(record.Errors, "; "), record.Response), 60),
			})
		}
		return writeTable(os.Stdout, []string{"ITER", "OUTCOME", "EXIT", "TURNS", "DURATION", "FILES", "SUMMARY"}, rows)
	},
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
