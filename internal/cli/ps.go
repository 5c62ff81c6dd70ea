package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

var (
	psStatus []string
	psAll    bool
)

func init() {
	rootCmd.AddCommand(psCmd)

	psCmd.Flags().StringSliceVar(&psStatus, "status", nil, "filter by status (repeatable)")
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "include finished loops")
}

var psCmd = &cobra.Command{
	Use:     "ps",
	Aliases: []string{"ls"},
	Short:   "List loops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := psStatuses(psStatus, psAll)
		if err != nil {
			return err
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		execs, err := db.NewExecutionRepository(database).List(context.Background(), statuses...)
		if err != nil {
			return err
		}

		formatter := NewFormatter(os.Stdout)
		if formatter.Structured() {
			return formatter.Write(execs)
		}
		if len(execs) == 0 {
			fmt.Fprintln(os.Stdout, "No loops found")
			return nil
		}
		return writeLoopTable(os.Stdout, execs)
	},
}

func psStatuses(raw []string, all bool) ([]models.LoopStatus, error) {
	if len(raw) == 0 {
		if all {
			return nil, nil
		}
		return []models.LoopStatus{
			models.LoopStatusRunning,
			models.LoopStatusPaused,
			models.LoopStatusRebasing,
			models.LoopStatusBlocked,
		}, nil
	}
	statuses := make([]models.LoopStatus, 0, len(raw))
	for _, value := range raw {
		status := models.LoopStatus(strings.ToLower(strings.TrimSpace(value)))
		if !status.IsValid() {
			return nil, fmt.Errorf("invalid status %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func writeLoopTable(out io.Writer, execs []*models.LoopExecution) error {
	rows := make([][]string, 0, len(execs))
	for _, exec := range execs {
		rows = append(rows, []string{
			shortID(exec.ID),
			exec.Name,
			formatStatus(exec.Status),
			formatIterations(exec),
			formatExitCode(exec.LastExitCode),
			formatAge(exec.UpdatedAt),
			truncateText(exec.LastError, 60),
		})
	}
	return writeTable(out, []string{"ID", "NAME", "STATUS", "ITER", "EXIT", "UPDATED", "ERROR"}, rows)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatIterations(exec *models.LoopExecution) string {
	if exec.MaxIterations > 0 {
		return fmt.Sprintf("%d/%d", exec.Iteration, exec.MaxIterations)
	}
	return fmt.Sprintf("%d", exec.Iteration)
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}
