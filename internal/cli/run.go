package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon-sub002/internal/daemon"
	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/loopspec"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/telemetry"
)

var (
	runResume  bool
	runNoWatch bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runResume, "resume", false, "also resume unfinished loops from the database")
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "do not watch the main branch for new commits")
}

var runCmd = &cobra.Command{
	Use:   "run [loops.yaml]",
	Short: "Run agent loops until they finish",
	Long: `Run the loops defined in a loop file and supervise them until every
loop is complete, failed or stopped. With --resume, loops left unfinished by
a previous run are restored as well; loops paused by a shutdown continue
where they left off.

Interrupt with Ctrl-C to pause all running loops.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !runResume {
			return errors.New("a loop file is required unless --resume is set")
		}

		var execs []*models.LoopExecution
		if len(args) == 1 {
			file, err := loopspec.Load(args[0])
			if err != nil {
				return err
			}
			execs, err = file.Executions(appConfig.Scheduler.Priority)
			if err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTelemetry, err := telemetry.Init(ctx, appConfig.Telemetry.Endpoint,
			appConfig.Telemetry.ServiceName, appVersion, appConfig.Telemetry.Insecure)
		if err != nil {
			logger.Warn().Err(err).Msg("telemetry disabled")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					logger.Warn().Err(err).Msg("failed to flush telemetry")
				}
			}()
		}

		d, err := daemon.New(ctx, appConfig, logging.Component("daemon"), daemon.Options{
			Version:      appVersion,
			DisableWatch: runNoWatch,
		})
		if err != nil {
			return err
		}

		if err := d.Run(ctx, execs, runResume); err != nil {
			return err
		}

		return writeLoopSummary(d.Supervisor().List())
	},
}

func writeLoopSummary(execs []*models.LoopExecution) error {
	formatter := NewFormatter(os.Stdout)
	if formatter.Structured() {
		return formatter.Write(execs)
	}
	return writeLoopTable(os.Stdout, execs)
}
