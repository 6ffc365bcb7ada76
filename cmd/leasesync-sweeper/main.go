// Package main provides the leasesync sweep daemon: the backup dispatch path
// that keeps the queue draining when immediate triggers are lost, plus the
// retention cleanup.
package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/leaseloop/leasesync/pkg/cmd"
	"github.com/leaseloop/leasesync/pkg/dispatch"
	"github.com/leaseloop/leasesync/pkg/log"
	"github.com/leaseloop/leasesync/pkg/processor"
)

const defaultInvokeTimeout = 30 * time.Second

func main() {
	logger := log.WithModule("sweeper")

	command := &cli.Command{
		Name:                  "leasesync-sweeper",
		Usage:                 "Run the backup sweeps and retention cleanup for the sync queue",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or \"memory\")",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "processor-url",
				Usage:    "URL of the processor's dispatch endpoint (the API's /process-queue)",
				Required: true,
				Sources:  cli.EnvVars("PROCESSOR_URL"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the due-work sweep",
				Value:   "@every 1m",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "retry-schedule",
				Usage:   "Cron schedule of the failed-item retry pass",
				Value:   "@every 5m",
				Sources: cli.EnvVars("RETRY_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "execution-schedule",
				Usage:   "Cron schedule of the pending-execution recovery pass",
				Value:   "@every 2m",
				Sources: cli.EnvVars("EXECUTION_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "cleanup-schedule",
				Usage:   "Cron schedule of the retention purge",
				Value:   "0 3 * * *",
				Sources: cli.EnvVars("CLEANUP_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Batch size hint passed to the processor",
				Value:   processor.DefaultBatchSize,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "terminal-retention",
				Usage:   "How long completed and skipped items are kept",
				Value:   dispatch.DefaultTerminalRetention,
				Sources: cli.EnvVars("TERMINAL_RETENTION"),
			},
			&cli.DurationFlag{
				Name:    "failed-retention",
				Usage:   "How long exhausted failed items are kept",
				Value:   dispatch.DefaultFailedRetention,
				Sources: cli.EnvVars("FAILED_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing leasesync sweeper")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			invoker := dispatch.NewHTTPInvoker(command.String("processor-url"), defaultInvokeTimeout)

			sweeper := dispatch.NewSweeper(persistence, invoker, dispatch.SweeperConfig{
				SweepSchedule:     command.String("sweep-schedule"),
				RetrySchedule:     command.String("retry-schedule"),
				ExecutionSchedule: command.String("execution-schedule"),
				CleanupSchedule:   command.String("cleanup-schedule"),
				BatchSize:         command.Int("batch-size"),
				TerminalRetention: command.Duration("terminal-retention"),
				FailedRetention:   command.Duration("failed-retention"),
			}, logger)

			service := NewSweeperService(sweeper, logger)
			service.Start(ctx)

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
