package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/leaseloop/leasesync/pkg/cmd"
	"github.com/leaseloop/leasesync/pkg/eventbus"
	"github.com/leaseloop/leasesync/pkg/log"
	"github.com/leaseloop/leasesync/pkg/otelhelper"
	"github.com/leaseloop/leasesync/pkg/processor"
)

const (
	defaultPort            = 9090
	defaultPlatformTimeout = 30 * time.Second
)

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "leasesync-api",
		Usage:                 "Capture changes, process the sync queue and manage workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or \"memory\")",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for dead-letter operator alerts",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:     "platform-url",
				Usage:    "Base URL of the external platform receiving mirrored records",
				Required: true,
				Sources:  cli.EnvVars("PLATFORM_URL"),
			},
			&cli.DurationFlag{
				Name:    "platform-timeout",
				Usage:   "Per-delivery timeout for platform calls",
				Value:   defaultPlatformTimeout,
				Sources: cli.EnvVars("PLATFORM_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "notification-url",
				Usage:   "Endpoint receiving send_email and send_notification step payloads",
				Sources: cli.EnvVars("NOTIFICATION_URL"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Queue items fetched per processing run",
				Value:   processor.DefaultBatchSize,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "retry-base-delay",
				Usage:   "Base delay of the exponential retry backoff",
				Value:   processor.DefaultBaseDelay,
				Sources: cli.EnvVars("RETRY_BASE_DELAY"),
			},
			&cli.DurationFlag{
				Name:    "retry-max-delay",
				Usage:   "Upper bound of the exponential retry backoff",
				Value:   processor.DefaultMaxDelay,
				Sources: cli.EnvVars("RETRY_MAX_DELAY"),
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

			logger.InfoContext(ctx, "Initializing leasesync API")

			tracer, err := otelhelper.NewTracer(ctx, "leasesync-api")
			if err != nil {
				return err
			}

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

			eventBus, err := cmd.NewEventBus(
				command.String("event-bus"),
				command.String("kafka-brokers"),
				"leasesync-api",
				logger,
			)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			notifier, err := cmd.NewNotifier(ctx, command.String("redis-addr"), logger)
			if err != nil {
				return err
			}

			err = eventbus.RegisterMonitor(ctx, eventBus, logger)
			if err != nil {
				return err
			}

			api := NewAPI(logger, persistence, eventBus, notifier, tracer, APIConfig{
				PlatformURL:     command.String("platform-url"),
				PlatformTimeout: command.Duration("platform-timeout"),
				NotificationURL: command.String("notification-url"),
				BatchSize:       command.Int("batch-size"),
				RetryBaseDelay:  command.Duration("retry-base-delay"),
				RetryMaxDelay:   command.Duration("retry-max-delay"),
			})

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
