package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leaseloop/leasesync/pkg/persistence"
)

// Retention windows for the daily cleanup.
const (
	DefaultTerminalRetention = 7 * 24 * time.Hour
	DefaultFailedRetention   = 30 * 24 * time.Hour
)

// SweeperConfig holds the sweep schedules and retention windows.
type SweeperConfig struct {
	// SweepSchedule runs the backup sweep for any due work.
	SweepSchedule string
	// RetrySchedule runs the failed-item retry pass.
	RetrySchedule string
	// ExecutionSchedule runs the pending-execution recovery pass.
	ExecutionSchedule string
	// CleanupSchedule runs the retention purge.
	CleanupSchedule string
	// BatchSize is the hint passed to the processor.
	BatchSize int
	// TerminalRetention bounds how long completed and skipped items stay.
	TerminalRetention time.Duration
	// FailedRetention bounds how long exhausted failed items stay.
	FailedRetention time.Duration
}

func (c *SweeperConfig) applyDefaults() {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}

	if c.RetrySchedule == "" {
		c.RetrySchedule = "@every 5m"
	}

	if c.ExecutionSchedule == "" {
		c.ExecutionSchedule = "@every 2m"
	}

	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "0 3 * * *"
	}

	if c.TerminalRetention <= 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}

	if c.FailedRetention <= 0 {
		c.FailedRetention = DefaultFailedRetention
	}
}

// Sweeper is the backup dispatch path. It is leader-agnostic: any number of
// sweepers may run because the processor's conditional claim makes redundant
// invocations safe.
type Sweeper struct {
	persistence persistence.Persistence
	invoker     Invoker
	config      SweeperConfig
	cron        *cron.Cron
	logger      *slog.Logger
	now         func() time.Time
}

func NewSweeper(p persistence.Persistence, invoker Invoker, config SweeperConfig, logger *slog.Logger) *Sweeper {
	config.applyDefaults()

	return &Sweeper{
		persistence: p,
		invoker:     invoker,
		config:      config,
		logger:      logger.With("module", "sweeper"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the cron jobs and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobs := []struct {
		schedule string
		name     string
		run      func(context.Context)
	}{
		{s.config.SweepSchedule, "sweep", s.Sweep},
		{s.config.RetrySchedule, "retry", s.RetrySweep},
		{s.config.ExecutionSchedule, "executions", s.ExecutionSweep},
		{s.config.CleanupSchedule, "cleanup", s.Cleanup},
	}

	for _, job := range jobs {
		run := job.run

		_, err := s.cron.AddFunc(job.schedule, func() {
			run(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s job (%q): %w", job.name, job.schedule, err)
		}
	}

	s.cron.Start()

	s.logger.InfoContext(ctx, "sweeper started",
		"sweep_schedule", s.config.SweepSchedule,
		"retry_schedule", s.config.RetrySchedule,
		"execution_schedule", s.config.ExecutionSchedule,
		"cleanup_schedule", s.config.CleanupSchedule,
	)

	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
}

// Sweep checks for due work and invokes the processor. It is a silent no-op
// when the queue has nothing due.
func (s *Sweeper) Sweep(ctx context.Context) {
	hasWork, err := s.persistence.Queue().HasDueWork(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check for due work", "error", err)

		return
	}

	if !hasWork {
		return
	}

	err = s.invoker.Invoke(ctx, ActionProcessQueue, s.config.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep invocation failed", "error", err)
	}
}

// RetrySweep invokes the failed-item retry pass.
func (s *Sweeper) RetrySweep(ctx context.Context) {
	err := s.invoker.Invoke(ctx, ActionRetryFailed, s.config.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "retry sweep invocation failed", "error", err)
	}
}

// ExecutionSweep restarts pending workflow executions whose immediate run
// was lost, for example to a process crash after enqueue.
func (s *Sweeper) ExecutionSweep(ctx context.Context) {
	pending, err := s.persistence.Executions().ListPending(ctx, 1)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check for pending executions", "error", err)

		return
	}

	if len(pending) == 0 {
		return
	}

	err = s.invoker.Invoke(ctx, ActionRunPending, s.config.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "execution sweep invocation failed", "error", err)
	}
}

// Cleanup purges terminal items past their retention windows so the queue
// table stays bounded. Dead letters are untouched.
func (s *Sweeper) Cleanup(ctx context.Context) {
	now := s.now()

	purged, err := s.persistence.Queue().PurgeTerminal(
		ctx,
		now.Add(-s.config.TerminalRetention),
		now.Add(-s.config.FailedRetention),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention cleanup failed", "error", err)

		return
	}

	if purged > 0 {
		s.logger.InfoContext(ctx, "purged terminal queue items", "purged", purged)
	}
}
