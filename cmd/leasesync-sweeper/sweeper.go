package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/leaseloop/leasesync/pkg/dispatch"
)

// SweeperService wraps the cron sweeper with signal handling so the daemon
// shuts down cleanly, letting running jobs finish.
type SweeperService struct {
	sweeper *dispatch.Sweeper
	logger  *slog.Logger
}

func NewSweeperService(sweeper *dispatch.Sweeper, logger *slog.Logger) *SweeperService {
	return &SweeperService{
		sweeper: sweeper,
		logger:  logger,
	}
}

// Start runs the sweeper until the context is cancelled or a termination
// signal arrives.
func (s *SweeperService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := s.sweeper.Start(runCtx)
	if err != nil {
		s.logger.ErrorContext(runCtx, "Failed to start sweeper", "error", err)

		return
	}

	s.handleSignals(cancel)

	<-runCtx.Done()

	s.logger.Info("Stopping sweeper, waiting for running jobs")
	s.sweeper.Stop()
}

func (s *SweeperService) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		s.logger.Info("Received signal", "signal", sig)
		cancel()
	}()
}
