package cmd

import (
	"context"
	"log/slog"

	"github.com/leaseloop/leasesync/pkg/alerts"
)

// NewNotifier creates the operator alert channel. Without a Redis address
// dead-letter alerts fall back to structured logs.
func NewNotifier(ctx context.Context, redisAddr string, logger *slog.Logger) (alerts.Notifier, error) {
	if redisAddr == "" {
		return alerts.NewLogNotifier(logger), nil
	}

	return alerts.NewRedisNotifier(ctx, redisAddr, alerts.DefaultListKey, logger)
}
