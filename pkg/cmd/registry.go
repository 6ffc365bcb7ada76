package cmd

import (
	"log/slog"

	"github.com/leaseloop/leasesync/pkg/capture"
	"github.com/leaseloop/leasesync/pkg/workflow"
)

// NewRegistry creates the step function registry with the built-in target
// functions registered.
func NewRegistry(notificationURL string, capturer *capture.Capturer, logger *slog.Logger) *workflow.Registry {
	registry := workflow.NewRegistry()

	workflow.RegisterBuiltins(registry, workflow.BuiltinConfig{
		NotificationURL: notificationURL,
		Capturer:        capturer,
	}, logger)

	return registry
}
