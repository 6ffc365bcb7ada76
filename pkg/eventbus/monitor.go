package eventbus

import (
	"context"
	"log/slog"

	"github.com/leaseloop/leasesync/pkg/events"
)

// RegisterMonitor subscribes the operator log to the lifecycle events that
// need eyes on them: exhausted sync items and failed executions. It registers
// the handlers and starts consuming.
func RegisterMonitor(ctx context.Context, bus EventBus, logger *slog.Logger) error {
	err := bus.Handle(events.SyncItemDeadLetteredEvent, func(ctx context.Context, event any) error {
		deadLettered, ok := event.(*events.SyncItemDeadLettered)
		if !ok {
			return nil
		}

		logger.ErrorContext(ctx, "sync item dead-lettered",
			"queue_item_id", deadLettered.QueueItemID,
			"dead_letter_id", deadLettered.DeadLetterID,
			"table_name", deadLettered.TableName,
			"record_id", deadLettered.RecordID,
			"operation", deadLettered.Operation,
			"last_error", deadLettered.LastError,
			"retry_count", deadLettered.RetryCount,
		)

		return nil
	})
	if err != nil {
		return err
	}

	err = bus.Handle(events.ExecutionFailedEvent, func(ctx context.Context, event any) error {
		failed, ok := event.(*events.ExecutionFailed)
		if !ok {
			return nil
		}

		logger.ErrorContext(ctx, "workflow execution failed",
			"execution_id", failed.ExecutionID,
			"workflow_name", failed.WorkflowName,
			"error_step", failed.ErrorStep,
			"error", failed.Error,
		)

		return nil
	})
	if err != nil {
		return err
	}

	return bus.Subscribe(ctx)
}
