package alerts

import (
	"context"
	"log/slog"
)

// LogNotifier writes alerts to the structured log. It is the fallback when no
// Redis address is configured, so a dead-lettered item is never silent.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("module", "alerts")}
}

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.ErrorContext(ctx, "sync item dead-lettered",
		"dead_letter_id", alert.DeadLetterID,
		"queue_item_id", alert.QueueItemID,
		"table_name", alert.TableName,
		"record_id", alert.RecordID,
		"operation", alert.Operation,
		"last_error", alert.LastError,
		"retry_count", alert.RetryCount,
	)

	return nil
}
