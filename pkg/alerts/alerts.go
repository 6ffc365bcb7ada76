// Package alerts notifies operators about items that exhausted their retries.
package alerts

import (
	"context"
	"time"
)

// Alert is the operator-facing record pushed when an item is dead-lettered.
type Alert struct {
	DeadLetterID string    `json:"dead_letter_id"`
	QueueItemID  string    `json:"queue_item_id"`
	TableName    string    `json:"table_name"`
	RecordID     string    `json:"record_id"`
	Operation    string    `json:"operation"`
	LastError    string    `json:"last_error"`
	RetryCount   int       `json:"retry_count"`
	FailedAt     time.Time `json:"failed_at"`
}

// Notifier delivers alerts to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
