package models

import "time"

// DeadLetterItem is an archived copy of a queue item that exhausted its
// retries. Rows are append-only; operators inspect and resolve them out of
// band.
type DeadLetterItem struct {
	ID             string         `json:"id"`
	QueueItemID    string         `json:"queue_item_id"`
	TableName      string         `json:"table_name"`
	RecordID       string         `json:"record_id"`
	Operation      SyncOperation  `json:"operation"`
	Payload        map[string]any `json:"payload"`
	RetryCount     int            `json:"retry_count"`
	LastError      string         `json:"last_error"`
	ErrorDetails   string         `json:"error_details,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	FailedAt       time.Time      `json:"failed_at"`
}
