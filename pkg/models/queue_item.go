package models

import "time"

// SyncOperation identifies the kind of mutation a queue item mirrors.
type SyncOperation string

const (
	OperationInsert    SyncOperation = "INSERT"
	OperationUpdate    SyncOperation = "UPDATE"
	OperationDelete    SyncOperation = "DELETE"
	OperationComposite SyncOperation = "ATOMIC_COMPOSITE"
)

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusSkipped    QueueStatus = "skipped"
)

// GroupPolicy controls how a correlation group reacts to a member failure.
type GroupPolicy string

const (
	GroupPolicyAllOrNothing GroupPolicy = "all_or_nothing"
	GroupPolicyBestEffort   GroupPolicy = "best_effort"
)

// DefaultMaxRetries is the retry ceiling applied when a queue item is created
// without an explicit one.
const DefaultMaxRetries = 3

// SyncQueueItem is one unit of pending delivery work. Items are created by the
// change capture layer and mutated only by the queue processor. For a given
// (table_name, record_id) at most one row may be pending at a time.
type SyncQueueItem struct {
	ID               string         `json:"id"`
	TableName        string         `json:"table_name"`
	RecordID         string         `json:"record_id"`
	Operation        SyncOperation  `json:"operation"`
	Payload          map[string]any `json:"payload"`
	Status           QueueStatus    `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorDetails     string         `json:"error_details,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	Sequence         int            `json:"sequence"`
	GroupPolicy      GroupPolicy    `json:"group_policy,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	ExternalResponse string         `json:"external_response,omitempty"`
}

// IsTerminal reports whether the item has left the active queue.
func (i *SyncQueueItem) IsTerminal() bool {
	return i.Status == QueueStatusCompleted || i.Status == QueueStatusSkipped
}

// RetriesExhausted reports whether the item has hit its retry ceiling.
func (i *SyncQueueItem) RetriesExhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// ProcessingReport summarizes one processor invocation.
type ProcessingReport struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	DeadLettered int `json:"dead_lettered"`
}

// QueueStat is one row of the monitoring view: item counts grouped by
// (status, table).
type QueueStat struct {
	TableName string      `json:"table_name"`
	Status    QueueStatus `json:"status"`
	Count     int64       `json:"count"`
}
