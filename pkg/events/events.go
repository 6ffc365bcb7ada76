// Package events defines event types for sync queue and workflow execution
// lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Kafka topic carrying every lifecycle event.
const Topic = "leasesync.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Sync queue lifecycle events.
	SyncItemCompletedEvent    EventType = "sync.item.completed"
	SyncItemFailedEvent       EventType = "sync.item.failed"
	SyncItemDeadLetteredEvent EventType = "sync.item.dead_lettered"

	// Workflow execution lifecycle events.
	ExecutionStartedEvent   EventType = "workflow.execution.started"
	ExecutionCompletedEvent EventType = "workflow.execution.completed"
	ExecutionFailedEvent    EventType = "workflow.execution.failed"
	ExecutionCancelledEvent EventType = "workflow.execution.cancelled"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

type SyncItemCompleted struct {
	BaseEvent

	QueueItemID string `json:"queue_item_id"`
	TableName   string `json:"table_name"`
	RecordID    string `json:"record_id"`
	Operation   string `json:"operation"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e SyncItemCompleted) GetType() EventType {
	return SyncItemCompletedEvent
}

type SyncItemFailed struct {
	BaseEvent

	QueueItemID string `json:"queue_item_id"`
	TableName   string `json:"table_name"`
	RecordID    string `json:"record_id"`
	Operation   string `json:"operation"`
	Error       string `json:"error"`
	RetryCount  int    `json:"retry_count"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

func (e SyncItemFailed) GetType() EventType {
	return SyncItemFailedEvent
}

type SyncItemDeadLettered struct {
	BaseEvent

	QueueItemID  string `json:"queue_item_id"`
	DeadLetterID string `json:"dead_letter_id"`
	TableName    string `json:"table_name"`
	RecordID     string `json:"record_id"`
	Operation    string `json:"operation"`
	LastError    string `json:"last_error"`
	RetryCount   int    `json:"retry_count"`
}

func (e SyncItemDeadLettered) GetType() EventType {
	return SyncItemDeadLetteredEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID     string `json:"execution_id"`
	WorkflowName    string `json:"workflow_name"`
	WorkflowVersion int    `json:"workflow_version"`
	TriggeredBy     string `json:"triggered_by,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	WorkflowName  string `json:"workflow_name"`
	StepsExecuted int    `json:"steps_executed"`
	DurationMs    int64  `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	WorkflowName string `json:"workflow_name"`
	ErrorStep    string `json:"error_step"`
	Error        string `json:"error"`
	DurationMs   int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	WorkflowName string `json:"workflow_name"`
	CancelledBy  string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}
