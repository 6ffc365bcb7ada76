// Package persistence provides the storage abstraction for sync configs, the
// sync queue, dead letters, workflow definitions and executions.
package persistence

import (
	"context"
	"time"

	"github.com/leaseloop/leasesync/pkg/models"
)

type Persistence interface {
	SyncConfigs() SyncConfigRepository
	Queue() QueueRepository
	DeadLetters() DeadLetterRepository
	WorkflowDefinitions() WorkflowDefinitionRepository
	Executions() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// SyncConfigRepository stores the per-table mirroring policy.
type SyncConfigRepository interface {
	GetBySourceTable(ctx context.Context, sourceTable string) (*models.SyncConfig, error)
	Save(ctx context.Context, config *models.SyncConfig) error
	List(ctx context.Context) ([]*models.SyncConfig, error)
	Delete(ctx context.Context, sourceTable string) error
}

// QueueRepository stores sync queue items. Status transitions are the only
// concurrency-control primitive: Claim is a conditional update that acts as a
// lease, so concurrent processors are safe without a distributed lock.
type QueueRepository interface {
	// Enqueue inserts the item, or, when a pending item already exists for
	// the same (table, record), replaces that item's payload with the newer
	// snapshot. The stored item is returned.
	Enqueue(ctx context.Context, item *models.SyncQueueItem) (*models.SyncQueueItem, error)

	GetByID(ctx context.Context, id string) (*models.SyncQueueItem, error)

	// FetchDue returns up to limit items that are pending, or failed with
	// retries remaining and next_retry_at elapsed, ordered by created_at and
	// by sequence within a correlation group.
	FetchDue(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error)

	// FetchRetryable is FetchDue scoped to failed items only.
	FetchRetryable(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error)

	// HasDueWork reports whether FetchDue would return anything.
	HasDueWork(ctx context.Context, now time.Time) (bool, error)

	// Claim transitions the item from the given status to processing. It
	// returns false when the item was no longer in that status, in which
	// case the caller must skip it.
	Claim(ctx context.Context, id string, from models.QueueStatus) (bool, error)

	MarkCompleted(ctx context.Context, id string, externalResponse string, processedAt time.Time) error
	MarkFailed(ctx context.Context, id string, errorMessage, errorDetails string, retryCount int, nextRetryAt time.Time) error
	MarkSkipped(ctx context.Context, id string, reason string) error

	// GroupMembers returns every item of a correlation group ordered by
	// sequence.
	GroupMembers(ctx context.Context, correlationID string) ([]*models.SyncQueueItem, error)

	// Stats returns item counts grouped by (status, table) for monitoring.
	Stats(ctx context.Context) ([]models.QueueStat, error)

	// PurgeTerminal removes completed and skipped items created before
	// terminalBefore and failed items created before failedBefore, keeping
	// the queue table bounded.
	PurgeTerminal(ctx context.Context, terminalBefore, failedBefore time.Time) (int64, error)
}

// DeadLetterRepository is the append-only inspection store for exhausted
// items.
type DeadLetterRepository interface {
	Append(ctx context.Context, item *models.DeadLetterItem) error
	List(ctx context.Context, limit, offset int) ([]*models.DeadLetterItem, error)
}

// WorkflowDefinitionRepository stores workflow definitions. Every save of an
// existing name creates a new version; old versions stay readable so pinned
// executions can finish against them.
type WorkflowDefinitionRepository interface {
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	GetActive(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	GetVersion(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error)
	List(ctx context.Context) ([]*models.WorkflowDefinition, error)
}

// ExecutionRepository stores workflow executions.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.WorkflowExecution, error)

	// ClaimRunning transitions pending -> running. False means another
	// engine instance got there first or the execution is not pending.
	ClaimRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// Update persists step progress, context and terminal state.
	Update(ctx context.Context, execution *models.WorkflowExecution) error

	// Cancel marks a non-terminal execution cancelled. False means the
	// execution had already reached a terminal state.
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)

	ListPending(ctx context.Context, limit int) ([]*models.WorkflowExecution, error)
}
