// Package memory provides an in-memory persistence implementation for local
// development and tests. It honors the same transition semantics as the SQL
// backend, including the single-pending-item rule and conditional claims.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
)

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	mu          sync.Mutex
	configs     map[string]*models.SyncConfig // keyed by source table
	queue       map[string]*models.SyncQueueItem
	deadLetters []*models.DeadLetterItem
	definitions []*models.WorkflowDefinition
	executions  map[string]*models.WorkflowExecution
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		configs:    make(map[string]*models.SyncConfig),
		queue:      make(map[string]*models.SyncQueueItem),
		executions: make(map[string]*models.WorkflowExecution),
	}
}

func (p *Persistence) Close(_ context.Context) error       { return nil }
func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) SyncConfigs() persistence.SyncConfigRepository {
	return &syncConfigRepository{p}
}

func (p *Persistence) Queue() persistence.QueueRepository {
	return &queueRepository{p}
}

func (p *Persistence) DeadLetters() persistence.DeadLetterRepository {
	return &deadLetterRepository{p}
}

func (p *Persistence) WorkflowDefinitions() persistence.WorkflowDefinitionRepository {
	return &definitionRepository{p}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return &executionRepository{p}
}

// --- sync configs ---

type syncConfigRepository struct{ p *Persistence }

func (r *syncConfigRepository) GetBySourceTable(_ context.Context, sourceTable string) (*models.SyncConfig, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	config, ok := r.p.configs[sourceTable]
	if !ok {
		return nil, persistence.ErrSyncConfigNotFound
	}

	clone := *config

	return &clone, nil
}

func (r *syncConfigRepository) Save(_ context.Context, config *models.SyncConfig) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if config.ID == "" {
		config.ID = uuid.NewString()
	}

	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}

	config.UpdatedAt = now

	clone := *config
	r.p.configs[config.SourceTable] = &clone

	return nil
}

func (r *syncConfigRepository) List(_ context.Context) ([]*models.SyncConfig, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	configs := make([]*models.SyncConfig, 0, len(r.p.configs))

	for _, config := range r.p.configs {
		clone := *config
		configs = append(configs, &clone)
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].SourceTable < configs[j].SourceTable
	})

	return configs, nil
}

func (r *syncConfigRepository) Delete(_ context.Context, sourceTable string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.configs[sourceTable]; !ok {
		return persistence.ErrSyncConfigNotFound
	}

	delete(r.p.configs, sourceTable)

	return nil
}

// --- queue ---

type queueRepository struct{ p *Persistence }

func (r *queueRepository) Enqueue(_ context.Context, item *models.SyncQueueItem) (*models.SyncQueueItem, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	// Coalesce into an existing pending row for the same logical record.
	for _, existing := range r.p.queue {
		if existing.TableName == item.TableName &&
			existing.RecordID == item.RecordID &&
			existing.Status == models.QueueStatusPending {
			existing.Payload = item.Payload
			existing.Operation = item.Operation

			clone := *existing

			return &clone, nil
		}
	}

	for _, existing := range r.p.queue {
		if existing.IdempotencyKey == item.IdempotencyKey {
			return nil, persistence.ErrDuplicateIdempotencyKey
		}
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	if item.MaxRetries == 0 {
		item.MaxRetries = models.DefaultMaxRetries
	}

	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}

	clone := *item
	r.p.queue[item.ID] = &clone

	stored := clone

	return &stored, nil
}

func (r *queueRepository) GetByID(_ context.Context, id string) (*models.SyncQueueItem, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	item, ok := r.p.queue[id]
	if !ok {
		return nil, persistence.ErrQueueItemNotFound
	}

	clone := *item

	return &clone, nil
}

func isDue(item *models.SyncQueueItem, now time.Time) bool {
	if item.Status == models.QueueStatusPending {
		return true
	}

	return item.Status == models.QueueStatusFailed &&
		item.RetryCount < item.MaxRetries &&
		item.NextRetryAt != nil && !item.NextRetryAt.After(now)
}

// groupBlocked reports whether an earlier member of the item's all_or_nothing
// group is still in flight. Members of such a group go out strictly in
// sequence order, one at a time. Callers must hold p.mu.
func (r *queueRepository) groupBlocked(item *models.SyncQueueItem) bool {
	if item.GroupPolicy != models.GroupPolicyAllOrNothing || item.CorrelationID == "" {
		return false
	}

	for _, other := range r.p.queue {
		if other.CorrelationID != item.CorrelationID || other.Sequence >= item.Sequence {
			continue
		}

		switch other.Status {
		case models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusFailed:
			return true
		}
	}

	return false
}

func (r *queueRepository) FetchDue(_ context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	return r.fetch(limit, func(item *models.SyncQueueItem) bool {
		return isDue(item, now) && !r.groupBlocked(item)
	})
}

func (r *queueRepository) FetchRetryable(_ context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	return r.fetch(limit, func(item *models.SyncQueueItem) bool {
		return item.Status == models.QueueStatusFailed && isDue(item, now) && !r.groupBlocked(item)
	})
}

func (r *queueRepository) fetch(limit int, match func(*models.SyncQueueItem) bool) ([]*models.SyncQueueItem, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	items := make([]*models.SyncQueueItem, 0)

	for _, item := range r.p.queue {
		if match(item) {
			clone := *item
			items = append(items, &clone)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}

		if items[i].CorrelationID != items[j].CorrelationID {
			return items[i].CorrelationID < items[j].CorrelationID
		}

		return items[i].Sequence < items[j].Sequence
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return items, nil
}

func (r *queueRepository) HasDueWork(ctx context.Context, now time.Time) (bool, error) {
	items, err := r.FetchDue(ctx, 1, now)
	if err != nil {
		return false, err
	}

	return len(items) > 0, nil
}

func (r *queueRepository) Claim(_ context.Context, id string, from models.QueueStatus) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	item, ok := r.p.queue[id]
	if !ok || item.Status != from {
		return false, nil
	}

	item.Status = models.QueueStatusProcessing

	return true, nil
}

func (r *queueRepository) MarkCompleted(_ context.Context, id string, externalResponse string, processedAt time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	item, ok := r.p.queue[id]
	if !ok {
		return persistence.ErrQueueItemNotFound
	}

	item.Status = models.QueueStatusCompleted
	item.ProcessedAt = &processedAt
	item.ExternalResponse = externalResponse
	item.ErrorMessage = ""
	item.ErrorDetails = ""

	return nil
}

func (r *queueRepository) MarkFailed(_ context.Context, id string, errorMessage, errorDetails string, retryCount int, nextRetryAt time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	item, ok := r.p.queue[id]
	if !ok {
		return persistence.ErrQueueItemNotFound
	}

	item.Status = models.QueueStatusFailed
	item.ErrorMessage = errorMessage
	item.ErrorDetails = errorDetails
	item.RetryCount = retryCount
	item.NextRetryAt = &nextRetryAt

	return nil
}

func (r *queueRepository) MarkSkipped(_ context.Context, id string, reason string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	item, ok := r.p.queue[id]
	if !ok {
		return persistence.ErrQueueItemNotFound
	}

	now := time.Now().UTC()

	item.Status = models.QueueStatusSkipped
	item.ErrorMessage = reason
	item.ProcessedAt = &now

	return nil
}

func (r *queueRepository) GroupMembers(_ context.Context, correlationID string) ([]*models.SyncQueueItem, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	items := make([]*models.SyncQueueItem, 0)

	for _, item := range r.p.queue {
		if item.CorrelationID == correlationID {
			clone := *item
			items = append(items, &clone)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Sequence < items[j].Sequence
	})

	return items, nil
}

func (r *queueRepository) Stats(_ context.Context) ([]models.QueueStat, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	type key struct {
		table  string
		status models.QueueStatus
	}

	counts := make(map[key]int64)

	for _, item := range r.p.queue {
		counts[key{item.TableName, item.Status}]++
	}

	stats := make([]models.QueueStat, 0, len(counts))

	for k, count := range counts {
		stats = append(stats, models.QueueStat{
			TableName: k.table,
			Status:    k.status,
			Count:     count,
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TableName != stats[j].TableName {
			return stats[i].TableName < stats[j].TableName
		}

		return stats[i].Status < stats[j].Status
	})

	return stats, nil
}

func (r *queueRepository) PurgeTerminal(_ context.Context, terminalBefore, failedBefore time.Time) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var purged int64

	for id, item := range r.p.queue {
		switch {
		case item.IsTerminal() && item.CreatedAt.Before(terminalBefore):
			delete(r.p.queue, id)

			purged++
		case item.Status == models.QueueStatusFailed && item.RetriesExhausted() && item.CreatedAt.Before(failedBefore):
			delete(r.p.queue, id)

			purged++
		}
	}

	return purged, nil
}

// --- dead letters ---

type deadLetterRepository struct{ p *Persistence }

func (r *deadLetterRepository) Append(_ context.Context, item *models.DeadLetterItem) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if item.FailedAt.IsZero() {
		item.FailedAt = time.Now().UTC()
	}

	clone := *item
	r.p.deadLetters = append(r.p.deadLetters, &clone)

	return nil
}

func (r *deadLetterRepository) List(_ context.Context, limit, offset int) ([]*models.DeadLetterItem, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	items := make([]*models.DeadLetterItem, 0, len(r.p.deadLetters))

	for _, item := range r.p.deadLetters {
		clone := *item
		items = append(items, &clone)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].FailedAt.After(items[j].FailedAt)
	})

	if offset >= len(items) {
		return []*models.DeadLetterItem{}, nil
	}

	items = items[offset:]

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return items, nil
}

// --- workflow definitions ---

type definitionRepository struct{ p *Persistence }

func (r *definitionRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if definition.ID == "" {
		definition.ID = uuid.NewString()
	}

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	maxVersion := 0

	for _, existing := range r.p.definitions {
		if existing.Name == definition.Name {
			existing.Active = false

			if existing.Version > maxVersion {
				maxVersion = existing.Version
			}
		}
	}

	definition.Version = maxVersion + 1

	clone := *definition
	r.p.definitions = append(r.p.definitions, &clone)

	return nil
}

func (r *definitionRepository) GetActive(_ context.Context, name string) (*models.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, definition := range r.p.definitions {
		if definition.Name == name && definition.Active {
			clone := *definition

			return &clone, nil
		}
	}

	return nil, persistence.ErrDefinitionNotFound
}

func (r *definitionRepository) GetVersion(_ context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, definition := range r.p.definitions {
		if definition.Name == name && definition.Version == version {
			clone := *definition

			return &clone, nil
		}
	}

	return nil, persistence.ErrDefinitionNotFound
}

func (r *definitionRepository) List(_ context.Context) ([]*models.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	latest := make(map[string]*models.WorkflowDefinition)

	for _, definition := range r.p.definitions {
		current, ok := latest[definition.Name]
		if !ok || definition.Version > current.Version {
			latest[definition.Name] = definition
		}
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(latest))

	for _, definition := range latest {
		clone := *definition
		definitions = append(definitions, &clone)
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Name < definitions[j].Name
	})

	return definitions, nil
}

// --- executions ---

type executionRepository struct{ p *Persistence }

func (r *executionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if execution.CorrelationID != "" {
		for _, existing := range r.p.executions {
			if existing.CorrelationID == execution.CorrelationID {
				return persistence.ErrDuplicateCorrelation
			}
		}
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	clone := *execution
	r.p.executions[execution.ID] = &clone

	return nil
}

func (r *executionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	clone := *execution

	return &clone, nil
}

func (r *executionRepository) GetByCorrelationID(_ context.Context, correlationID string) (*models.WorkflowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, execution := range r.p.executions {
		if execution.CorrelationID == correlationID {
			clone := *execution

			return &clone, nil
		}
	}

	return nil, persistence.ErrExecutionNotFound
}

func (r *executionRepository) ClaimRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok || execution.Status != models.ExecutionStatusPending {
		return false, nil
	}

	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &startedAt

	return true, nil
}

func (r *executionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.executions[execution.ID]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	clone := *execution
	clone.StartedAt = stored.StartedAt

	// A concurrent operator cancel wins over engine progress: whatever the
	// engine writes next, the status stays cancelled.
	if stored.Status == models.ExecutionStatusCancelled {
		clone.Status = stored.Status
	}

	r.p.executions[execution.ID] = &clone

	return nil
}

func (r *executionRepository) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return false, nil
	}

	if execution.IsTerminal() {
		return false, nil
	}

	execution.Status = models.ExecutionStatusCancelled
	execution.CompletedAt = &at

	return true, nil
}

func (r *executionRepository) ListPending(_ context.Context, limit int) ([]*models.WorkflowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	executions := make([]*models.WorkflowExecution, 0)

	for _, execution := range r.p.executions {
		if execution.Status == models.ExecutionStatusPending {
			clone := *execution
			executions = append(executions, &clone)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}
