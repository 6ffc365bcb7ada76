package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
)

// QueueRepository handles sync queue database operations. All status
// transitions are conditional updates so concurrent processors never double
// deliver an item.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *sql.DB, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{db: db, logger: logger}
}

const queueColumns = `
	id
  , table_name
  , record_id
  , operation
  , payload
  , status
  , COALESCE(error_message, '')
  , COALESCE(error_details, '')
  , retry_count
  , max_retries
  , next_retry_at
  , idempotency_key
  , COALESCE(correlation_id, '')
  , sequence
  , COALESCE(group_policy, '')
  , created_at
  , processed_at
  , COALESCE(external_response, '')
`

// dueCondition matches items the processor should pick up: fresh pending
// work, plus failed work whose backoff window has elapsed.
const dueCondition = `
	(status = 'pending'
	 OR (status = 'failed' AND retry_count < max_retries AND next_retry_at <= $1))
`

// groupOrderCondition holds back a member of an all_or_nothing group while an
// earlier-sequence member is still in flight. Members of such a group must be
// delivered strictly in sequence order, one at a time.
const groupOrderCondition = `
	NOT EXISTS (
		SELECT 1 FROM sync_queue prior
		WHERE sync_queue.group_policy = 'all_or_nothing'
		  AND prior.correlation_id = sync_queue.correlation_id
		  AND prior.sequence < sync_queue.sequence
		  AND prior.status IN ('pending', 'processing', 'failed')
	)
`

// Enqueue inserts the item, coalescing into an existing pending row for the
// same (table, record): rapid successive writes produce one external call
// with the latest snapshot.
func (r *QueueRepository) Enqueue(ctx context.Context, item *models.SyncQueueItem) (*models.SyncQueueItem, error) {
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate queue item ID: %w", err)
		}

		item.ID = id.String()
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

	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO sync_queue (
			id, table_name, record_id, operation, payload, status, retry_count,
			max_retries, idempotency_key, correlation_id, sequence, group_policy,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, NULLIF($12, ''), $13)
		ON CONFLICT (table_name, record_id) WHERE status = 'pending' DO UPDATE SET
			payload = EXCLUDED.payload
		  , operation = EXCLUDED.operation
		RETURNING ` + queueColumns

	row := r.db.QueryRowContext(ctx, query,
		item.ID, item.TableName, item.RecordID, item.Operation, payloadJSON,
		item.Status, item.RetryCount, item.MaxRetries, item.IdempotencyKey,
		item.CorrelationID, item.Sequence, string(item.GroupPolicy), item.CreatedAt,
	)

	stored, err := scanQueueItem(row)
	if err != nil {
		if isUniqueViolation(err, "sync_queue_idempotency_key_key") {
			return nil, persistence.ErrDuplicateIdempotencyKey
		}

		return nil, persistence.NewStoreError("Enqueue", item.TableName+"/"+item.RecordID, err)
	}

	return stored, nil
}

// GetByID returns a queue item by id.
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrQueueItemNotFound
		}

		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}

	return item, nil
}

// FetchDue returns up to limit due items in dispatch order.
func (r *QueueRepository) FetchDue(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue
		WHERE ` + dueCondition + ` AND ` + groupOrderCondition + `
		ORDER BY created_at, correlation_id NULLS FIRST, sequence
		LIMIT $2
	`

	return r.queryItems(ctx, query, now, limit)
}

// FetchRetryable returns only failed items whose backoff has elapsed.
func (r *QueueRepository) FetchRetryable(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue
		WHERE status = 'failed' AND retry_count < max_retries AND next_retry_at <= $1
		  AND ` + groupOrderCondition + `
		ORDER BY created_at, correlation_id NULLS FIRST, sequence
		LIMIT $2
	`

	return r.queryItems(ctx, query, now, limit)
}

// HasDueWork reports whether any item is due, so the sweep can no-op quietly.
func (r *QueueRepository) HasDueWork(ctx context.Context, now time.Time) (bool, error) {
	var exists bool

	query := `SELECT EXISTS (SELECT 1 FROM sync_queue WHERE ` + dueCondition + ` AND ` + groupOrderCondition + `)`

	err := r.db.QueryRowContext(ctx, query, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for due work: %w", err)
	}

	return exists, nil
}

// Claim transitions the item from the given status to processing. The
// conditional update is the lease: zero rows affected means another processor
// already owns the item.
func (r *QueueRepository) Claim(ctx context.Context, id string, from models.QueueStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'processing' WHERE id = $1 AND status = $2`,
		id, from,
	)
	if err != nil {
		return false, persistence.NewStoreError("Claim", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// MarkCompleted records a successful delivery.
func (r *QueueRepository) MarkCompleted(ctx context.Context, id string, externalResponse string, processedAt time.Time) error {
	query := `
		UPDATE sync_queue
		SET status = 'completed'
		  , processed_at = $2
		  , external_response = $3
		  , error_message = NULL
		  , error_details = NULL
		WHERE id = $1
	`

	return r.exec(ctx, "MarkCompleted", id, query, id, processedAt, externalResponse)
}

// MarkFailed records a delivery failure and its backoff schedule.
func (r *QueueRepository) MarkFailed(ctx context.Context, id string, errorMessage, errorDetails string, retryCount int, nextRetryAt time.Time) error {
	query := `
		UPDATE sync_queue
		SET status = 'failed'
		  , error_message = $2
		  , error_details = $3
		  , retry_count = $4
		  , next_retry_at = $5
		WHERE id = $1
	`

	return r.exec(ctx, "MarkFailed", id, query, id, errorMessage, errorDetails, retryCount, nextRetryAt)
}

// MarkSkipped takes an item out of the active set without completing it.
func (r *QueueRepository) MarkSkipped(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE sync_queue
		SET status = 'skipped'
		  , error_message = $2
		  , processed_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "MarkSkipped", id, query, id, reason)
}

// GroupMembers returns every item of a correlation group in sequence order.
func (r *QueueRepository) GroupMembers(ctx context.Context, correlationID string) ([]*models.SyncQueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue
		WHERE correlation_id = $1
		ORDER BY sequence
	`

	return r.queryItems(ctx, query, correlationID)
}

// Stats returns item counts grouped by (status, table).
func (r *QueueRepository) Stats(ctx context.Context) ([]models.QueueStat, error) {
	query := `
		SELECT table_name, status, COUNT(*)
		FROM sync_queue
		GROUP BY table_name, status
		ORDER BY table_name, status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	stats := make([]models.QueueStat, 0)

	for rows.Next() {
		var stat models.QueueStat

		err := rows.Scan(&stat.TableName, &stat.Status, &stat.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue stat: %w", err)
		}

		stats = append(stats, stat)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}

	return stats, nil
}

// PurgeTerminal removes aged-out terminal items. Failed items get the longer
// window; dead-lettered failures were already archived before being skipped.
func (r *QueueRepository) PurgeTerminal(ctx context.Context, terminalBefore, failedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM sync_queue
		WHERE (status IN ('completed', 'skipped') AND created_at < $1)
		   OR (status = 'failed' AND retry_count >= max_retries AND created_at < $2)
	`

	result, err := r.db.ExecContext(ctx, query, terminalBefore, failedBefore)
	if err != nil {
		return 0, persistence.NewStoreError("PurgeTerminal", "", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return purged, nil
}

func (r *QueueRepository) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewStoreError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrQueueItemNotFound
	}

	return nil
}

func (r *QueueRepository) queryItems(ctx context.Context, query string, args ...any) ([]*models.SyncQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	items := make([]*models.SyncQueueItem, 0)

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		items = append(items, item)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var (
		item        models.SyncQueueItem
		payloadJSON []byte
		groupPolicy string
		nextRetryAt sql.NullTime
		processedAt sql.NullTime
	)

	err := row.Scan(
		&item.ID, &item.TableName, &item.RecordID, &item.Operation, &payloadJSON,
		&item.Status, &item.ErrorMessage, &item.ErrorDetails, &item.RetryCount,
		&item.MaxRetries, &nextRetryAt, &item.IdempotencyKey, &item.CorrelationID,
		&item.Sequence, &groupPolicy, &item.CreatedAt, &processedAt,
		&item.ExternalResponse,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(payloadJSON, &item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	item.GroupPolicy = models.GroupPolicy(groupPolicy)

	if nextRetryAt.Valid {
		item.NextRetryAt = &nextRetryAt.Time
	}

	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}

	return &item, nil
}
