package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
)

// DeadLetterRepository handles the append-only dead-letter store.
type DeadLetterRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDeadLetterRepository creates a new dead-letter repository.
func NewDeadLetterRepository(db *sql.DB, logger *slog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{db: db, logger: logger}
}

// Append archives an exhausted queue item.
func (r *DeadLetterRepository) Append(ctx context.Context, item *models.DeadLetterItem) error {
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate dead letter ID: %w", err)
		}

		item.ID = id.String()
	}

	if item.FailedAt.IsZero() {
		item.FailedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO dead_letters (
			id, queue_item_id, table_name, record_id, operation, payload,
			retry_count, last_error, error_details, correlation_id,
			idempotency_key, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		item.ID, item.QueueItemID, item.TableName, item.RecordID, item.Operation,
		payloadJSON, item.RetryCount, item.LastError, item.ErrorDetails,
		item.CorrelationID, item.IdempotencyKey, item.FailedAt,
	)
	if err != nil {
		return persistence.NewStoreError("AppendDeadLetter", item.QueueItemID, err)
	}

	return nil
}

// List returns dead letters newest first.
func (r *DeadLetterRepository) List(ctx context.Context, limit, offset int) ([]*models.DeadLetterItem, error) {
	query := `
		SELECT
			id
		  , queue_item_id
		  , table_name
		  , record_id
		  , operation
		  , payload
		  , retry_count
		  , COALESCE(last_error, '')
		  , COALESCE(error_details, '')
		  , COALESCE(correlation_id, '')
		  , idempotency_key
		  , failed_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	items := make([]*models.DeadLetterItem, 0)

	for rows.Next() {
		var (
			item        models.DeadLetterItem
			payloadJSON []byte
		)

		err := rows.Scan(
			&item.ID, &item.QueueItemID, &item.TableName, &item.RecordID,
			&item.Operation, &payloadJSON, &item.RetryCount, &item.LastError,
			&item.ErrorDetails, &item.CorrelationID, &item.IdempotencyKey,
			&item.FailedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		err = json.Unmarshal(payloadJSON, &item.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}

		items = append(items, &item)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return items, nil
}
