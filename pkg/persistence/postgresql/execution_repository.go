package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
)

// ExecutionRepository handles workflow execution storage. The pending ->
// running transition is a conditional update, mirroring the queue claim.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , workflow_name
  , workflow_version
  , status
  , current_step
  , total_steps
  , input_payload
  , context
  , COALESCE(error_message, '')
  , COALESCE(error_step, '')
  , retry_count
  , COALESCE(correlation_id, '')
  , COALESCE(triggered_by, '')
  , created_at
  , started_at
  , completed_at
`

// Create persists a new pending execution. A correlation id collision returns
// ErrDuplicateCorrelation so the caller can return the existing execution.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	inputJSON, err := json.Marshal(execution.InputPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal input payload: %w", err)
	}

	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (
			id, workflow_name, workflow_version, status, current_step,
			total_steps, input_payload, context, retry_count, correlation_id,
			triggered_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID, execution.WorkflowName, execution.WorkflowVersion,
		execution.Status, execution.CurrentStep, execution.TotalSteps,
		inputJSON, contextJSON, execution.RetryCount, execution.CorrelationID,
		execution.TriggeredBy, execution.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "workflow_executions_correlation_id_key") {
			return persistence.ErrDuplicateCorrelation
		}

		return persistence.NewStoreError("CreateExecution", execution.ID, err)
	}

	return nil
}

// GetByID returns an execution by id.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// GetByCorrelationID returns the execution created under a correlation id.
func (r *ExecutionRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE correlation_id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// ClaimRunning transitions pending -> running.
func (r *ExecutionRepository) ClaimRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, startedAt,
	)
	if err != nil {
		return false, persistence.NewStoreError("ClaimRunning", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// Update persists step progress, context and terminal state.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	// An operator cancel issued while steps were running wins over engine
	// progress.
	query := `
		UPDATE workflow_executions
		SET status = CASE WHEN status = 'cancelled' THEN status ELSE $2 END
		  , current_step = $3
		  , context = $4
		  , error_message = NULLIF($5, '')
		  , error_step = NULLIF($6, '')
		  , retry_count = $7
		  , completed_at = $8
		WHERE id = $1
	`

	var completedAt any
	if execution.CompletedAt != nil {
		completedAt = *execution.CompletedAt
	}

	result, err := r.db.ExecContext(ctx, query,
		execution.ID, execution.Status, execution.CurrentStep, contextJSON,
		execution.ErrorMessage, execution.ErrorStep, execution.RetryCount,
		completedAt,
	)
	if err != nil {
		return persistence.NewStoreError("UpdateExecution", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

// Cancel marks a non-terminal execution cancelled.
func (r *ExecutionRepository) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status IN ('pending', 'running')
	`, id, at)
	if err != nil {
		return false, persistence.NewStoreError("CancelExecution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// ListPending returns pending executions oldest first, for the sweep that
// picks up work whose immediate run was lost.
func (r *ExecutionRepository) ListPending(ctx context.Context, limit int) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		execution   models.WorkflowExecution
		inputJSON   []byte
		contextJSON []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&execution.ID, &execution.WorkflowName, &execution.WorkflowVersion,
		&execution.Status, &execution.CurrentStep, &execution.TotalSteps,
		&inputJSON, &contextJSON, &execution.ErrorMessage, &execution.ErrorStep,
		&execution.RetryCount, &execution.CorrelationID, &execution.TriggeredBy,
		&execution.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(inputJSON, &execution.InputPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal input payload: %w", err)
	}

	err = json.Unmarshal(contextJSON, &execution.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	return &execution, nil
}
