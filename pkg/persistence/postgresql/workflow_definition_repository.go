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

// WorkflowDefinitionRepository handles workflow definition storage. Saving an
// existing name inserts a new version row; old versions are kept so pinned
// executions keep their step list.
type WorkflowDefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowDefinitionRepository creates a new workflow definition repository.
func NewWorkflowDefinitionRepository(db *sql.DB, logger *slog.Logger) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db, logger: logger}
}

const definitionColumns = `
	id
  , name
  , COALESCE(description, '')
  , steps
  , required_fields
  , timeout_seconds
  , visibility_timeout
  , max_retries
  , active
  , version
  , created_at
  , updated_at
`

// Save inserts the definition as the next version of its name and deactivates
// prior versions in the same transaction.
func (r *WorkflowDefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	if definition.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate definition ID: %w", err)
		}

		definition.ID = id.String()
	}

	stepsJSON, err := json.Marshal(definition.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	requiredFieldsJSON, err := json.Marshal(definition.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to marshal required fields: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var nextVersion int

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE name = $1`,
		definition.Name,
	).Scan(&nextVersion)
	if err != nil {
		return fmt.Errorf("failed to determine next version: %w", err)
	}

	definition.Version = nextVersion

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = false, updated_at = $2 WHERE name = $1`,
		definition.Name, now,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate prior versions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (
			id, name, description, steps, required_fields, timeout_seconds,
			visibility_timeout, max_retries, active, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		definition.ID, definition.Name, definition.Description, stepsJSON,
		requiredFieldsJSON, definition.TimeoutSeconds, definition.VisibilityTimeout,
		definition.MaxRetries, definition.Active, definition.Version,
		definition.CreatedAt, definition.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("SaveDefinition", definition.Name, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit definition save: %w", err)
	}

	return nil
}

// GetActive returns the active version of a named definition.
func (r *WorkflowDefinitionRepository) GetActive(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE name = $1 AND active = true
		ORDER BY version DESC
		LIMIT 1
	`

	definition, err := scanDefinition(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

// GetVersion returns a specific pinned version of a named definition.
func (r *WorkflowDefinitionRepository) GetVersion(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE name = $1 AND version = $2
	`

	definition, err := scanDefinition(r.db.QueryRowContext(ctx, query, name, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

// List returns the newest version of every definition name.
func (r *WorkflowDefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT DISTINCT ON (name) ` + definitionColumns + `
		FROM workflow_definitions
		ORDER BY name, version DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}

func scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		definition         models.WorkflowDefinition
		stepsJSON          []byte
		requiredFieldsJSON []byte
	)

	err := row.Scan(
		&definition.ID, &definition.Name, &definition.Description, &stepsJSON,
		&requiredFieldsJSON, &definition.TimeoutSeconds, &definition.VisibilityTimeout,
		&definition.MaxRetries, &definition.Active, &definition.Version,
		&definition.CreatedAt, &definition.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stepsJSON, &definition.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	err = json.Unmarshal(requiredFieldsJSON, &definition.RequiredFields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal required fields: %w", err)
	}

	return &definition, nil
}
