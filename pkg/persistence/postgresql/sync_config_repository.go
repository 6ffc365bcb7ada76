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

// SyncConfigRepository handles sync config database operations.
type SyncConfigRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSyncConfigRepository creates a new sync config repository.
func NewSyncConfigRepository(db *sql.DB, logger *slog.Logger) *SyncConfigRepository {
	return &SyncConfigRepository{db: db, logger: logger}
}

const syncConfigColumns = `
	id
  , source_table
  , target_endpoint
  , target_object_type
  , enabled
  , sync_on_insert
  , sync_on_update
  , sync_on_delete
  , field_mapping
  , excluded_fields
  , created_at
  , updated_at
`

// GetBySourceTable returns the config for a source table.
func (r *SyncConfigRepository) GetBySourceTable(ctx context.Context, sourceTable string) (*models.SyncConfig, error) {
	query := `SELECT ` + syncConfigColumns + ` FROM sync_configs WHERE source_table = $1`

	row := r.db.QueryRowContext(ctx, query, sourceTable)

	config, err := scanSyncConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSyncConfigNotFound
		}

		return nil, fmt.Errorf("failed to scan sync config: %w", err)
	}

	return config, nil
}

// Save upserts a config keyed by source table.
func (r *SyncConfigRepository) Save(ctx context.Context, config *models.SyncConfig) error {
	now := time.Now().UTC()

	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}

	config.UpdatedAt = now

	if config.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate sync config ID: %w", err)
		}

		config.ID = id.String()
	}

	fieldMappingJSON, err := json.Marshal(config.FieldMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal field mapping: %w", err)
	}

	excludedFieldsJSON, err := json.Marshal(config.ExcludedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal excluded fields: %w", err)
	}

	query := `
		INSERT INTO sync_configs (
			id, source_table, target_endpoint, target_object_type, enabled,
			sync_on_insert, sync_on_update, sync_on_delete, field_mapping,
			excluded_fields, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_table) DO UPDATE SET
			target_endpoint = EXCLUDED.target_endpoint
		  , target_object_type = EXCLUDED.target_object_type
		  , enabled = EXCLUDED.enabled
		  , sync_on_insert = EXCLUDED.sync_on_insert
		  , sync_on_update = EXCLUDED.sync_on_update
		  , sync_on_delete = EXCLUDED.sync_on_delete
		  , field_mapping = EXCLUDED.field_mapping
		  , excluded_fields = EXCLUDED.excluded_fields
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		config.ID, config.SourceTable, config.TargetEndpoint, config.TargetObjectType,
		config.Enabled, config.SyncOnInsert, config.SyncOnUpdate, config.SyncOnDelete,
		fieldMappingJSON, excludedFieldsJSON, config.CreatedAt, config.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("SaveSyncConfig", config.SourceTable, err)
	}

	return nil
}

// List returns every config ordered by source table.
func (r *SyncConfigRepository) List(ctx context.Context) ([]*models.SyncConfig, error) {
	query := `SELECT ` + syncConfigColumns + ` FROM sync_configs ORDER BY source_table`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync configs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	configs := make([]*models.SyncConfig, 0)

	for rows.Next() {
		config, err := scanSyncConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync config: %w", err)
		}

		configs = append(configs, config)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating sync configs: %w", err)
	}

	return configs, nil
}

// Delete removes the config for a source table.
func (r *SyncConfigRepository) Delete(ctx context.Context, sourceTable string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sync_configs WHERE source_table = $1`, sourceTable)
	if err != nil {
		return persistence.NewStoreError("DeleteSyncConfig", sourceTable, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrSyncConfigNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncConfig(row rowScanner) (*models.SyncConfig, error) {
	var (
		config             models.SyncConfig
		fieldMappingJSON   []byte
		excludedFieldsJSON []byte
	)

	err := row.Scan(
		&config.ID, &config.SourceTable, &config.TargetEndpoint, &config.TargetObjectType,
		&config.Enabled, &config.SyncOnInsert, &config.SyncOnUpdate, &config.SyncOnDelete,
		&fieldMappingJSON, &excludedFieldsJSON, &config.CreatedAt, &config.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(fieldMappingJSON, &config.FieldMapping)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal field mapping: %w", err)
	}

	err = json.Unmarshal(excludedFieldsJSON, &config.ExcludedFields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal excluded fields: %w", err)
	}

	return &config, nil
}
