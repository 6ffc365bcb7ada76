// Package models defines the core domain models for the sync queue and workflow engine.
package models

import "time"

// SyncConfig holds the per-source-table mirroring policy. At most one config
// exists per source table; mutations on unconfigured or disabled tables are
// never enqueued.
type SyncConfig struct {
	ID               string            `json:"id"`
	SourceTable      string            `json:"source_table"       validate:"required"`
	TargetEndpoint   string            `json:"target_endpoint"    validate:"required,uri"`
	TargetObjectType string            `json:"target_object_type" validate:"required"`
	Enabled          bool              `json:"enabled"`
	SyncOnInsert     bool              `json:"sync_on_insert"`
	SyncOnUpdate     bool              `json:"sync_on_update"`
	SyncOnDelete     bool              `json:"sync_on_delete"`
	FieldMapping     map[string]string `json:"field_mapping,omitempty"`  // source key -> target key renames
	ExcludedFields   []string          `json:"excluded_fields,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SyncsOperation reports whether the given operation is mirrored for this table.
func (c *SyncConfig) SyncsOperation(op SyncOperation) bool {
	if !c.Enabled {
		return false
	}

	switch op {
	case OperationInsert:
		return c.SyncOnInsert
	case OperationUpdate:
		return c.SyncOnUpdate
	case OperationDelete:
		return c.SyncOnDelete
	case OperationComposite:
		return true
	default:
		return false
	}
}
