package web

// ProcessQueueRequest is the dispatch envelope both triggers post.
type ProcessQueueRequest struct {
	Action  string              `json:"action"  validate:"required,oneof=process_queue retry_failed run_pending_executions"`
	Payload ProcessQueuePayload `json:"payload"`
}

type ProcessQueuePayload struct {
	BatchSize int `json:"batchSize" validate:"gte=0"`
}

// EnqueueRequest is the producer-facing capture request.
type EnqueueRequest struct {
	Table     string         `json:"table"     validate:"required"`
	RecordID  string         `json:"record_id" validate:"required"`
	Operation string         `json:"operation" validate:"required,oneof=INSERT UPDATE DELETE"`
	Payload   map[string]any `json:"payload"`
}

// SyncConfigRequest creates or updates the mirroring policy of one table.
type SyncConfigRequest struct {
	SourceTable      string            `json:"source_table"       validate:"required"`
	TargetEndpoint   string            `json:"target_endpoint"    validate:"required,uri"`
	TargetObjectType string            `json:"target_object_type" validate:"required"`
	Enabled          bool              `json:"enabled"`
	SyncOnInsert     bool              `json:"sync_on_insert"`
	SyncOnUpdate     bool              `json:"sync_on_update"`
	SyncOnDelete     bool              `json:"sync_on_delete"`
	FieldMapping     map[string]string `json:"field_mapping,omitempty"`
	ExcludedFields   []string          `json:"excluded_fields,omitempty"`
}

// EnqueueWorkflowRequest starts one workflow execution.
type EnqueueWorkflowRequest struct {
	Payload       map[string]any `json:"payload"        validate:"required"`
	CorrelationID string         `json:"correlation_id"`
	TriggeredBy   string         `json:"triggered_by"`
}

// CancelExecutionRequest carries the canceller's identity for the audit log.
type CancelExecutionRequest struct {
	CancelledBy string `json:"cancelled_by"`
}
