package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// StepFailedKey marks a step result in the execution context as a recorded
// failure (continue policy). Consumers of the final context must check it
// rather than assuming every step succeeded.
const StepFailedKey = "step_failed"

// WorkflowExecution is one running instance of a workflow definition. It is
// owned exclusively by the execution engine; producers create it and read its
// terminal result.
type WorkflowExecution struct {
	ID              string          `json:"id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion int             `json:"workflow_version"`
	Status          ExecutionStatus `json:"status"`
	CurrentStep     int             `json:"current_step"`
	TotalSteps      int             `json:"total_steps"`
	InputPayload    map[string]any  `json:"input_payload"`
	Context         map[string]any  `json:"context"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStep       string          `json:"error_step,omitempty"`
	RetryCount      int             `json:"retry_count"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	TriggeredBy     string          `json:"triggered_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the execution can no longer advance.
func (e *WorkflowExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}
