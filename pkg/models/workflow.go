package models

import "time"

// FailurePolicy controls how the execution engine reacts when a step fails.
type FailurePolicy string

const (
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyAbort    FailurePolicy = "abort"
	FailurePolicyRetry    FailurePolicy = "retry"
)

// WorkflowStep is one step of a workflow definition. PayloadTemplate values
// may contain {{token}} placeholders resolved from the execution's input
// payload and the accumulated context of prior steps.
type WorkflowStep struct {
	Name            string            `json:"name"             validate:"required"`
	TargetFunction  string            `json:"target_function"  validate:"required"`
	Action          string            `json:"action"           validate:"required"`
	PayloadTemplate map[string]string `json:"payload_template"`
	OnFailure       FailurePolicy     `json:"on_failure"       validate:"required,oneof=continue abort retry"`
}

// WorkflowDefinition is a named, versioned step sequence. Updates bump
// Version; executions pin the version they were created against so in-flight
// work is unaffected by later edits.
type WorkflowDefinition struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"               validate:"required,min=3"`
	Description       string         `json:"description,omitempty"`
	Steps             []WorkflowStep `json:"steps"              validate:"required,min=1,dive"`
	RequiredFields    []string       `json:"required_fields,omitempty"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	VisibilityTimeout int            `json:"visibility_timeout"`
	MaxRetries        int            `json:"max_retries"`
	Active            bool           `json:"active"`
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StepByName returns the named step, if present.
func (d *WorkflowDefinition) StepByName(name string) (WorkflowStep, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}

	return WorkflowStep{}, false
}
