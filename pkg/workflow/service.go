package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leaseloop/leasesync/pkg/eventbus"
	"github.com/leaseloop/leasesync/pkg/events"
	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/template"
)

// DefaultPendingLimit bounds a pending-execution recovery pass.
const DefaultPendingLimit = 50

// ExecutionRunner starts an execution without blocking the caller.
type ExecutionRunner interface {
	RunAsync(ctx context.Context, executionID string)
}

// Service manages workflow definitions and enqueues executions. Validation
// failures surface synchronously to the caller; step failures only surface on
// the execution record.
type Service struct {
	persistence persistence.Persistence
	validator   *validator.Validate
	runner      ExecutionRunner
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

// NewService creates a workflow service. The runner may be nil when
// executions are only picked up by the pending sweep.
func NewService(p persistence.Persistence, runner ExecutionRunner, publisher eventbus.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		persistence: p,
		validator:   validator.New(),
		runner:      runner,
		publisher:   publisher,
		logger:      logger.With("module", "workflow_service"),
	}
}

// SaveDefinition validates and stores an uploaded definition document. Saving
// an existing name creates a new active version.
func (s *Service) SaveDefinition(ctx context.Context, raw []byte) (*models.WorkflowDefinition, error) {
	err := validateDefinitionDocument(raw)
	if err != nil {
		return nil, err
	}

	var definition models.WorkflowDefinition

	err = json.Unmarshal(raw, &definition)
	if err != nil {
		return nil, NewValidationError("SaveDefinition", "INVALID_DOCUMENT", "definition is not valid JSON", ErrInvalidRequest)
	}

	for i := range definition.Steps {
		if definition.Steps[i].OnFailure == "" {
			definition.Steps[i].OnFailure = models.FailurePolicyAbort
		}
	}

	if definition.MaxRetries <= 0 {
		definition.MaxRetries = models.DefaultMaxRetries
	}

	definition.Active = true

	err = s.validator.Struct(&definition)
	if err != nil {
		return nil, NewValidationError("SaveDefinition", "INVALID_DEFINITION", err.Error(), ErrInvalidRequest)
	}

	err = s.persistence.WorkflowDefinitions().Save(ctx, &definition)
	if err != nil {
		return nil, fmt.Errorf("failed to save definition %s: %w", definition.Name, err)
	}

	s.logger.InfoContext(ctx, "definition saved",
		"workflow_name", definition.Name,
		"version", definition.Version,
		"steps", len(definition.Steps),
	)

	return &definition, nil
}

// ListDefinitions returns the newest version of every definition.
func (s *Service) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.persistence.WorkflowDefinitions().List(ctx)
}

// GetDefinition returns the active version of a named definition.
func (s *Service) GetDefinition(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	definition, err := s.persistence.WorkflowDefinitions().GetActive(ctx, name)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, NewValidationError("GetDefinition", "UNKNOWN_WORKFLOW", "no active workflow named "+name, ErrUnknownWorkflow)
		}

		return nil, err
	}

	return definition, nil
}

// EnqueueWorkflow validates the input against the active definition, pins the
// definition version and creates a pending execution. The same correlation id
// always yields the same execution.
func (s *Service) EnqueueWorkflow(ctx context.Context, name string, payload map[string]any, correlationID, triggeredBy string) (*models.WorkflowExecution, error) {
	definition, err := s.GetDefinition(ctx, name)
	if err != nil {
		return nil, err
	}

	err = checkRequiredFields(definition, payload)
	if err != nil {
		return nil, err
	}

	err = checkTemplatesResolvable(definition, payload)
	if err != nil {
		return nil, err
	}

	if correlationID != "" {
		existing, err := s.persistence.Executions().GetByCorrelationID(ctx, correlationID)
		if err == nil {
			return existing, nil
		}

		if !errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("failed to check correlation id: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	execution := &models.WorkflowExecution{
		ID:              id.String(),
		WorkflowName:    definition.Name,
		WorkflowVersion: definition.Version,
		Status:          models.ExecutionStatusPending,
		TotalSteps:      len(definition.Steps),
		InputPayload:    payload,
		Context:         make(map[string]any),
		CorrelationID:   correlationID,
		TriggeredBy:     triggeredBy,
	}

	err = s.persistence.Executions().Create(ctx, execution)
	if err != nil {
		// A concurrent enqueue with the same correlation id won the race;
		// return its execution.
		if errors.Is(err, persistence.ErrDuplicateCorrelation) {
			return s.persistence.Executions().GetByCorrelationID(ctx, correlationID)
		}

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	s.logger.InfoContext(ctx, "execution enqueued",
		"execution_id", execution.ID,
		"workflow_name", definition.Name,
		"workflow_version", definition.Version,
	)

	if s.runner != nil {
		s.runner.RunAsync(ctx, execution.ID)
	}

	return execution, nil
}

// GetExecution returns an execution by id.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return s.persistence.Executions().GetByID(ctx, id)
}

// CancelExecution cancels a non-terminal execution. The engine stops
// advancing at the next step boundary; completed side effects are not rolled
// back.
func (s *Service) CancelExecution(ctx context.Context, id, cancelledBy string) (*models.WorkflowExecution, error) {
	cancelled, err := s.persistence.Executions().Cancel(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution: %w", err)
	}

	execution, getErr := s.persistence.Executions().GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	if !cancelled {
		return nil, NewValidationError("CancelExecution", "EXECUTION_TERMINAL",
			fmt.Sprintf("execution is already %s", execution.Status), ErrExecutionTerminal)
	}

	s.logger.InfoContext(ctx, "execution cancelled", "execution_id", id, "cancelled_by", cancelledBy)

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, id, events.ExecutionCancelled{
			BaseEvent:    events.NewBaseEvent(events.ExecutionCancelledEvent),
			ExecutionID:  id,
			WorkflowName: execution.WorkflowName,
			CancelledBy:  cancelledBy,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish cancellation event", "execution_id", id, "error", err)
		}
	}

	return execution, nil
}

// RunPending hands pending executions to the runner, recovering work whose
// immediate run was lost.
func (s *Service) RunPending(ctx context.Context, limit int) (int, error) {
	if s.runner == nil {
		return 0, errors.New("no execution runner configured")
	}

	if limit <= 0 {
		limit = DefaultPendingLimit
	}

	pending, err := s.persistence.Executions().ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending executions: %w", err)
	}

	for _, execution := range pending {
		s.runner.RunAsync(ctx, execution.ID)
	}

	return len(pending), nil
}

func checkRequiredFields(definition *models.WorkflowDefinition, payload map[string]any) error {
	for _, field := range definition.RequiredFields {
		value, ok := payload[field]
		if !ok || value == nil {
			return NewValidationError("EnqueueWorkflow", "MISSING_FIELD",
				"input payload is missing required field "+field, ErrMissingRequiredField)
		}
	}

	return nil
}

// checkTemplatesResolvable verifies every placeholder in every step resolves
// from the input payload or from the name of a prior step. This runs before
// the execution is created, so template mistakes fail fast and synchronously.
func checkTemplatesResolvable(definition *models.WorkflowDefinition, payload map[string]any) error {
	resolvable := make(map[string]struct{}, len(payload)+len(definition.Steps))
	for key := range payload {
		resolvable[key] = struct{}{}
	}

	for _, step := range definition.Steps {
		for field, value := range step.PayloadTemplate {
			for _, placeholder := range template.Placeholders(value) {
				root := placeholder
				if i := strings.IndexByte(root, '.'); i >= 0 {
					root = root[:i]
				}

				if _, ok := resolvable[root]; !ok {
					return NewValidationError("EnqueueWorkflow", "UNRESOLVABLE_TEMPLATE",
						fmt.Sprintf("step %s field %s references unresolvable placeholder {{%s}}", step.Name, field, placeholder),
						ErrUnresolvableTemplate)
				}
			}
		}

		// Later steps may reference this step's result by name.
		resolvable[step.Name] = struct{}{}
	}

	return nil
}
