package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/leaseloop/leasesync/pkg/eventbus"
	"github.com/leaseloop/leasesync/pkg/events"
	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/otelhelper"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/template"
)

const (
	defaultStepRetries   = 2
	defaultStepBaseDelay = 5 * time.Second
	defaultStepMaxDelay  = 2 * time.Minute
)

// Engine runs workflow executions step by step. The pending -> running
// transition is a conditional claim, so concurrent engine instances never run
// the same execution twice.
type Engine struct {
	persistence persistence.Persistence
	registry    *Registry
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEnginePublisher attaches a lifecycle event publisher.
func WithEnginePublisher(publisher eventbus.EventPublisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithEngineTracer attaches a tracer for execution and step spans.
func WithEngineTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithStepBackoff overrides the retry backoff for retry-policy steps.
func WithStepBackoff(baseDelay, maxDelay time.Duration) EngineOption {
	return func(e *Engine) {
		e.baseDelay = baseDelay
		e.maxDelay = maxDelay
	}
}

// WithEngineClock overrides the clock and sleep, for tests.
func WithEngineClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		e.now = now
		e.sleep = sleep
	}
}

// NewEngine creates an execution engine.
func NewEngine(p persistence.Persistence, registry *Registry, logger *slog.Logger, opts ...EngineOption) *Engine {
	engine := &Engine{
		persistence: p,
		registry:    registry,
		tracer:      noop.NewTracerProvider().Tracer("workflow_engine"),
		logger:      logger.With("module", "workflow_engine"),
		baseDelay:   defaultStepBaseDelay,
		maxDelay:    defaultStepMaxDelay,
		now:         func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// RunAsync runs the execution on a detached goroutine, for the fire-and-forget
// path after enqueue.
func (e *Engine) RunAsync(ctx context.Context, executionID string) {
	detached := context.WithoutCancel(ctx)

	go func() {
		err := e.Run(detached, executionID)
		if err != nil {
			e.logger.ErrorContext(detached, "execution run failed", "execution_id", executionID, "error", err)
		}
	}()
}

// Run claims and drives one execution to a terminal state. Calling it for an
// already-claimed or terminal execution is a no-op.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}

	if execution.IsTerminal() {
		return nil
	}

	definition, err := e.persistence.WorkflowDefinitions().GetVersion(ctx, execution.WorkflowName, execution.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("failed to load pinned definition %s v%d: %w", execution.WorkflowName, execution.WorkflowVersion, err)
	}

	startedAt := e.now()

	claimed, err := e.persistence.Executions().ClaimRunning(ctx, execution.ID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to claim execution: %w", err)
	}

	if !claimed {
		return nil
	}

	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &startedAt

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.run",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.WorkflowNameKey, execution.WorkflowName),
	)
	defer span.End()

	e.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:       events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:     execution.ID,
		WorkflowName:    execution.WorkflowName,
		WorkflowVersion: execution.WorkflowVersion,
		TriggeredBy:     execution.TriggeredBy,
	})

	if execution.Context == nil {
		execution.Context = make(map[string]any)
	}

	for execution.CurrentStep < len(definition.Steps) {
		cancelled, err := e.checkCancelled(ctx, execution.ID)
		if err != nil {
			return err
		}

		if cancelled {
			e.logger.InfoContext(ctx, "execution cancelled, stopping",
				"execution_id", execution.ID,
				"current_step", execution.CurrentStep,
			)

			return nil
		}

		step := definition.Steps[execution.CurrentStep]

		result, stepErr := e.runStep(ctx, execution, definition, step)

		switch {
		case stepErr == nil:
			execution.Context[step.Name] = result
		case step.OnFailure == models.FailurePolicyContinue:
			// Record the failure and advance. Later steps can see the
			// marker through the context.
			execution.Context[step.Name] = map[string]any{
				models.StepFailedKey: true,
				"error":              stepErr.Error(),
			}

			e.logger.WarnContext(ctx, "step failed, continuing",
				"execution_id", execution.ID,
				"step", step.Name,
				"error", stepErr,
			)
		default:
			return e.fail(ctx, execution, step.Name, stepErr, startedAt)
		}

		execution.CurrentStep++

		err = e.persistence.Executions().Update(ctx, execution)
		if err != nil {
			return fmt.Errorf("failed to persist step progress: %w", err)
		}
	}

	return e.complete(ctx, execution, startedAt)
}

// runStep renders the step payload and invokes the target function, applying
// the retry policy when configured. Template resolution failures are
// non-retryable.
func (e *Engine) runStep(ctx context.Context, execution *models.WorkflowExecution, definition *models.WorkflowDefinition, step models.WorkflowStep) (map[string]any, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StepNameKey, step.Name),
	)
	defer span.End()

	payload, err := template.RenderMap(step.PayloadTemplate, execution.InputPayload, execution.Context)
	if err != nil {
		var unresolved *template.UnresolvedTokenError
		if errors.As(err, &unresolved) {
			otelhelper.SetError(span, err)

			return nil, fmt.Errorf("%w: %s", ErrUnresolvableTemplate, unresolved.Token)
		}

		return nil, fmt.Errorf("failed to render step payload: %w", err)
	}

	payload["action"] = step.Action

	fn, ok := e.registry.Get(step.TargetFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTargetFunction, step.TargetFunction)
	}

	attempts := 1
	if step.OnFailure == models.FailurePolicyRetry {
		maxRetries := definition.MaxRetries
		if maxRetries <= 0 {
			maxRetries = defaultStepRetries
		}

		attempts = maxRetries + 1
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			execution.RetryCount++

			delay := stepDelay(e.baseDelay, e.maxDelay, attempt)

			err := e.sleep(ctx, delay)
			if err != nil {
				return nil, err
			}
		}

		result, err := fn(ctx, payload)
		if err == nil {
			return result, nil
		}

		lastErr = err

		e.logger.WarnContext(ctx, "step attempt failed",
			"execution_id", execution.ID,
			"step", step.Name,
			"attempt", attempt+1,
			"error", err,
		)
	}

	otelhelper.SetError(span, lastErr)

	return nil, lastErr
}

func stepDelay(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}

	if delay > maxDelay {
		return maxDelay
	}

	return delay
}

// checkCancelled reloads the execution to honor an operator cancel issued
// while steps were running.
func (e *Engine) checkCancelled(ctx context.Context, executionID string) (bool, error) {
	current, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("failed to reload execution: %w", err)
	}

	return current.Status == models.ExecutionStatusCancelled, nil
}

func (e *Engine) complete(ctx context.Context, execution *models.WorkflowExecution, startedAt time.Time) error {
	completedAt := e.now()

	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedAt = &completedAt

	err := e.persistence.Executions().Update(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", execution.ID,
		"workflow_name", execution.WorkflowName,
		"steps", execution.CurrentStep,
	)

	e.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent),
		ExecutionID:   execution.ID,
		WorkflowName:  execution.WorkflowName,
		StepsExecuted: execution.CurrentStep,
		DurationMs:    completedAt.Sub(startedAt).Milliseconds(),
	})

	return nil
}

func (e *Engine) fail(ctx context.Context, execution *models.WorkflowExecution, stepName string, stepErr error, startedAt time.Time) error {
	completedAt := e.now()

	execution.Status = models.ExecutionStatusFailed
	execution.ErrorStep = stepName
	execution.ErrorMessage = stepErr.Error()
	execution.CompletedAt = &completedAt

	err := e.persistence.Executions().Update(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}

	e.logger.ErrorContext(ctx, "execution failed",
		"execution_id", execution.ID,
		"workflow_name", execution.WorkflowName,
		"error_step", stepName,
		"error", stepErr,
	)

	e.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent:    events.NewBaseEvent(events.ExecutionFailedEvent),
		ExecutionID:  execution.ID,
		WorkflowName: execution.WorkflowName,
		ErrorStep:    stepName,
		Error:        stepErr.Error(),
		DurationMs:   completedAt.Sub(startedAt).Milliseconds(),
	})

	return nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
