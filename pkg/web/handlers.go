// Package web provides the HTTP handlers for queue processing, change
// capture, sync config administration and workflow management.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/leaseloop/leasesync/pkg/capture"
	"github.com/leaseloop/leasesync/pkg/dispatch"
	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/processor"
	"github.com/leaseloop/leasesync/pkg/workflow"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type APIHandlers struct {
	persistence     persistence.Persistence
	capturer        *capture.Capturer
	processor       *processor.Processor
	workflowService *workflow.Service
	validator       *validator.Validate
	logger          *slog.Logger
}

func NewAPIHandlers(
	p persistence.Persistence,
	capturer *capture.Capturer,
	proc *processor.Processor,
	workflowService *workflow.Service,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence:     p,
		capturer:        capturer,
		processor:       proc,
		workflowService: workflowService,
		validator:       validator,
		logger:          logger.With("module", "web"),
	}
}

// RegisterRoutes mounts every endpoint on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Post("/process-queue", h.ProcessQueue)
	app.Post("/enqueue", h.Enqueue)

	queue := app.Group("/queue")
	queue.Get("/stats", h.QueueStats)
	queue.Get("/dead-letters", h.DeadLetters)

	configs := app.Group("/sync-configs")
	configs.Get("/", h.ListSyncConfigs)
	configs.Post("/", h.SaveSyncConfig)
	configs.Get("/:table", h.GetSyncConfig)
	configs.Put("/:table", h.SaveSyncConfig)
	configs.Delete("/:table", h.DeleteSyncConfig)

	workflows := app.Group("/workflows")
	workflows.Get("/", h.GetWorkflows)
	workflows.Post("/", h.CreateWorkflow)
	workflows.Get("/:name", h.GetWorkflow)
	workflows.Post("/:name/executions", h.EnqueueWorkflow)

	executions := app.Group("/executions")
	executions.Get("/:id", h.GetExecution)
	executions.Post("/:id/cancel", h.CancelExecution)

	app.Get("/health", h.HealthCheck)
}

// ProcessQueue is the converged dispatch endpoint: both the immediate trigger
// and the sweeps post here. Redundant invocations are safe.
func (h *APIHandlers) ProcessQueue(c fiber.Ctx) error {
	var req ProcessQueueRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var (
		report *models.ProcessingReport
		err    error
	)

	switch req.Action {
	case dispatch.ActionProcessQueue:
		report, err = h.processor.Process(c.Context(), req.Payload.BatchSize)
	case dispatch.ActionRetryFailed:
		report, err = h.processor.RetryFailed(c.Context(), req.Payload.BatchSize)
	case dispatch.ActionRunPending:
		var started int

		started, err = h.workflowService.RunPending(c.Context(), req.Payload.BatchSize)
		if err == nil {
			return c.JSON(fiber.Map{"executions_started": started})
		}
	}

	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(report)
}

// Enqueue is the producer-facing capture endpoint.
func (h *APIHandlers) Enqueue(c fiber.Ctx) error {
	var req EnqueueRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var (
		item *models.SyncQueueItem
		err  error
	)

	switch models.SyncOperation(req.Operation) {
	case models.OperationInsert:
		item, err = h.capturer.CaptureInsert(c.Context(), req.Table, req.RecordID, req.Payload)
	case models.OperationUpdate:
		item, err = h.capturer.CaptureUpdate(c.Context(), req.Table, req.RecordID, req.Payload)
	case models.OperationDelete:
		item, err = h.capturer.CaptureDelete(c.Context(), req.Table, req.RecordID, req.Payload)
	}

	if err != nil {
		return handleCaptureError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(item)
}

// QueueStats returns item counts grouped by (status, table).
func (h *APIHandlers) QueueStats(c fiber.Ctx) error {
	stats, err := h.persistence.Queue().Stats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"stats": stats})
}

// DeadLetters lists archived failures newest first.
func (h *APIHandlers) DeadLetters(c fiber.Ctx) error {
	limit, offset, err := parsePagination(c)
	if err != nil {
		return badRequest(c, "Invalid pagination parameters: "+err.Error())
	}

	items, err := h.persistence.DeadLetters().List(c.Context(), limit, offset)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"dead_letters": items,
		"pagination": fiber.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

func parsePagination(c fiber.Ctx) (int, int, error) {
	limit := defaultDeadLetterLimit
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = parsed
	}

	if limit <= 0 || limit > maxDeadLetterLimit {
		limit = defaultDeadLetterLimit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = parsed
	}

	if offset < 0 {
		offset = 0
	}

	return limit, offset, nil
}

// ListSyncConfigs returns every table's mirroring policy.
func (h *APIHandlers) ListSyncConfigs(c fiber.Ctx) error {
	configs, err := h.persistence.SyncConfigs().List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"sync_configs": configs})
}

// GetSyncConfig returns one table's mirroring policy.
func (h *APIHandlers) GetSyncConfig(c fiber.Ctx) error {
	table := c.Params("table")
	if table == "" {
		return badRequest(c, "Source table is required")
	}

	config, err := h.persistence.SyncConfigs().GetBySourceTable(c.Context(), table)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(config)
}

// SaveSyncConfig creates or replaces a table's mirroring policy.
func (h *APIHandlers) SaveSyncConfig(c fiber.Ctx) error {
	var req SyncConfigRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if table := c.Params("table"); table != "" {
		req.SourceTable = table
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	config := &models.SyncConfig{
		SourceTable:      req.SourceTable,
		TargetEndpoint:   req.TargetEndpoint,
		TargetObjectType: req.TargetObjectType,
		Enabled:          req.Enabled,
		SyncOnInsert:     req.SyncOnInsert,
		SyncOnUpdate:     req.SyncOnUpdate,
		SyncOnDelete:     req.SyncOnDelete,
		FieldMapping:     req.FieldMapping,
		ExcludedFields:   req.ExcludedFields,
	}

	err := h.persistence.SyncConfigs().Save(c.Context(), config)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(config)
}

// DeleteSyncConfig removes a table's mirroring policy. Queued items for the
// table are skipped by the processor from then on.
func (h *APIHandlers) DeleteSyncConfig(c fiber.Ctx) error {
	table := c.Params("table")
	if table == "" {
		return badRequest(c, "Source table is required")
	}

	err := h.persistence.SyncConfigs().Delete(c.Context(), table)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// CreateWorkflow uploads a definition document. Re-uploading a name creates
// a new active version.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	definition, err := h.workflowService.SaveDefinition(c.Context(), c.Body())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(definition)
}

// GetWorkflows lists the newest version of every definition.
func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	definitions, err := h.workflowService.ListDefinitions(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": definitions})
}

// GetWorkflow returns the active version of a named definition.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return badRequest(c, "Workflow name is required")
	}

	definition, err := h.workflowService.GetDefinition(c.Context(), name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

// EnqueueWorkflow validates and creates a pending execution.
func (h *APIHandlers) EnqueueWorkflow(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return badRequest(c, "Workflow name is required")
	}

	var req EnqueueWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.workflowService.EnqueueWorkflow(c.Context(), name, req.Payload, req.CorrelationID, req.TriggeredBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(execution)
}

// GetExecution returns an execution's current state and context.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.workflowService.GetExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// CancelExecution cancels a non-terminal execution.
func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req CancelExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	execution, err := h.workflowService.CancelExecution(c.Context(), id, req.CancelledBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// HealthCheck reports persistence health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "leasesync API is healthy"
	httpStatus := http.StatusOK

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		message = "leasesync API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}
