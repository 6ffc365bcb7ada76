package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/leaseloop/leasesync/pkg/capture"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/workflow"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case workflow.IsValidationError(err):
		return badRequest(c, err.Error())

	case workflow.IsConflictError(err):
		return conflict(c, err.Error())

	case persistence.IsSyncConfigNotFound(err):
		return notFound(c, "sync config not found")

	case persistence.IsQueueItemNotFound(err):
		return notFound(c, "queue item not found")

	case persistence.IsDefinitionNotFound(err):
		return notFound(c, "workflow not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")

	default:
		return internalError(c, err)
	}
}

// handleCaptureError maps capture outcomes: unconfigured tables are a
// validation problem for the producer-facing enqueue endpoint, duplicates are
// a conflict.
func handleCaptureError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, capture.ErrNotConfigured):
		return badRequest(c, err.Error())

	case errors.Is(err, capture.ErrDuplicateCapture):
		return conflict(c, err.Error())

	default:
		return internalError(c, err)
	}
}
