// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncConfigNotFound indicates no sync config exists for a source table.
	ErrSyncConfigNotFound = errors.New("sync config not found")

	// ErrQueueItemNotFound indicates a queue item was not found by id.
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrDefinitionNotFound indicates no workflow definition exists for the
	// given name (or name and version).
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrExecutionNotFound indicates a workflow execution was not found.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrDuplicateCorrelation indicates an execution already exists for the
	// given correlation id.
	ErrDuplicateCorrelation = errors.New("execution already exists for correlation id")

	// ErrDuplicateIdempotencyKey indicates a queue item already exists for
	// the given idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("queue item already exists for idempotency key")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op  string // Operation being performed (e.g. "Enqueue", "Claim")
	Key string // Entity identifier if applicable
	Err error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a storage error with context.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsSyncConfigNotFound checks whether an error indicates a missing sync config.
func IsSyncConfigNotFound(err error) bool {
	return errors.Is(err, ErrSyncConfigNotFound)
}

// IsQueueItemNotFound checks whether an error indicates a missing queue item.
func IsQueueItemNotFound(err error) bool {
	return errors.Is(err, ErrQueueItemNotFound)
}

// IsDefinitionNotFound checks whether an error indicates a missing workflow definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsExecutionNotFound checks whether an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsDuplicateCorrelation checks whether an error indicates a correlation id collision.
func IsDuplicateCorrelation(err error) bool {
	return errors.Is(err, ErrDuplicateCorrelation)
}
