package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a second record
	// with the same identity (e.g., a workflow instance id that is already taken).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when a record fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrConflict is returned when a state transition is not allowed from the
	// record's current state (e.g., cancelling a workflow that already started).
	ErrConflict = errors.New("state conflict")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrMessageNotFound indicates that the queue message does not exist or was already settled.
	ErrMessageNotFound = fmt.Errorf("%w: queue message", ErrNotFound)

	// ErrInstanceNotFound indicates that the workflow instance does not exist.
	ErrInstanceNotFound = fmt.Errorf("%w: workflow instance", ErrNotFound)

	// ErrPostNotFound indicates that the post does not exist.
	ErrPostNotFound = fmt.Errorf("%w: post", ErrNotFound)

	// ErrCommentNotFound indicates that the comment does not exist.
	ErrCommentNotFound = fmt.Errorf("%w: comment", ErrNotFound)

	// ErrInstanceExists indicates that a workflow instance with the same id already exists.
	ErrInstanceExists = fmt.Errorf("%w: workflow instance", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
// Entity-specific errors wrap ErrNotFound, so a single errors.Is suffices.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "kv_entry", "workflow_instance")
	Operation string // The operation that failed (e.g., "claim", "save")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
