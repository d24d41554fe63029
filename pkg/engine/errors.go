package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a command names an entity the engine
	// does not know.
	ErrNotFound = errors.New("entity not found")

	// ErrRunNotQuiescent is returned by run.complete without force while
	// the run still has open tasks or pending requirements.
	ErrRunNotQuiescent = errors.New("run is not quiescent")

	// ErrNotQuiescent is returned when a colony or hive is closed while
	// children are still non-terminal.
	ErrNotQuiescent = errors.New("unfinished children remain")

	// ErrEngineStopped is returned by commands issued after Stop.
	ErrEngineStopped = errors.New("engine is stopped")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ApprovalRequiredError reports that a gated assignment needs a resolved
// requirement first. RequirementID names the pending requirement; callers
// resolve it and retry the command.
type ApprovalRequiredError struct {
	TaskID        string
	RequirementID string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("task %s requires approval; requirement %s is pending", e.TaskID, e.RequirementID)
}

// IsApprovalRequired checks if an error is an approval-required rejection.
func IsApprovalRequired(err error) bool {
	var ae *ApprovalRequiredError
	return errors.As(err, &ae)
}
