package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory represents the category of error
type ErrorCategory string

const (
	// ErrorCategoryValidation is a precondition that was not met. It is a
	// skip, never a failure.
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	// ErrorCategoryAction is a mutation that was attempted and failed
	ErrorCategoryAction ErrorCategory = "ACTION"
	// ErrorCategoryHandler is a subscriber that failed unexpectedly
	ErrorCategoryHandler ErrorCategory = "HANDLER"
	// ErrorCategoryStorage is a storage collaborator failure
	ErrorCategoryStorage ErrorCategory = "STORAGE"
	// ErrorCategoryGraph is a rejected dependency edge
	ErrorCategoryGraph ErrorCategory = "GRAPH"
	// ErrorCategoryConfiguration represents configuration errors
	ErrorCategoryConfiguration ErrorCategory = "CONFIGURATION"
)

// AutomationError represents a structured error with the context needed to
// report it on the event stream
type AutomationError struct {
	Category      ErrorCategory
	Code          string
	Message       string
	Operation     string
	Context       map[string]interface{}
	OriginalError error
}

// Error implements the error interface
func (e *AutomationError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s-%s: %s", e.Category, e.Code, e.Message))
	if e.Operation != "" {
		sb.WriteString(fmt.Sprintf(" (operation: %s)", e.Operation))
	}
	if e.OriginalError != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.OriginalError))
	}
	return sb.String()
}

// Unwrap returns the original error for error chain compatibility
func (e *AutomationError) Unwrap() error {
	return e.OriginalError
}

// NewAutomationError creates a new automation error with the specified parameters
func NewAutomationError(category ErrorCategory, code, message, operation string) *AutomationError {
	return &AutomationError{
		Category:  category,
		Code:      code,
		Message:   message,
		Operation: operation,
		Context:   make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *AutomationError) WithContext(key string, value interface{}) *AutomationError {
	e.Context[key] = value
	return e
}

// WithOriginalError adds the original error to the automation error
func (e *AutomationError) WithOriginalError(err error) *AutomationError {
	e.OriginalError = err
	return e
}

// Category returns the category of err, or "" when err is not an AutomationError
func Category(err error) ErrorCategory {
	var autoErr *AutomationError
	if errors.As(err, &autoErr) {
		return autoErr.Category
	}
	return ""
}

// IsValidationFailure reports whether err is a skipped precondition
func IsValidationFailure(err error) bool {
	return Category(err) == ErrorCategoryValidation
}

func hasCode(err error, category ErrorCategory, code string) bool {
	var autoErr *AutomationError
	if errors.As(err, &autoErr) {
		return autoErr.Category == category && autoErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a missing task instance
func IsNotFound(err error) bool {
	return hasCode(err, ErrorCategoryValidation, CodeValidationNotFound)
}

// IsConflict reports whether err is a compare-and-swap miss on a status update
func IsConflict(err error) bool {
	return hasCode(err, ErrorCategoryValidation, CodeValidationConflict)
}

// IsUnchanged reports whether err is a status update to the status the task already has
func IsUnchanged(err error) bool {
	return hasCode(err, ErrorCategoryValidation, CodeValidationUnchanged)
}
