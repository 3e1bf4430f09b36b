package errors

import "fmt"

// Error codes within each category
const (
	CodeValidationPrecondition = "001"
	CodeValidationNotFound     = "002"
	CodeValidationConflict     = "003"
	CodeValidationBackward     = "004"
	CodeValidationUnchanged    = "005"
	CodeValidationInvalidRule  = "006"

	CodeGraphSelfDependency = "001"
	CodeGraphCycle          = "002"
	CodeGraphInvalidEdge    = "003"

	CodeActionFailed = "001"

	CodeHandlerFailed = "001"
	CodeHandlerPanic  = "002"

	CodeStorageFailed = "001"

	CodeConfigInvalid = "001"
)

// NewPreconditionError reports a rule or enablement whose precondition does not hold
func NewPreconditionError(reason, operation string) *AutomationError {
	return NewAutomationError(ErrorCategoryValidation, CodeValidationPrecondition, reason, operation)
}

// NewTaskNotFoundError reports a missing family task instance
func NewTaskNotFoundError(familyID, templateID, operation string) *AutomationError {
	return NewAutomationError(ErrorCategoryValidation, CodeValidationNotFound,
		fmt.Sprintf("task '%s' has no instance in family '%s'", templateID, familyID),
		operation).
		WithContext("family_id", familyID).
		WithContext("template_id", templateID)
}

// NewStatusConflictError reports a compare-and-swap miss on a status update
func NewStatusConflictError(instanceID string, expected, actual string) *AutomationError {
	return NewAutomationError(ErrorCategoryValidation, CodeValidationConflict,
		fmt.Sprintf("task instance '%s' is %s, expected %s", instanceID, actual, expected),
		"status update").
		WithContext("instance_id", instanceID).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

// NewBackwardTransitionError reports an attempt to move a status backwards
func NewBackwardTransitionError(instanceID string, from, to string) *AutomationError {
	return NewAutomationError(ErrorCategoryValidation, CodeValidationBackward,
		fmt.Sprintf("task instance '%s' cannot move from %s to %s", instanceID, from, to),
		"status update").
		WithContext("instance_id", instanceID).
		WithContext("from", from).
		WithContext("to", to)
}

// NewAlreadyInStatusError reports a status update that would not change anything
func NewAlreadyInStatusError(instanceID string, status string) *AutomationError {
	return NewAutomationError(ErrorCategoryValidation, CodeValidationUnchanged,
		fmt.Sprintf("task instance '%s' is already %s", instanceID, status),
		"status update").
		WithContext("instance_id", instanceID).
		WithContext("status", status)
}

// NewInvalidRuleError reports a workflow rule that cannot be stored or run
func NewInvalidRuleError(ruleID, reason string) *AutomationError {
	return NewAutomationError(ErrorCategoryValidation, CodeValidationInvalidRule,
		fmt.Sprintf("workflow rule '%s' is invalid: %s", ruleID, reason),
		"rule validation").
		WithContext("rule_id", ruleID)
}

// NewSelfDependencyError reports an edge from a task to itself
func NewSelfDependencyError(taskID string) *AutomationError {
	return NewAutomationError(ErrorCategoryGraph, CodeGraphSelfDependency,
		fmt.Sprintf("task '%s' cannot depend on itself", taskID),
		"dependency validation").
		WithContext("task_id", taskID)
}

// NewCycleError reports an edge that would close a cycle
func NewCycleError(taskID, dependsOnTaskID string) *AutomationError {
	return NewAutomationError(ErrorCategoryGraph, CodeGraphCycle,
		fmt.Sprintf("dependency '%s' -> '%s' would create a cycle", taskID, dependsOnTaskID),
		"dependency validation").
		WithContext("task_id", taskID).
		WithContext("depends_on_task_id", dependsOnTaskID)
}

// NewInvalidEdgeError reports a malformed dependency edge
func NewInvalidEdgeError(reason string) *AutomationError {
	return NewAutomationError(ErrorCategoryGraph, CodeGraphInvalidEdge, reason, "dependency validation")
}

// NewActionError wraps a failed mutation performed on behalf of a rule or enabler
func NewActionError(operation string, originalErr error) *AutomationError {
	msg := "action failed"
	if originalErr != nil {
		msg = fmt.Sprintf("action failed: %v", originalErr)
	}
	return NewAutomationError(ErrorCategoryAction, CodeActionFailed, msg, operation).
		WithOriginalError(originalErr)
}

// NewHandlerError wraps an error returned by an event subscriber
func NewHandlerError(handler string, originalErr error) *AutomationError {
	return NewAutomationError(ErrorCategoryHandler, CodeHandlerFailed,
		fmt.Sprintf("handler '%s' failed", handler), "event delivery").
		WithContext("handler", handler).
		WithOriginalError(originalErr)
}

// NewHandlerPanicError reports a subscriber that panicked
func NewHandlerPanicError(handler string, recovered interface{}) *AutomationError {
	return NewAutomationError(ErrorCategoryHandler, CodeHandlerPanic,
		fmt.Sprintf("handler '%s' panicked: %v", handler, recovered), "event delivery").
		WithContext("handler", handler)
}

// NewStorageError wraps a storage collaborator failure
func NewStorageError(operation string, originalErr error) *AutomationError {
	return NewAutomationError(ErrorCategoryStorage, CodeStorageFailed,
		"storage operation failed", operation).
		WithOriginalError(originalErr)
}

// NewConfigError reports an invalid configuration value
func NewConfigError(field, value, reason string) *AutomationError {
	return NewAutomationError(ErrorCategoryConfiguration, CodeConfigInvalid,
		fmt.Sprintf("invalid value for %s: '%s' (%s)", field, value, reason),
		"configuration").
		WithContext("field", field).
		WithContext("value", value)
}
