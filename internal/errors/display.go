package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DisplayErrorSummary provides a brief summary of the error for logs
func DisplayErrorSummary(err error) string {
	var autoErr *AutomationError
	if errors.As(err, &autoErr) {
		return fmt.Sprintf("%s-%s: %s", autoErr.Category, autoErr.Code, autoErr.Message)
	}

	errStr := err.Error()
	if len(errStr) > 100 {
		return errStr[:97] + "..."
	}
	return errStr
}

// FormatForCLI formats an error for command-line display with proper spacing
func FormatForCLI(err error) string {
	var autoErr *AutomationError
	if !errors.As(err, &autoErr) {
		return fmt.Sprintf("\nError: %v\n", err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\nError [%s-%s]\n", autoErr.Category, autoErr.Code))
	sb.WriteString(fmt.Sprintf("  %s\n", autoErr.Message))

	if autoErr.Operation != "" {
		sb.WriteString(fmt.Sprintf("\nFailed Operation: %s\n", autoErr.Operation))
	}

	if len(autoErr.Context) > 0 {
		keys := make([]string, 0, len(autoErr.Context))
		for key := range autoErr.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		sb.WriteString("\nDetails:\n")
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", key, autoErr.Context[key]))
		}
	}

	if autoErr.OriginalError != nil {
		sb.WriteString(fmt.Sprintf("\nTechnical details: %v\n", autoErr.OriginalError))
	}

	return sb.String()
}

// GetErrorCode extracts the error code for reporting
func GetErrorCode(err error) string {
	var autoErr *AutomationError
	if errors.As(err, &autoErr) {
		return fmt.Sprintf("%s-%s", autoErr.Category, autoErr.Code)
	}
	return "UNKNOWN"
}
