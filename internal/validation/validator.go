package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/maxkimambo/taskflow/internal/models"
)

// ValidationResult represents the result of a field check
type ValidationResult struct {
	Valid  bool
	Reason string
}

// identifiers are lowercase slugs: letters, digits, '-', '_' and '.'
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const maxIdentifierLength = 64

// CheckIdentifier reports whether id is usable as a template, family, user
// or rule id
func CheckIdentifier(kind, id string) ValidationResult {
	id = strings.TrimSpace(id)
	if id == "" {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("%s id cannot be empty", kind)}
	}
	if len(id) > maxIdentifierLength {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("%s id %q is longer than %d characters", kind, id, maxIdentifierLength)}
	}
	if !identifierPattern.MatchString(id) {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("%s id %q may only contain lowercase letters, digits, '.', '-' and '_'", kind, id)}
	}
	return ValidationResult{Valid: true, Reason: fmt.Sprintf("%s id %q is valid", kind, id)}
}

// ValidateIdentifier returns CheckIdentifier's reason as an error
func ValidateIdentifier(kind, id string) error {
	if r := CheckIdentifier(kind, id); !r.Valid {
		return fmt.Errorf("%s", r.Reason)
	}
	return nil
}

// ValidateStatus validates a task status as written in fixtures
func ValidateStatus(status string) error {
	if status == "" {
		return nil
	}
	_, err := models.ParseTaskStatus(status)
	return err
}

// ValidateDependencyType validates a dependency type name
func ValidateDependencyType(depType string) error {
	if !models.DependencyType(depType).Valid() {
		return fmt.Errorf("dependency type must be required, optional or sequential, got %q", depType)
	}
	return nil
}

// ValidateEmail performs a shallow address check
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t") {
		return fmt.Errorf("invalid email address %q", email)
	}
	return nil
}

// ValidateConcurrency validates the concurrency value is within an acceptable range.
func ValidateConcurrency(concurrency int, max int) error {
	if concurrency < 1 || concurrency > max {
		return fmt.Errorf("concurrency must be between 1 and %d, got %d", max, concurrency)
	}
	return nil
}
