package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		id       string
		expected ValidationResult
	}{
		{
			name:     "slug",
			kind:     "template",
			id:       "file-i-130",
			expected: ValidationResult{Valid: true, Reason: `template id "file-i-130" is valid`},
		},
		{
			name:     "dotted",
			kind:     "rule",
			id:       "rule.notify_1",
			expected: ValidationResult{Valid: true, Reason: `rule id "rule.notify_1" is valid`},
		},
		{
			name:     "empty",
			kind:     "family",
			id:       "  ",
			expected: ValidationResult{Valid: false, Reason: "family id cannot be empty"},
		},
		{
			name:     "uppercase",
			kind:     "user",
			id:       "Ana",
			expected: ValidationResult{Valid: false, Reason: `user id "Ana" may only contain lowercase letters, digits, '.', '-' and '_'`},
		},
		{
			name:     "leading dash",
			kind:     "template",
			id:       "-a",
			expected: ValidationResult{Valid: false, Reason: `template id "-a" may only contain lowercase letters, digits, '.', '-' and '_'`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CheckIdentifier(tt.kind, tt.id))
		})
	}
}

func TestCheckIdentifier_TooLong(t *testing.T) {
	long := make([]byte, maxIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}
	result := CheckIdentifier("template", string(long))
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "longer than 64")
	assert.Error(t, ValidateIdentifier("template", string(long)))
}

func TestValidateStatus(t *testing.T) {
	assert.NoError(t, ValidateStatus(""))
	assert.NoError(t, ValidateStatus("in_progress"))
	assert.NoError(t, ValidateStatus("Completed"))
	assert.Error(t, ValidateStatus("blocked"))
}

func TestValidateDependencyType(t *testing.T) {
	for _, ok := range []string{"required", "optional", "sequential"} {
		assert.NoError(t, ValidateDependencyType(ok), ok)
	}
	assert.Error(t, ValidateDependencyType(""))
	assert.Error(t, ValidateDependencyType("soft"))
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{"", false},
		{"ana@example.com", false},
		{"@example.com", true},
		{"ana@", true},
		{"ana example@x.org", true},
		{"plain", true},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConcurrency(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		max         int
		wantErr     bool
	}{
		{"lower bound", 1, 64, false},
		{"upper bound", 64, 64, false},
		{"zero", 0, 64, true},
		{"above max", 65, 64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConcurrency(tt.concurrency, tt.max)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
