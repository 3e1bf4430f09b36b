package utils

import (
	"fmt"
	"strings"
)

// FieldFilter selects records by one field. An empty Value with Presence set
// only requires the field to exist.
type FieldFilter struct {
	Key      string
	Value    string
	Presence bool
}

// ParseFieldFilter parses a key=value pair or a bare key
// Input examples:
//   - "event=action.failed" matches records whose event field is action.failed
//   - "rule_id" matches records that carry any rule_id
func ParseFieldFilter(filter string) (FieldFilter, error) {
	if strings.TrimSpace(filter) == "" {
		return FieldFilter{}, nil
	}

	if !strings.Contains(filter, "=") {
		return FieldFilter{Key: strings.TrimSpace(filter), Presence: true}, nil
	}

	parts := strings.SplitN(filter, "=", 2)
	key := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	if key == "" {
		return FieldFilter{}, fmt.Errorf("filter key cannot be empty in %q", filter)
	}
	return FieldFilter{Key: key, Value: value}, nil
}

// Empty reports whether the filter matches everything
func (f FieldFilter) Empty() bool {
	return f.Key == ""
}

// Matches reports whether fields satisfy the filter. A present field with an
// empty value does not satisfy a presence filter.
func (f FieldFilter) Matches(fields map[string]string) bool {
	if f.Empty() {
		return true
	}
	value, exists := fields[f.Key]
	if f.Presence {
		return exists && value != ""
	}
	return exists && value == f.Value
}

// MatchesAll reports whether fields satisfy every filter
func MatchesAll(fields map[string]string, filters []FieldFilter) bool {
	for _, f := range filters {
		if !f.Matches(fields) {
			return false
		}
	}
	return true
}
