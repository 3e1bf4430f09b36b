package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		want    FieldFilter
		wantErr bool
	}{
		{
			name:   "empty filter",
			filter: "",
			want:   FieldFilter{},
		},
		{
			name:   "simple key=value",
			filter: "event=action.failed",
			want:   FieldFilter{Key: "event", Value: "action.failed"},
		},
		{
			name:   "value with spaces",
			filter: "rule_name=Notify the family",
			want:   FieldFilter{Key: "rule_name", Value: "Notify the family"},
		},
		{
			name:   "value containing equals",
			filter: "error=expected=in_progress",
			want:   FieldFilter{Key: "error", Value: "expected=in_progress"},
		},
		{
			name:   "key only (presence check)",
			filter: "rule_id",
			want:   FieldFilter{Key: "rule_id", Presence: true},
		},
		{
			name:   "key with spaces trimmed",
			filter: "  family_id  =  fam-1  ",
			want:   FieldFilter{Key: "family_id", Value: "fam-1"},
		},
		{
			name:    "empty key",
			filter:  "=value",
			wantErr: true,
		},
		{
			name:   "empty value",
			filter: "template_id=",
			want:   FieldFilter{Key: "template_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFieldFilter(tt.filter)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldFilter_Matches(t *testing.T) {
	fields := map[string]string{
		"event":       "action.failed",
		"family_id":   "fam-1",
		"rule_id":     "notify-a",
		"template_id": "",
	}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"empty filter matches", "", true},
		{"exact match", "event=action.failed", true},
		{"value mismatch", "event=task.completed", false},
		{"missing key", "instance_id=i-1", false},
		{"presence of set key", "rule_id", true},
		{"presence of empty key", "template_id", false},
		{"presence of missing key", "source", false},
		{"explicit empty value", "template_id=", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFieldFilter(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Matches(fields))
		})
	}
}

func TestMatchesAll(t *testing.T) {
	fields := map[string]string{"event": "rule.triggered", "rule_id": "r-1"}
	event, _ := ParseFieldFilter("event=rule.triggered")
	rule, _ := ParseFieldFilter("rule_id=r-1")
	other, _ := ParseFieldFilter("rule_id=r-2")

	assert.True(t, MatchesAll(fields, nil))
	assert.True(t, MatchesAll(fields, []FieldFilter{event, rule}))
	assert.False(t, MatchesAll(fields, []FieldFilter{event, other}))
}
