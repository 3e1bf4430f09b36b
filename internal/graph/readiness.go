package graph

import (
	"fmt"

	"github.com/maxkimambo/taskflow/internal/models"
)

// RequiredPolicy decides which prerequisite status satisfies a required edge
type RequiredPolicy string

const (
	// RequireCompleted treats a required prerequisite as met only once completed
	RequireCompleted RequiredPolicy = "completed"
	// RequireInProgress treats a required prerequisite as met once started.
	// Kept for compatibility with deployments that relied on it.
	RequireInProgress RequiredPolicy = "in_progress"
)

// ParseRequiredPolicy validates a policy name from configuration
func ParseRequiredPolicy(value string) (RequiredPolicy, error) {
	switch RequiredPolicy(value) {
	case RequireCompleted, RequireInProgress:
		return RequiredPolicy(value), nil
	case "":
		return RequireCompleted, nil
	}
	return "", fmt.Errorf("unknown required dependency policy %q", value)
}

func (p RequiredPolicy) threshold() models.TaskStatus {
	if p == RequireInProgress {
		return models.StatusInProgress
	}
	return models.StatusCompleted
}

// Evaluate computes whether templateID can start and complete. edges may be
// the whole edge set; only blocking edges out of templateID are considered.
// statuses maps template id to the family's instance status. A prerequisite
// with no instance blocks: a dangling reference is never treated as met.
func Evaluate(templateID string, edges []models.DependencyEdge, statuses map[string]models.TaskStatus, policy RequiredPolicy) models.DependencyStatus {
	result := models.DependencyStatus{
		CanStart:    true,
		CanComplete: true,
		BlockedBy:   []string{},
		DependsOn:   []string{},
	}

	seen := make(map[string]bool)
	for _, edge := range edges {
		if edge.TaskID != templateID || !edge.Type.Blocking() || seen[edge.DependsOnTaskID] {
			continue
		}
		seen[edge.DependsOnTaskID] = true
		result.DependsOn = append(result.DependsOn, edge.DependsOnTaskID)

		status, exists := statuses[edge.DependsOnTaskID]
		if !exists || status != models.StatusCompleted {
			result.CanComplete = false
		}

		required := models.StatusCompleted
		if edge.Type == models.DependencyRequired {
			required = policy.threshold()
		}
		if !exists || !status.AtLeast(required) {
			result.CanStart = false
			result.BlockedBy = append(result.BlockedBy, edge.DependsOnTaskID)
		}
	}

	return result
}
