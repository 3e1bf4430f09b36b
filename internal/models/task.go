package models

import (
	"fmt"
	"strings"
)

// TaskStatus represents the lifecycle state of a family task instance
type TaskStatus string

const (
	// StatusNotStarted indicates the task has not been unlocked yet
	StatusNotStarted TaskStatus = "not_started"
	// StatusInProgress indicates the task is being worked on
	StatusInProgress TaskStatus = "in_progress"
	// StatusCompleted indicates the task is done
	StatusCompleted TaskStatus = "completed"
)

// rank orders statuses along the forward-only lifecycle
func (s TaskStatus) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses
func (s TaskStatus) Valid() bool {
	return s.rank() >= 0
}

// AtLeast reports whether s is at or past other in the lifecycle
func (s TaskStatus) AtLeast(other TaskStatus) bool {
	return s.Valid() && s.rank() >= other.rank()
}

// CanTransitionTo reports whether moving from s to next is a forward move.
// Re-applying the same status is not a transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	return s.Valid() && next.Valid() && next.rank() > s.rank()
}

// ParseTaskStatus parses a status string as stored or typed on the command line
func ParseTaskStatus(value string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q", value)
	}
	return status, nil
}

// TaskTemplate is the shared definition of a unit of work
type TaskTemplate struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
}

// FamilyTaskInstance is a family's stateful copy of a template task.
// There is exactly one instance per (family, template) pair.
type FamilyTaskInstance struct {
	ID         string     `json:"id" yaml:"id"`
	FamilyID   string     `json:"familyId" yaml:"family_id"`
	TemplateID string     `json:"templateId" yaml:"template_id"`
	Status     TaskStatus `json:"status" yaml:"status"`
	AssigneeID string     `json:"assigneeId,omitempty" yaml:"assignee_id,omitempty"`
}

// DependencyType classifies how strongly a prerequisite gates its dependent
type DependencyType string

const (
	// DependencyRequired prerequisites must reach the configured policy status
	DependencyRequired DependencyType = "required"
	// DependencyOptional prerequisites never block
	DependencyOptional DependencyType = "optional"
	// DependencySequential prerequisites must be completed
	DependencySequential DependencyType = "sequential"
)

// Valid reports whether t is a known dependency type
func (t DependencyType) Valid() bool {
	switch t {
	case DependencyRequired, DependencyOptional, DependencySequential:
		return true
	}
	return false
}

// Blocking reports whether edges of this type can prevent a task from starting
func (t DependencyType) Blocking() bool {
	return t == DependencyRequired || t == DependencySequential
}

// DependencyEdge states that TaskID requires DependsOnTaskID. Both ids are
// template ids, never instance ids.
type DependencyEdge struct {
	TaskID          string         `json:"taskId" yaml:"task_id"`
	DependsOnTaskID string         `json:"dependsOnTaskId" yaml:"depends_on_task_id"`
	Type            DependencyType `json:"dependencyType" yaml:"type"`
}

// SameEndpoints reports whether two edges connect the same pair of templates
func (e DependencyEdge) SameEndpoints(other DependencyEdge) bool {
	return e.TaskID == other.TaskID && e.DependsOnTaskID == other.DependsOnTaskID
}

func (e DependencyEdge) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", e.TaskID, e.Type, e.DependsOnTaskID)
}

// DependencyStatus is the readiness verdict for one task within one family
type DependencyStatus struct {
	CanStart    bool     `json:"canStart"`
	CanComplete bool     `json:"canComplete"`
	BlockedBy   []string `json:"blockedBy"`
	DependsOn   []string `json:"dependsOn"`
}

// User is a person who may belong to a family
type User struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
	FamilyID string `json:"familyId,omitempty" yaml:"family_id,omitempty"`
}

// Family groups the members whose case the task instances belong to
type Family struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Members []User `json:"members" yaml:"members"`
}

// HasMember reports whether userID belongs to the family
func (f Family) HasMember(userID string) bool {
	for _, m := range f.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}
