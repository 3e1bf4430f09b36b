// Package storage defines the storage collaborator the automation engine
// reads and mutates task state through. Implementations live in the memory,
// sqlite and postgres subpackages and must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"time"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/models"
)

var (
	// ErrNotFound is wrapped by every lookup that finds nothing
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is wrapped when a status update's expected status
	// does not match the stored one
	ErrStatusConflict = errors.New("status conflict")
)

// TaskStore reads and mutates family task instances
type TaskStore interface {
	GetFamilyTasks(ctx context.Context, familyID string) ([]models.FamilyTaskInstance, error)
	GetFamilyTask(ctx context.Context, instanceID string) (models.FamilyTaskInstance, error)
	GetFamilyTaskByFamilyAndTask(ctx context.Context, familyID, templateID string) (models.FamilyTaskInstance, error)
	// UpdateFamilyTaskStatus moves the instance from expected to next. It
	// fails with ErrStatusConflict when the stored status is not expected.
	UpdateFamilyTaskStatus(ctx context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error)
	AssignFamilyTask(ctx context.Context, instanceID, userID string) (models.FamilyTaskInstance, error)
	CreateFamilyTask(ctx context.Context, instance models.FamilyTaskInstance) error
}

// DependencyStore holds the template dependency edges
type DependencyStore interface {
	// GetTasksBlockedBy returns the edges whose prerequisite is templateID
	GetTasksBlockedBy(ctx context.Context, templateID string) ([]models.DependencyEdge, error)
	// ValidateDependencies evaluates templateID's readiness within a family
	ValidateDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error)
	ListDependencies(ctx context.Context) ([]models.DependencyEdge, error)
	// SaveDependency inserts the edge or replaces the type of the edge with
	// the same endpoints
	SaveDependency(ctx context.Context, edge models.DependencyEdge) error
	DeleteDependency(ctx context.Context, taskID, dependsOnTaskID string) error
}

// RuleStore holds administrator-configured workflow rules
type RuleStore interface {
	// GetWorkflowRulesForTask returns active rules whose trigger task is templateID
	GetWorkflowRulesForTask(ctx context.Context, templateID string) ([]models.WorkflowRule, error)
	GetActiveWorkflowRules(ctx context.Context) ([]models.WorkflowRule, error)
	SaveWorkflowRule(ctx context.Context, rule models.WorkflowRule) error
}

// DirectoryStore holds templates, families and users
type DirectoryStore interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetFamilyWithMembers(ctx context.Context, familyID string) (models.Family, error)
	ListTemplates(ctx context.Context) ([]models.TaskTemplate, error)
	SaveTemplate(ctx context.Context, template models.TaskTemplate) error
	SaveFamily(ctx context.Context, family models.Family) error
	SaveUser(ctx context.Context, user models.User) error
}

// EventRecord is one journal entry. Payload is the encoded event.
type EventRecord struct {
	Seq           int64
	Kind          string
	FamilyID      string
	CorrelationID string
	Timestamp     time.Time
	Payload       []byte
}

// Journal appends and reads back published events
type Journal interface {
	AppendEvent(ctx context.Context, record EventRecord) error
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
}

// Store is the full storage collaborator
type Store interface {
	TaskStore
	DependencyStore
	RuleStore
	DirectoryStore
	Journal
	Close() error
}

// CheckStep rejects a status update that stays put or moves backwards
func CheckStep(instanceID string, expected, next models.TaskStatus) error {
	if expected == next {
		return taskerrors.NewAlreadyInStatusError(instanceID, string(next))
	}
	if !expected.CanTransitionTo(next) {
		return taskerrors.NewBackwardTransitionError(instanceID, string(expected), string(next))
	}
	return nil
}

// CheckRule rejects a workflow rule the engine could not run
func CheckRule(rule models.WorkflowRule) error {
	if rule.ID == "" {
		return taskerrors.NewInvalidRuleError(rule.ID, "missing id")
	}
	if rule.Action == nil {
		return taskerrors.NewInvalidRuleError(rule.ID, "missing action")
	}
	return nil
}

// CheckTransition validates a compare-and-swap status update against the
// currently stored instance
func CheckTransition(current models.FamilyTaskInstance, expected, next models.TaskStatus) error {
	if err := CheckStep(current.ID, expected, next); err != nil {
		return err
	}
	if current.Status != expected {
		return taskerrors.NewStatusConflictError(current.ID, string(expected), string(current.Status)).
			WithOriginalError(ErrStatusConflict)
	}
	return nil
}

// Readiness evaluates templateID against a family's instances using the
// edges pointing out of it
func Readiness(templateID string, edges []models.DependencyEdge, instances []models.FamilyTaskInstance, policy graph.RequiredPolicy) models.DependencyStatus {
	statuses := make(map[string]models.TaskStatus, len(instances))
	for _, inst := range instances {
		statuses[inst.TemplateID] = inst.Status
	}
	return graph.Evaluate(templateID, edges, statuses, policy)
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || taskerrors.IsNotFound(err)
}

// IsConflict reports whether err wraps ErrStatusConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict) || taskerrors.IsConflict(err)
}
