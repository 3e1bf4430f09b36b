package rules

import (
	"context"
	"fmt"

	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/models"
)

// Firing is the lifecycle fact a rule is evaluated against
type Firing struct {
	Kind       events.Kind
	Envelope   events.Envelope
	InstanceID string
	TemplateID string
	OldStatus  models.TaskStatus
	NewStatus  models.TaskStatus
	// Event is the originating event, kept for failure context
	Event events.Event
}

func firingFromStatusChange(ev events.TaskStatusChanged) Firing {
	return Firing{
		Kind:       events.KindTaskStatusChanged,
		Envelope:   ev.Envelope,
		InstanceID: ev.InstanceID,
		TemplateID: ev.TemplateID,
		OldStatus:  ev.OldStatus,
		NewStatus:  ev.NewStatus,
		Event:      ev,
	}
}

func firingFromCompletion(ev events.TaskCompleted) Firing {
	return Firing{
		Kind:       events.KindTaskCompleted,
		Envelope:   ev.Envelope,
		InstanceID: ev.InstanceID,
		TemplateID: ev.TemplateID,
		NewStatus:  models.StatusCompleted,
		Event:      ev,
	}
}

// ShouldTrigger reports whether rule fires for f.
//
// status_change rules are evaluated against status change events, optionally
// narrowed to one trigger task and one new status. task_completed rules are
// evaluated against completion events for their trigger task only, so one
// completion fires them once. all_dependencies_met never fires.
func ShouldTrigger(rule models.WorkflowRule, f Firing) bool {
	if !rule.Active {
		return false
	}
	switch rule.Trigger.Condition {
	case models.TriggerTaskCompleted:
		return f.Kind == events.KindTaskCompleted &&
			f.NewStatus == models.StatusCompleted &&
			rule.Trigger.TaskID != "" &&
			f.TemplateID == rule.Trigger.TaskID
	case models.TriggerStatusChange:
		if f.Kind != events.KindTaskStatusChanged {
			return false
		}
		if rule.Trigger.TaskID != "" && rule.Trigger.TaskID != f.TemplateID {
			return false
		}
		if rule.Trigger.Status != "" && rule.Trigger.Status != f.NewStatus {
			return false
		}
		return true
	default:
		return false
	}
}

// rulesFor returns the candidate rules for a template: task-specific rules
// first, then generally scoped status_change rules, each once, in storage order
func (e *Engine) rulesFor(ctx context.Context, templateID string) ([]models.WorkflowRule, error) {
	specific, err := e.store.GetWorkflowRulesForTask(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for task %s: %w", templateID, err)
	}
	active, err := e.store.GetActiveWorkflowRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	seen := make(map[string]bool, len(specific))
	out := make([]models.WorkflowRule, 0, len(specific)+len(active))
	for _, r := range specific {
		if r.Action == nil {
			warnActionless(r)
			continue
		}
		if !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	for _, r := range active {
		if r.TaskSpecific() || r.Trigger.Condition != models.TriggerStatusChange || seen[r.ID] {
			continue
		}
		if r.Action == nil {
			warnActionless(r)
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}

func warnActionless(r models.WorkflowRule) {
	logger.Op.WithFields(map[string]interface{}{"rule_id": r.ID}).Warn("Ignoring workflow rule without an action")
}
