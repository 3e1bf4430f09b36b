package models

import (
	"fmt"
	"strings"
)

// TriggerCondition selects which lifecycle transitions can fire a rule
type TriggerCondition string

const (
	TriggerStatusChange       TriggerCondition = "status_change"
	TriggerTaskCompleted      TriggerCondition = "task_completed"
	TriggerAllDependenciesMet TriggerCondition = "all_dependencies_met"
)

// Valid reports whether c is a known trigger condition
func (c TriggerCondition) Valid() bool {
	switch c {
	case TriggerStatusChange, TriggerTaskCompleted, TriggerAllDependenciesMet:
		return true
	}
	return false
}

// Trigger describes when a rule fires. An empty TaskID matches every
// template; an empty Status matches every transition.
type Trigger struct {
	Condition TriggerCondition
	TaskID    string
	Status    TaskStatus
}

// ActionKind names an automation action
type ActionKind string

const (
	ActionAutoEnable       ActionKind = "auto_enable"
	ActionAutoComplete     ActionKind = "auto_complete"
	ActionSendNotification ActionKind = "send_notification"
	ActionAssignUser       ActionKind = "assign_user"
)

// Action is the closed set of things a rule can do. Each variant carries
// exactly the fields it needs.
type Action interface {
	Kind() ActionKind
	// TargetTask returns the template id the action mutates, if any
	TargetTask() string
	isAction()
}

// AutoEnable moves the target task from not_started to in_progress
type AutoEnable struct {
	TaskID string
}

// AutoComplete moves the target task to completed
type AutoComplete struct {
	TaskID string
}

// SendNotification notifies the members of the family
type SendNotification struct {
	// Type is forwarded to the notification collaborator
	Type string
}

// AssignUser records UserID as the assignee of the target task
type AssignUser struct {
	TaskID string
	UserID string
}

func (AutoEnable) Kind() ActionKind       { return ActionAutoEnable }
func (AutoComplete) Kind() ActionKind     { return ActionAutoComplete }
func (SendNotification) Kind() ActionKind { return ActionSendNotification }
func (AssignUser) Kind() ActionKind       { return ActionAssignUser }

func (a AutoEnable) TargetTask() string     { return a.TaskID }
func (a AutoComplete) TargetTask() string   { return a.TaskID }
func (SendNotification) TargetTask() string { return "" }
func (a AssignUser) TargetTask() string     { return a.TaskID }

func (AutoEnable) isAction()       {}
func (AutoComplete) isAction()     {}
func (SendNotification) isAction() {}
func (AssignUser) isAction()       {}

// DefaultNotificationType is used when a send_notification rule names no type
const DefaultNotificationType = "workflow_rule"

// WorkflowRule is an administrator-configured automation
type WorkflowRule struct {
	ID         string
	Name       string
	Active     bool
	Trigger    Trigger
	Action     Action
	TargetType string
}

// RuleDefinition is the flat shape rules take in storage rows and fixture
// files. Convert with Rule before use.
type RuleDefinition struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	IsActive           bool   `json:"isActive" yaml:"is_active"`
	TriggerCondition   string `json:"triggerCondition" yaml:"trigger_condition"`
	TriggerTaskID      string `json:"triggerTaskId,omitempty" yaml:"trigger_task_id,omitempty"`
	TriggerStatus      string `json:"triggerStatus,omitempty" yaml:"trigger_status,omitempty"`
	Action             string `json:"action" yaml:"action"`
	ActionTargetTaskID string `json:"actionTargetTaskId,omitempty" yaml:"action_target_task_id,omitempty"`
	ActionTargetUserID string `json:"actionTargetUserId,omitempty" yaml:"action_target_user_id,omitempty"`
	NotificationType   string `json:"notificationType,omitempty" yaml:"notification_type,omitempty"`
	TargetType         string `json:"targetType,omitempty" yaml:"target_type,omitempty"`
}

// Rule validates the definition and builds the typed rule
func (d RuleDefinition) Rule() (WorkflowRule, error) {
	if strings.TrimSpace(d.ID) == "" {
		return WorkflowRule{}, fmt.Errorf("rule id cannot be empty")
	}

	condition := TriggerCondition(d.TriggerCondition)
	if !condition.Valid() {
		return WorkflowRule{}, fmt.Errorf("rule %s: unknown trigger condition %q", d.ID, d.TriggerCondition)
	}
	trigger := Trigger{Condition: condition, TaskID: d.TriggerTaskID}
	if d.TriggerStatus != "" {
		status, err := ParseTaskStatus(d.TriggerStatus)
		if err != nil {
			return WorkflowRule{}, fmt.Errorf("rule %s: %w", d.ID, err)
		}
		trigger.Status = status
	}
	if condition == TriggerTaskCompleted && trigger.TaskID == "" {
		return WorkflowRule{}, fmt.Errorf("rule %s: task_completed trigger requires a trigger task", d.ID)
	}

	action, err := d.action()
	if err != nil {
		return WorkflowRule{}, err
	}

	return WorkflowRule{
		ID:         d.ID,
		Name:       d.Name,
		Active:     d.IsActive,
		Trigger:    trigger,
		Action:     action,
		TargetType: d.TargetType,
	}, nil
}

func (d RuleDefinition) action() (Action, error) {
	switch ActionKind(d.Action) {
	case ActionAutoEnable:
		if d.ActionTargetTaskID == "" {
			return nil, fmt.Errorf("rule %s: auto_enable requires a target task", d.ID)
		}
		return AutoEnable{TaskID: d.ActionTargetTaskID}, nil
	case ActionAutoComplete:
		if d.ActionTargetTaskID == "" {
			return nil, fmt.Errorf("rule %s: auto_complete requires a target task", d.ID)
		}
		return AutoComplete{TaskID: d.ActionTargetTaskID}, nil
	case ActionSendNotification:
		notificationType := d.NotificationType
		if notificationType == "" {
			notificationType = DefaultNotificationType
		}
		return SendNotification{Type: notificationType}, nil
	case ActionAssignUser:
		if d.ActionTargetTaskID == "" || d.ActionTargetUserID == "" {
			return nil, fmt.Errorf("rule %s: assign_user requires both a target task and a target user", d.ID)
		}
		return AssignUser{TaskID: d.ActionTargetTaskID, UserID: d.ActionTargetUserID}, nil
	default:
		return nil, fmt.Errorf("rule %s: unknown action %q", d.ID, d.Action)
	}
}

// Definition flattens the rule back into its storage shape
func (r WorkflowRule) Definition() RuleDefinition {
	d := RuleDefinition{
		ID:               r.ID,
		Name:             r.Name,
		IsActive:         r.Active,
		TriggerCondition: string(r.Trigger.Condition),
		TriggerTaskID:    r.Trigger.TaskID,
		TriggerStatus:    string(r.Trigger.Status),
		TargetType:       r.TargetType,
	}
	if r.Action == nil {
		return d
	}
	d.Action = string(r.Action.Kind())
	d.ActionTargetTaskID = r.Action.TargetTask()
	switch a := r.Action.(type) {
	case SendNotification:
		d.NotificationType = a.Type
	case AssignUser:
		d.ActionTargetUserID = a.UserID
	}
	return d
}

// TaskSpecific reports whether the rule is scoped to a single trigger task
func (r WorkflowRule) TaskSpecific() bool {
	return r.Trigger.TaskID != ""
}
