package events

import (
	"fmt"
	"strings"
)

// Describe flattens an event into string pairs. It is used as the context of
// ActionFailed events and in log lines.
func Describe(ev Event) map[string]string {
	if ev == nil {
		return map[string]string{}
	}
	meta := ev.Meta()
	out := map[string]string{
		"event":          string(ev.Kind()),
		"family_id":      meta.FamilyID,
		"correlation_id": meta.CorrelationID,
	}

	switch e := ev.(type) {
	case TaskStatusChanged:
		out["instance_id"] = e.InstanceID
		out["template_id"] = e.TemplateID
		out["old_status"] = string(e.OldStatus)
		out["new_status"] = string(e.NewStatus)
		out["source"] = e.Source
	case TaskCompleted:
		out["instance_id"] = e.InstanceID
		out["template_id"] = e.TemplateID
		out["source"] = e.Source
	case DependenciesMet:
		out["trigger_template_id"] = e.TriggerTemplateID
		out["enabled_tasks"] = strings.Join(e.EnabledTasks, ",")
	case RuleTriggered:
		out["rule_id"] = e.RuleID
		out["condition"] = string(e.Condition)
		out["template_id"] = e.TemplateID
	case ActionApplied:
		out["rule_id"] = e.RuleID
		out["action"] = e.Action
		out["target"] = e.Target
		out["detail"] = e.Detail
	case ActionFailed:
		out["rule_id"] = e.RuleID
		out["action"] = e.Action
		out["target"] = e.Target
		out["error"] = e.Error
	default:
		out["type"] = fmt.Sprintf("%T", ev)
	}
	return out
}

// Summary renders a one-line human description of an event
func Summary(ev Event) string {
	switch e := ev.(type) {
	case TaskStatusChanged:
		return fmt.Sprintf("%s %s: %s -> %s (%s)", e.TemplateID, e.InstanceID, e.OldStatus, e.NewStatus, e.Source)
	case TaskCompleted:
		return fmt.Sprintf("%s %s completed (%s)", e.TemplateID, e.InstanceID, e.Source)
	case DependenciesMet:
		return fmt.Sprintf("after %s enabled [%s]", e.TriggerTemplateID, strings.Join(e.EnabledTasks, ", "))
	case RuleTriggered:
		return fmt.Sprintf("rule %s (%s) on %s", e.RuleID, e.Condition, e.TemplateID)
	case ActionApplied:
		return fmt.Sprintf("rule %s %s %s: %s", e.RuleID, e.Action, e.Target, e.Detail)
	case ActionFailed:
		return fmt.Sprintf("%s %s %s failed: %s", e.Source, e.Action, e.Target, e.Error)
	case nil:
		return ""
	default:
		return string(ev.Kind())
	}
}
