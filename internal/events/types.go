package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/maxkimambo/taskflow/internal/models"
)

// Kind names one of the lifecycle event types
type Kind string

const (
	KindTaskStatusChanged Kind = "task.status_changed"
	KindTaskCompleted     Kind = "task.completed"
	KindDependenciesMet   Kind = "dependencies.met"
	KindRuleTriggered     Kind = "rule.triggered"
	KindActionApplied     Kind = "action.applied"
	KindActionFailed      Kind = "action.failed"
)

// Kinds lists every event kind in a stable order
func Kinds() []Kind {
	return []Kind{
		KindTaskStatusChanged,
		KindTaskCompleted,
		KindDependenciesMet,
		KindRuleTriggered,
		KindActionApplied,
		KindActionFailed,
	}
}

// Envelope is carried by every event
type Envelope struct {
	FamilyID      string    `json:"familyId" cbor:"1,keyasint"`
	CorrelationID string    `json:"correlationId" cbor:"2,keyasint"`
	Timestamp     time.Time `json:"timestamp" cbor:"3,keyasint"`
}

// Meta returns the envelope
func (e Envelope) Meta() Envelope { return e }

// Event is implemented only by the six event types in this package
type Event interface {
	Kind() Kind
	Meta() Envelope
	withMeta(Envelope) Event
}

// NewCorrelationID returns a globally unique token for one externally
// triggered change
func NewCorrelationID() string {
	return uuid.NewString()
}

// TaskStatusChanged reports a status transition of a family task instance
type TaskStatusChanged struct {
	Envelope
	InstanceID string            `json:"instanceId" cbor:"10,keyasint"`
	TemplateID string            `json:"templateId" cbor:"11,keyasint"`
	OldStatus  models.TaskStatus `json:"oldStatus" cbor:"12,keyasint"`
	NewStatus  models.TaskStatus `json:"newStatus" cbor:"13,keyasint"`
	// Source names who caused the change: "user", "dependency_enabler" or "rule:<id>"
	Source string `json:"source" cbor:"14,keyasint"`
}

// TaskCompleted reports that an instance reached completed
type TaskCompleted struct {
	Envelope
	InstanceID string `json:"instanceId" cbor:"10,keyasint"`
	TemplateID string `json:"templateId" cbor:"11,keyasint"`
	Source     string `json:"source" cbor:"14,keyasint"`
}

// DependenciesMet summarises one batch enable
type DependenciesMet struct {
	Envelope
	TriggerTemplateID string   `json:"triggerTemplateId" cbor:"10,keyasint"`
	EnabledTasks      []string `json:"enabledTasks" cbor:"11,keyasint"`
}

// RuleTriggered reports that a rule matched an event
type RuleTriggered struct {
	Envelope
	RuleID     string                  `json:"ruleId" cbor:"10,keyasint"`
	RuleName   string                  `json:"ruleName" cbor:"11,keyasint"`
	Condition  models.TriggerCondition `json:"condition" cbor:"12,keyasint"`
	TemplateID string                  `json:"templateId" cbor:"13,keyasint"`
	InstanceID string                  `json:"instanceId" cbor:"14,keyasint"`
}

// ActionApplied reports a successful action, including idempotent no-ops
type ActionApplied struct {
	Envelope
	RuleID  string `json:"ruleId" cbor:"10,keyasint"`
	Action  string `json:"action" cbor:"11,keyasint"`
	Target  string `json:"target" cbor:"12,keyasint"`
	Success bool   `json:"success" cbor:"13,keyasint"`
	NoOp    bool   `json:"noop" cbor:"14,keyasint"`
	Detail  string `json:"detail" cbor:"15,keyasint"`
}

// ActionFailed reports a failed action or subscriber
type ActionFailed struct {
	Envelope
	RuleID  string            `json:"ruleId,omitempty" cbor:"10,keyasint,omitempty"`
	Action  string            `json:"action" cbor:"11,keyasint"`
	Target  string            `json:"target" cbor:"12,keyasint"`
	Success bool              `json:"success" cbor:"13,keyasint"`
	Error   string            `json:"error" cbor:"14,keyasint"`
	Source  string            `json:"source" cbor:"15,keyasint"`
	Context map[string]string `json:"context,omitempty" cbor:"16,keyasint,omitempty"`
}

func (TaskStatusChanged) Kind() Kind { return KindTaskStatusChanged }
func (TaskCompleted) Kind() Kind     { return KindTaskCompleted }
func (DependenciesMet) Kind() Kind   { return KindDependenciesMet }
func (RuleTriggered) Kind() Kind     { return KindRuleTriggered }
func (ActionApplied) Kind() Kind     { return KindActionApplied }
func (ActionFailed) Kind() Kind      { return KindActionFailed }

func (e TaskStatusChanged) withMeta(m Envelope) Event { e.Envelope = m; return e }
func (e TaskCompleted) withMeta(m Envelope) Event     { e.Envelope = m; return e }
func (e DependenciesMet) withMeta(m Envelope) Event   { e.Envelope = m; return e }
func (e RuleTriggered) withMeta(m Envelope) Event     { e.Envelope = m; return e }
func (e ActionApplied) withMeta(m Envelope) Event     { e.Envelope = m; return e }
func (e ActionFailed) withMeta(m Envelope) Event      { e.Envelope = m; return e }
