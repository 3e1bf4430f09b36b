// Package rules evaluates administrator-configured workflow rules against
// task lifecycle events and executes their actions.
//
// Rules matching one event run one after another. Each rule is isolated: a
// failed precondition skips it, and an error or panic while applying it is
// reported as ActionFailed without stopping the rules after it.
package rules

import (
	"context"
	"fmt"
	"sync"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/metrics"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/notify"
)

// HandlerName identifies the engine on the event bus and in failure events
const HandlerName = "rule_engine"

// DefaultMaxParallel bounds concurrent notification deliveries per rule
const DefaultMaxParallel = 8

// Store is the slice of the storage collaborator the engine needs
type Store interface {
	GetFamilyTaskByFamilyAndTask(ctx context.Context, familyID, templateID string) (models.FamilyTaskInstance, error)
	UpdateFamilyTaskStatus(ctx context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error)
	AssignFamilyTask(ctx context.Context, instanceID, userID string) (models.FamilyTaskInstance, error)
	ValidateDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error)
	GetWorkflowRulesForTask(ctx context.Context, templateID string) ([]models.WorkflowRule, error)
	GetActiveWorkflowRules(ctx context.Context) ([]models.WorkflowRule, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetFamilyWithMembers(ctx context.Context, familyID string) (models.Family, error)
}

// Options configures an Engine
type Options struct {
	MaxParallel int
}

// Engine is the rule engine component
type Engine struct {
	store       Store
	bus         *events.Bus
	notifier    notify.Notifier
	maxParallel int

	mu         sync.Mutex
	registered int
	evaluated  uint64
	applied    uint64
	skipped    uint64
	failed     uint64
}

// New creates an engine. Call Register to subscribe it to the bus.
func New(store Store, bus *events.Bus, notifier notify.Notifier, opts Options) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Engine{store: store, bus: bus, notifier: notifier, maxParallel: opts.MaxParallel}
}

// Register subscribes the engine to status change and completion events
func (e *Engine) Register() {
	events.Subscribe(e.bus, HandlerName, e.HandleStatusChanged)
	events.Subscribe(e.bus, HandlerName, e.HandleTaskCompleted)
	e.mu.Lock()
	e.registered += 2
	e.mu.Unlock()
}

// HandleStatusChanged evaluates status_change rules
func (e *Engine) HandleStatusChanged(ctx context.Context, ev events.TaskStatusChanged) error {
	return e.Evaluate(ctx, firingFromStatusChange(ev))
}

// HandleTaskCompleted evaluates task_completed rules
func (e *Engine) HandleTaskCompleted(ctx context.Context, ev events.TaskCompleted) error {
	return e.Evaluate(ctx, firingFromCompletion(ev))
}

// Evaluate runs every rule matching f in lookup order. Only a failure to
// load the rules is returned.
func (e *Engine) Evaluate(ctx context.Context, f Firing) error {
	candidates, err := e.rulesFor(ctx, f.TemplateID)
	if err != nil {
		return err
	}
	for _, rule := range candidates {
		if !ShouldTrigger(rule, f) {
			continue
		}
		e.execute(ctx, rule, f)
	}
	return nil
}

// execute runs one rule through triggered, validated and applied
func (e *Engine) execute(ctx context.Context, rule models.WorkflowRule, f Firing) {
	action, target := describeAction(rule, f)
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, rule, f, target, taskerrors.NewActionError(action, fmt.Errorf("panic: %v", r)))
		}
	}()

	e.mu.Lock()
	e.evaluated++
	e.mu.Unlock()

	env := events.Envelope{FamilyID: f.Envelope.FamilyID, CorrelationID: f.Envelope.CorrelationID}
	entry := logger.Op.With(logger.WithFamily(env.FamilyID), logger.WithCorrelation(env.CorrelationID)).
		WithFields(map[string]interface{}{
			"rule_id":     rule.ID,
			"action":      action,
			"template_id": f.TemplateID,
		})

	if rule.Action == nil {
		e.fail(ctx, rule, f, target, taskerrors.NewInvalidRuleError(rule.ID, "missing action"))
		return
	}

	e.bus.Publish(ctx, events.RuleTriggered{
		Envelope:   env,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Condition:  rule.Trigger.Condition,
		TemplateID: f.TemplateID,
		InstanceID: f.InstanceID,
	})

	if err := e.CanExecute(ctx, rule, f); err != nil {
		if taskerrors.IsValidationFailure(err) {
			e.mu.Lock()
			e.skipped++
			e.mu.Unlock()
			metrics.RecordRuleAction(ctx, action, "skipped")
			entry.WithError(err).Info("Skipping rule: precondition not met")
			return
		}
		e.fail(ctx, rule, f, target, err)
		return
	}

	result, err := e.Apply(ctx, rule, f)
	if err != nil {
		e.fail(ctx, rule, f, target, err)
		return
	}

	outcome := "applied"
	if result.NoOp {
		outcome = "noop"
	}
	e.mu.Lock()
	e.applied++
	e.mu.Unlock()
	metrics.RecordRuleAction(ctx, action, outcome)
	logger.L().Rulef("%s (%s) %s: %s", rule.Name, rule.ID, action, result.Detail)

	e.bus.Publish(ctx, events.ActionApplied{
		Envelope: env,
		RuleID:   rule.ID,
		Action:   action,
		Target:   target,
		Success:  true,
		NoOp:     result.NoOp,
		Detail:   result.Detail,
	})
}

// describeAction names the rule's action and target for logs and events. A
// rule without an action still gets a name so its failure can be reported.
func describeAction(rule models.WorkflowRule, f Firing) (action, target string) {
	action = "unknown"
	if rule.Action != nil {
		action = string(rule.Action.Kind())
		target = rule.Action.TargetTask()
	}
	if target == "" {
		target = f.Envelope.FamilyID
	}
	return action, target
}

func (e *Engine) fail(ctx context.Context, rule models.WorkflowRule, f Firing, target string, err error) {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
	action, _ := describeAction(rule, f)
	metrics.RecordRuleAction(ctx, action, "failed")

	logger.Op.With(logger.WithFamily(f.Envelope.FamilyID), logger.WithCorrelation(f.Envelope.CorrelationID)).
		WithFields(map[string]interface{}{
			"rule_id": rule.ID,
			"action":  action,
		}).WithError(err).Warn("Rule action failed")

	details := events.Describe(f.Event)
	details["rule_id"] = rule.ID
	details["rule_name"] = rule.Name
	e.bus.Publish(ctx, events.ActionFailed{
		Envelope: events.Envelope{FamilyID: f.Envelope.FamilyID, CorrelationID: f.Envelope.CorrelationID},
		RuleID:   rule.ID,
		Action:   action,
		Target:   target,
		Success:  false,
		Error:    err.Error(),
		Source:   HandlerName,
		Context:  details,
	})
}

// UnsupportedRules returns active rules whose trigger condition is never
// evaluated
func (e *Engine) UnsupportedRules(ctx context.Context) ([]models.WorkflowRule, error) {
	active, err := e.store.GetActiveWorkflowRules(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.WorkflowRule
	for _, r := range active {
		if r.Trigger.Condition == models.TriggerAllDependenciesMet {
			out = append(out, r)
		}
	}
	return out, nil
}

// WarnUnsupported logs every rule UnsupportedRules returns
func (e *Engine) WarnUnsupported(ctx context.Context) {
	rules, err := e.UnsupportedRules(ctx)
	if err != nil {
		logger.Op.WithError(err).Warn("Could not check for unsupported workflow rules")
		return
	}
	for _, r := range rules {
		logger.Op.WithFields(map[string]interface{}{
			"rule_id":   r.ID,
			"condition": string(r.Trigger.Condition),
		}).Warn("Workflow rule uses a trigger condition that is never evaluated")
	}
}

// Health describes the engine for admin monitoring
type Health struct {
	Status             string `json:"status"`
	HandlersRegistered int    `json:"handlersRegistered"`
	ListenerCount      int    `json:"listenerCount"`
	MaxListeners       int    `json:"maxListeners"`
	Evaluated          uint64 `json:"evaluated"`
	Applied            uint64 `json:"applied"`
	Skipped            uint64 `json:"skipped"`
	Failed             uint64 `json:"failed"`
}

// Health reports registration and activity counters
func (e *Engine) Health() Health {
	busHealth := e.bus.Health()
	e.mu.Lock()
	defer e.mu.Unlock()
	h := Health{
		Status:             "healthy",
		HandlersRegistered: e.registered,
		ListenerCount:      busHealth.Listeners[events.KindTaskStatusChanged] + busHealth.Listeners[events.KindTaskCompleted],
		MaxListeners:       busHealth.MaxListeners,
		Evaluated:          e.evaluated,
		Applied:            e.applied,
		Skipped:            e.skipped,
		Failed:             e.failed,
	}
	if e.registered == 0 {
		h.Status = "not_registered"
	} else if busHealth.Status != "healthy" {
		h.Status = busHealth.Status
	}
	return h
}
