package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/notify"
	"github.com/maxkimambo/taskflow/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n notify.Notification) error {
	return m.Called(ctx, n).Error(0)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func ofType[E events.Event](r *recorder) []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []E
	for _, ev := range r.events {
		if e, ok := ev.(E); ok {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store    *memory.Store
	bus      *events.Bus
	engine   *Engine
	notifier *mockNotifier
	rec      *recorder
}

func newFixture(t *testing.T, statuses map[string]models.TaskStatus, members ...models.User) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New(graph.RequireCompleted)
	require.NoError(t, store.SaveFamily(ctx, models.Family{ID: "fam-1", Name: "Okafor", Members: members}))
	for templateID, status := range statuses {
		require.NoError(t, store.CreateFamilyTask(ctx, models.FamilyTaskInstance{
			ID: "inst-" + templateID, FamilyID: "fam-1", TemplateID: templateID, Status: status,
		}))
	}

	bus := events.NewBus(events.Options{})
	rec := &recorder{}
	bus.SubscribeAll("recorder", rec.handle)
	notifier := &mockNotifier{}
	engine := New(store, bus, notifier, Options{})
	engine.Register()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return &fixture{store: store, bus: bus, engine: engine, notifier: notifier, rec: rec}
}

func (f *fixture) addRules(t *testing.T, rules ...models.WorkflowRule) {
	t.Helper()
	for _, r := range rules {
		require.NoError(t, f.store.SaveWorkflowRule(context.Background(), r))
	}
}

func (f *fixture) publishAndWait(t *testing.T, evs ...events.Event) {
	t.Helper()
	for _, ev := range evs {
		f.bus.Publish(context.Background(), ev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.bus.Wait(ctx))
}

func statusChanged(templateID string, from, to models.TaskStatus) events.TaskStatusChanged {
	return events.TaskStatusChanged{
		Envelope:   events.Envelope{FamilyID: "fam-1", CorrelationID: "corr-1"},
		InstanceID: "inst-" + templateID,
		TemplateID: templateID,
		OldStatus:  from,
		NewStatus:  to,
		Source:     "user",
	}
}

func completedEvent(templateID string) events.TaskCompleted {
	return events.TaskCompleted{
		Envelope:   events.Envelope{FamilyID: "fam-1", CorrelationID: "corr-1"},
		InstanceID: "inst-" + templateID,
		TemplateID: templateID,
		Source:     "user",
	}
}

func TestShouldTrigger(t *testing.T) {
	statusFiring := firingFromStatusChange(statusChanged("a", models.StatusNotStarted, models.StatusInProgress))
	completedStatusFiring := firingFromStatusChange(statusChanged("a", models.StatusInProgress, models.StatusCompleted))
	completionFiring := firingFromCompletion(completedEvent("a"))

	tests := []struct {
		name   string
		rule   models.WorkflowRule
		firing Firing
		want   bool
	}{
		{"status change any task", rule("r", models.TriggerStatusChange, "", ""), statusFiring, true},
		{"status change on its task", rule("r", models.TriggerStatusChange, "a", ""), statusFiring, true},
		{"status change on other task", rule("r", models.TriggerStatusChange, "b", ""), statusFiring, false},
		{"status change narrowed to status", rule("r", models.TriggerStatusChange, "a", models.StatusCompleted), statusFiring, false},
		{"status change matching status", rule("r", models.TriggerStatusChange, "a", models.StatusCompleted), completedStatusFiring, true},
		{"status change ignores completion event", rule("r", models.TriggerStatusChange, "a", ""), completionFiring, false},
		{"task completed on completion", rule("r", models.TriggerTaskCompleted, "a", ""), completionFiring, true},
		{"task completed other task", rule("r", models.TriggerTaskCompleted, "b", ""), completionFiring, false},
		{"task completed ignores status change", rule("r", models.TriggerTaskCompleted, "a", ""), completedStatusFiring, false},
		{"all dependencies met never", rule("r", models.TriggerAllDependenciesMet, "a", ""), completionFiring, false},
		{"inactive never", func() models.WorkflowRule {
			r := rule("r", models.TriggerStatusChange, "", "")
			r.Active = false
			return r
		}(), statusFiring, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldTrigger(tt.rule, tt.firing))
		})
	}
}

func rule(id string, condition models.TriggerCondition, taskID string, status models.TaskStatus) models.WorkflowRule {
	return models.WorkflowRule{
		ID:      id,
		Name:    "rule " + id,
		Active:  true,
		Trigger: models.Trigger{Condition: condition, TaskID: taskID, Status: status},
		Action:  models.SendNotification{Type: models.DefaultNotificationType},
	}
}

func withAction(r models.WorkflowRule, a models.Action) models.WorkflowRule {
	r.Action = a
	return r
}

func TestAutoComplete_AlreadyCompletedIsNoOp(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusCompleted,
	})
	f.addRules(t, withAction(rule("close-b", models.TriggerTaskCompleted, "a", ""), models.AutoComplete{TaskID: "b"}))

	f.publishAndWait(t, completedEvent("a"))

	applied := ofType[events.ActionApplied](f.rec)
	require.Len(t, applied, 1)
	assert.True(t, applied[0].Success)
	assert.True(t, applied[0].NoOp)
	assert.Equal(t, "task already completed", applied[0].Detail)
	assert.Len(t, ofType[events.TaskCompleted](f.rec), 1, "only the triggering completion")
}

func TestAutoComplete_CompletesAndReenters(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusInProgress,
	})
	f.addRules(t, withAction(rule("close-b", models.TriggerTaskCompleted, "a", ""), models.AutoComplete{TaskID: "b"}))

	f.publishAndWait(t, completedEvent("a"))

	completions := ofType[events.TaskCompleted](f.rec)
	require.Len(t, completions, 2)
	assert.Equal(t, "b", completions[1].TemplateID)
	assert.Equal(t, "rule:close-b", completions[1].Source)
	assert.Equal(t, "corr-1", completions[1].CorrelationID)

	changes := ofType[events.TaskStatusChanged](f.rec)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusInProgress, changes[0].OldStatus)
	assert.Equal(t, models.StatusCompleted, changes[0].NewStatus)

	inst, err := f.store.GetFamilyTask(context.Background(), "inst-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, inst.Status)
}

func TestAutoComplete_BlockedTargetIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusInProgress,
		"x": models.StatusNotStarted,
	})
	require.NoError(t, f.store.SaveDependency(context.Background(),
		models.DependencyEdge{TaskID: "b", DependsOnTaskID: "x", Type: models.DependencyRequired}))
	f.addRules(t, withAction(rule("close-b", models.TriggerTaskCompleted, "a", ""), models.AutoComplete{TaskID: "b"}))

	f.publishAndWait(t, completedEvent("a"))

	assert.Len(t, ofType[events.RuleTriggered](f.rec), 1)
	assert.Empty(t, ofType[events.ActionApplied](f.rec))
	assert.Empty(t, ofType[events.ActionFailed](f.rec))
	assert.Equal(t, uint64(1), f.engine.Health().Skipped)
}

func TestAutoEnable(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusInProgress,
		"b": models.StatusNotStarted,
	})
	f.addRules(t, withAction(rule("start-b", models.TriggerStatusChange, "a", models.StatusInProgress), models.AutoEnable{TaskID: "b"}))

	f.publishAndWait(t, statusChanged("a", models.StatusNotStarted, models.StatusInProgress))

	changes := ofType[events.TaskStatusChanged](f.rec)
	require.Len(t, changes, 2)
	assert.Equal(t, "b", changes[1].TemplateID)
	assert.Equal(t, "rule:start-b", changes[1].Source)

	applied := ofType[events.ActionApplied](f.rec)
	require.Len(t, applied, 1)
	assert.Equal(t, "b", applied[0].Target)
	assert.False(t, applied[0].NoOp)
}

func TestAutoEnable_MissingTargetIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{"a": models.StatusInProgress})
	f.addRules(t, withAction(rule("start-z", models.TriggerStatusChange, "a", ""), models.AutoEnable{TaskID: "z"}))

	f.publishAndWait(t, statusChanged("a", models.StatusNotStarted, models.StatusInProgress))

	assert.Empty(t, ofType[events.ActionApplied](f.rec))
	assert.Empty(t, ofType[events.ActionFailed](f.rec))
}

func TestSendNotification_FiresOnEveryTransition(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{"a": models.StatusCompleted},
		models.User{ID: "u-1", Name: "Ngozi"},
		models.User{ID: "u-2", Name: "Emeka"},
	)
	f.addRules(t, rule("notify-a", models.TriggerStatusChange, "a", ""))
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	f.publishAndWait(t,
		statusChanged("a", models.StatusNotStarted, models.StatusInProgress),
		statusChanged("a", models.StatusInProgress, models.StatusCompleted),
		completedEvent("a"),
	)

	applied := ofType[events.ActionApplied](f.rec)
	require.Len(t, applied, 2)
	assert.Equal(t, "notified 2 member(s)", applied[0].Detail)
	assert.Equal(t, "fam-1", applied[0].Target)
	f.notifier.AssertNumberOfCalls(t, "Notify", 4)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, notify.Notification{
		Type:          models.DefaultNotificationType,
		RuleID:        "notify-a",
		TriggerTaskID: "a",
		Status:        "completed",
		FamilyID:      "fam-1",
		CorrelationID: "corr-1",
		RecipientID:   "u-2",
	})
}

func TestSendNotification_NoMembersIsNoOp(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{"a": models.StatusInProgress})
	f.addRules(t, rule("notify-a", models.TriggerStatusChange, "a", ""))

	f.publishAndWait(t, statusChanged("a", models.StatusNotStarted, models.StatusInProgress))

	applied := ofType[events.ActionApplied](f.rec)
	require.Len(t, applied, 1)
	assert.True(t, applied[0].NoOp)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestRuleIsolation_FailureDoesNotStopLaterRules(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusInProgress,
		"b": models.StatusNotStarted,
	}, models.User{ID: "u-1"}, models.User{ID: "u-2"})
	f.addRules(t,
		rule("notify-a", models.TriggerStatusChange, "a", ""),
		withAction(rule("start-b", models.TriggerStatusChange, "a", ""), models.AutoEnable{TaskID: "b"}),
	)
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n notify.Notification) bool { return n.RecipientID == "u-1" })).
		Return(errors.New("mailbox full"))
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n notify.Notification) bool { return n.RecipientID == "u-2" })).
		Return(nil)

	f.publishAndWait(t, statusChanged("a", models.StatusNotStarted, models.StatusInProgress))

	failures := ofType[events.ActionFailed](f.rec)
	require.Len(t, failures, 1)
	assert.Equal(t, "notify-a", failures[0].RuleID)
	assert.Equal(t, HandlerName, failures[0].Source)
	assert.Contains(t, failures[0].Error, "mailbox full")
	assert.Equal(t, "inst-a", failures[0].Context["instance_id"])
	assert.Equal(t, "corr-1", failures[0].CorrelationID)

	applied := ofType[events.ActionApplied](f.rec)
	require.Len(t, applied, 1)
	assert.Equal(t, "start-b", applied[0].RuleID)
	f.notifier.AssertNumberOfCalls(t, "Notify", 2)
}

// actionlessRuleStore serves a rule with no action ahead of the stored ones,
// the way a hand-edited rules table can
type actionlessRuleStore struct {
	*memory.Store
	broken models.WorkflowRule
}

func (s actionlessRuleStore) GetWorkflowRulesForTask(ctx context.Context, templateID string) ([]models.WorkflowRule, error) {
	stored, err := s.Store.GetWorkflowRulesForTask(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return append([]models.WorkflowRule{s.broken}, stored...), nil
}

func TestRuleIsolation_ActionlessRuleDoesNotStopLaterRules(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusInProgress,
		"b": models.StatusNotStarted,
	})
	f.addRules(t, withAction(rule("r-ok", models.TriggerStatusChange, "a", ""), models.AutoEnable{TaskID: "b"}))
	broken := rule("r-broken", models.TriggerStatusChange, "a", "")
	broken.Action = nil

	ctx := context.Background()
	bus := events.NewBus(events.Options{})
	rec := &recorder{}
	bus.SubscribeAll("recorder", rec.handle)
	engine := New(actionlessRuleStore{Store: f.store, broken: broken}, bus, f.notifier, Options{})
	engine.Register()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	bus.Publish(ctx, statusChanged("a", models.StatusNotStarted, models.StatusInProgress))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(waitCtx))

	triggered := ofType[events.RuleTriggered](rec)
	require.Len(t, triggered, 1)
	assert.Equal(t, "r-ok", triggered[0].RuleID)

	applied := ofType[events.ActionApplied](rec)
	require.Len(t, applied, 1)
	assert.Equal(t, "r-ok", applied[0].RuleID)
	assert.Empty(t, ofType[events.ActionFailed](rec))

	b, err := f.store.GetFamilyTask(ctx, "inst-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, b.Status)
}

func TestExecute_ActionlessRuleIsReportedNotPanicked(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{"a": models.StatusInProgress})
	broken := rule("r-broken", models.TriggerStatusChange, "a", "")
	broken.Action = nil
	firing := firingFromStatusChange(statusChanged("a", models.StatusNotStarted, models.StatusInProgress))

	require.NotPanics(t, func() { f.engine.execute(context.Background(), broken, firing) })
	f.publishAndWait(t)

	failures := ofType[events.ActionFailed](f.rec)
	require.Len(t, failures, 1)
	assert.Equal(t, "r-broken", failures[0].RuleID)
	assert.Equal(t, "unknown", failures[0].Action)
	assert.Equal(t, "fam-1", failures[0].Target)
	assert.Contains(t, failures[0].Error, "missing action")
	assert.Empty(t, ofType[events.RuleTriggered](f.rec))
	assert.Equal(t, uint64(1), f.engine.Health().Failed)
}

func TestRuleOrdering_TaskSpecificFirst(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{"a": models.StatusInProgress}, models.User{ID: "u-1"})
	f.addRules(t,
		rule("general", models.TriggerStatusChange, "", ""),
		rule("specific", models.TriggerStatusChange, "a", ""),
	)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	f.publishAndWait(t, statusChanged("a", models.StatusNotStarted, models.StatusInProgress))

	triggered := ofType[events.RuleTriggered](f.rec)
	require.Len(t, triggered, 2)
	assert.Equal(t, "specific", triggered[0].RuleID)
	assert.Equal(t, "general", triggered[1].RuleID)
}

func TestAssignUser(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusNotStarted,
	}, models.User{ID: "u-1"})
	require.NoError(t, f.store.SaveUser(context.Background(), models.User{ID: "outsider", FamilyID: "fam-2"}))
	f.addRules(t,
		withAction(rule("assign-outsider", models.TriggerTaskCompleted, "a", ""), models.AssignUser{TaskID: "b", UserID: "outsider"}),
		withAction(rule("assign-member", models.TriggerTaskCompleted, "a", ""), models.AssignUser{TaskID: "b", UserID: "u-1"}),
	)

	f.publishAndWait(t, completedEvent("a"))

	applied := ofType[events.ActionApplied](f.rec)
	require.Len(t, applied, 1)
	assert.Equal(t, "assign-member", applied[0].RuleID)
	inst, err := f.store.GetFamilyTask(context.Background(), "inst-b")
	require.NoError(t, err)
	assert.Equal(t, "u-1", inst.AssigneeID)
	assert.Equal(t, uint64(1), f.engine.Health().Skipped)
}

func TestEventOrderWithinRule(t *testing.T) {
	f := newFixture(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusNotStarted,
	})
	f.addRules(t, withAction(rule("start-b", models.TriggerTaskCompleted, "a", ""), models.AutoEnable{TaskID: "b"}))

	f.publishAndWait(t, completedEvent("a"))

	assert.Equal(t, []events.Kind{
		events.KindTaskCompleted,
		events.KindRuleTriggered,
		events.KindTaskStatusChanged,
		events.KindActionApplied,
	}, f.rec.kinds())
}

func TestUnsupportedRules(t *testing.T) {
	f := newFixture(t, nil)
	f.addRules(t,
		rule("deps", models.TriggerAllDependenciesMet, "a", ""),
		rule("plain", models.TriggerStatusChange, "", ""),
	)

	unsupported, err := f.engine.UnsupportedRules(context.Background())
	require.NoError(t, err)
	require.Len(t, unsupported, 1)
	assert.Equal(t, "deps", unsupported[0].ID)
	f.engine.WarnUnsupported(context.Background())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	h := f.engine.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.HandlersRegistered)
	// the recorder listens to both kinds as well
	assert.Equal(t, 4, h.ListenerCount)
}
