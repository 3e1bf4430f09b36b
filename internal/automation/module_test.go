package automation

import (
	"context"
	"testing"
	"time"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
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

type harness struct {
	store  *memory.Store
	module *Module
}

func newHarness(t *testing.T, notifier notify.Notifier) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.New(graph.RequireCompleted)
	require.NoError(t, store.SaveFamily(ctx, models.Family{
		ID: "fam-1", Name: "Haddad",
		Members: []models.User{{ID: "u-1", Name: "Rania"}},
	}))
	for _, tpl := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveTemplate(ctx, models.TaskTemplate{ID: tpl, Title: "Task " + tpl}))
	}
	require.NoError(t, store.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "fam-1-a", FamilyID: "fam-1", TemplateID: "a", Status: models.StatusInProgress}))
	require.NoError(t, store.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "fam-1-b", FamilyID: "fam-1", TemplateID: "b", Status: models.StatusNotStarted}))
	require.NoError(t, store.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "fam-1-c", FamilyID: "fam-1", TemplateID: "c", Status: models.StatusNotStarted}))

	bus := events.NewBus(events.Options{})
	module := New(store, bus, Options{Notifier: notifier})
	module.Start(ctx)
	t.Cleanup(func() { _ = module.Close(context.Background()) })
	return &harness{store: store, module: module}
}

func waitFor(t *testing.T, m *Module) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestTransitionTask_CompletionCascade(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.module.AddDependency(ctx, models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired}, nil))

	result, err := h.module.TransitionTask(ctx, "fam-1", "a", models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, result.Previous)
	assert.Equal(t, models.StatusCompleted, result.Instance.Status)
	waitFor(t, h.module)

	chain, err := h.module.Cascade(ctx, result.CorrelationID)
	require.NoError(t, err)
	require.Len(t, chain, 4)

	first, ok := chain[0].(events.TaskStatusChanged)
	require.True(t, ok)
	assert.Equal(t, "a", first.TemplateID)
	assert.Equal(t, models.StatusInProgress, first.OldStatus)
	assert.Equal(t, models.StatusCompleted, first.NewStatus)
	assert.Equal(t, UserSource, first.Source)

	completed, ok := chain[1].(events.TaskCompleted)
	require.True(t, ok)
	assert.Equal(t, "a", completed.TemplateID)

	enabled, ok := chain[2].(events.TaskStatusChanged)
	require.True(t, ok)
	assert.Equal(t, "b", enabled.TemplateID)
	assert.Equal(t, models.StatusNotStarted, enabled.OldStatus)
	assert.Equal(t, models.StatusInProgress, enabled.NewStatus)

	met, ok := chain[3].(events.DependenciesMet)
	require.True(t, ok)
	assert.Equal(t, "a", met.TriggerTemplateID)
	assert.Equal(t, []string{"fam-1-b"}, met.EnabledTasks)

	for _, ev := range chain {
		assert.Equal(t, result.CorrelationID, ev.Meta().CorrelationID)
		assert.Equal(t, "fam-1", ev.Meta().FamilyID)
	}

	c, err := h.store.GetFamilyTask(ctx, "fam-1-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotStarted, c.Status, "ungated task stays put")
}

func TestTransitionTask_RuleClosesTheLoop(t *testing.T) {
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	h := newHarness(t, notifier)
	ctx := context.Background()

	require.NoError(t, h.module.AddDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "b", Type: models.DependencySequential}, nil))
	require.NoError(t, h.store.SaveWorkflowRule(ctx, models.WorkflowRule{
		ID: "finish-b", Name: "Finish b with a", Active: true,
		Trigger: models.Trigger{Condition: models.TriggerTaskCompleted, TaskID: "a"},
		Action:  models.AutoComplete{TaskID: "b"},
	}))
	require.NoError(t, h.store.SaveWorkflowRule(ctx, models.WorkflowRule{
		ID: "tell-c", Name: "Announce c", Active: true,
		Trigger: models.Trigger{Condition: models.TriggerStatusChange, TaskID: "c", Status: models.StatusInProgress},
		Action:  models.SendNotification{Type: "task_ready"},
	}))

	result, err := h.module.TransitionTask(ctx, "fam-1", "a", models.StatusCompleted)
	require.NoError(t, err)
	waitFor(t, h.module)

	for id, want := range map[string]models.TaskStatus{
		"fam-1-a": models.StatusCompleted,
		"fam-1-b": models.StatusCompleted,
		"fam-1-c": models.StatusInProgress,
	} {
		inst, err := h.store.GetFamilyTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, inst.Status, id)
	}

	notifier.AssertCalled(t, "Notify", mock.Anything, notify.Notification{
		Type:          "task_ready",
		RuleID:        "tell-c",
		TriggerTaskID: "c",
		Status:        "in_progress",
		FamilyID:      "fam-1",
		CorrelationID: result.CorrelationID,
		RecipientID:   "u-1",
	})

	chain, err := h.module.Cascade(ctx, result.CorrelationID)
	require.NoError(t, err)
	for _, ev := range chain {
		assert.NotEqual(t, events.KindActionFailed, ev.Kind())
	}
}

func TestTransitionTask_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.module.TransitionTask(ctx, "fam-1", "missing", models.StatusCompleted)
	assert.True(t, taskerrors.IsNotFound(err))

	_, err = h.module.TransitionTask(ctx, "fam-1", "a", models.StatusNotStarted)
	require.Error(t, err)
	assert.Equal(t, taskerrors.ErrorCategoryValidation, taskerrors.Category(err))
	assert.False(t, taskerrors.IsUnchanged(err))

	_, err = h.module.TransitionTask(ctx, "fam-1", "a", models.StatusInProgress)
	require.Error(t, err)
	assert.True(t, taskerrors.IsUnchanged(err), "got %v", err)
	assert.Contains(t, err.Error(), "already in_progress")

	inst, err := h.store.GetFamilyTask(ctx, "fam-1-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, inst.Status)
}

func TestAddDependency(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ab := models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired}
	bc := models.DependencyEdge{TaskID: "c", DependsOnTaskID: "b", Type: models.DependencyRequired}
	require.NoError(t, h.module.AddDependency(ctx, ab, nil))
	require.NoError(t, h.module.AddDependency(ctx, bc, nil))

	t.Run("cycle rejected", func(t *testing.T) {
		err := h.module.AddDependency(ctx, models.DependencyEdge{TaskID: "a", DependsOnTaskID: "c", Type: models.DependencyOptional}, nil)
		require.Error(t, err)
		assert.Equal(t, taskerrors.ErrorCategoryGraph, taskerrors.Category(err))
	})

	t.Run("self dependency rejected", func(t *testing.T) {
		err := h.module.AddDependency(ctx, models.DependencyEdge{TaskID: "a", DependsOnTaskID: "a", Type: models.DependencyRequired}, nil)
		require.Error(t, err)
	})

	t.Run("resaving an unchanged edge", func(t *testing.T) {
		require.NoError(t, h.module.AddDependency(ctx, ab, &ab))
	})

	t.Run("replacing moves the edge", func(t *testing.T) {
		moved := models.DependencyEdge{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencySequential}
		require.NoError(t, h.module.AddDependency(ctx, moved, &bc))

		edges, err := h.store.ListDependencies(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []models.DependencyEdge{ab, moved}, edges)
	})

	status, err := h.module.CheckDependencies(ctx, "c", "fam-1")
	require.NoError(t, err)
	assert.False(t, status.CanStart)
	assert.Equal(t, []string{"a"}, status.BlockedBy)
}

func TestCheckAndEnableDependencies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.module.AddDependency(ctx, models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired}, nil))
	_, err := h.store.UpdateFamilyTaskStatus(ctx, "fam-1-a", models.StatusInProgress, models.StatusCompleted)
	require.NoError(t, err)

	result, err := h.module.CheckAndEnableDependencies(ctx, "fam-1")
	require.NoError(t, err)
	waitFor(t, h.module)

	assert.Equal(t, 2, result.Enabled)
	assert.Equal(t, []string{"c", "b"}, result.EnabledTasks, "ungated c is enabled too")
	assert.Empty(t, result.Errors)

	c, err := h.store.GetFamilyTask(ctx, "fam-1-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, c.Status)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	health := h.module.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Enabler.HandlersRegistered)
	assert.Equal(t, 2, health.Rules.HandlersRegistered)
	require.NotNil(t, health.Journal)

	require.NoError(t, h.module.Close(context.Background()))
	assert.Equal(t, "stopped", h.module.Health().Status)
}

func TestWorst(t *testing.T) {
	assert.Equal(t, "healthy", worst("healthy", "healthy"))
	assert.Equal(t, "degraded", worst("healthy", "degraded"))
	assert.Equal(t, "stopped", worst("degraded", "stopped", "healthy"))
}

func TestCascade_JournalDisabled(t *testing.T) {
	bus := events.NewBus(events.Options{})
	module := New(memory.New(graph.RequireCompleted), bus, Options{DisableJournal: true})
	defer module.Close(context.Background())

	_, err := module.Cascade(context.Background(), "corr-1")
	assert.Error(t, err)
	assert.Nil(t, module.Health().Journal)
}
