// Package storagetest holds the conformance suite every storage
// implementation runs from its own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store whose required edges are satisfied
// only by completed prerequisites
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"FamilyTasks", testFamilyTasks},
		{"StatusCompareAndSwap", testStatusCompareAndSwap},
		{"AssignFamilyTask", testAssignFamilyTask},
		{"Dependencies", testDependencies},
		{"ValidateDependencies", testValidateDependencies},
		{"WorkflowRules", testWorkflowRules},
		{"FamilyWithMembers", testFamilyWithMembers},
		{"Journal", testJournal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func seedFamily(t *testing.T, s storage.Store, statuses map[string]models.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveFamily(ctx, models.Family{
		ID:   "fam-1",
		Name: "Rivera",
		Members: []models.User{
			{ID: "u-1", Name: "Ana", Email: "ana@example.com"},
			{ID: "u-2", Name: "Luis"},
		},
	}))
	for templateID, status := range statuses {
		require.NoError(t, s.SaveTemplate(ctx, models.TaskTemplate{ID: templateID, Title: "Task " + templateID}))
		require.NoError(t, s.CreateFamilyTask(ctx, models.FamilyTaskInstance{
			ID:         "fam-1-" + templateID,
			FamilyID:   "fam-1",
			TemplateID: templateID,
			Status:     status,
		}))
	}
}

func testFamilyTasks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedFamily(t, s, map[string]models.TaskStatus{
		"b": models.StatusNotStarted,
		"a": models.StatusCompleted,
	})

	tasks, err := s.GetFamilyTasks(ctx, "fam-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].TemplateID)
	assert.Equal(t, "b", tasks[1].TemplateID)

	inst, err := s.GetFamilyTask(ctx, "fam-1-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, inst.Status)

	inst, err = s.GetFamilyTaskByFamilyAndTask(ctx, "fam-1", "b")
	require.NoError(t, err)
	assert.Equal(t, "fam-1-b", inst.ID)

	_, err = s.GetFamilyTask(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))
	_, err = s.GetFamilyTaskByFamilyAndTask(ctx, "fam-1", "z")
	assert.True(t, storage.IsNotFound(err))

	empty, err := s.GetFamilyTasks(ctx, "fam-unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)

	templates, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 2)
}

func testStatusCompareAndSwap(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedFamily(t, s, map[string]models.TaskStatus{"a": models.StatusNotStarted})

	updated, err := s.UpdateFamilyTaskStatus(ctx, "fam-1-a", models.StatusNotStarted, models.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, updated.Status)

	_, err = s.UpdateFamilyTaskStatus(ctx, "fam-1-a", models.StatusNotStarted, models.StatusInProgress)
	assert.True(t, storage.IsConflict(err), "second enable must conflict, got %v", err)

	_, err = s.UpdateFamilyTaskStatus(ctx, "fam-1-a", models.StatusInProgress, models.StatusNotStarted)
	require.Error(t, err)
	assert.False(t, storage.IsConflict(err))

	_, err = s.UpdateFamilyTaskStatus(ctx, "fam-1-a", models.StatusInProgress, models.StatusInProgress)
	assert.True(t, taskerrors.IsUnchanged(err), "same-status update must report unchanged, got %v", err)

	_, err = s.UpdateFamilyTaskStatus(ctx, "missing", models.StatusNotStarted, models.StatusInProgress)
	assert.True(t, storage.IsNotFound(err))

	stored, err := s.GetFamilyTask(ctx, "fam-1-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, stored.Status)
}

func testAssignFamilyTask(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedFamily(t, s, map[string]models.TaskStatus{"a": models.StatusNotStarted})

	inst, err := s.AssignFamilyTask(ctx, "fam-1-a", "u-2")
	require.NoError(t, err)
	assert.Equal(t, "u-2", inst.AssigneeID)

	_, err = s.AssignFamilyTask(ctx, "missing", "u-2")
	assert.True(t, storage.IsNotFound(err))
}

func testDependencies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired}))
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyOptional}))
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "b", Type: models.DependencySequential}))

	// same endpoints replace the type
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyRequired}))

	all, err := s.ListDependencies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	blocked, err := s.GetTasksBlockedBy(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.DependencyEdge{
		{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyRequired},
	}, blocked)

	require.NoError(t, s.DeleteDependency(ctx, "c", "a"))
	err = s.DeleteDependency(ctx, "c", "a")
	assert.True(t, storage.IsNotFound(err))

	blocked, err = s.GetTasksBlockedBy(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
}

func testValidateDependencies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedFamily(t, s, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusInProgress,
		"c": models.StatusNotStarted,
		"d": models.StatusNotStarted,
	})
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyRequired}))
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "b", Type: models.DependencyOptional}))
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "d", DependsOnTaskID: "b", Type: models.DependencyRequired}))
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "d", DependsOnTaskID: "ghost", Type: models.DependencySequential}))

	status, err := s.ValidateDependencies(ctx, "c", "fam-1")
	require.NoError(t, err)
	assert.True(t, status.CanStart)
	assert.True(t, status.CanComplete)
	assert.Equal(t, []string{"a"}, status.DependsOn)
	assert.Empty(t, status.BlockedBy)

	status, err = s.ValidateDependencies(ctx, "d", "fam-1")
	require.NoError(t, err)
	assert.False(t, status.CanStart)
	assert.ElementsMatch(t, []string{"b", "ghost"}, status.BlockedBy)

	status, err = s.ValidateDependencies(ctx, "a", "fam-1")
	require.NoError(t, err)
	assert.True(t, status.CanStart)
	assert.Empty(t, status.DependsOn)
}

func testWorkflowRules(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rules := []models.WorkflowRule{
		{ID: "r-1", Name: "enable b", Active: true,
			Trigger: models.Trigger{Condition: models.TriggerTaskCompleted, TaskID: "a"},
			Action:  models.AutoEnable{TaskID: "b"}},
		{ID: "r-2", Name: "notify", Active: true,
			Trigger: models.Trigger{Condition: models.TriggerStatusChange},
			Action:  models.SendNotification{Type: "progress"}},
		{ID: "r-3", Name: "disabled", Active: false,
			Trigger: models.Trigger{Condition: models.TriggerStatusChange, TaskID: "a", Status: models.StatusCompleted},
			Action:  models.AssignUser{TaskID: "b", UserID: "u-1"}},
	}
	for _, r := range rules {
		require.NoError(t, s.SaveWorkflowRule(ctx, r))
	}

	err := s.SaveWorkflowRule(ctx, models.WorkflowRule{ID: "r-broken", Name: "no action", Active: true,
		Trigger: models.Trigger{Condition: models.TriggerStatusChange, TaskID: "a"}})
	require.Error(t, err)
	assert.True(t, taskerrors.IsValidationFailure(err))

	forA, err := s.GetWorkflowRulesForTask(ctx, "a")
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, rules[0], forA[0])

	active, err := s.GetActiveWorkflowRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "r-1", active[0].ID)
	assert.Equal(t, rules[1], active[1])

	rules[2].Active = true
	require.NoError(t, s.SaveWorkflowRule(ctx, rules[2]))
	forA, err = s.GetWorkflowRulesForTask(ctx, "a")
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, rules[2], forA[1])
}

func testFamilyWithMembers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedFamily(t, s, nil)
	require.NoError(t, s.SaveUser(ctx, models.User{ID: "u-9", Name: "Outsider"}))

	family, err := s.GetFamilyWithMembers(ctx, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, "Rivera", family.Name)
	require.Len(t, family.Members, 2)
	assert.Equal(t, "u-1", family.Members[0].ID)
	assert.True(t, family.HasMember("u-2"))
	assert.False(t, family.HasMember("u-9"))

	user, err := s.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "fam-1", user.FamilyID)
	assert.Equal(t, "ana@example.com", user.Email)

	_, err = s.GetUser(ctx, "nobody")
	assert.True(t, storage.IsNotFound(err))
	_, err = s.GetFamilyWithMembers(ctx, "fam-x")
	assert.True(t, storage.IsNotFound(err))
}

func testJournal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	records := []storage.EventRecord{
		{Kind: "task.status_changed", FamilyID: "fam-1", CorrelationID: "c-1", Timestamp: base, Payload: []byte{0xa1, 0x01}},
		{Kind: "task.completed", FamilyID: "fam-1", CorrelationID: "c-1", Timestamp: base.Add(time.Millisecond), Payload: []byte{0xa1, 0x02}},
		{Kind: "task.status_changed", FamilyID: "fam-2", CorrelationID: "c-2", Timestamp: base.Add(time.Second), Payload: []byte{0xa1, 0x03}},
	}
	for _, r := range records {
		require.NoError(t, s.AppendEvent(ctx, r))
	}

	chain, err := s.ListEventsByCorrelation(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "task.status_changed", chain[0].Kind)
	assert.Equal(t, "task.completed", chain[1].Kind)
	assert.Less(t, chain[0].Seq, chain[1].Seq)
	assert.True(t, base.Equal(chain[0].Timestamp))
	assert.Equal(t, []byte{0xa1, 0x02}, chain[1].Payload)

	recent, err := s.ListRecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c-2", recent[1].CorrelationID)

	none, err := s.ListEventsByCorrelation(ctx, "c-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}
