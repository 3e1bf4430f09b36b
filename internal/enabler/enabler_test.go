package enabler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
	"github.com/maxkimambo/taskflow/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetTasksBlockedBy(ctx context.Context, templateID string) ([]models.DependencyEdge, error) {
	args := m.Called(ctx, templateID)
	edges, _ := args.Get(0).([]models.DependencyEdge)
	return edges, args.Error(1)
}

func (m *mockStore) GetFamilyTasks(ctx context.Context, familyID string) ([]models.FamilyTaskInstance, error) {
	args := m.Called(ctx, familyID)
	tasks, _ := args.Get(0).([]models.FamilyTaskInstance)
	return tasks, args.Error(1)
}

func (m *mockStore) ValidateDependencies(ctx context.Context, templateID, familyID string) (models.DependencyStatus, error) {
	args := m.Called(ctx, templateID, familyID)
	return args.Get(0).(models.DependencyStatus), args.Error(1)
}

func (m *mockStore) UpdateFamilyTaskStatus(ctx context.Context, instanceID string, expected, next models.TaskStatus) (models.FamilyTaskInstance, error) {
	args := m.Called(ctx, instanceID, expected, next)
	return args.Get(0).(models.FamilyTaskInstance), args.Error(1)
}

func (m *mockStore) ListDependencies(ctx context.Context) ([]models.DependencyEdge, error) {
	args := m.Called(ctx)
	edges, _ := args.Get(0).([]models.DependencyEdge)
	return edges, args.Error(1)
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

func (r *recorder) statusChanges() []events.TaskStatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.TaskStatusChanged
	for _, ev := range r.events {
		if e, ok := ev.(events.TaskStatusChanged); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) failures() []events.ActionFailed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ActionFailed
	for _, ev := range r.events {
		if e, ok := ev.(events.ActionFailed); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) dependenciesMet() []events.DependenciesMet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.DependenciesMet
	for _, ev := range r.events {
		if e, ok := ev.(events.DependenciesMet); ok {
			out = append(out, e)
		}
	}
	return out
}

func setup(t *testing.T, store Store) (*Enabler, *events.Bus, *recorder) {
	t.Helper()
	bus := events.NewBus(events.Options{})
	rec := &recorder{}
	bus.SubscribeAll("recorder", rec.handle)
	e := New(store, bus, Options{MaxParallel: 2})
	e.Register()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return e, bus, rec
}

func drain(t *testing.T, bus *events.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(ctx))
}

func completed(templateID string) events.TaskCompleted {
	return events.TaskCompleted{
		Envelope:   events.Envelope{FamilyID: "fam-1", CorrelationID: "corr-1"},
		InstanceID: "inst-" + templateID,
		TemplateID: templateID,
		Source:     "user",
	}
}

func instance(templateID string, status models.TaskStatus) models.FamilyTaskInstance {
	return models.FamilyTaskInstance{ID: "inst-" + templateID, FamilyID: "fam-1", TemplateID: templateID, Status: status}
}

func TestHandleTaskCompleted_BatchIsolation(t *testing.T) {
	store := &mockStore{}
	e, bus, rec := setup(t, store)

	store.On("GetTasksBlockedBy", mock.Anything, "a").Return([]models.DependencyEdge{
		{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "d", DependsOnTaskID: "a", Type: models.DependencySequential},
	}, nil)
	store.On("GetFamilyTasks", mock.Anything, "fam-1").Return([]models.FamilyTaskInstance{
		instance("a", models.StatusCompleted),
		instance("b", models.StatusNotStarted),
		instance("c", models.StatusNotStarted),
		instance("d", models.StatusNotStarted),
	}, nil).Once()
	store.On("ValidateDependencies", mock.Anything, mock.Anything, "fam-1").
		Return(models.DependencyStatus{CanStart: true, DependsOn: []string{"a"}}, nil)
	store.On("UpdateFamilyTaskStatus", mock.Anything, "inst-b", models.StatusNotStarted, models.StatusInProgress).
		Return(instance("b", models.StatusInProgress), nil)
	store.On("UpdateFamilyTaskStatus", mock.Anything, "inst-c", models.StatusNotStarted, models.StatusInProgress).
		Return(models.FamilyTaskInstance{}, errors.New("connection reset"))
	store.On("UpdateFamilyTaskStatus", mock.Anything, "inst-d", models.StatusNotStarted, models.StatusInProgress).
		Return(instance("d", models.StatusInProgress), nil)

	bus.Publish(context.Background(), completed("a"))
	drain(t, bus)

	changes := rec.statusChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, "inst-b", changes[0].InstanceID)
	assert.Equal(t, "inst-d", changes[1].InstanceID)
	for _, c := range changes {
		assert.Equal(t, "corr-1", c.CorrelationID)
		assert.Equal(t, models.StatusNotStarted, c.OldStatus)
		assert.Equal(t, models.StatusInProgress, c.NewStatus)
		assert.Equal(t, HandlerName, c.Source)
	}

	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "inst-c", failures[0].Target)
	assert.Equal(t, "corr-1", failures[0].CorrelationID)
	assert.Equal(t, "c", failures[0].Context["template_id"])
	assert.Contains(t, failures[0].Error, "connection reset")

	met := rec.dependenciesMet()
	require.Len(t, met, 1)
	assert.Equal(t, []string{"inst-b", "inst-d"}, met[0].EnabledTasks)
	assert.Equal(t, "a", met[0].TriggerTemplateID)

	health := e.Health()
	assert.Equal(t, uint64(2), health.Enabled)
	assert.Equal(t, uint64(1), health.Failures)
	store.AssertNumberOfCalls(t, "GetFamilyTasks", 1)
}

func TestHandleTaskCompleted_SkipsStartedMissingAndBlocked(t *testing.T) {
	store := &mockStore{}
	_, bus, rec := setup(t, store)

	store.On("GetTasksBlockedBy", mock.Anything, "a").Return([]models.DependencyEdge{
		{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "ghost", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "e", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "opt", DependsOnTaskID: "a", Type: models.DependencyOptional},
	}, nil)
	store.On("GetFamilyTasks", mock.Anything, "fam-1").Return([]models.FamilyTaskInstance{
		instance("b", models.StatusInProgress),
		instance("c", models.StatusCompleted),
		instance("e", models.StatusNotStarted),
		instance("opt", models.StatusNotStarted),
	}, nil)
	store.On("ValidateDependencies", mock.Anything, "e", "fam-1").
		Return(models.DependencyStatus{CanStart: false, BlockedBy: []string{"x"}, DependsOn: []string{"a", "x"}}, nil)

	bus.Publish(context.Background(), completed("a"))
	drain(t, bus)

	assert.Empty(t, rec.statusChanges())
	assert.Empty(t, rec.failures())
	assert.Empty(t, rec.dependenciesMet())
	store.AssertNotCalled(t, "UpdateFamilyTaskStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "ValidateDependencies", mock.Anything, "opt", mock.Anything)
}

func TestHandleTaskCompleted_ConflictIsSkip(t *testing.T) {
	store := &mockStore{}
	_, bus, rec := setup(t, store)

	store.On("GetTasksBlockedBy", mock.Anything, "a").Return([]models.DependencyEdge{
		{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
	}, nil)
	store.On("GetFamilyTasks", mock.Anything, "fam-1").Return([]models.FamilyTaskInstance{
		instance("b", models.StatusNotStarted),
	}, nil)
	store.On("ValidateDependencies", mock.Anything, "b", "fam-1").Return(models.DependencyStatus{CanStart: true}, nil)
	store.On("UpdateFamilyTaskStatus", mock.Anything, "inst-b", models.StatusNotStarted, models.StatusInProgress).
		Return(models.FamilyTaskInstance{}, taskerrors.NewStatusConflictError("inst-b", "not_started", "in_progress").
			WithOriginalError(storage.ErrStatusConflict))

	bus.Publish(context.Background(), completed("a"))
	drain(t, bus)

	assert.Empty(t, rec.statusChanges())
	assert.Empty(t, rec.failures())
	assert.Empty(t, rec.dependenciesMet())
}

func TestHandleTaskCompleted_ValidationErrorReported(t *testing.T) {
	store := &mockStore{}
	_, bus, rec := setup(t, store)

	store.On("GetTasksBlockedBy", mock.Anything, "a").Return([]models.DependencyEdge{
		{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
		{TaskID: "c", DependsOnTaskID: "a", Type: models.DependencyRequired},
	}, nil)
	store.On("GetFamilyTasks", mock.Anything, "fam-1").Return([]models.FamilyTaskInstance{
		instance("b", models.StatusNotStarted),
		instance("c", models.StatusNotStarted),
	}, nil)
	store.On("ValidateDependencies", mock.Anything, "b", "fam-1").Return(models.DependencyStatus{}, errors.New("timeout"))
	store.On("ValidateDependencies", mock.Anything, "c", "fam-1").Return(models.DependencyStatus{CanStart: true}, nil)
	store.On("UpdateFamilyTaskStatus", mock.Anything, "inst-c", models.StatusNotStarted, models.StatusInProgress).
		Return(instance("c", models.StatusInProgress), nil)

	bus.Publish(context.Background(), completed("a"))
	drain(t, bus)

	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "inst-b", failures[0].Target)
	require.Len(t, rec.statusChanges(), 1)
	require.Len(t, rec.dependenciesMet(), 1)
	assert.Equal(t, []string{"inst-c"}, rec.dependenciesMet()[0].EnabledTasks)
}

func TestHandleTaskCompleted_LoadFailureBecomesHandlerFailure(t *testing.T) {
	store := &mockStore{}
	_, bus, rec := setup(t, store)

	store.On("GetTasksBlockedBy", mock.Anything, "a").Return(nil, errors.New("db closed"))

	bus.Publish(context.Background(), completed("a"))
	drain(t, bus)

	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, HandlerName, failures[0].Source)
	assert.Equal(t, "corr-1", failures[0].CorrelationID)
	assert.Contains(t, failures[0].Error, "db closed")
}

func seedMemory(t *testing.T, statuses map[string]models.TaskStatus, edges ...models.DependencyEdge) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New(graph.RequireCompleted)
	for templateID, status := range statuses {
		require.NoError(t, s.CreateFamilyTask(ctx, instance(templateID, status)))
	}
	for _, e := range edges {
		require.NoError(t, s.SaveDependency(ctx, e))
	}
	return s
}

func TestHandleTaskCompleted_IdempotentOnRedelivery(t *testing.T) {
	store := seedMemory(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusNotStarted,
	}, models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired})
	_, bus, rec := setup(t, store)

	bus.Publish(context.Background(), completed("a"))
	bus.Publish(context.Background(), completed("a"))
	drain(t, bus)

	assert.Len(t, rec.statusChanges(), 1)
	assert.Len(t, rec.dependenciesMet(), 1)
	inst, err := store.GetFamilyTask(context.Background(), "inst-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, inst.Status)
}

func TestCheckAndEnableDependencies(t *testing.T) {
	store := seedMemory(t, map[string]models.TaskStatus{
		"a": models.StatusCompleted,
		"b": models.StatusNotStarted,
		"c": models.StatusNotStarted,
		"d": models.StatusNotStarted,
		"e": models.StatusNotStarted,
	},
		models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
		models.DependencyEdge{TaskID: "d", DependsOnTaskID: "b", Type: models.DependencyRequired},
		models.DependencyEdge{TaskID: "e", DependsOnTaskID: "a", Type: models.DependencySequential},
	)
	e, bus, rec := setup(t, store)

	result, err := e.CheckAndEnableDependencies(context.Background(), "fam-1")
	require.NoError(t, err)
	drain(t, bus)

	assert.Equal(t, 3, result.Enabled)
	assert.Equal(t, []string{"c", "b", "e"}, result.EnabledTasks)
	assert.Empty(t, result.Errors)

	changes := rec.statusChanges()
	require.Len(t, changes, 3)
	assert.Equal(t, changes[0].CorrelationID, changes[2].CorrelationID)
	assert.Equal(t, RescanSource, changes[0].Source)

	c, err := store.GetFamilyTask(context.Background(), "inst-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, c.Status, "a task without prerequisites can always start")

	d, err := store.GetFamilyTask(context.Background(), "inst-d")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotStarted, d.Status)

	again, err := e.CheckAndEnableDependencies(context.Background(), "fam-1")
	require.NoError(t, err)
	assert.Zero(t, again.Enabled)
}

func TestCheckAndEnableDependencies_UnlocksChainUnderInProgressPolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.New(graph.RequireInProgress)
	require.NoError(t, store.CreateFamilyTask(ctx, instance("a", models.StatusCompleted)))
	require.NoError(t, store.CreateFamilyTask(ctx, instance("b", models.StatusNotStarted)))
	require.NoError(t, store.CreateFamilyTask(ctx, instance("c", models.StatusNotStarted)))
	require.NoError(t, store.SaveDependency(ctx, models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired}))
	require.NoError(t, store.SaveDependency(ctx, models.DependencyEdge{TaskID: "c", DependsOnTaskID: "b", Type: models.DependencyRequired}))
	e, bus, rec := setup(t, store)

	result, err := e.CheckAndEnableDependencies(ctx, "fam-1")
	require.NoError(t, err)
	drain(t, bus)

	assert.Equal(t, 2, result.Enabled)
	assert.Equal(t, []string{"b", "c"}, result.EnabledTasks)
	assert.Len(t, rec.dependenciesMet(), 2, "one summary per pass")

	c, err := store.GetFamilyTask(ctx, "inst-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, c.Status)
}

func TestCheckAndEnableDependencies_CollectsErrors(t *testing.T) {
	store := &mockStore{}
	e, bus, rec := setup(t, store)

	store.On("GetFamilyTasks", mock.Anything, "fam-1").Return([]models.FamilyTaskInstance{
		instance("a", models.StatusCompleted),
		instance("b", models.StatusNotStarted),
	}, nil)
	store.On("ListDependencies", mock.Anything).Return([]models.DependencyEdge{
		{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired},
	}, nil)
	store.On("ValidateDependencies", mock.Anything, "b", "fam-1").
		Return(models.DependencyStatus{CanStart: true, DependsOn: []string{"a"}}, nil)
	store.On("UpdateFamilyTaskStatus", mock.Anything, "inst-b", models.StatusNotStarted, models.StatusInProgress).
		Return(models.FamilyTaskInstance{}, errors.New("disk full"))

	result, err := e.CheckAndEnableDependencies(context.Background(), "fam-1")
	require.NoError(t, err)
	drain(t, bus)

	assert.Zero(t, result.Enabled)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "disk full")
	assert.Len(t, rec.failures(), 1)
}

func TestHealth(t *testing.T) {
	bus := events.NewBus(events.Options{})
	defer bus.Close(context.Background())
	e := New(&mockStore{}, bus, Options{})

	assert.Equal(t, "not_registered", e.Health().Status)
	e.Register()
	h := e.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.HandlersRegistered)
	assert.Equal(t, 1, h.ListenerCount)
	assert.Equal(t, events.DefaultMaxListeners, h.MaxListeners)
}
