package memory

import (
	"context"
	"testing"

	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
	"github.com/maxkimambo/taskflow/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New(graph.RequireCompleted)
	})
}

func TestValidateDependencies_InProgressPolicy(t *testing.T) {
	ctx := context.Background()
	s := New(graph.RequireInProgress)
	require.NoError(t, s.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "i-a", FamilyID: "f", TemplateID: "a", Status: models.StatusInProgress}))
	require.NoError(t, s.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "i-b", FamilyID: "f", TemplateID: "b"}))
	require.NoError(t, s.SaveDependency(ctx, models.DependencyEdge{TaskID: "b", DependsOnTaskID: "a", Type: models.DependencyRequired}))

	status, err := s.ValidateDependencies(ctx, "b", "f")
	require.NoError(t, err)
	assert.True(t, status.CanStart)
	assert.False(t, status.CanComplete)
}

func TestCreateFamilyTask_RejectsSecondInstanceOfTemplate(t *testing.T) {
	ctx := context.Background()
	s := New("")
	require.NoError(t, s.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "i-1", FamilyID: "f", TemplateID: "a"}))
	assert.Error(t, s.CreateFamilyTask(ctx, models.FamilyTaskInstance{ID: "i-2", FamilyID: "f", TemplateID: "a"}))

	inst, err := s.GetFamilyTask(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotStarted, inst.Status)
}
