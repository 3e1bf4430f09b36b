package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/storage"
	"github.com/maxkimambo/taskflow/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "taskflow.db"), graph.RequireCompleted)
		require.NoError(t, err)
		return s
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "taskflow.db")

	s, err := Open(ctx, path, "")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, "")
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("007_add_index.sql")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = parseMigrationVersion("init.sql")
	assert.Error(t, err)
}
