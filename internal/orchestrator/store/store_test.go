package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCreateGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, AgentConfig{Project: "demo", Name: "a", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Equal(t, "demo/a", created.ID)

	got, err := s.Get(ctx, "demo/a")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Project)
	require.Equal(t, "local", got.SpawnMode)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestStoreCreateDuplicateRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, AgentConfig{Project: "demo", Name: "a"})
	require.NoError(t, err)

	_, err = s.Create(ctx, AgentConfig{Project: "demo", Name: "a"})
	require.Error(t, err)
	require.Equal(t, apierr.CodeOrchestratorAlreadyExists, apierr.CodeOf(err))
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope/nope")
	require.Error(t, err)
	require.Equal(t, apierr.CodeOrchestratorNotFound, apierr.CodeOf(err))
}

func TestStoreDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, AgentConfig{Project: "demo", Name: "a"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "demo/a"))

	_, err = s.Get(ctx, "demo/a")
	require.Error(t, err)
	require.Equal(t, apierr.CodeOrchestratorNotFound, apierr.CodeOf(err))

	err = s.Delete(ctx, "demo/a")
	require.Error(t, err)
	require.Equal(t, apierr.CodeOrchestratorNotFound, apierr.CodeOf(err))
}

func TestStoreUpdateRunState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, AgentConfig{Project: "demo", Name: "a"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateRunState(ctx, "demo/a", 1234, ""))

	got, err := s.Get(ctx, "demo/a")
	require.NoError(t, err)
	require.Equal(t, 1234, got.RunningPID)
}
