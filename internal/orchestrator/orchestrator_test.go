package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/rpc"
)

func testService(t *testing.T) (*Service, bus.Bus) {
	t.Helper()
	log := logger.Default()
	b := bus.NewMemoryBus(log)
	cfg := &config.Config{
		Bus:       config.BusConfig{Namespace: "test", RequestTimeout: time.Second},
		Heartbeat: config.HeartbeatConfig{StaleAfter: time.Second},
		Orchestrator: config.OrchestratorConfig{
			StorePath:     filepath.Join(t.TempDir(), "orchestrator.db"),
			SweepInterval: time.Hour,
		},
		Summarization: config.SummarizationConfig{CompactionTick: time.Hour},
		Docker:        config.DockerConfig{Enabled: false},
	}
	svc, err := New(cfg, log, b, "/bin/true")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.store.Close() })
	return svc, b
}

func startService(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	return cancel
}

func TestOrchestratorCreateListDeleteAgent(t *testing.T) {
	svc, b := testService(t)
	cancel := startService(t, svc)
	defer cancel()

	client := rpc.NewClient(b, "test", time.Second)

	var agentID string
	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.create_agent",
		map[string]any{"project": "demo", "name": "a"}, &agentID))
	require.Equal(t, "demo/a", agentID)

	var list []map[string]any
	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.list_agents", nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, "demo/a", list[0]["id"])
	require.Equal(t, "stopped", list[0]["state"])

	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.delete_agent",
		map[string]any{"agent_id": "demo/a"}, nil))

	list = nil
	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.list_agents", nil, &list))
	require.Empty(t, list)
}

func TestOrchestratorCreateAgentDuplicateFails(t *testing.T) {
	svc, b := testService(t)
	cancel := startService(t, svc)
	defer cancel()

	client := rpc.NewClient(b, "test", time.Second)
	var agentID string
	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.create_agent",
		map[string]any{"project": "demo", "name": "a"}, &agentID))

	err := client.Call(context.Background(), AgentID, "orchestrator.create_agent",
		map[string]any{"project": "demo", "name": "a"}, &agentID)
	require.Error(t, err)
	require.Equal(t, apierr.CodeOrchestratorAlreadyExists, apierr.CodeOf(err))
}

func TestOrchestratorSpawnAgentRemote(t *testing.T) {
	svc, b := testService(t)
	cancel := startService(t, svc)
	defer cancel()

	client := rpc.NewClient(b, "test", time.Second)
	var agentID string
	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.create_agent",
		map[string]any{"project": "demo", "name": "a", "cwd": os.TempDir()}, &agentID))

	var result map[string]any
	require.NoError(t, client.Call(context.Background(), AgentID, "orchestrator.spawn_agent",
		map[string]any{"agent_id": agentID, "remote": true}, &result))
	require.Equal(t, "remote", result["mode"])
	require.Contains(t, result["command"], "/bin/true")
}

func TestOrchestratorSpawnAgentUnknownFails(t *testing.T) {
	svc, b := testService(t)
	cancel := startService(t, svc)
	defer cancel()

	client := rpc.NewClient(b, "test", time.Second)
	err := client.Call(context.Background(), AgentID, "orchestrator.spawn_agent",
		map[string]any{"agent_id": "demo/ghost"}, nil)
	require.Error(t, err)
	require.Equal(t, apierr.CodeOrchestratorNotFound, apierr.CodeOf(err))
}
