package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/orchestrator/spawn"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/rpc"
)

// registerMethods wires the orchestrator's four RPC methods. None of
// them are ownership-gated: there is no single console "owning" the
// orchestrator the way a console owns one attached agent.
func (s *Service) registerMethods() {
	s.methods.RegisterFunc("orchestrator.create_agent", s.handleCreateAgent)
	s.methods.RegisterFunc("orchestrator.spawn_agent", s.handleSpawnAgent)
	s.methods.RegisterFunc("orchestrator.list_agents", s.handleListAgents)
	s.methods.RegisterFunc("orchestrator.delete_agent", s.handleDeleteAgent)
}

func decodeParamsMap(params []byte) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := rpc.DecodeParams(params, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func (s *Service) handleCreateAgent(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	cfg := store.AgentConfig{
		Project:        getString(m, "project"),
		Name:           getString(m, "name"),
		Cwd:            getString(m, "cwd"),
		Model:          getString(m, "model"),
		SystemBasePath: getString(m, "system_base_path"),
	}
	if seeds, ok := m["kb_seeds"].([]string); ok {
		cfg.KBSeeds = seeds
	}
	created, err := s.store.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return created.ID, nil
}

func (s *Service) handleSpawnAgent(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	agentID := getString(m, "agent_id")
	if agentID == "" {
		return nil, apierr.New(apierr.CodeOrchestratorInvalidConfig, "spawn_agent requires agent_id")
	}
	cfg, err := s.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	target := spawn.Target{
		AgentBinary: s.agentBinary,
		Project:     cfg.Project,
		Name:        cfg.Name,
		Cwd:         cfg.Cwd,
		BusURL:      s.cfg.Bus.RedisURL,
	}

	if boolParam(m, "remote") {
		return map[string]any{"mode": "remote", "command": spawn.RemoteCommand(target)}, nil
	}

	var result spawn.Result
	if s.cfg.Docker.Enabled && cfg.SpawnMode == "docker" {
		result, err = s.spawner.SpawnDocker(ctx, target)
	} else {
		result, err = s.spawner.SpawnLocal(ctx, target)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateRunState(ctx, agentID, result.PID, result.ContainerID); err != nil {
		s.log.Warn("failed to record spawn run state", zap.String("agent_id", agentID), zap.Error(err))
	}

	return map[string]any{"mode": result.Mode, "pid": result.PID, "container_id": result.ContainerID}, nil
}

func boolParam(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func (s *Service) handleListAgents(ctx context.Context, params []byte) (any, error) {
	configured, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	live, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	liveByID := make(map[string]string, len(live))
	for _, info := range live {
		liveByID[info.ID] = info.State
	}

	out := make([]map[string]any, 0, len(configured))
	for _, cfg := range configured {
		state, running := liveByID[cfg.ID]
		if !running {
			state = "stopped"
		}
		out = append(out, map[string]any{
			"id":         cfg.ID,
			"project":    cfg.Project,
			"name":       cfg.Name,
			"cwd":        cfg.Cwd,
			"model":      cfg.Model,
			"spawn_mode": cfg.SpawnMode,
			"state":      state,
		})
	}
	return out, nil
}

func (s *Service) handleDeleteAgent(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	agentID := getString(m, "agent_id")
	if agentID == "" {
		return nil, apierr.New(apierr.CodeOrchestratorInvalidConfig, "delete_agent requires agent_id")
	}
	cfg, err := s.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if cfg.ContainerID != "" {
		if err := s.spawner.StopDocker(ctx, cfg.ContainerID); err != nil {
			s.log.Warn("failed to stop agent container during delete", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil, s.store.Delete(ctx, agentID)
}
