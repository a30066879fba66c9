// Package orchestrator implements the fleet-wide RPC target,
// hosted on the well-known agent id "_orchestrator", that creates, spawns,
// lists, and deletes agent configurations. Configuration is persisted
// outside the agent core in a sqlite store (internal/orchestrator/store);
// spawning is local-subprocess, docker, or a remote command-line string
// (internal/orchestrator/spawn); a cron-driven scheduler
// (internal/orchestrator/scheduler) periodically sweeps registry presence
// and nudges each known agent's history compaction.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/orchestrator/scheduler"
	"github.com/agentfleet/agentfleet/internal/orchestrator/spawn"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/rpc"
)

// AgentID is the well-known RPC target every console attaches to for
// `/agent new|list|delete`, per internal/session/commands.go.
const AgentID = "_orchestrator"

// Service is the orchestrator process: the RPC server on AgentID plus the
// store, spawner, and scheduler it fronts.
type Service struct {
	cfg       *config.Config
	log       *logger.Logger
	bus       bus.Bus
	namespace string

	store   *store.Store
	spawner *spawn.Spawner
	sched   *scheduler.Scheduler
	reg     *registry.Registry

	agentBinary string
	methods     *rpc.MethodRegistry
	rpcServer   *rpc.Server
}

// New builds a Service. The returned Service is not yet serving RPC; call
// Run to bring it online.
func New(cfg *config.Config, log *logger.Logger, b bus.Bus, agentBinary string) (*Service, error) {
	st, err := store.Open(cfg.Orchestrator.StorePath, log)
	if err != nil {
		return nil, err
	}

	spawner, err := spawn.New(cfg.Docker, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	s := &Service{
		cfg: cfg, log: log, bus: b, namespace: cfg.Bus.Namespace,
		store: st, spawner: spawner, sched: scheduler.New(log),
		reg: registry.New(b, log, cfg.Bus.Namespace, cfg.Heartbeat.StaleAfter),
		agentBinary: agentBinary,
	}

	s.methods = rpc.NewMethodRegistry()
	s.registerMethods()
	s.rpcServer = rpc.NewServer(b, log, s.namespace, AgentID, s.methods)

	return s, nil
}

// Run starts the RPC server and the scheduler's periodic ticks, then blocks
// until ctx is cancelled, tearing both down on the way out.
func (s *Service) Run(ctx context.Context) error {
	if err := s.rpcServer.Start(ctx); err != nil {
		return err
	}

	sweepSpec := fmt.Sprintf("@every %s", s.cfg.Orchestrator.SweepInterval)
	if err := s.sched.AddTick(ctx, sweepSpec, "registry-sweep", s.sweepRegistry); err != nil {
		s.log.Warn("failed to schedule registry sweep", zap.Error(err))
	}
	compactSpec := fmt.Sprintf("@every %s", s.cfg.Summarization.CompactionTick)
	if err := s.sched.AddTick(ctx, compactSpec, "history-compaction", s.compactHistories); err != nil {
		s.log.Warn("failed to schedule history compaction", zap.Error(err))
	}
	s.sched.Start()

	<-ctx.Done()

	s.sched.Stop()
	if err := s.rpcServer.Stop(); err != nil {
		s.log.Warn("orchestrator rpc server stop failed", zap.Error(err))
	}
	if err := s.spawner.Close(); err != nil {
		s.log.Warn("docker client close failed", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("orchestrator store close failed", zap.Error(err))
	}
	return nil
}

// sweepRegistry logs configured agents whose registry presence has gone
// stale (heartbeat.Monitor already handles an attached console's own
// read-only flip; this is fleet-wide visibility for unattached agents).
func (s *Service) sweepRegistry(ctx context.Context) error {
	configured, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	live, err := s.reg.List(ctx)
	if err != nil {
		return err
	}
	liveByID := make(map[string]bool, len(live))
	for _, info := range live {
		liveByID[info.ID] = true
	}
	for _, cfg := range configured {
		if cfg.RunningPID == 0 && cfg.ContainerID == "" {
			continue
		}
		if !liveByID[cfg.ID] {
			s.log.Warn("configured agent has no live registry presence", zap.String("agent_id", cfg.ID))
		}
	}
	return nil
}

// compactHistories calls history.summarize on every agent the registry
// currently reports live, supplementing each agent's own
// threshold-triggered summarization with a periodic nudge.
func (s *Service) compactHistories(ctx context.Context) error {
	live, err := s.reg.List(ctx)
	if err != nil {
		return err
	}
	client := rpc.NewClient(s.bus, s.namespace, s.cfg.Bus.RequestTimeout)
	for _, info := range live {
		if err := client.Call(ctx, info.ID, "history.summarize", nil, nil); err != nil {
			if apierr.CodeOf(err) == apierr.CodeHistorySummarizationNotNeeded || apierr.CodeOf(err) == apierr.CodeHistoryNoTurns {
				continue
			}
			s.log.Warn("scheduled history compaction failed", zap.String("agent_id", info.ID), zap.Error(err))
		}
	}
	return nil
}
