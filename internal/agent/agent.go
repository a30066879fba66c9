// Package agent assembles and runs a single agent process: the
// identity lock, presence registry, heartbeat, ownership-checked RPC
// server, tail emitter, durable queue, history store, prompt layer,
// memory accountant, knowledge base, tool table, and the task runner
// that drives them all. cmd/agent is a thin cobra wrapper around this
// package.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/heartbeat"
	"github.com/agentfleet/agentfleet/internal/history"
	"github.com/agentfleet/agentfleet/internal/identity"
	"github.com/agentfleet/agentfleet/internal/kb"
	"github.com/agentfleet/agentfleet/internal/memory"
	"github.com/agentfleet/agentfleet/internal/metrics"
	"github.com/agentfleet/agentfleet/internal/model"
	"github.com/agentfleet/agentfleet/internal/ownership"
	"github.com/agentfleet/agentfleet/internal/prompt"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/rpc"
	"github.com/agentfleet/agentfleet/internal/tail"
	"github.com/agentfleet/agentfleet/internal/task"
	"github.com/agentfleet/agentfleet/internal/tools"
)

// Options carries the CLI overrides cmd/agent parses from flags, layered
// onto the loaded config the way identity.DeriveID expects.
type Options struct {
	ProjectOverride string
	NameOverride    string
	WorkDir         string
	APIKey          string
}

// Agent is one fully-wired agent process, bound together and ready to
// Run.
type Agent struct {
	cfg       *config.Config
	log       *logger.Logger
	bus       bus.Bus
	namespace string
	id        identity.ID
	standalone bool

	lock         *identity.Lock
	reg          *registry.Registry
	heartbeatSvc *heartbeat.Service
	ownershipCk  *ownership.Manager
	rpcServer    *rpc.Server
	methods      *rpc.MethodRegistry
	emitter      *tail.Emitter
	queue        *queue.Queue
	history      *history.Store
	summary      *history.Engine
	prompt       *prompt.Layer
	mem          *memory.Accountant
	kb           kb.Adapter
	toolReg      *tools.Registry
	runner       *task.Runner
	provider     model.Provider
	metrics      *metrics.Metrics

	mu      sync.Mutex
	wake    chan struct{}
	running bool
	state   string
}

// New builds and wires an Agent but does not start any background loop
// or bus subscription; call Run for that.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Agent, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		workDir = wd
	}
	configDir := filepath.Dir(cfg.Agent.StateDir)

	id := identity.DeriveID(opts.ProjectOverride, cfg.Agent.Project, configDir, opts.NameOverride, cfg.Agent.Name, workDir)
	if !id.Valid() {
		return nil, apierr.New(apierr.CodeIdentityInvalid, "derived agent identity is incomplete")
	}

	stateDir := filepath.Join(cfg.Agent.StateDir, id.Project, id.Name)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent state dir: %w", err)
	}

	var b bus.Bus
	var err error
	if cfg.Bus.RedisURL != "" {
		b, err = bus.NewRedisBus(context.Background(), cfg.Bus.RedisURL, log)
		if err != nil {
			return nil, err
		}
	} else {
		b = bus.NewMemoryBus(log)
	}

	a := &Agent{
		cfg: cfg, log: log, bus: b, namespace: cfg.Bus.Namespace,
		id: id, standalone: cfg.Agent.Standalone,
	}

	token := id.String() + ":" + uuidOrPID()
	a.lock = identity.NewLock(b, log, a.namespace, id, cfg.Heartbeat.StaleAfter, token)
	a.reg = registry.New(b, log, a.namespace, cfg.Heartbeat.StaleAfter)
	a.ownershipCk = ownership.New(b, log, a.namespace, "agent:"+id.String(), cfg.Ownership.TTL)

	a.queue, err = queue.Open(filepath.Join(stateDir, "queue.jsonl"), log)
	if err != nil {
		return nil, err
	}

	a.prompt, err = prompt.Open(filepath.Join(stateDir, "system_base.md"), filepath.Join(stateDir, "system_overlay.md"), log)
	if err != nil {
		return nil, err
	}

	a.mem, err = memory.New(cfg.Memory.TokenLimit, cfg.Memory.WarnThreshold, log)
	if err != nil {
		return nil, err
	}

	if err := a.buildProvider(cfg, opts); err != nil {
		return nil, err
	}

	summaryCfg := history.SummarizationConfig{
		Strategy:             history.Strategy(cfg.Summarization.Strategy),
		TokenThreshold:       cfg.Summarization.TokenThreshold,
		TimeThreshold:        cfg.Summarization.TimeThreshold,
		ImportanceThreshold:  3,
		MaxSummaries:         200,
		ImportantLengthLimit: 400,
	}
	a.summary = history.NewEngine(summaryCfg, a.provider, log)

	a.history, err = history.Open(filepath.Join(stateDir, "history.jsonl"), filepath.Join(stateDir, "summary.jsonl"), a.summary, log)
	if err != nil {
		return nil, err
	}

	if err := a.buildKB(cfg, stateDir, log); err != nil {
		return nil, err
	}

	a.emitter = tail.NewEmitter(b, log, a.namespace, id.String(), cfg.Agent.TailRingSize)

	a.toolReg = tools.NewRegistry(cfg.Agent.ToolsAllowlist)
	tools.RegisterBuiltins(a.toolReg, workDir, cfg.Agent.CommandTimeout)

	a.runner = task.New(a.queue, a.history, a.prompt, a.mem, a.toolReg, a.emitter, log)
	a.runner.SetProvider(a.provider)

	a.methods = rpc.NewMethodRegistry()
	a.registerMethods()
	a.rpcServer = rpc.NewServer(b, log, a.namespace, id.String(), a.methods)

	a.wake = make(chan struct{}, 1)
	a.metrics = metrics.New()
	a.rpcServer.SetObserver(a.metrics.ObserveRPC)

	return a, nil
}

// Metrics returns the agent's Prometheus collector set, for cmd/agent to
// mount on a /metrics endpoint.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

func uuidOrPID() string {
	return fmt.Sprintf("pid-%d-%d", os.Getpid(), time.Now().UnixNano())
}

func (a *Agent) buildProvider(cfg *config.Config, opts Options) error {
	if opts.APIKey != "" {
		p, err := model.NewAnthropicProviderFromAPIKey(opts.APIKey, cfg.Agent.ModelID, cfg.Agent.MaxTokens)
		if err != nil {
			return err
		}
		a.provider = p
		return nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := model.NewAnthropicProviderFromAPIKey(key, cfg.Agent.ModelID, cfg.Agent.MaxTokens)
		if err != nil {
			return err
		}
		a.provider = p
		return nil
	}
	a.log.Warn("no anthropic api key configured; running with the echo provider")
	a.provider = model.NewEchoProvider()
	return nil
}

func (a *Agent) buildKB(cfg *config.Config, stateDir string, log *logger.Logger) error {
	switch cfg.KB.Driver {
	case "sqlite":
		path := cfg.KB.Path
		if path == "" {
			path = filepath.Join(stateDir, "kb.db")
		}
		adapter, err := kb.OpenSQLite(path, log)
		if err != nil {
			return err
		}
		a.kb = adapter
	default:
		a.kb = kb.NewMemoryAdapter(log)
	}
	return nil
}

// ID returns this agent's derived identity.
func (a *Agent) ID() identity.ID { return a.id }

// IsRunning reports whether Run has completed startup and is actively
// serving RPC requests.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Run brings the agent fully online: acquires the identity lock (unless
// standalone), registers presence, starts the heartbeat, starts the RPC
// server, and drains the queue until ctx is cancelled. Once the identity
// lock and registration have succeeded it runs the shutdown sequence on
// the way out, however far the rest of startup got; a failed lock
// acquisition returns immediately, and a failed registration releases
// the lock and returns.
func (a *Agent) Run(ctx context.Context) error {
	if !a.standalone {
		if err := a.lock.Acquire(ctx); err != nil {
			return err
		}
		info := registry.AgentInfo{
			ID: a.id.String(), Name: a.id.Name, Project: a.id.Project,
			Model: a.provider.ModelID(), Cwd: mustGetwd(), Host: mustHostname(),
			PID: os.Getpid(), StartedAt: time.Now().UTC(), State: "idle",
		}
		if err := a.reg.Register(ctx, info); err != nil {
			_ = a.lock.Release(ctx)
			return err
		}

		renewers := []heartbeat.Renewer{
			registry.Renewer{Registry: a.reg, AgentID: a.id.String(), State: a.currentState, CtxPct: func() float64 { return a.mem.CtxPct() }},
		}
		a.heartbeatSvc = heartbeat.NewService(a.bus, a.log, a.namespace, a.id.String(), a.cfg.Heartbeat.Period, a.cfg.Heartbeat.StaleAfter, renewers...)
		a.heartbeatSvc.Start(ctx)
	}

	if err := a.rpcServer.Start(ctx); err != nil {
		a.shutdown(context.Background())
		return err
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	go a.driveLoop(ctx)
	if a.queue.Size() > 0 {
		// Items reloaded from the durable log get processed without
		// waiting for the first RPC input.
		a.signalWake()
	}

	<-ctx.Done()
	a.shutdown(context.Background())
	return nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func mustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// driveLoop waits for either a queue wake signal or ctx cancellation,
// running RunNext until the queue empties, then updating the registry's
// lifecycle state around each run.
func (a *Agent) driveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			if a.queue.Size() == 0 {
				break
			}
			a.setState(ctx, "busy")
			a.metrics.TasksStarted.Inc()
			started := time.Now()
			result, err := a.runner.RunNext(ctx)
			a.metrics.TaskDuration.Observe(time.Since(started).Seconds())
			a.setState(ctx, "idle")
			if err != nil {
				a.log.Error("task run failed", zap.Error(err))
				continue
			}
			if result == nil {
				break
			}
			a.recordResultMetrics(result)
		}
	}
}

func (a *Agent) recordResultMetrics(result *task.Result) {
	outcome := "ok"
	if !result.Success {
		outcome = "error"
	}
	a.metrics.TasksCompleted.WithLabelValues(outcome).Inc()
	a.metrics.TokensEmitted.Add(float64(result.TokensOut))
	for _, call := range result.ToolCalls {
		a.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	}
	a.metrics.QueueDepth.Set(float64(a.queue.Size()))
	a.metrics.CtxUsage.Set(a.mem.CtxPct())
}

func (a *Agent) currentState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == "" {
		return "idle"
	}
	return a.state
}

func (a *Agent) setState(ctx context.Context, state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	if a.standalone {
		return
	}
	if err := a.reg.UpdateState(ctx, a.id.String(), state, a.mem.CtxPct()); err != nil {
		a.log.Warn("registry state update failed", zap.Error(err))
	}
}

func (a *Agent) signalWake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// shutdown runs the graceful-shutdown sequence: each step in its own
// try-scope so one failure doesn't skip the rest.
func (a *Agent) shutdown(ctx context.Context) {
	if a.heartbeatSvc != nil {
		a.heartbeatSvc.Stop()
	}
	if err := a.rpcServer.Stop(); err != nil {
		a.log.Warn("rpc server stop failed", zap.Error(err))
	}
	if !a.standalone {
		if err := a.reg.Unregister(ctx, a.id.String()); err != nil {
			a.log.Warn("registry unregister failed", zap.Error(err))
		}
		if err := a.lock.Release(ctx); err != nil {
			a.log.Warn("identity lock release failed", zap.Error(err))
		}
	}
	a.bus.Close()
	a.log.Info("agent shut down", zap.String("agent_id", a.id.String()))
}
