package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/rpc"
	"github.com/agentfleet/agentfleet/internal/tail"
)

// orchestratorAgentID is the well-known RPC target the orchestrator's
// methods are hosted on.
const orchestratorAgentID = "_orchestrator"

// Console is the command-vocabulary dispatcher:
// one console process may attach to several agents, each backed by its
// own Session, addressed by agent id. It owns no transport itself
// beyond what it needs to build Sessions and list the registry.
type Console struct {
	bus          bus.Bus
	log          *logger.Logger
	namespace    string
	sessionID    string
	ownershipTTL time.Duration
	rpcTimeout   time.Duration
	registry     *registry.Registry
	orchestrator *rpc.Client
	onTailEvent  func(agentID string, rec tail.Record)

	mu       sync.Mutex
	current  string // agent id of the most recently attached session
	sessions map[string]*Session
}

// NewConsole builds a Console. onTailEvent, if non-nil, is invoked for
// every tail record delivered to any attached session (the console's
// live event pane).
func NewConsole(b bus.Bus, log *logger.Logger, namespace, sessionID string, reg *registry.Registry, ownershipTTL, rpcTimeout time.Duration, onTailEvent func(agentID string, rec tail.Record)) *Console {
	return &Console{
		bus: b, log: log, namespace: namespace, sessionID: sessionID,
		ownershipTTL: ownershipTTL, rpcTimeout: rpcTimeout,
		registry:     reg,
		orchestrator: rpc.NewClient(b, namespace, rpcTimeout),
		onTailEvent:  onTailEvent,
		sessions:     make(map[string]*Session),
	}
}

// Attach implements `/attach <id>`.
func (c *Console) Attach(ctx context.Context, agentID string, opts AttachOptions) error {
	c.mu.Lock()
	if _, exists := c.sessions[agentID]; exists {
		c.mu.Unlock()
		return apierr.Newf(apierr.CodeSessionAlreadyAttached, "already attached to %s", agentID)
	}
	c.mu.Unlock()

	sess := New(c.bus, c.log, c.namespace, c.sessionID, c.ownershipTTL, c.rpcTimeout)
	handler := func(rec tail.Record) {
		if c.onTailEvent != nil {
			c.onTailEvent(agentID, rec)
		}
	}
	if err := sess.Attach(ctx, agentID, opts, handler); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[agentID] = sess
	c.current = agentID
	c.mu.Unlock()
	return nil
}

// Detach implements `/detach`: detaches the currently selected session.
func (c *Console) Detach(ctx context.Context) error {
	c.mu.Lock()
	agentID := c.current
	sess, ok := c.sessions[agentID]
	c.mu.Unlock()
	if !ok {
		return apierr.New(apierr.CodeSessionNotAttached, "no session currently attached")
	}

	if err := sess.Detach(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, agentID)
	if c.current == agentID {
		c.current = ""
	}
	c.mu.Unlock()
	return nil
}

// DetachAll detaches every session this console currently holds, not
// just the selected one. Used at process shutdown so no ownership
// record outlives the console.
func (c *Console) DetachAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		c.mu.Lock()
		sess, ok := c.sessions[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := sess.Detach(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		c.mu.Lock()
		delete(c.sessions, id)
		if c.current == id {
			c.current = ""
		}
		c.mu.Unlock()
	}
	return firstErr
}

// Current returns the currently selected session, or nil.
func (c *Console) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return nil
	}
	return c.sessions[c.current]
}

// Select switches the currently active session to agentID (must
// already be attached).
func (c *Console) Select(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[agentID]; !ok {
		return apierr.Newf(apierr.CodeSessionNotAttached, "not attached to %s", agentID)
	}
	c.current = agentID
	return nil
}

// Ps implements `/ps`: lists every agent currently registered on the
// bus, independent of attachment.
func (c *Console) Ps(ctx context.Context) ([]registry.AgentInfo, error) {
	return c.registry.List(ctx)
}

// Who implements `/who`: reports the agent id and read-only state of
// the currently selected session.
func (c *Console) Who() (agentID string, readOnly bool, attached bool) {
	sess := c.Current()
	if sess == nil {
		return "", false, false
	}
	return sess.AgentID(), sess.IsReadOnly(), true
}

// CommandResult is the text/structured response of dispatching one
// console command line.
type CommandResult struct {
	Text string
	Data any
}

// Dispatch parses and executes one console input line. Lines starting
// with "/" are commands; a line starting with "# " is the overlay
// shorthand that appends to the current session's prompt overlay;
// anything else is queued as input to the current session.
func (c *Console) Dispatch(ctx context.Context, line string) (CommandResult, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return CommandResult{}, nil
	}

	if strings.HasPrefix(line, "#") {
		rest := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		return c.dispatchOverlayAppend(ctx, rest)
	}

	if !strings.HasPrefix(line, "/") {
		return c.dispatchInput(ctx, line)
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "empty command")
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "ps":
		return c.dispatchPs(ctx)
	case "attach":
		return c.dispatchAttach(ctx, args)
	case "detach":
		return c.dispatchDetach(ctx)
	case "input":
		return c.dispatchInput(ctx, strings.Join(args, " "))
	case "status":
		return c.dispatchStatus(ctx)
	case "who":
		return c.dispatchWho()
	case "ctx":
		return c.dispatchCtx(ctx)
	case "sys":
		return c.dispatchSys(ctx, args)
	case "reloadsysprompt":
		return c.dispatchReloadSysPrompt(ctx)
	case "kb":
		return c.dispatchKB(ctx, args)
	case "clearhistory":
		return c.dispatchClearHistory(ctx, args)
	case "agent":
		return c.dispatchAgent(ctx, args)
	case "offload":
		return c.dispatchOffload(ctx, args)
	case "interrupt":
		return c.dispatchInterrupt(ctx)
	case "quit":
		return CommandResult{Text: "bye"}, nil
	default:
		return CommandResult{}, apierr.Newf(apierr.CodeInternalPanic, "unknown command /%s", cmd)
	}
}

func (c *Console) requireCurrent() (*Session, error) {
	sess := c.Current()
	if sess == nil {
		return nil, apierr.New(apierr.CodeSessionNotAttached, "no session currently attached; use /attach <id>")
	}
	return sess, nil
}

func (c *Console) dispatchOverlayAppend(ctx context.Context, line string) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	if err := sess.Call(ctx, "prompt.overlay", map[string]any{"op": "append", "line": line}, nil); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "overlay updated"}, nil
}

func (c *Console) dispatchInput(ctx context.Context, text string) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	if err := sess.Input(ctx, text); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "queued"}, nil
}

func (c *Console) dispatchPs(ctx context.Context) (CommandResult, error) {
	agents, err := c.Ps(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: fmt.Sprintf("%d agents", len(agents)), Data: agents}, nil
}

func (c *Console) dispatchAttach(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /attach <id>")
	}
	if err := c.Attach(ctx, args[0], AttachOptions{}); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "attached to " + args[0]}, nil
}

func (c *Console) dispatchDetach(ctx context.Context) (CommandResult, error) {
	if err := c.Detach(ctx); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "detached"}, nil
}

func (c *Console) dispatchStatus(ctx context.Context) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	var result map[string]any
	if err := sess.CallReadOnly(ctx, "status", nil, &result); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Data: result}, nil
}

func (c *Console) dispatchWho() (CommandResult, error) {
	agentID, readOnly, attached := c.Who()
	if !attached {
		return CommandResult{Text: "not attached"}, nil
	}
	mode := "read-write"
	if readOnly {
		mode = "read-only"
	}
	return CommandResult{Text: fmt.Sprintf("%s (%s)", agentID, mode)}, nil
}

func (c *Console) dispatchCtx(ctx context.Context) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	var result map[string]any
	if err := sess.CallReadOnly(ctx, "status", nil, &result); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Data: result["ctx_pct"]}, nil
}

func (c *Console) dispatchSys(ctx context.Context, args []string) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	if len(args) == 0 {
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /sys <show|edit> [text]")
	}
	switch strings.ToLower(args[0]) {
	case "show":
		var result map[string]any
		if err := sess.CallReadOnly(ctx, "prompt.get", nil, &result); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Data: result}, nil
	case "edit":
		text := strings.Join(args[1:], " ")
		if err := sess.Call(ctx, "prompt.set", map[string]any{"base": text}, nil); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Text: "base prompt updated"}, nil
	default:
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /sys <show|edit> [text]")
	}
}

func (c *Console) dispatchReloadSysPrompt(ctx context.Context) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	if err := sess.Call(ctx, "prompt.reload", nil, nil); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "prompt reloaded"}, nil
}

func (c *Console) dispatchKB(ctx context.Context, args []string) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	if len(args) == 0 {
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /kb <add|search|copy-from> ...")
	}
	switch strings.ToLower(args[0]) {
	case "add":
		paths := args[1:]
		items := make([]map[string]any, 0, len(paths))
		for _, p := range paths {
			items = append(items, map[string]any{"path": p})
		}
		var ids []string
		if err := sess.Call(ctx, "kb.ingest", map[string]any{"items": items}, &ids); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Text: fmt.Sprintf("ingested %d items", len(ids)), Data: ids}, nil
	case "search":
		query := strings.Join(args[1:], " ")
		var hits []map[string]any
		if err := sess.CallReadOnly(ctx, "kb.search", map[string]any{"query": query}, &hits); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Data: hits}, nil
	case "copy-from":
		if len(args) < 2 {
			return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /kb copy-from <source-agent-id>")
		}
		var result map[string]any
		if err := sess.Call(ctx, "kb.copy_from", map[string]any{"source_agent_id": args[1]}, &result); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Data: result}, nil
	default:
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /kb <add|search|copy-from> ...")
	}
}

func (c *Console) dispatchClearHistory(ctx context.Context, args []string) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	confirm := len(args) > 0 && strings.EqualFold(args[0], "confirm")
	if err := sess.Call(ctx, "history.clear", map[string]any{"confirm": confirm}, nil); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "history cleared"}, nil
}

// dispatchAgent implements `/agent <new|list|delete>` against the
// orchestrator's well-known RPC methods.
func (c *Console) dispatchAgent(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /agent <new|list|delete> ...")
	}
	switch strings.ToLower(args[0]) {
	case "new":
		if len(args) < 3 {
			return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /agent new <project> <name>")
		}
		params := map[string]any{"project": args[1], "name": args[2]}
		var agentID string
		if err := c.orchestrator.Call(ctx, orchestratorAgentID, "orchestrator.create_agent", params, &agentID); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Text: "created " + agentID, Data: agentID}, nil
	case "list":
		var agents []map[string]any
		if err := c.orchestrator.Call(ctx, orchestratorAgentID, "orchestrator.list_agents", nil, &agents); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Text: fmt.Sprintf("%d configured agents", len(agents)), Data: agents}, nil
	case "delete":
		if len(args) < 2 {
			return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /agent delete <id>")
		}
		if err := c.orchestrator.Call(ctx, orchestratorAgentID, "orchestrator.delete_agent", map[string]any{"agent_id": args[1]}, nil); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Text: "deleted " + args[1]}, nil
	default:
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /agent <new|list|delete> ...")
	}
}

// dispatchOffload implements `/offload <project> <name> [prompt...]`:
// configure and spawn a fresh agent through the orchestrator, attach to
// it, and (when a prompt was given) push it as the new agent's first
// queued input.
func (c *Console) dispatchOffload(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) < 2 {
		return CommandResult{}, apierr.New(apierr.CodeInternalPanic, "usage: /offload <project> <name> [prompt]")
	}

	var agentID string
	params := map[string]any{"project": args[0], "name": args[1]}
	if err := c.orchestrator.Call(ctx, orchestratorAgentID, "orchestrator.create_agent", params, &agentID); err != nil {
		return CommandResult{}, err
	}
	var spawned map[string]any
	if err := c.orchestrator.Call(ctx, orchestratorAgentID, "orchestrator.spawn_agent", map[string]any{"agent_id": agentID}, &spawned); err != nil {
		return CommandResult{}, err
	}

	if err := c.Attach(ctx, agentID, AttachOptions{}); err != nil {
		return CommandResult{Text: "spawned " + agentID + " (attach it manually with /attach)", Data: spawned}, nil
	}

	if len(args) > 2 {
		text := strings.Join(args[2:], " ")
		// The freshly spawned process may still be bootstrapping its RPC
		// server; retry the first input briefly instead of failing the
		// whole offload on one timeout.
		sess := c.Current()
		deadline := time.Now().Add(15 * time.Second)
		for {
			err := sess.Input(ctx, text)
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				return CommandResult{Text: "spawned and attached " + agentID + " but the first input timed out; resend it with /input"}, nil
			}
			time.Sleep(time.Second)
		}
	}

	return CommandResult{Text: "offloaded to " + agentID, Data: spawned}, nil
}

func (c *Console) dispatchInterrupt(ctx context.Context) (CommandResult, error) {
	sess, err := c.requireCurrent()
	if err != nil {
		return CommandResult{}, err
	}
	if err := sess.Call(ctx, "interrupt", nil, nil); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Text: "interrupted"}, nil
}
