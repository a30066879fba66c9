package agent

import (
	"context"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/kb"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/rpc"
)

// registerMethods builds the agent's RPC method table,
// wrapping every mutating method in rpc.RequireOwner so only the
// console currently holding ownership of this agent may call it. In
// standalone mode there is no console to own anything, so the wrap is
// skipped and every method runs unchecked.
func (a *Agent) registerMethods() {
	mutating := map[string]rpc.HandlerFunc{
		"input":          a.handleInput,
		"interrupt":      a.handleInterrupt,
		"cancel":         a.handleCancel,
		"prompt.set":     a.handlePromptSet,
		"prompt.reload":  a.handlePromptReload,
		"prompt.overlay": a.handlePromptOverlay,
		"kb.ingest":      a.handleKBIngest,
		"kb.copy_from":   a.handleKBCopyFrom,
		"history.clear":  a.handleHistoryClear,
	}
	for method, fn := range mutating {
		if a.standalone {
			a.methods.RegisterFunc(method, fn)
			continue
		}
		a.methods.Register(method, rpc.RequireOwner(a.ownershipCk, a.id.String(), fn))
	}

	// unowned methods need no current console ownership: status/prompt.get/
	// kb.search/kb.get_items are read-only by nature; history.summarize is
	// the orchestrator's scheduled compaction tick rather than a console
	// command (see internal/orchestrator/scheduler), so it isn't gated on
	// a console holding ownership either.
	unowned := map[string]rpc.HandlerFunc{
		"status":            a.handleStatus,
		"prompt.get":        a.handlePromptGet,
		"kb.search":         a.handleKBSearch,
		"kb.get_items":      a.handleKBGetItems,
		"history.summarize": a.handleHistorySummarize,
		"history.context":   a.handleHistoryContext,
	}
	for method, fn := range unowned {
		a.methods.RegisterFunc(method, fn)
	}
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

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func (a *Agent) handleInput(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	text := getString(m, "text")
	if text == "" {
		return nil, apierr.New(apierr.CodeQueueIOError, "input requires non-empty text")
	}
	id, err := a.queue.Append(text, queue.SourceConsole)
	if err != nil {
		return nil, err
	}
	a.signalWake()
	return map[string]any{"qid": id}, nil
}

func (a *Agent) handleInterrupt(ctx context.Context, params []byte) (any, error) {
	a.runner.Interrupt()
	return nil, nil
}

func (a *Agent) handleCancel(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	a.runner.Cancel(getBool(m, "hard"))
	return nil, nil
}

func (a *Agent) handlePromptSet(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	if err := a.prompt.SetBase(getString(m, "base")); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Agent) handlePromptGet(ctx context.Context, params []byte) (any, error) {
	return map[string]any{
		"base":          a.prompt.GetBase(),
		"overlay":       a.prompt.GetOverlay(),
		"overlay_lines": a.prompt.GetOverlayLines(),
		"effective":     a.prompt.Effective(),
	}, nil
}

func (a *Agent) handlePromptReload(ctx context.Context, params []byte) (any, error) {
	return nil, a.prompt.ReloadFromDisk()
}

func (a *Agent) handlePromptOverlay(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	switch getString(m, "op") {
	case "append":
		return nil, a.prompt.AppendOverlay(getString(m, "line"))
	case "clear":
		return nil, a.prompt.ClearOverlay()
	case "set":
		return nil, a.prompt.SetOverlay(getString(m, "line"))
	default:
		return nil, apierr.Newf(apierr.CodePromptSetOverlayFailed, "unsupported overlay op %q", getString(m, "op"))
	}
}

func (a *Agent) handleKBIngest(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	raw, _ := m["items"].([]map[string]any)
	items := make([]kb.Item, 0, len(raw))
	for _, entry := range raw {
		items = append(items, kb.Item{PathOrURL: getString(entry, "path"), Metadata: entry})
	}
	ids, err := a.kb.Ingest(ctx, items, kb.ScopeAgent, a.id.String())
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *Agent) handleKBSearch(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	hits, err := a.kb.Search(ctx, getString(m, "query"), kb.ScopeAgent, a.id.String(), 0)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{"id": h.ID, "score": h.Score, "metadata": h.Metadata})
	}
	return out, nil
}

func (a *Agent) handleKBCopyFrom(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	source := getString(m, "source_agent_id")
	if source == "" {
		return nil, apierr.New(apierr.CodeKBCopyFailed, "kb.copy_from requires source_agent_id")
	}
	var ids []string
	if raw, ok := m["ids"].([]string); ok {
		ids = raw
	} else {
		records, err := a.kb.List(ctx, kb.ScopeAgent, source, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ids = append(ids, r.ID)
		}
	}
	copied, skipped, err := a.kb.CopyFrom(ctx, source, a.id.String(), ids)
	if err != nil {
		return nil, err
	}
	return map[string]any{"copied": copied, "skipped": skipped}, nil
}

func (a *Agent) handleKBGetItems(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	limit, _ := m["limit"].(int)
	offset, _ := m["offset"].(int)
	records, err := a.kb.List(ctx, kb.ScopeAgent, a.id.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{"id": r.ID, "content": r.Content, "metadata": r.Metadata})
	}
	return out, nil
}

func (a *Agent) handleHistoryClear(ctx context.Context, params []byte) (any, error) {
	m := decodeParamsMap(params)
	if err := a.history.Clear(getBool(m, "confirm")); err != nil {
		return nil, err
	}
	a.mem.Clear()
	return nil, nil
}

// handleHistoryContext returns the reconstructed context string: the
// summary chain, the trailing raw turns, and a digest of recent
// non-token tail events. Read-only; a just-attached console uses it to
// catch up on what the agent was doing before the attach.
func (a *Agent) handleHistoryContext(ctx context.Context, params []byte) (any, error) {
	if a.emitter != nil {
		return a.history.ReconstructContextFromTail(a.emitter.RecentEvents(50)), nil
	}
	return a.history.ReconstructContext(), nil
}

func (a *Agent) handleHistorySummarize(ctx context.Context, params []byte) (any, error) {
	if err := a.history.Summarize(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Agent) handleStatus(ctx context.Context, params []byte) (any, error) {
	stats := a.mem.Stats()
	return map[string]any{
		"agent_id":          a.id.String(),
		"ctx_pct":           stats.CtxPct,
		"tokens_in_context": stats.TokensInContext,
		"should_summarize":  stats.ShouldSummarize,
		"queue_size":        a.queue.Size(),
		"history_size":      a.history.Size(),
		"running":           a.runner.IsRunning(),
		"tail_offset":       a.emitter.CurrentOffset(),
		"model":             a.provider.ModelID(),
	}, nil
}
