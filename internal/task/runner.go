package task

import (
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/history"
	"github.com/agentfleet/agentfleet/internal/memory"
	"github.com/agentfleet/agentfleet/internal/model"
	"github.com/agentfleet/agentfleet/internal/prompt"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/tail"
	"github.com/agentfleet/agentfleet/internal/tools"
)

// historyWindow is the number of trailing history turns folded into
// every built prompt.
const historyWindow = 10

// Result is the outcome of one RunNext call.
type Result struct {
	Success   bool
	Response  string
	TokensIn  int
	TokensOut int
	ToolCalls []ToolCall
	Err       string
}

// Runner drives at most one queued item at a time through a
// model.Provider, streaming tokens and intercepting tool calls as tail
// events.
type Runner struct {
	log     *logger.Logger
	queue   *queue.Queue
	history *history.Store
	prompt  *prompt.Layer
	mem     *memory.Accountant
	toolReg *tools.Registry
	emitter *tail.Emitter

	mu          sync.Mutex
	provider    model.Provider
	running     bool
	interrupted bool
	cancelled   bool
	cancel      context.CancelFunc
}

// New builds a Runner. emitter may be nil for standalone mode, in which
// case tail events are simply not published.
func New(q *queue.Queue, h *history.Store, p *prompt.Layer, mem *memory.Accountant, reg *tools.Registry, emitter *tail.Emitter, log *logger.Logger) *Runner {
	return &Runner{queue: q, history: h, prompt: p, mem: mem, toolReg: reg, emitter: emitter, log: log}
}

// SetProvider installs the model provider this runner drives.
func (r *Runner) SetProvider(p model.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider = p
	r.log.Info("task runner provider set", zap.String("model_id", p.ModelID()))
}

// IsRunning reports whether a task is currently executing.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Interrupt stops the current (or next) streaming loop gracefully —
// already-streamed content is kept — and cancels the underlying
// context so a blocked provider call unblocks.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
	if r.cancel != nil {
		r.cancel()
	}
	r.log.Info("task interrupted")
}

// Cancel sets the cancellation flag; if hard, it also cancels the
// underlying context immediately rather than waiting for the next
// checkpoint.
func (r *Runner) Cancel(hard bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if hard && r.cancel != nil {
		r.cancel()
	}
	r.log.Info("task cancelled", zap.Bool("hard", hard))
}

func (r *Runner) emit(ctx context.Context, payloadType tail.PayloadType, data map[string]any) {
	if r.emitter == nil {
		return
	}
	if _, err := r.emitter.Emit(ctx, tail.Payload{Type: payloadType, Data: data}); err != nil {
		r.log.Warn("tail emit failed", zap.String("type", string(payloadType)), zap.Error(err))
	}
}

// RunNext pops the next queued item (if any) and executes it. If no
// item is queued, it returns (nil, nil). If a task is already running,
// it returns apierr.CodeTaskAlreadyRunning.
func (r *Runner) RunNext(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, apierr.New(apierr.CodeTaskAlreadyRunning, "a task is already running")
	}
	if r.provider == nil {
		r.mu.Unlock()
		return nil, apierr.New(apierr.CodeTaskNotRunning, "no model provider configured")
	}
	item, found := r.queue.Peek()
	if !found {
		r.mu.Unlock()
		return nil, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.interrupted = false
	r.cancelled = false
	r.cancel = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	result := r.execute(runCtx, item)
	r.queue.Pop()

	return result, nil
}

func (r *Runner) execute(ctx context.Context, item queue.Item) *Result {
	r.emit(ctx, tail.PayloadTaskStart, map[string]any{"id": item.ID, "prompt_id": item.ID})

	promptText := r.buildPrompt(item)
	inputTokens := r.provider.EstimateTokens(promptText)

	stream, err := r.provider.Stream(ctx, model.Request{System: r.prompt.Effective(), Prompt: promptText})
	if err != nil {
		return r.fail(ctx, item, err)
	}
	defer stream.Close()

	var response strings.Builder
	var toolCalls []ToolCall

	for {
		r.mu.Lock()
		stop := r.interrupted || r.cancelled
		r.mu.Unlock()
		if stop {
			break
		}

		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fail(ctx, item, err)
		}

		response.WriteString(chunk.Text)
		r.emit(ctx, tail.PayloadToken, map[string]any{"text": chunk.Text, "model": r.provider.ModelID()})

		if DetectToolCall(chunk.Text) {
			if call, ok := ParseToolCall(response.String()); ok {
				toolCalls = append(toolCalls, call)
				r.handleToolCall(ctx, call)
			}
		}
		if chunk.Done {
			break
		}
	}

	outputTokens := r.provider.EstimateTokens(response.String())
	r.mem.AddTurn(inputTokens, outputTokens)

	if err := r.appendTurns(item, response.String(), inputTokens, outputTokens, toolCalls); err != nil {
		r.log.Warn("failed to append task turns to history", zap.Error(err))
	}

	r.emit(ctx, tail.PayloadTaskEnd, map[string]any{"id": item.ID, "ok": true})
	r.log.Info("task completed", zap.String("id", item.ID), zap.Int("tokens_out", outputTokens))

	return &Result{Success: true, Response: response.String(), TokensIn: inputTokens, TokensOut: outputTokens, ToolCalls: toolCalls}
}

func (r *Runner) fail(ctx context.Context, item queue.Item, err error) *Result {
	r.emit(ctx, tail.PayloadError, map[string]any{"msg": err.Error(), "trace": err.Error()})
	r.log.Error("task failed", zap.String("id", item.ID), zap.Error(err))
	r.emit(ctx, tail.PayloadTaskEnd, map[string]any{"id": item.ID, "ok": false})
	return &Result{Success: false, Err: err.Error()}
}

func (r *Runner) handleToolCall(ctx context.Context, call ToolCall) {
	r.emit(ctx, tail.PayloadToolStart, map[string]any{"tool": call.Name, "arguments": call.Arguments})

	if r.toolReg == nil {
		r.emit(ctx, tail.PayloadError, map[string]any{"not_found": call.Name})
		r.emit(ctx, tail.PayloadToolEnd, map[string]any{"tool": call.Name})
		return
	}

	res := r.toolReg.Call(ctx, call.Name, call.Arguments)
	if !res.OK && res.Error == "tool.not_found" {
		r.emit(ctx, tail.PayloadError, map[string]any{"not_found": call.Name})
	} else if !res.OK {
		r.emit(ctx, tail.PayloadError, map[string]any{"msg": res.ErrMsg})
	} else {
		r.emit(ctx, tail.PayloadToolResult, map[string]any{"tool": call.Name, "result": res.Value})
	}
	r.emit(ctx, tail.PayloadToolEnd, map[string]any{"tool": call.Name})

	r.log.Info("tool executed", zap.String("tool", call.Name), zap.Bool("success", res.OK))
}

func (r *Runner) buildPrompt(item queue.Item) string {
	turns := r.history.Tail(historyWindow)

	var conversation strings.Builder
	for _, turn := range turns {
		conversation.WriteString(roleLabel(turn.Role))
		conversation.WriteString(": ")
		conversation.WriteString(turn.Content)
		conversation.WriteString("\n")
	}
	conversation.WriteString("User: ")
	conversation.WriteString(item.Text)
	conversation.WriteString("\nAssistant: ")
	return conversation.String()
}

func roleLabel(role history.Role) string {
	switch role {
	case history.RoleUser:
		return "User"
	case history.RoleAssistant:
		return "Assistant"
	case history.RoleTool:
		return "Tool"
	default:
		return string(role)
	}
}

func (r *Runner) appendTurns(item queue.Item, response string, tokensIn, tokensOut int, calls []ToolCall) error {
	if err := r.history.Append(history.Turn{Role: history.RoleUser, Source: string(item.Source), Content: item.Text, TokensIn: tokensIn}); err != nil {
		return err
	}
	var toolCallsPayload map[string]any
	if len(calls) > 0 {
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		toolCallsPayload = map[string]any{"names": names}
	}
	return r.history.Append(history.Turn{Role: history.RoleAssistant, Source: "model", Content: response, TokensOut: tokensOut, ToolCalls: toolCallsPayload})
}
