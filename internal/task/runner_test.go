package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/history"
	"github.com/agentfleet/agentfleet/internal/memory"
	"github.com/agentfleet/agentfleet/internal/model"
	"github.com/agentfleet/agentfleet/internal/prompt"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/tools"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	q, err := queue.Open(filepath.Join(dir, "queue.jsonl"), log)
	require.NoError(t, err)

	h, err := history.Open(filepath.Join(dir, "history.jsonl"), filepath.Join(dir, "summary.jsonl"), nil, log)
	require.NoError(t, err)

	p, err := prompt.Open(filepath.Join(dir, "base.txt"), filepath.Join(dir, "overlay.txt"), log)
	require.NoError(t, err)

	mem, err := memory.New(100000, 0.8, log)
	require.NoError(t, err)

	reg := tools.NewRegistry(nil)

	r := New(q, h, p, mem, reg, nil, log)
	r.SetProvider(model.NewEchoProvider())
	return r
}

func TestRunNextWithEmptyQueueReturnsNil(t *testing.T) {
	r := testRunner(t)
	result, err := r.RunNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestRunNextExecutesQueuedItem(t *testing.T) {
	r := testRunner(t)
	_, err := r.queue.Append("hello there", queue.SourceConsole)
	require.NoError(t, err)

	result, err := r.RunNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Success)
	require.Contains(t, result.Response, "hello there")
	require.Equal(t, 0, r.queue.Size())
}

func TestRunNextAppendsUserAndAssistantTurns(t *testing.T) {
	r := testRunner(t)
	_, err := r.queue.Append("ping", queue.SourceLocal)
	require.NoError(t, err)

	_, err = r.RunNext(context.Background())
	require.NoError(t, err)

	turns := r.history.Tail(10)
	require.Len(t, turns, 2)
	require.Equal(t, history.RoleUser, turns[0].Role)
	require.Equal(t, "ping", turns[0].Content)
	require.Equal(t, history.RoleAssistant, turns[1].Role)
}

func TestRunNextRejectsConcurrentRun(t *testing.T) {
	r := testRunner(t)
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	_, err := r.queue.Append("x", queue.SourceConsole)
	require.NoError(t, err)

	_, err = r.RunNext(context.Background())
	require.Error(t, err)
}

func TestDetectAndParseToolCall(t *testing.T) {
	require.True(t, DetectToolCall("before TOOL_CALL: after"))
	require.False(t, DetectToolCall("nothing here"))

	call, ok := ParseToolCall(`some text TOOL_CALL: read_file(path="a.txt")`)
	require.True(t, ok)
	require.Equal(t, "read_file", call.Name)
	require.Equal(t, "a.txt", call.Arguments["path"])
}

func TestParseToolCallWithoutArgs(t *testing.T) {
	call, ok := ParseToolCall("FUNCTION: list_dir")
	require.True(t, ok)
	require.Equal(t, "list_dir", call.Name)
	require.Empty(t, call.Arguments)
}

func TestRunNextCompletesTaskNamingUnregisteredTool(t *testing.T) {
	r := testRunner(t)
	_, err := r.queue.Append("please TOOL_CALL: missing_tool()", queue.SourceConsole)
	require.NoError(t, err)

	result, err := r.RunNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
}
