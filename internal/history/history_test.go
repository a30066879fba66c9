package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func openStore(t *testing.T, engine *Engine) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.jsonl"), filepath.Join(dir, "summary.jsonl"), engine, testLogger(t))
	require.NoError(t, err)
	return s
}

func TestStore_AppendAndTail(t *testing.T) {
	s := openStore(t, nil)
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Source: "console", Content: "hi"}))
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleAssistant, Source: "console", Content: "hello"}))

	assert.Equal(t, 2, s.Size())
	tail := s.Tail(1)
	require.Len(t, tail, 1)
	assert.Equal(t, RoleAssistant, tail[0].Role)
}

func TestStore_ClearRequiresConfirm(t *testing.T) {
	s := openStore(t, nil)
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "hi"}))

	err := s.Clear(false)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeHistoryConfirmRequired, apierr.CodeOf(err))
	assert.Equal(t, 1, s.Size())

	require.NoError(t, s.Clear(true))
	assert.Equal(t, 0, s.Size())
}

func TestStore_TokenBasedSummarizationTrigger(t *testing.T) {
	engine := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 10}, nil, testLogger(t))
	s := openStore(t, engine)

	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "hi", TokensIn: 3, TokensOut: 2}))

	err := s.Summarize(context.Background())
	require.Error(t, err)
	assert.Equal(t, apierr.CodeHistorySummarizationNotNeeded, apierr.CodeOf(err))

	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleAssistant, Content: "reply", TokensIn: 3, TokensOut: 5}))
	require.NoError(t, s.Summarize(context.Background()))

	assert.Len(t, s.Summaries(), 1)
	assert.Equal(t, 0, s.Size(), "non tool-call turns are fully summarized")
}

func TestStore_SummarizationPreservesToolCallTurns(t *testing.T) {
	engine := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1}, nil, testLogger(t))
	s := openStore(t, engine)

	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "run a tool", TokensIn: 5}))
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleTool, Content: "result", ToolCalls: map[string]any{"name": "fs.read"}, TokensIn: 1}))

	require.NoError(t, s.Summarize(context.Background()))

	assert.Equal(t, 1, s.Size(), "the tool-call turn survives summarization")
	remaining := s.Tail(1)
	assert.Equal(t, RoleTool, remaining[0].Role)
}

func TestStore_ReloadsTurnsAndSummariesFromDisk(t *testing.T) {
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.jsonl")
	summaryPath := filepath.Join(dir, "summary.jsonl")

	engine := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1}, nil, testLogger(t))
	s, err := Open(historyPath, summaryPath, engine, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "hi", TokensIn: 5}))
	require.NoError(t, s.Summarize(context.Background()))

	engine2 := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1}, nil, testLogger(t))
	reloaded, err := Open(historyPath, summaryPath, engine2, testLogger(t))
	require.NoError(t, err)
	assert.Len(t, reloaded.Summaries(), 1)
	assert.Equal(t, 0, reloaded.Size(), "summarized turns must not resurface after a restart")
}

func TestStore_RestartAfterSummarizeKeepsOnlyNewTurns(t *testing.T) {
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.jsonl")
	summaryPath := filepath.Join(dir, "summary.jsonl")

	engine := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1}, nil, testLogger(t))
	s, err := Open(historyPath, summaryPath, engine, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "one", TokensIn: 2}))
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleAssistant, Content: "two", TokensOut: 2}))
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "three", TokensIn: 2}))
	require.NoError(t, s.Summarize(context.Background()))
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "after the summary"}))

	engine2 := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1}, nil, testLogger(t))
	reloaded, err := Open(historyPath, summaryPath, engine2, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 1, reloaded.Size())
	ctx := reloaded.ReconstructContext()
	assert.Contains(t, ctx, "Summary 1:")
	assert.Contains(t, ctx, "User: after the summary")
	assert.NotContains(t, ctx, "User: one")
}

func TestEngine_Compact(t *testing.T) {
	engine := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1}, nil, testLogger(t))
	engine.AddSummary(Summary{ID: "a", Content: "first period", TurnsSummarized: 2, TokensSummarized: 10})
	engine.AddSummary(Summary{ID: "b", Content: "second period", TurnsSummarized: 3, TokensSummarized: 20})

	engine.Compact()

	summaries := engine.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, 5, summaries[0].TurnsSummarized)
	assert.Equal(t, 30, summaries[0].TokensSummarized)
}

func TestStore_ReconstructContextIncludesSummariesThenTurns(t *testing.T) {
	engine := NewEngine(SummarizationConfig{Strategy: StrategyTokenBased, TokenThreshold: 1000}, nil, testLogger(t))
	s := openStore(t, engine)
	engine.AddSummary(Summary{Content: "earlier discussion"})
	require.NoError(t, s.Append(Turn{TS: time.Now(), Role: RoleUser, Content: "what's next?"}))

	ctx := s.ReconstructContext()
	assert.Contains(t, ctx, "Summary 1: earlier discussion")
	assert.Contains(t, ctx, "User: what's next?")
}
