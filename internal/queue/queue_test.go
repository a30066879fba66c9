package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestQueue_AppendPeekPopFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q, err := Open(path, testLogger(t))
	require.NoError(t, err)

	id1, err := q.Append("first", SourceConsole)
	require.NoError(t, err)
	_, err = q.Append("second", SourceLocal)
	require.NoError(t, err)

	assert.Equal(t, 2, q.Size())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, id1, head.ID)
	assert.Equal(t, "first", head.Text)
	assert.Equal(t, 2, q.Size(), "peek must not remove")

	popped, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, id1, popped.ID)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_ReloadsFromDiskInFileOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q, err := Open(path, testLogger(t))
	require.NoError(t, err)

	_, err = q.Append("a", SourceConsole)
	require.NoError(t, err)
	_, err = q.Append("b", SourceConsole)
	require.NoError(t, err)

	reloaded, err := Open(path, testLogger(t))
	require.NoError(t, err)
	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Text)
	assert.Equal(t, "b", list[1].Text)
}

func TestQueue_SkipsMalformedLinesOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q, err := Open(path, testLogger(t))
	require.NoError(t, err)
	_, err = q.Append("good", SourceConsole)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded, err := Open(path, testLogger(t))
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 1)
}

func TestQueue_ClearEmptiesMemoryAndDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q, err := Open(path, testLogger(t))
	require.NoError(t, err)
	_, err = q.Append("a", SourceConsole)
	require.NoError(t, err)

	require.NoError(t, q.Clear())
	assert.Equal(t, 0, q.Size())

	reloaded, err := Open(path, testLogger(t))
	require.NoError(t, err)
	assert.Empty(t, reloaded.List())
}
