package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestID_String(t *testing.T) {
	id := ID{Project: "web-app", Name: "backend-dev"}
	assert.Equal(t, "web-app/backend-dev", id.String())
}

func TestLock_AcquireRejectsSecondHolder(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	id := ID{Project: "p", Name: "a"}
	ctx := context.Background()

	l1 := NewLock(b, testLogger(t), "agentfleet", id, time.Minute, "token-1")
	require.NoError(t, l1.Acquire(ctx))
	defer l1.Release(ctx)

	l2 := NewLock(b, testLogger(t), "agentfleet", id, time.Minute, "token-2")
	err := l2.Acquire(ctx)
	assert.Error(t, err)
}

func TestLock_ReleaseAllowsReacquire(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	id := ID{Project: "p", Name: "a"}
	ctx := context.Background()

	l1 := NewLock(b, testLogger(t), "agentfleet", id, time.Minute, "token-1")
	require.NoError(t, l1.Acquire(ctx))
	require.NoError(t, l1.Release(ctx))

	l2 := NewLock(b, testLogger(t), "agentfleet", id, time.Minute, "token-2")
	assert.NoError(t, l2.Acquire(ctx))
	defer l2.Release(ctx)
}
