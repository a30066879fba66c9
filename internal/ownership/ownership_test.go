package ownership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestManager_AcquireReleaseRoundtrip(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	m := New(b, testLogger(t), "agentfleet", "session-1", time.Minute)
	require.NoError(t, m.Acquire(ctx, "p/a", false, 0))

	held, err := m.HasOwnership(ctx, "p/a")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.Release(ctx, "p/a"))

	held, err = m.HasOwnership(ctx, "p/a")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestManager_SecondAcquireWithoutTakeoverFails(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	m1 := New(b, testLogger(t), "agentfleet", "session-1", time.Minute)
	require.NoError(t, m1.Acquire(ctx, "p/a", false, 0))

	m2 := New(b, testLogger(t), "agentfleet", "session-2", time.Minute)
	err := m2.Acquire(ctx, "p/a", false, 0)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeOwnershipHeld, apierr.CodeOf(err))
}

func TestManager_TakeoverForcesAfterGraceExpires(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	m1 := New(b, testLogger(t), "agentfleet", "session-1", time.Minute)
	require.NoError(t, m1.Acquire(ctx, "p/a", false, 0))

	m2 := New(b, testLogger(t), "agentfleet", "session-2", time.Minute)
	start := time.Now()
	err := m2.Acquire(ctx, "p/a", true, 1100*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	held, err := m2.HasOwnership(ctx, "p/a")
	require.NoError(t, err)
	assert.True(t, held)

	notice, err := m1.CheckTakeoverNotice(ctx)
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, "session-2", notice.NewSession)
}

func TestManager_TakeoverSucceedsImmediatelyOnVoluntaryRelease(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	m1 := New(b, testLogger(t), "agentfleet", "session-1", time.Minute)
	require.NoError(t, m1.Acquire(ctx, "p/a", false, 0))

	done := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = m1.Release(ctx, "p/a")
		close(done)
	}()

	m2 := New(b, testLogger(t), "agentfleet", "session-2", time.Minute)
	start := time.Now()
	err := m2.Acquire(ctx, "p/a", true, 30*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	<-done
}

func TestManager_ReleaseByNonOwnerFails(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	m1 := New(b, testLogger(t), "agentfleet", "session-1", time.Minute)
	require.NoError(t, m1.Acquire(ctx, "p/a", false, 0))

	m2 := New(b, testLogger(t), "agentfleet", "session-2", time.Minute)
	err := m2.Release(ctx, "p/a")
	assert.Error(t, err)
}
