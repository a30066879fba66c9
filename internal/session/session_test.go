package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/rpc"
	"github.com/agentfleet/agentfleet/internal/tail"
)

func TestSessionAttachAndDetach(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()

	sess := New(b, log, "test", "console-1", time.Minute, time.Second)
	require.NoError(t, sess.Attach(ctx, "agent-1", AttachOptions{}, func(tail.Record) {}))
	require.True(t, sess.IsAttached())
	require.Equal(t, "agent-1", sess.AgentID())

	require.NoError(t, sess.Detach(ctx))
	require.False(t, sess.IsAttached())
}

func TestSessionAttachDeniedWhenAlreadyOwned(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()

	first := New(b, log, "test", "console-1", time.Minute, time.Second)
	require.NoError(t, first.Attach(ctx, "agent-1", AttachOptions{}, func(tail.Record) {}))

	second := New(b, log, "test", "console-2", time.Minute, time.Second)
	err := second.Attach(ctx, "agent-1", AttachOptions{}, func(tail.Record) {})
	require.Error(t, err)
	require.Equal(t, apierr.CodeSessionOwnershipDenied, apierr.CodeOf(err))
}

func TestSessionCallFailsWhenReadOnly(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()

	sess := New(b, log, "test", "console-1", time.Minute, time.Second)
	require.NoError(t, sess.Attach(ctx, "agent-1", AttachOptions{}, func(tail.Record) {}))

	sess.mu.Lock()
	sess.readOnly = true
	sess.mu.Unlock()

	err := sess.Input(ctx, "hello")
	require.Error(t, err)
	require.Equal(t, apierr.CodeSessionReadOnly, apierr.CodeOf(err))
}

func TestSessionCallFailsWhenNotAttached(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()

	sess := New(b, log, "test", "console-1", time.Minute, time.Second)
	err := sess.Input(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, apierr.CodeSessionNotAttached, apierr.CodeOf(err))
}

func TestSessionInputReachesRPCServer(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()

	var received string
	reg := rpc.NewMethodRegistry()
	reg.RegisterFunc("input", func(ctx context.Context, params []byte) (any, error) {
		received = "called"
		return nil, nil
	})
	server := rpc.NewServer(b, log, "test", "agent-1", reg)
	require.NoError(t, server.Start(ctx))

	sess := New(b, log, "test", "console-1", time.Minute, time.Second)
	require.NoError(t, sess.Attach(ctx, "agent-1", AttachOptions{}, func(tail.Record) {}))

	require.NoError(t, sess.Input(ctx, "hello"))
	require.Equal(t, "called", received)
}
