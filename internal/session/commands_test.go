package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/rpc"
	"github.com/agentfleet/agentfleet/internal/tail"
)

func TestConsoleDispatchRequiresAttachment(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	reg := registry.New(b, logger.Default(), "test", time.Minute)
	c := NewConsole(b, logger.Default(), "test", "console-1", reg, time.Minute, time.Second, nil)

	_, err := c.Dispatch(context.Background(), "/input hello")
	require.Error(t, err)
	require.Equal(t, apierr.CodeSessionNotAttached, apierr.CodeOf(err))
}

func TestConsoleDispatchOverlayShorthand(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()
	reg := registry.New(b, log, "test", time.Minute)

	var gotLine string
	methods := rpc.NewMethodRegistry()
	methods.RegisterFunc("prompt.overlay", func(ctx context.Context, params []byte) (any, error) {
		gotLine = "received"
		return nil, nil
	})
	server := rpc.NewServer(b, log, "test", "agent-1", methods)
	require.NoError(t, server.Start(ctx))

	c := NewConsole(b, log, "test", "console-1", reg, time.Minute, time.Second, nil)
	require.NoError(t, c.Attach(ctx, "agent-1", AttachOptions{}))

	result, err := c.Dispatch(ctx, "# remember this")
	require.NoError(t, err)
	require.Equal(t, "overlay updated", result.Text)
	require.Equal(t, "received", gotLine)
}

func TestConsoleDispatchPs(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()
	reg := registry.New(b, log, "test", time.Minute)
	require.NoError(t, reg.Register(ctx, registry.AgentInfo{ID: "agent-1", Name: "a", Project: "p", State: "idle"}))

	c := NewConsole(b, log, "test", "console-1", reg, time.Minute, time.Second, nil)
	result, err := c.Dispatch(ctx, "/ps")
	require.NoError(t, err)
	require.Contains(t, result.Text, "1 agents")
}

func TestConsoleDispatchWhoWhenUnattached(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	reg := registry.New(b, log, "test", time.Minute)
	c := NewConsole(b, log, "test", "console-1", reg, time.Minute, time.Second, nil)

	result, err := c.Dispatch(context.Background(), "/who")
	require.NoError(t, err)
	require.Equal(t, "not attached", result.Text)
}

func TestConsoleTailEventCallback(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	log := logger.Default()
	ctx := context.Background()
	reg := registry.New(b, log, "test", time.Minute)

	var received []tail.Record
	c := NewConsole(b, log, "test", "console-1", reg, time.Minute, time.Second, func(agentID string, rec tail.Record) {
		received = append(received, rec)
	})
	require.NoError(t, c.Attach(ctx, "agent-1", AttachOptions{}))

	emitter := tail.NewEmitter(b, log, "test", "agent-1", 0)
	_, err := emitter.Emit(ctx, tail.Payload{Type: tail.PayloadToken, Data: map[string]any{"text": "hi"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(received) == 1 }, time.Second, 10*time.Millisecond)
}
