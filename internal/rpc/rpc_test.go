package rpc

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

type echoParams struct{ Text string }
type echoResult struct{ Text string }

func newEchoServer(t *testing.T, b bus.Bus, agentID string) *Server {
	t.Helper()
	registry := NewMethodRegistry()
	registry.RegisterFunc("echo", func(ctx context.Context, params []byte) (any, error) {
		var p echoParams
		if err := decodeGob(params, &p); err != nil {
			return nil, err
		}
		return echoResult{Text: p.Text}, nil
	})
	registry.RegisterFunc("fail", func(ctx context.Context, params []byte) (any, error) {
		return nil, apierr.New(apierr.CodeTaskCancelled, "handler refuses to cooperate")
	})
	registry.RegisterFunc("boom", func(ctx context.Context, params []byte) (any, error) {
		panic("handler exploded")
	})

	srv := NewServer(b, testLogger(t), "agentfleet", agentID, registry)
	require.NoError(t, srv.Start(context.Background()))
	return srv
}

func TestRPC_CallSucceeds(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	srv := newEchoServer(t, b, "p/a")
	defer srv.Stop()

	client := NewClient(b, "agentfleet", time.Second)
	var result echoResult
	err := client.Call(context.Background(), "p/a", "echo", echoParams{Text: "hi"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Text)
}

func TestRPC_UnknownMethod(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	srv := newEchoServer(t, b, "p/a")
	defer srv.Stop()

	client := NewClient(b, "agentfleet", time.Second)
	err := client.Call(context.Background(), "p/a", "nope", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeRPCUnknownMethod, apierr.CodeOf(err))
}

func TestRPC_HandlerErrorPropagates(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	srv := newEchoServer(t, b, "p/a")
	defer srv.Stop()

	client := NewClient(b, "agentfleet", time.Second)
	err := client.Call(context.Background(), "p/a", "fail", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeTaskCancelled, apierr.CodeOf(err))
}

func TestRPC_HandlerPanicIsRecovered(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	srv := newEchoServer(t, b, "p/a")
	defer srv.Stop()

	client := NewClient(b, "agentfleet", time.Second)
	err := client.Call(context.Background(), "p/a", "boom", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInternalPanic, apierr.CodeOf(err))
}

func TestRPC_CallToNonexistentAgentTimesOut(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	client := NewClient(b, "agentfleet", 50*time.Millisecond)
	err := client.Call(context.Background(), "p/ghost", "echo", echoParams{Text: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeRPCTimeout, apierr.CodeOf(err))
}
