package bus

import (
	"context"
	"testing"
	"time"

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

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("agent.status", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	evt := NewEvent("status", "test", map[string]any{"ok": true})
	require.NoError(t, b.Publish(context.Background(), "agent.status", evt))

	select {
	case got := <-received:
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	sub, err := b.Subscribe("tail.*.turn", func(ctx context.Context, e *Event) error {
		received <- e.Source
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "tail.agentA.turn", NewEvent("turn", "agentA", nil)))
	require.NoError(t, b.Publish(context.Background(), "tail.agentA.summary", NewEvent("summary", "agentA", nil)))

	select {
	case got := <-received:
		assert.Equal(t, "agentA", got)
	case <-time.After(time.Second):
		t.Fatal("expected one match on the wildcard subject")
	}

	select {
	case <-received:
		t.Fatal("non-matching subject should not have been delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_QueueSubscribeRoundRobin(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	countA, countB := 0, 0
	done := make(chan struct{}, 10)

	subA, err := b.QueueSubscribe("queue.work", "workers", func(ctx context.Context, e *Event) error {
		countA++
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer subA.Unsubscribe()

	subB, err := b.QueueSubscribe("queue.work", "workers", func(ctx context.Context, e *Event) error {
		countB++
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer subB.Unsubscribe()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "queue.work", NewEvent("work", "test", nil)))
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10, countA+countB)
	assert.Greater(t, countA, 0)
	assert.Greater(t, countB, 0)
}

func TestMemoryBus_Request(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("rpc.echo", func(ctx context.Context, e *Event) error {
		reply, ok := e.Data["_reply"].(string)
		require.True(t, ok)
		return b.Publish(ctx, reply, NewEvent("reply", "echo", map[string]any{"echoed": e.Data["msg"]}))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	req := NewEvent("call", "test", map[string]any{"msg": "hello"})
	resp, err := b.Request(context.Background(), "rpc.echo", req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Data["echoed"])
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	req := NewEvent("call", "test", nil)
	_, err := b.Request(context.Background(), "rpc.nobody", req, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryBus_SetNX(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	ctx := context.Background()
	ok, err := b.SetNX(ctx, "lock:agent1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SetNX(ctx, "lock:agent1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on a live key must fail")

	val, found, err := b.Get(ctx, "lock:agent1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "owner-a", val)
}

func TestMemoryBus_SetNX_ExpiresAndCanBeReacquired(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	ctx := context.Background()
	ok, err := b.SetNX(ctx, "lock:agent2", "owner-a", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = b.SetNX(ctx, "lock:agent2", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must be reacquirable")
}

func TestMemoryBus_DeleteAndScan(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "registry:agent:a", "1", 0))
	require.NoError(t, b.Set(ctx, "registry:agent:b", "1", 0))
	require.NoError(t, b.Set(ctx, "other:key", "1", 0))

	keys, err := b.ScanKeys(ctx, "registry:agent:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, b.Delete(ctx, "registry:agent:a"))
	keys, err = b.ScanKeys(ctx, "registry:agent:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMemoryBus_CloseMakesFurtherCallsFail(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
