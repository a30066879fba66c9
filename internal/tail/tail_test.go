package tail

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

func TestEmitter_OffsetsIncreaseMonotonically(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	e := NewEmitter(b, testLogger(t), "agentfleet", "p/a", 0)
	ctx := context.Background()

	o1, err := e.Emit(ctx, Payload{Type: PayloadTaskStart})
	require.NoError(t, err)
	o2, err := e.Emit(ctx, Payload{Type: PayloadToken, Data: map[string]any{"text": "hi"}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), o1)
	assert.Equal(t, int64(2), o2)
	assert.Equal(t, int64(2), e.CurrentOffset())
}

func TestEmitter_ReplayFromReturnsOnlyNewer(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	e := NewEmitter(b, testLogger(t), "agentfleet", "p/a", 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Emit(ctx, Payload{Type: PayloadToken})
		require.NoError(t, err)
	}

	replayed := e.ReplayFrom(3)
	require.Len(t, replayed, 2)
	assert.Equal(t, int64(4), replayed[0].Offset)
	assert.Equal(t, int64(5), replayed[1].Offset)
}

func TestEmitter_RingWrapsAtCapacity(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	e := NewEmitter(b, testLogger(t), "agentfleet", "p/a", 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Emit(ctx, Payload{Type: PayloadToken})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, e.RingSize())
	assert.Equal(t, 3, e.RingCapacity())

	all := e.ReplayFrom(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Offset)
	assert.Equal(t, int64(5), all[2].Offset)
}

func TestEmitter_RecentEventsReturnsPayloadsOnly(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	e := NewEmitter(b, testLogger(t), "agentfleet", "p/a", 0)
	ctx := context.Background()

	_, err := e.Emit(ctx, Payload{Type: PayloadTaskStart})
	require.NoError(t, err)
	_, err = e.Emit(ctx, Payload{Type: PayloadToken, Data: map[string]any{"text": "a"}})
	require.NoError(t, err)
	_, err = e.Emit(ctx, Payload{Type: PayloadTaskEnd})
	require.NoError(t, err)

	recent := e.RecentEvents(2)
	require.Len(t, recent, 2)
	assert.Equal(t, PayloadToken, recent[0].Type)
	assert.Equal(t, PayloadTaskEnd, recent[1].Type)
}

func TestSubscriber_ReceivesLiveEvents(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	e := NewEmitter(b, testLogger(t), "agentfleet", "p/a", 0)
	sub := NewSubscriber(b, testLogger(t), "agentfleet")

	received := make(chan Record, 4)
	s, err := sub.Subscribe("p/a", func(r Record) { received <- r })
	require.NoError(t, err)
	defer s.Unsubscribe()

	_, err = e.Emit(context.Background(), Payload{Type: PayloadToken, Data: map[string]any{"text": "hello"}})
	require.NoError(t, err)

	select {
	case rec := <-received:
		assert.Equal(t, PayloadToken, rec.Payload.Type)
		assert.Equal(t, int64(1), rec.Offset)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the tail event")
	}
}
