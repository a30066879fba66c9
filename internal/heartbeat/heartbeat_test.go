package heartbeat

import (
	"context"
	"fmt"
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

type fakeRenewer struct{ calls *int }

func (f fakeRenewer) Renew(ctx context.Context) error {
	*f.calls++
	return nil
}

func TestService_PublishesAndRenews(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	calls := 0
	svc := NewService(b, testLogger(t), "agentfleet", "p/a", 20*time.Millisecond, time.Second, fakeRenewer{&calls})
	svc.Start(context.Background())
	defer svc.Stop()

	time.Sleep(100 * time.Millisecond)

	_, ok, err := b.Get(context.Background(), heartbeatKey("agentfleet", "p/a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, calls, 1)
}

func TestMonitor_DetectsStaleHeartbeat(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	staleValue := fmt.Sprintf("%d", time.Now().Add(-time.Hour).UnixNano())
	require.NoError(t, b.Set(context.Background(), heartbeatKey("agentfleet", "p/a"), staleValue, time.Minute))

	detected := make(chan []DisconnectedAgent, 1)
	mon := NewMonitor(b, testLogger(t), "agentfleet", 10*time.Millisecond, time.Second)
	mon.OnDisconnect(func(agents []DisconnectedAgent) { detected <- agents })
	mon.Start(context.Background())
	defer mon.Stop()

	select {
	case agents := <-detected:
		require.Len(t, agents, 1)
		assert.Equal(t, "p/a", agents[0].AgentID)
		assert.Equal(t, "stale_heartbeat", agents[0].Reason)
	case <-time.After(time.Second):
		t.Fatal("monitor did not detect the stale heartbeat")
	}
}

func TestMonitor_IgnoresFreshHeartbeat(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	freshValue := fmt.Sprintf("%d", time.Now().UnixNano())
	require.NoError(t, b.Set(context.Background(), heartbeatKey("agentfleet", "p/a"), freshValue, time.Minute))

	detected := make(chan []DisconnectedAgent, 1)
	mon := NewMonitor(b, testLogger(t), "agentfleet", 10*time.Millisecond, time.Second)
	mon.OnDisconnect(func(agents []DisconnectedAgent) { detected <- agents })
	mon.Start(context.Background())
	defer mon.Stop()

	select {
	case <-detected:
		t.Fatal("a fresh heartbeat should not be reported as disconnected")
	case <-time.After(100 * time.Millisecond):
	}
}
