package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/rpc"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func dial(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestGatewayAttachInputCall(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()
	reg := registry.New(b, log, "test", time.Minute)
	require.NoError(t, reg.Register(context.Background(), registry.AgentInfo{ID: "agent-1", Name: "a", Project: "p", State: "idle"}))

	methods := rpc.NewMethodRegistry()
	methods.RegisterFunc("agent.status", func(ctx context.Context, params []byte) (any, error) {
		return map[string]any{"state": "idle"}, nil
	})
	agentSrv := rpc.NewServer(b, log, "test", "agent-1", methods)
	require.NoError(t, agentSrv.Start(context.Background()))
	defer agentSrv.Stop()

	gw := NewServer(b, log, "test", reg, time.Minute, time.Second)
	httpSrv := httptest.NewServer(gw.Handler())
	defer httpSrv.Close()

	conn := dial(t, httpSrv)
	defer conn.Close()

	attachReq, err := NewRequest("1", "attach", map[string]any{"agent_id": "agent-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(attachReq))

	var attachResp Message
	require.NoError(t, conn.ReadJSON(&attachResp))
	require.Equal(t, KindResponse, attachResp.Kind)

	callReq, err := NewRequest("2", "call", map[string]any{"method": "agent.status", "read_only": true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(callReq))

	var callResp Message
	require.NoError(t, conn.ReadJSON(&callResp))
	require.Equal(t, KindResponse, callResp.Kind)

	var payload map[string]any
	require.NoError(t, callResp.ParsePayload(&payload))
	require.Equal(t, "idle", payload["state"])
}

func TestGatewayUnknownAction(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()
	reg := registry.New(b, log, "test", time.Minute)

	gw := NewServer(b, log, "test", reg, time.Minute, time.Second)
	httpSrv := httptest.NewServer(gw.Handler())
	defer httpSrv.Close()

	conn := dial(t, httpSrv)
	defer conn.Close()

	req, err := NewRequest("1", "bogus", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var resp Message
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, KindError, resp.Kind)
}
