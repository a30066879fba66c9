package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/session"
	"github.com/agentfleet/agentfleet/internal/tail"
)

// Server terminates websocket connections from remote consoles and
// relays each one onto its own internal/session.Session against the
// shared bus.
type Server struct {
	bus          bus.Bus
	log          *logger.Logger
	namespace    string
	reg          *registry.Registry
	ownershipTTL time.Duration
	rpcTimeout   time.Duration

	upgrader websocket.Upgrader
	disp     *dispatcher
}

// connState is one websocket connection's server-side state: its
// session, and a single writer goroutine's outbound queue (gorilla's
// *websocket.Conn forbids concurrent writers).
type connState struct {
	sess   *session.Session
	out    chan *Message
	closed chan struct{}
	once   sync.Once
}

func (c *connState) send(msg *Message) {
	select {
	case c.out <- msg:
	case <-c.closed:
	}
}

// NewServer builds a gateway Server. Every accepted connection gets its
// own session bound to a fresh session id.
func NewServer(b bus.Bus, log *logger.Logger, namespace string, reg *registry.Registry, ownershipTTL, rpcTimeout time.Duration) *Server {
	s := &Server{
		bus: b, log: log, namespace: namespace, reg: reg,
		ownershipTTL: ownershipTTL, rpcTimeout: rpcTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.disp = newDispatcher()
	s.registerActions()
	return s
}

// registerActions wires the console command vocabulary
// that a remote, bus-less console can still invoke over this
// connection: attach, detach, input, a registry listing, and a generic
// RPC call passthrough for everything else (status, prompt.*, kb.*,
// history.clear, ...).
func (s *Server) registerActions() {
	s.disp.register("attach", s.handleAttach)
	s.disp.register("detach", s.handleDetach)
	s.disp.register("input", s.handleInput)
	s.disp.register("call", s.handleCall)
	s.disp.register("agents", s.handleAgents)
}

// Handler returns the HTTP handler to mount, typically at "/ws".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := "gateway-" + uuid.NewString()
	sess := session.New(s.bus, s.log, s.namespace, sessionID, s.ownershipTTL, s.rpcTimeout)
	cs := &connState{sess: sess, out: make(chan *Message, 64), closed: make(chan struct{})}

	s.log.Info("gateway connection accepted", zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.writePump(conn, cs)
	s.readPump(ctx, conn, cs)

	if sess.IsAttached() {
		_ = sess.Detach(context.Background())
	}
	cs.once.Do(func() { close(cs.closed) })
	_ = conn.Close()
	s.log.Info("gateway connection closed", zap.String("session_id", sessionID))
}

func (s *Server) writePump(conn *websocket.Conn, cs *connState) {
	for {
		select {
		case msg, ok := <-cs.out:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-cs.closed:
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, cs *connState) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		resp := s.disp.dispatch(ctx, cs, &msg)
		if resp != nil {
			cs.send(resp)
		}
	}
}

func (s *Server) handleAttach(ctx context.Context, cs *connState, msg *Message) (*Message, error) {
	var req struct {
		AgentID      string `json:"agent_id"`
		Takeover     bool   `json:"takeover"`
		GraceSeconds int    `json:"grace_seconds"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return nil, err
	}

	tailHandler := func(rec tail.Record) {
		note, err := NewNotification("tail", rec)
		if err != nil {
			return
		}
		cs.send(note)
	}

	opts := session.AttachOptions{Takeover: req.Takeover, GraceTimeout: time.Duration(req.GraceSeconds) * time.Second}
	if err := cs.sess.Attach(ctx, req.AgentID, opts, tailHandler); err != nil {
		return nil, err
	}
	return NewResponse(msg.ID, msg.Action, map[string]any{"attached": req.AgentID})
}

// handleAgents is the remote console's /ps: list every agent currently
// present in the registry, no attachment required.
func (s *Server) handleAgents(ctx context.Context, cs *connState, msg *Message) (*Message, error) {
	agents, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewResponse(msg.ID, msg.Action, agents)
}

func (s *Server) handleDetach(ctx context.Context, cs *connState, msg *Message) (*Message, error) {
	if err := cs.sess.Detach(ctx); err != nil {
		return nil, err
	}
	return NewResponse(msg.ID, msg.Action, map[string]any{"detached": true})
}

func (s *Server) handleInput(ctx context.Context, cs *connState, msg *Message) (*Message, error) {
	var req struct {
		Text string `json:"text"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return nil, err
	}
	if err := cs.sess.Input(ctx, req.Text); err != nil {
		return nil, err
	}
	return NewResponse(msg.ID, msg.Action, map[string]any{"queued": true})
}

func (s *Server) handleCall(ctx context.Context, cs *connState, msg *Message) (*Message, error) {
	var req struct {
		Method   string         `json:"method"`
		Params   map[string]any `json:"params"`
		ReadOnly bool           `json:"read_only"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return nil, err
	}
	var result map[string]any
	var err error
	if req.ReadOnly {
		err = cs.sess.CallReadOnly(ctx, req.Method, req.Params, &result)
	} else {
		err = cs.sess.Call(ctx, req.Method, req.Params, &result)
	}
	if err != nil {
		return nil, err
	}
	return NewResponse(msg.ID, msg.Action, result)
}
