package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Server listens for RPC requests addressed to a single agent and
// dispatches them to a MethodRegistry.
type Server struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	agentID   string
	registry  *MethodRegistry
	sub       bus.Subscription
	observe   func(method string, ok bool, elapsed time.Duration)
}

// SetObserver installs a per-dispatch callback (method, outcome,
// latency), used to feed the process's metrics collectors.
func (s *Server) SetObserver(fn func(method string, ok bool, elapsed time.Duration)) {
	s.observe = fn
}

// NewServer builds a Server for agentID, dispatching to registry.
func NewServer(b bus.Bus, log *logger.Logger, namespace, agentID string, registry *MethodRegistry) *Server {
	return &Server{bus: b, log: log, namespace: namespace, agentID: agentID, registry: registry}
}

// Start subscribes to this agent's RPC request subject. It returns once the
// subscription is established; requests are handled asynchronously in
// background goroutines spawned by the underlying bus.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(subject(s.namespace, s.agentID), s.onRequest)
	if err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "subscribe rpc requests: %v", err)
	}
	s.sub = sub
	s.log.Info("rpc server listening", zap.String("agent_id", s.agentID))
	return nil
}

// Stop unsubscribes from RPC requests.
func (s *Server) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Server) onRequest(ctx context.Context, e *bus.Event) error {
	replySubject, _ := e.Data["_reply"].(string)
	if replySubject == "" {
		return apierr.New(apierr.CodeRPCInternal, "rpc request missing reply subject")
	}

	frame, err := frameFromEvent(e)
	if err != nil {
		return err
	}
	if len(frame) > maxFrameBytes {
		resp := &Response{OK: false, ErrorCode: apierr.CodeBusEncodingError,
			ErrorMessage: "request frame exceeds size limit", TS: time.Now().UTC()}
		respFrame, encErr := encodeGob(resp)
		if encErr != nil {
			return encErr
		}
		return s.bus.Publish(ctx, replySubject, frameToEvent("rpc_response", s.agentID, respFrame))
	}

	var req Request
	if err := decodeGob(frame, &req); err != nil {
		return err
	}

	resp := s.dispatch(withCaller(ctx, req.Caller), &req)

	respFrame, err := encodeGob(resp)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, replySubject, frameToEvent("rpc_response", s.agentID, respFrame))
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	started := time.Now()
	resp := s.dispatchInner(ctx, req)
	if s.observe != nil {
		s.observe(req.Method, resp.OK, time.Since(started))
	}
	return resp
}

func (s *Server) dispatchInner(ctx context.Context, req *Request) *Response {
	handler, ok := s.registry.lookup(req.Method)
	if !ok {
		return &Response{
			ID: req.ID, OK: false,
			ErrorCode: apierr.CodeRPCUnknownMethod, ErrorMessage: "method not found: " + req.Method,
			TS: time.Now().UTC(),
		}
	}

	value, err := s.safeHandle(ctx, handler, req.Params)
	if err != nil {
		code := apierr.CodeOf(err)
		if code == "" {
			code = apierr.CodeRPCInternal
		}
		s.log.Error("rpc handler error", zap.String("method", req.Method), zap.Error(err))
		return &Response{ID: req.ID, OK: false, ErrorCode: code, ErrorMessage: err.Error(), TS: time.Now().UTC()}
	}

	if value == nil {
		return &Response{ID: req.ID, OK: true, TS: time.Now().UTC()}
	}
	valueBytes, err := encodeGob(value)
	if err != nil {
		return &Response{ID: req.ID, OK: false, ErrorCode: apierr.CodeBusEncodingError, ErrorMessage: err.Error(), TS: time.Now().UTC()}
	}
	return &Response{ID: req.ID, OK: true, Value: valueBytes, TS: time.Now().UTC()}
}

// safeHandle recovers a panicking handler into an apierr so one misbehaving
// method can't take down the server's request-handling goroutine.
func (s *Server) safeHandle(ctx context.Context, h Handler, params []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierr.Newf(apierr.CodeInternalPanic, "rpc handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, params)
}
