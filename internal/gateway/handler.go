package gateway

import "context"

// Handler processes one gateway request message and returns its
// response.
type Handler interface {
	Handle(ctx context.Context, conn *connState, msg *Message) (*Message, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, conn *connState, msg *Message) (*Message, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, conn *connState, msg *Message) (*Message, error) {
	return f(ctx, conn, msg)
}

// dispatcher routes incoming request actions ("agents", "attach",
// "detach", "call", "input") to their handler.
type dispatcher struct {
	handlers map[string]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]Handler)}
}

func (d *dispatcher) register(action string, h HandlerFunc) {
	d.handlers[action] = h
}

func (d *dispatcher) dispatch(ctx context.Context, conn *connState, msg *Message) *Message {
	h, ok := d.handlers[msg.Action]
	if !ok {
		resp, _ := NewErrorMessage(msg.ID, msg.Action, "gateway.unknown_action", "unknown action: "+msg.Action)
		return resp
	}
	resp, err := h.Handle(ctx, conn, msg)
	if err != nil {
		errResp, _ := NewErrorMessage(msg.ID, msg.Action, "gateway.handler_error", err.Error())
		return errResp
	}
	return resp
}
