package rpc

import (
	"context"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
)

type callerKey struct{}

// withCaller attaches the calling session's ownership token to ctx for the
// duration of one dispatched request.
func withCaller(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, callerKey{}, token)
}

// CallerFromContext returns the ownership token the current request frame
// carried, or "" if the client didn't attach one (e.g. a read-only call
// made with Client.Call instead of Client.CallAs).
func CallerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(callerKey{}).(string)
	return token
}

// OwnerChecker is the subset of ownership.Manager the server-side mutating
// methods need: "is token the current owner of agentID". Agents depend on
// this narrow interface rather than the full ownership package so they can
// be tested with a fake.
type OwnerChecker interface {
	CurrentOwnerToken(ctx context.Context, agentID string) (string, bool, error)
}

// RequireOwner wraps h so it only runs when the request's caller token
// matches agentID's current ownership record; otherwise it fails with
// apierr.CodeOwnershipNotOwner without invoking h.
func RequireOwner(checker OwnerChecker, agentID string, h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, params []byte) (any, error) {
		token := CallerFromContext(ctx)
		current, held, err := checker.CurrentOwnerToken(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !held || token == "" || token != current {
			return nil, apierr.New(apierr.CodeOwnershipNotOwner, "caller does not hold current ownership of this agent")
		}
		return h.Handle(ctx, params)
	})
}

// Handler processes a decoded RPC request and returns the gob-encodable
// result value (or an error, translated into a Response's ErrorCode/
// ErrorMessage by the Server).
type Handler interface {
	Handle(ctx context.Context, params []byte) (result any, err error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, params []byte) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, params []byte) (any, error) {
	return f(ctx, params)
}

// MethodRegistry routes RPC requests to handlers by method name.
type MethodRegistry struct {
	handlers map[string]Handler
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler for method.
func (r *MethodRegistry) Register(method string, h Handler) {
	r.handlers[method] = h
}

// RegisterFunc adds a function handler for method.
func (r *MethodRegistry) RegisterFunc(method string, fn HandlerFunc) {
	r.handlers[method] = fn
}

// HasMethod reports whether method has a registered handler.
func (r *MethodRegistry) HasMethod(method string) bool {
	_, ok := r.handlers[method]
	return ok
}

func (r *MethodRegistry) lookup(method string) (Handler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}
