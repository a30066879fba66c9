package rpc

import (
	"context"
	"time"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
)

// Client calls RPC methods on a remote agent over the bus.
type Client struct {
	bus        bus.Bus
	namespace  string
	defaultTTO time.Duration
}

// NewClient builds a Client. requestTimeout is used by Call when no
// deadline is already set on the passed context.
func NewClient(b bus.Bus, namespace string, requestTimeout time.Duration) *Client {
	return &Client{bus: b, namespace: namespace, defaultTTO: requestTimeout}
}

// Call invokes method on agentID with params, gob-decoding the reply's
// value into result (a pointer, or nil if the caller doesn't need the
// value). It returns an *apierr.Error carrying the remote ErrorCode if the
// remote handler failed.
func (c *Client) Call(ctx context.Context, agentID, method string, params any, result any) error {
	return c.CallAs(ctx, agentID, method, "", params, result)
}

// CallAs is Call with an explicit caller token attached to the request
// frame, read server-side by RequireOwner to arbitrate mutating methods
// against the agent's current ownership record.
func (c *Client) CallAs(ctx context.Context, agentID, method, caller string, params any, result any) error {
	req, err := newRequest(method, caller, params)
	if err != nil {
		return err
	}

	frame, err := encodeGob(req)
	if err != nil {
		return err
	}
	if len(frame) > maxFrameBytes {
		return apierr.Newf(apierr.CodeBusEncodingError, "request frame for %s is %d bytes, over the %d byte limit", method, len(frame), maxFrameBytes)
	}

	timeout := c.defaultTTO
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			timeout = d
		}
	}

	replyEvent, err := c.bus.Request(ctx, subject(c.namespace, agentID), frameToEvent("rpc_request", agentID, frame), timeout)
	if err != nil {
		return apierr.Newf(apierr.CodeRPCTimeout, "rpc call %s.%s: %v", agentID, method, err)
	}

	respFrame, err := frameFromEvent(replyEvent)
	if err != nil {
		return err
	}

	var resp Response
	if err := decodeGob(respFrame, &resp); err != nil {
		return err
	}

	if !resp.OK {
		code := resp.ErrorCode
		if code == "" {
			code = apierr.CodeRPCInternal
		}
		return apierr.New(code, resp.ErrorMessage)
	}

	if result == nil || len(resp.Value) == 0 {
		return nil
	}
	return decodeGob(resp.Value, result)
}
