// Package rpc implements per-agent request/reply calls carried over the
// bus: a console (or another agent) calls a named method on a target
// agent and gets back a typed result or a structured error.
//
// The RPC frame itself (Request/Response) is binary-encoded with
// encoding/gob rather than JSON: no protobuf/flatbuffers/msgpack codec is
// wired anywhere in this module, and gob needs no schema step.
package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
)

// Request is an RPC call frame. Params is itself gob-encoded by the caller
// so the server can dispatch on Method before attempting to decode a
// method-specific params type.
type Request struct {
	ID     string
	Method string
	Params []byte
	// Caller carries the calling session's ownership token, if any. Mutating
	// methods compare this against the agent's current ownership record
	// (see the server-side RequireOwner wrapper) rather than trusting the
	// caller's own read-only flag, which only guards the console locally.
	Caller string
	TS     time.Time
}

// Response is an RPC reply frame.
type Response struct {
	ID           string
	OK           bool
	Value        []byte
	ErrorCode    string
	ErrorMessage string
	TS           time.Time
}

// maxFrameBytes bounds a single request frame; oversized payloads are
// rejected on both sides rather than pushed through the bus.
const maxFrameBytes = 256 << 10

func subject(namespace, agentID string) string {
	return fmt.Sprintf("%s.rpc.req.%s", namespace, agentID)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, apierr.Newf(apierr.CodeBusEncodingError, "gob encode: %v", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return apierr.Newf(apierr.CodeBusEncodingError, "gob decode: %v", err)
	}
	return nil
}

// DecodeParams decodes a Handler's raw params into v (a pointer). Method
// implementations use this to recover their typed argument struct before
// acting on a request.
func DecodeParams(params []byte, v any) error {
	return decodeGob(params, v)
}

// frameToEvent wraps a gob-encoded frame in a bus.Event, keeping the event
// envelope itself on the bus's native wire format (JSON for RedisBus).
func frameToEvent(eventType, source string, frame []byte) *bus.Event {
	return bus.NewEvent(eventType, source, map[string]any{"frame": frame})
}

func frameFromEvent(e *bus.Event) ([]byte, error) {
	raw, ok := e.Data["frame"]
	if !ok {
		return nil, apierr.New(apierr.CodeBusEncodingError, "event missing rpc frame")
	}
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		// RedisBus round-trips Event.Data through JSON, which encodes []byte
		// as a base64 string; decode it back on the way out.
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, apierr.Newf(apierr.CodeBusEncodingError, "decode base64 rpc frame: %v", err)
		}
		return decoded, nil
	default:
		return nil, apierr.New(apierr.CodeBusEncodingError, "event rpc frame has unexpected type")
	}
}

func newRequest(method, caller string, params any) (*Request, error) {
	var paramBytes []byte
	if params != nil {
		var err error
		if paramBytes, err = encodeGob(params); err != nil {
			return nil, err
		}
	}
	return &Request{ID: uuid.New().String(), Method: method, Params: paramBytes, Caller: caller, TS: time.Now().UTC()}, nil
}
