// Package gateway is an optional websocket proxy for remote consoles.
// A console that cannot reach the bus directly (it's behind a
// firewall, or the bus is Redis-only and the operator's laptop only
// has HTTPS egress) still needs to attach, call RPC methods, and
// stream tail events. This package terminates a websocket connection
// per console and relays it onto a real internal/session.Session
// against the bus.
package gateway

import (
	"encoding/json"
	"time"
)

// Kind is the envelope's message kind.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
)

// Message is the single envelope every frame on the gateway's
// websocket connections uses, both directions.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Kind      Kind            `json:"kind"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the Payload shape of a KindError message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(id string, kind Kind, action string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{ID: id, Kind: kind, Action: action, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// NewRequest builds a client-to-gateway request envelope.
func NewRequest(id, action string, payload any) (*Message, error) {
	return newMessage(id, KindRequest, action, payload)
}

// NewResponse builds a gateway-to-client response envelope, replying to
// the request id it answers.
func NewResponse(id, action string, payload any) (*Message, error) {
	return newMessage(id, KindResponse, action, payload)
}

// NewNotification builds an unsolicited gateway-to-client push (tail
// events, registry changes).
func NewNotification(action string, payload any) (*Message, error) {
	return newMessage("", KindNotification, action, payload)
}

// NewErrorMessage builds an error response envelope for request id.
func NewErrorMessage(id, action, code, message string) (*Message, error) {
	return newMessage(id, KindError, action, ErrorPayload{Code: code, Message: message})
}

// ParsePayload decodes m's Payload into v. A nil Payload is a no-op.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
