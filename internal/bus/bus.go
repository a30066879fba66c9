// Package bus provides the transport abstraction every other agentfleet
// component is built on: subject-based publish/subscribe, queue-group load
// balancing, request/reply, and a small keyed-value store with TTL and
// conditional-set semantics used by identity locking and ownership.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message carried on the bus. Data is free-form; higher-level
// components (rpc, tail, registry) define their own payload shapes and
// marshal them into Data themselves, the same way the wire envelope in
// rpc.Frame does for RPC traffic.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an Event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes an Event delivered to a subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription to a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the full transport surface used across agentfleet: pub/sub for
// fan-out notifications (registry changes, tail events, takeover notices),
// request/reply for RPC, and a keyed-value store for locks and presence
// records that must be visible across processes.
type Bus interface {
	// Publish sends an event to a subject. Subscribers whose pattern
	// matches receive it asynchronously.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. Patterns
	// support NATS-style wildcards: "*" matches a single dot-delimited
	// token, ">" matches one or more trailing tokens.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler as part of a named queue group;
	// only one member of the group receives each matching event.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes an event and waits for exactly one reply or the
	// given timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Set stores value under key with the given TTL. ttl <= 0 means no
	// expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value under key only if key does not already exist,
	// with the given TTL. Returns true if the value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get retrieves the value stored under key. Returns ok=false if the
	// key does not exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error

	// ScanKeys returns every currently-live key matching the given glob
	// pattern (the store's native glob syntax: "*" and "?").
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection/resources.
	Close()

	// IsConnected reports whether the bus is usable.
	IsConnected() bool
}
