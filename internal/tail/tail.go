// Package tail implements the ordered per-agent event stream: an emitter
// that assigns monotonically increasing offsets and keeps a bounded
// in-memory ring for replay, and a subscriber that drives a caller
// handler for live streaming and restart-context reconstruction.
package tail

import (
	"container/ring"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// PayloadType is the closed set of tail event payload tags.
type PayloadType string

const (
	PayloadToken      PayloadType = "token"
	PayloadToolStart  PayloadType = "tool.start"
	PayloadToolResult PayloadType = "tool.result"
	PayloadToolEnd    PayloadType = "tool.end"
	PayloadTool       PayloadType = "tool"
	PayloadTaskStart  PayloadType = "task.start"
	PayloadTaskEnd    PayloadType = "task.end"
	PayloadWarn       PayloadType = "warn"
	PayloadError      PayloadType = "error"
)

// Payload is a single tail event's typed body.
type Payload struct {
	Type PayloadType    `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Record is a tail event as stored in the ring and published on the bus.
type Record struct {
	Offset    int64     `json:"offset"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultRingSize = 2048

func subject(namespace, agentID string) string {
	return fmt.Sprintf("%s:tail:%s", namespace, agentID)
}

// Emitter assigns offsets, keeps a bounded replay ring, and publishes
// each record on the agent's tail channel.
type Emitter struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	agentID   string

	mu     sync.Mutex
	offset int64
	buf    *ring.Ring
	count  int
	cap    int
}

// NewEmitter builds an Emitter with the given ring capacity (0 uses the
// default of 2048).
func NewEmitter(b bus.Bus, log *logger.Logger, namespace, agentID string, ringSize int) *Emitter {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Emitter{
		bus: b, log: log, namespace: namespace, agentID: agentID,
		buf: ring.New(ringSize), cap: ringSize,
	}
}

// Emit assigns the next offset, appends to the ring, and publishes the
// record to the bus.
func (e *Emitter) Emit(ctx context.Context, payload Payload) (int64, error) {
	e.mu.Lock()
	e.offset++
	rec := Record{Offset: e.offset, Payload: payload, Timestamp: time.Now().UTC()}
	e.buf.Value = rec
	e.buf = e.buf.Next()
	if e.count < e.cap {
		e.count++
	}
	e.mu.Unlock()

	event := bus.NewEvent("tail", e.agentID, map[string]any{
		"offset":    rec.Offset,
		"type":      string(rec.Payload.Type),
		"data":      rec.Payload.Data,
		"timestamp": rec.Timestamp,
	})
	if err := e.bus.Publish(ctx, subject(e.namespace, e.agentID), event); err != nil {
		return rec.Offset, apierr.Newf(apierr.CodeBusUnavailable, "publish tail event: %v", err)
	}

	e.log.Debug("tail emitted", zap.String("agent_id", e.agentID), zap.Int64("offset", rec.Offset), zap.String("type", string(rec.Payload.Type)))
	return rec.Offset, nil
}

// CurrentOffset returns the most recently assigned offset.
func (e *Emitter) CurrentOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// RingSize returns the number of records currently buffered.
func (e *Emitter) RingSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// RingCapacity returns the ring's maximum size.
func (e *Emitter) RingCapacity() int {
	return e.cap
}

// ReplayFrom returns every ring entry with an offset greater than off, in
// offset order.
func (e *Emitter) ReplayFrom(off int64) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Record
	e.buf.Do(func(v any) {
		if v == nil {
			return
		}
		rec := v.(Record)
		if rec.Offset > off {
			out = append(out, rec)
		}
	})
	// ring.Do walks oldest-to-newest from the current cursor; unwritten
	// slots on an unfilled ring are nil and skipped above.
	return out
}

// RecentEvents returns the payloads (not the full records) of the most
// recent count events, oldest first, for restart-context reconstruction.
func (e *Emitter) RecentEvents(count int) []Payload {
	all := e.ReplayFrom(0)
	if len(all) <= count {
		payloads := make([]Payload, len(all))
		for i, r := range all {
			payloads[i] = r.Payload
		}
		return payloads
	}
	tail := all[len(all)-count:]
	payloads := make([]Payload, len(tail))
	for i, r := range tail {
		payloads[i] = r.Payload
	}
	return payloads
}

// Handler processes one tail record delivered to a Subscriber.
type Handler func(Record)

// Subscriber drives a caller-supplied handler for every tail event
// published on an agent's channel, used both for live UI streaming and
// for attach-time context reconstruction.
type Subscriber struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
}

// NewSubscriber builds a Subscriber bound to a bus and namespace.
func NewSubscriber(b bus.Bus, log *logger.Logger, namespace string) *Subscriber {
	return &Subscriber{bus: b, log: log, namespace: namespace}
}

// Subscribe registers handler to be called for every tail event published
// for agentID. Unknown payload types are logged and dropped rather than
// propagated as errors, per the closed-but-evolving event type domain.
func (s *Subscriber) Subscribe(agentID string, handler Handler) (bus.Subscription, error) {
	return s.bus.Subscribe(subject(s.namespace, agentID), func(ctx context.Context, e *bus.Event) error {
		rec, ok := decodeRecord(e)
		if !ok {
			s.log.Warn("dropping unrecognized tail event", zap.String("agent_id", agentID))
			return nil
		}
		handler(rec)
		return nil
	})
}

func decodeRecord(e *bus.Event) (Record, bool) {
	offset, ok := toInt64(e.Data["offset"])
	if !ok {
		return Record{}, false
	}
	typeStr, _ := e.Data["type"].(string)
	data, _ := e.Data["data"].(map[string]any)
	ts, _ := e.Data["timestamp"].(time.Time)
	if ts.IsZero() {
		ts = e.Timestamp
	}
	return Record{
		Offset:    offset,
		Payload:   Payload{Type: PayloadType(typeStr), Data: data},
		Timestamp: ts,
	}, true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
