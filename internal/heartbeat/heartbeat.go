// Package heartbeat keeps agent presence fresh on the bus and lets
// consoles detect agents that have gone silent.
package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func heartbeatKey(namespace, agentID string) string {
	return fmt.Sprintf("%s:heartbeat:%s", namespace, agentID)
}

// Renewer is the subset of identity.Lock and registry.Registry a Service
// refreshes alongside its own heartbeat key, so a single ticker drives every
// TTL-based liveness signal an agent owns.
type Renewer interface {
	Renew(ctx context.Context) error
}

// Service runs the agent-side heartbeat loop: a periodic SET with TTL that
// keeps this agent's presence key alive, plus any additional Renewers
// (identity lock, registry record) that should refresh on the same tick.
type Service struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	agentID   string
	period    time.Duration
	ttl       time.Duration
	renewers  []Renewer

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService builds a heartbeat Service. period is the send interval; ttl is
// how long a presence key survives without a refresh (should be larger than
// period, typically 3-4x, to tolerate a missed tick).
func NewService(b bus.Bus, log *logger.Logger, namespace, agentID string, period, ttl time.Duration, renewers ...Renewer) *Service {
	return &Service{bus: b, log: log, namespace: namespace, agentID: agentID, period: period, ttl: ttl, renewers: renewers}
}

// Start begins the heartbeat loop in a background goroutine. Call Stop to
// end it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.loop(loopCtx)
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.beat(ctx)
	for {
		select {
		case <-ticker.C:
			s.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	now := time.Now().UTC()
	value := fmt.Sprintf("%d", now.UnixNano())
	if err := s.bus.Set(ctx, heartbeatKey(s.namespace, s.agentID), value, s.ttl); err != nil {
		s.log.Error("heartbeat send failed", zap.String("agent_id", s.agentID), zap.Error(err))
	}

	for _, r := range s.renewers {
		if err := r.Renew(ctx); err != nil {
			s.log.Warn("heartbeat renewer failed", zap.String("agent_id", s.agentID), zap.Error(err))
		}
	}
}

// Stop ends the heartbeat loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// DisconnectedAgent describes an agent the Monitor believes has gone dark.
type DisconnectedAgent struct {
	AgentID string
	Reason  string
}

// Monitor periodically scans for stale or missing heartbeat keys and calls
// back with any agents that look disconnected. It runs console-side, not
// on the agent itself.
type Monitor struct {
	bus           bus.Bus
	log           *logger.Logger
	namespace     string
	checkInterval time.Duration
	staleAfter    time.Duration
	callbacks     []func([]DisconnectedAgent)

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewMonitor builds a Monitor. staleAfter should exceed the Service's ttl by
// a comfortable margin to avoid false positives from clock skew or a single
// missed publish.
func NewMonitor(b bus.Bus, log *logger.Logger, namespace string, checkInterval, staleAfter time.Duration) *Monitor {
	return &Monitor{bus: b, log: log, namespace: namespace, checkInterval: checkInterval, staleAfter: staleAfter}
}

// OnDisconnect registers a callback invoked with the batch of agents found
// disconnected on a given sweep.
func (m *Monitor) OnDisconnect(cb func([]DisconnectedAgent)) {
	m.callbacks = append(m.callbacks, cb)
}

// Start begins the monitor loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})

	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.check(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) check(ctx context.Context) {
	keys, err := m.bus.ScanKeys(ctx, heartbeatKey(m.namespace, "*"))
	if err != nil {
		m.log.Error("heartbeat scan failed", zap.Error(err))
		return
	}

	var disconnected []DisconnectedAgent
	for _, key := range keys {
		value, ok, err := m.bus.Get(ctx, key)
		agentID := agentIDFromKey(m.namespace, key)
		if err != nil || !ok {
			disconnected = append(disconnected, DisconnectedAgent{AgentID: agentID, Reason: "no_data"})
			continue
		}

		nanos, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			disconnected = append(disconnected, DisconnectedAgent{AgentID: agentID, Reason: "parse_error"})
			continue
		}
		lastSeen := time.Unix(0, nanos)
		if time.Since(lastSeen) > m.staleAfter {
			disconnected = append(disconnected, DisconnectedAgent{AgentID: agentID, Reason: "stale_heartbeat"})
		}
	}

	if len(disconnected) == 0 {
		return
	}
	m.log.Warn("disconnected agents detected", zap.Int("count", len(disconnected)))
	for _, cb := range m.callbacks {
		cb(disconnected)
	}
}

func agentIDFromKey(namespace, key string) string {
	prefix := namespace + ":heartbeat:"
	if len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}

// Stop ends the monitor loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
