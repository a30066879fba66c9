// Package ownership implements the exclusive-writer lock a console acquires
// over an agent before it may send prompts or control commands: at most one
// console session may hold ownership of a given agent at a time, with a
// graceful takeover protocol for a new console to displace a stale one.
package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

type lockRecord struct {
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type takeoverNotice struct {
	AgentID      string        `json:"agent_id"`
	NewSession   string        `json:"new_session"`
	GraceTimeout time.Duration `json:"grace_timeout"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Manager acquires, releases, and arbitrates takeover of per-agent
// exclusive-writer locks. One Manager is constructed per console session
// and carries that session's own SessionID as its acquisition token.
type Manager struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	sessionID string
	ttl       time.Duration
}

// New builds a Manager for a console session identified by sessionID (the
// token it will use to acquire and later prove ownership).
func New(b bus.Bus, log *logger.Logger, namespace, sessionID string, ttl time.Duration) *Manager {
	return &Manager{bus: b, log: log, namespace: namespace, sessionID: sessionID, ttl: ttl}
}

func (m *Manager) lockKey(agentID string) string {
	return fmt.Sprintf("%s:agent:owner:%s", m.namespace, agentID)
}

func (m *Manager) notifyKey(sessionID string) string {
	return fmt.Sprintf("%s:takeover:notify:%s", m.namespace, sessionID)
}

// Acquire takes ownership of agentID. If takeover is true and another
// session currently holds it, Acquire first runs the graceful takeover
// protocol: notify the current holder, poll for up to graceTimeout for it
// to release voluntarily, then force the takeover by deleting the lock.
func (m *Manager) Acquire(ctx context.Context, agentID string, takeover bool, graceTimeout time.Duration) error {
	if takeover {
		if err := m.gracefulTakeover(ctx, agentID, graceTimeout); err != nil {
			return err
		}
	}

	record := lockRecord{SessionID: m.sessionID, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return apierr.Newf(apierr.CodeBusEncodingError, "encode lock record: %v", err)
	}

	ok, err := m.bus.SetNX(ctx, m.lockKey(agentID), string(data), m.ttl)
	if err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "acquire ownership: %v", err)
	}
	if ok {
		m.log.Info("ownership acquired", zap.String("agent_id", agentID), zap.String("session_id", m.sessionID))
		return nil
	}

	existing, found, err := m.readLock(ctx, agentID)
	if err == nil && found && existing.SessionID == m.sessionID {
		m.log.Info("ownership already held", zap.String("agent_id", agentID), zap.String("session_id", m.sessionID))
		return nil
	}

	return apierr.Newf(apierr.CodeOwnershipHeld, "agent %s is owned by another console", agentID)
}

func (m *Manager) gracefulTakeover(ctx context.Context, agentID string, graceTimeout time.Duration) error {
	existing, found, err := m.readLock(ctx, agentID)
	if err != nil {
		return err
	}
	if !found || existing.SessionID == m.sessionID {
		return nil
	}

	m.log.Info("graceful takeover start",
		zap.String("agent_id", agentID), zap.String("existing_session", existing.SessionID), zap.Duration("grace_timeout", graceTimeout))

	m.sendTakeoverNotice(ctx, agentID, existing.SessionID, graceTimeout)

	deadline := time.Now().Add(graceTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, found, err := m.readLock(ctx, agentID)
		if err != nil {
			continue
		}
		if !found {
			m.log.Info("graceful release detected", zap.String("agent_id", agentID))
			return nil
		}
		if current.SessionID != existing.SessionID {
			if current.SessionID == m.sessionID {
				return nil
			}
			return apierr.Newf(apierr.CodeOwnershipTakeoverRaced, "another session took over agent %s during grace period", agentID)
		}
	}

	m.log.Warn("forcing takeover after grace period expired",
		zap.String("agent_id", agentID), zap.String("existing_session", existing.SessionID))
	return m.bus.Delete(ctx, m.lockKey(agentID))
}

func (m *Manager) sendTakeoverNotice(ctx context.Context, agentID, targetSession string, graceTimeout time.Duration) {
	notice := takeoverNotice{AgentID: agentID, NewSession: m.sessionID, GraceTimeout: graceTimeout, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := m.bus.Set(ctx, m.notifyKey(targetSession), string(data), graceTimeout+10*time.Second); err != nil {
		m.log.Error("takeover notification failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// CheckTakeoverNotice returns a pending takeover notice addressed to this
// Manager's own session, if any, and clears it. Consoles poll this to
// discover they have been gracefully displaced.
func (m *Manager) CheckTakeoverNotice(ctx context.Context) (*takeoverNotice, error) {
	raw, ok, err := m.bus.Get(ctx, m.notifyKey(m.sessionID))
	if err != nil {
		return nil, apierr.Newf(apierr.CodeBusUnavailable, "check takeover notice: %v", err)
	}
	if !ok {
		return nil, nil
	}
	_ = m.bus.Delete(ctx, m.notifyKey(m.sessionID))

	var notice takeoverNotice
	if err := json.Unmarshal([]byte(raw), &notice); err != nil {
		return nil, apierr.Newf(apierr.CodeBusEncodingError, "decode takeover notice: %v", err)
	}
	return &notice, nil
}

// Release gives up ownership of agentID, if this session holds it.
func (m *Manager) Release(ctx context.Context, agentID string) error {
	existing, found, err := m.readLock(ctx, agentID)
	if err != nil {
		return err
	}
	if !found || existing.SessionID != m.sessionID {
		return apierr.Newf(apierr.CodeOwnershipNotHeld, "session %s does not own agent %s", m.sessionID, agentID)
	}
	if err := m.bus.Delete(ctx, m.lockKey(agentID)); err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "release ownership: %v", err)
	}
	m.log.Info("ownership released", zap.String("agent_id", agentID), zap.String("session_id", m.sessionID))
	return nil
}

// HasOwnership always performs a live bus lookup rather than trusting a
// cached token comparison, so a lock that expired or was taken over by
// another session is reflected immediately.
func (m *Manager) HasOwnership(ctx context.Context, agentID string) (bool, error) {
	existing, found, err := m.readLock(ctx, agentID)
	if err != nil {
		return false, err
	}
	return found && existing.SessionID == m.sessionID, nil
}

// CurrentOwnerToken returns the session id currently holding agentID's
// ownership record, independent of which session this Manager itself was
// constructed for. This is what an agent process uses to check an
// incoming RPC caller's token against the live record — never a cached
// comparison — implementing rpc.OwnerChecker.
func (m *Manager) CurrentOwnerToken(ctx context.Context, agentID string) (string, bool, error) {
	existing, found, err := m.readLock(ctx, agentID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	return existing.SessionID, true, nil
}

// Refresh extends this session's ownership TTL, if it still holds the lock.
func (m *Manager) Refresh(ctx context.Context, agentID string) error {
	held, err := m.HasOwnership(ctx, agentID)
	if err != nil {
		return err
	}
	if !held {
		return apierr.Newf(apierr.CodeOwnershipNotHeld, "session %s does not own agent %s", m.sessionID, agentID)
	}

	record := lockRecord{SessionID: m.sessionID, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return apierr.Newf(apierr.CodeBusEncodingError, "encode lock record: %v", err)
	}
	if err := m.bus.Set(ctx, m.lockKey(agentID), string(data), m.ttl); err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "refresh ownership: %v", err)
	}
	return nil
}

// Renewer adapts a Manager into heartbeat.Renewer for a fixed agent ID, so
// an owning console's heartbeat loop can keep its ownership lock's TTL
// moving forward the same way it refreshes its own presence record.
type Renewer struct {
	Manager *Manager
	AgentID string
}

// Renew implements heartbeat.Renewer.
func (r Renewer) Renew(ctx context.Context) error {
	return r.Manager.Refresh(ctx, r.AgentID)
}

func (m *Manager) readLock(ctx context.Context, agentID string) (lockRecord, bool, error) {
	raw, ok, err := m.bus.Get(ctx, m.lockKey(agentID))
	if err != nil {
		return lockRecord{}, false, apierr.Newf(apierr.CodeBusUnavailable, "read ownership lock: %v", err)
	}
	if !ok {
		return lockRecord{}, false, nil
	}
	var record lockRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return lockRecord{}, false, apierr.Newf(apierr.CodeBusEncodingError, "decode ownership lock: %v", err)
	}
	return record, true, nil
}
