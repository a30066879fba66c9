// Package session implements the console-side session aggregate: for
// one attached agent, the RPC client, the ownership holder, the tail
// subscription, and the read-only flag a graceful takeover flips.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/ownership"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/rpc"
	"github.com/agentfleet/agentfleet/internal/tail"
)

// AttachOptions controls how Attach acquires ownership of the target
// agent.
type AttachOptions struct {
	Takeover     bool
	GraceTimeout time.Duration
}

const defaultNoticePollInterval = 2 * time.Second

// Session is one console's live binding to a single attached agent. A
// console may hold several Sessions (one per attached agent) but each
// Session is independently attach/detach-able.
type Session struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	sessionID string

	rpcClient *rpc.Client
	ownership *ownership.Manager
	ownTTL    time.Duration
	tailSub   *tail.Subscriber

	mu          sync.Mutex
	agentID     string
	attached    bool
	readOnly    bool
	tailHandler tail.Handler

	tailSubscription bus.Subscription
	noticeCancel     context.CancelFunc
	noticeDone       chan struct{}
}

// New builds a Session bound to sessionID (this console's own session
// identity, used as the ownership acquisition token and takeover
// notification target).
func New(b bus.Bus, log *logger.Logger, namespace, sessionID string, ownershipTTL time.Duration, rpcTimeout time.Duration) *Session {
	return &Session{
		bus:       b,
		log:       log,
		namespace: namespace,
		sessionID: sessionID,
		rpcClient: rpc.NewClient(b, namespace, rpcTimeout),
		ownership: ownership.New(b, log, namespace, sessionID, ownershipTTL),
		ownTTL:    ownershipTTL,
		tailSub:   tail.NewSubscriber(b, log, namespace),
	}
}

// Attach binds the session to agentID: acquires ownership (with
// takeover if requested), subscribes to its tail channel via
// tailHandler, and starts the takeover-notice poll loop that flips the
// session read-only on receipt. Returns apierr.CodeSessionOwnershipDenied
// if ownership could not be acquired.
func (s *Session) Attach(ctx context.Context, agentID string, opts AttachOptions, tailHandler tail.Handler) error {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return apierr.New(apierr.CodeSessionAlreadyAttached, "session is already attached to an agent; detach first")
	}
	s.mu.Unlock()

	if err := s.ownership.Acquire(ctx, agentID, opts.Takeover, opts.GraceTimeout); err != nil {
		return apierr.Newf(apierr.CodeSessionOwnershipDenied, "attach denied for agent %s: %v", agentID, err)
	}

	sub, err := s.tailSub.Subscribe(agentID, tailHandler)
	if err != nil {
		_ = s.ownership.Release(ctx, agentID)
		return err
	}

	noticeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.agentID = agentID
	s.attached = true
	s.readOnly = false
	s.tailHandler = tailHandler
	s.tailSubscription = sub
	s.noticeCancel = cancel
	s.noticeDone = done
	s.mu.Unlock()

	go s.pollTakeoverNotices(noticeCtx, done)

	s.log.Info("session attached", zap.String("agent_id", agentID), zap.Bool("takeover", opts.Takeover))
	return nil
}

// pollTakeoverNotices runs until ctx is cancelled, checking periodically
// for a pending takeover notice addressed to this session and flipping
// the session to read-only the moment one arrives. The same loop keeps
// the held ownership record's TTL moving forward while the session is
// still the writer.
func (s *Session) pollTakeoverNotices(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(defaultNoticePollInterval)
	defer ticker.Stop()

	refreshEvery := s.ownTTL / 3
	if refreshEvery <= 0 {
		refreshEvery = time.Minute
	}
	refresh := time.NewTicker(refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.mu.Lock()
			agentID, readOnly := s.agentID, s.readOnly
			s.mu.Unlock()
			if agentID != "" && !readOnly {
				if err := s.ownership.Refresh(ctx, agentID); err != nil {
					s.log.Warn("ownership refresh failed", zap.String("agent_id", agentID), zap.Error(err))
				}
			}
			continue
		case <-ticker.C:
		}

		notice, err := s.ownership.CheckTakeoverNotice(ctx)
		if err != nil {
			s.log.Warn("takeover notice check failed", zap.Error(err))
			continue
		}
		if notice == nil {
			continue
		}

		s.mu.Lock()
		s.readOnly = true
		agentID := s.agentID
		s.mu.Unlock()
		s.log.Info("session flipped to read-only after takeover", zap.String("agent_id", agentID))
		return
	}
}

// Detach cancels the tail and notice-polling loops, releases ownership,
// and marks the session unattached. Safe to call on an already-detached
// session.
func (s *Session) Detach(ctx context.Context) error {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return nil
	}
	agentID := s.agentID
	sub := s.tailSubscription
	cancel := s.noticeCancel
	done := s.noticeDone
	s.attached = false
	s.readOnly = false
	s.agentID = ""
	s.tailSubscription = nil
	s.noticeCancel = nil
	s.noticeDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}

	err := s.ownership.Release(ctx, agentID)
	s.log.Info("session detached", zap.String("agent_id", agentID))
	return err
}

// AgentID returns the currently attached agent id, or "" if unattached.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// IsAttached reports whether the session currently holds an agent.
func (s *Session) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// IsReadOnly reports whether this session has been displaced by a
// graceful takeover and may no longer perform writes.
func (s *Session) IsReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// requireWritable returns apierr.CodeSessionNotAttached or
// apierr.CodeSessionReadOnly if the session cannot currently perform a
// write, else the attached agent id.
func (s *Session) requireWritable() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return "", apierr.New(apierr.CodeSessionNotAttached, "session is not attached to an agent")
	}
	if s.readOnly {
		return "", apierr.New(apierr.CodeSessionReadOnly, "session is read-only after a graceful takeover")
	}
	return s.agentID, nil
}

// Call invokes an RPC method on the attached agent, enforcing the
// read-only guard for any method not explicitly exempted by the
// caller (read-only RPC methods should use CallReadOnly instead).
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	agentID, err := s.requireWritable()
	if err != nil {
		return err
	}
	return s.rpcClient.CallAs(ctx, agentID, method, s.sessionID, params, result)
}

// CallReadOnly invokes an RPC method on the attached agent without the
// write guard, for read-only methods like status/prompt.get/kb.search
// that remain available to a read-only session.
func (s *Session) CallReadOnly(ctx context.Context, method string, params, result any) error {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return apierr.New(apierr.CodeSessionNotAttached, "session is not attached to an agent")
	}
	agentID := s.agentID
	s.mu.Unlock()
	return s.rpcClient.Call(ctx, agentID, method, params, result)
}

// Input enqueues text for the attached agent via the "input" RPC
// method. Fails locally with apierr.CodeSessionReadOnly if the
// session has been displaced.
func (s *Session) Input(ctx context.Context, text string) error {
	return s.Call(ctx, "input", map[string]any{"text": text}, nil)
}

// ListAgents returns every agent currently present in the registry,
// independent of attachment (backs the console's /ps command).
func ListAgents(ctx context.Context, reg *registry.Registry) ([]registry.AgentInfo, error) {
	return reg.List(ctx)
}
