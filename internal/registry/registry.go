// Package registry tracks which agents are currently present on the bus:
// short-TTL presence records refreshed by heartbeat, with change
// notifications for consoles that want to watch the fleet live.
package registry

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

// ChangeKind describes what happened to a presence record.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// AgentInfo is the presence record published for a live agent.
type AgentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Project   string    `json:"project"`
	Model     string    `json:"model"`
	Cwd       string    `json:"cwd"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
	CtxPct    float64   `json:"ctx_pct"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is delivered to watchers when a presence record changes.
type Change struct {
	Kind  ChangeKind
	Agent AgentInfo
}

// Registry exposes presence record CRUD plus a change feed, backed by a
// bus's keyed store (SET with TTL, refreshed by heartbeat.Service) and
// pub/sub channel for change notifications.
type Registry struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	ttl       time.Duration
}

// New builds a Registry. ttl is how long a presence record survives without
// a refreshing call to Register/UpdateState.
func New(b bus.Bus, log *logger.Logger, namespace string, ttl time.Duration) *Registry {
	return &Registry{bus: b, log: log, namespace: namespace, ttl: ttl}
}

func (r *Registry) key(agentID string) string {
	return fmt.Sprintf("%s:agents:%s", r.namespace, agentID)
}

func (r *Registry) eventsSubject() string {
	return fmt.Sprintf("%s.registry.events", r.namespace)
}

// Register publishes a presence record with the registry's TTL and notifies
// watchers that the agent was added.
func (r *Registry) Register(ctx context.Context, info AgentInfo) error {
	info.UpdatedAt = time.Now().UTC()
	if err := r.put(ctx, info); err != nil {
		return err
	}
	r.notify(ctx, ChangeAdded, info)
	r.log.Info("agent registered", zap.String("agent_id", info.ID))
	return nil
}

// Unregister removes the presence record and notifies watchers.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	info, ok, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.bus.Delete(ctx, r.key(agentID)); err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "unregister agent: %v", err)
	}
	if ok {
		r.notify(ctx, ChangeRemoved, info)
	}
	r.log.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// UpdateState refreshes an existing record's state and context percentage,
// re-extending its TTL (the effect heartbeat.Service relies on to keep a
// live agent's record from expiring).
func (r *Registry) UpdateState(ctx context.Context, agentID, state string, ctxPct float64) error {
	info, ok, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.Newf(apierr.CodeRegistryNotFound, "agent %s not found", agentID)
	}
	info.State = state
	info.CtxPct = ctxPct
	info.UpdatedAt = time.Now().UTC()
	if err := r.put(ctx, info); err != nil {
		return err
	}
	r.notify(ctx, ChangeUpdated, info)
	return nil
}

func (r *Registry) put(ctx context.Context, info AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return apierr.Newf(apierr.CodeBusEncodingError, "encode agent info: %v", err)
	}
	if err := r.bus.Set(ctx, r.key(info.ID), string(data), r.ttl); err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "store agent info: %v", err)
	}
	return nil
}

// Get fetches a single agent's presence record.
func (r *Registry) Get(ctx context.Context, agentID string) (AgentInfo, bool, error) {
	raw, ok, err := r.bus.Get(ctx, r.key(agentID))
	if err != nil {
		return AgentInfo{}, false, apierr.Newf(apierr.CodeBusUnavailable, "get agent info: %v", err)
	}
	if !ok {
		return AgentInfo{}, false, nil
	}
	var info AgentInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return AgentInfo{}, false, apierr.Newf(apierr.CodeBusEncodingError, "decode agent info: %v", err)
	}
	return info, true, nil
}

// List returns every currently-live presence record.
func (r *Registry) List(ctx context.Context) ([]AgentInfo, error) {
	keys, err := r.bus.ScanKeys(ctx, r.key("*"))
	if err != nil {
		return nil, apierr.Newf(apierr.CodeBusUnavailable, "scan agents: %v", err)
	}

	agents := make([]AgentInfo, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := r.bus.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var info AgentInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			r.log.Warn("failed to parse presence record", zap.String("key", key), zap.Error(err))
			continue
		}
		agents = append(agents, info)
	}
	return agents, nil
}

func (r *Registry) notify(ctx context.Context, kind ChangeKind, info AgentInfo) {
	data, err := json.Marshal(Change{Kind: kind, Agent: info})
	if err != nil {
		return
	}
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	_ = r.bus.Publish(ctx, r.eventsSubject(), bus.NewEvent("registry_change", info.ID, payload))
}

// Renewer adapts a Registry into heartbeat.Renewer for a fixed agent ID: on
// each heartbeat tick it re-touches the agent's presence record so its TTL
// keeps moving forward.
type Renewer struct {
	Registry *Registry
	AgentID  string
	State    func() string
	CtxPct   func() float64
}

// Renew implements heartbeat.Renewer.
func (r Renewer) Renew(ctx context.Context) error {
	state := "idle"
	if r.State != nil {
		state = r.State()
	}
	ctxPct := 0.0
	if r.CtxPct != nil {
		ctxPct = r.CtxPct()
	}
	return r.Registry.UpdateState(ctx, r.AgentID, state, ctxPct)
}

// Watch subscribes handler to registry change events (add/update/remove).
func (r *Registry) Watch(handler func(Change)) (bus.Subscription, error) {
	return r.bus.Subscribe(r.eventsSubject(), func(ctx context.Context, e *bus.Event) error {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		var change Change
		if err := json.Unmarshal(data, &change); err != nil {
			r.log.Warn("failed to parse registry change event", zap.Error(err))
			return nil
		}
		handler(change)
		return nil
	})
}
