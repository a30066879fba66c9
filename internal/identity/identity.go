// Package identity derives an agent's stable identity and enforces that at
// most one process holds it at a time.
package identity

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// ID identifies an agent as the pair the rest of the system keys everything
// on: project and name. String() renders it "project/name", matching the
// wire format used for subjects and registry keys.
type ID struct {
	Project string
	Name    string
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.Project, id.Name)
}

func (id ID) Valid() bool {
	return id.Project != "" && id.Name != ""
}

// DeriveID computes an agent's identity deterministically: projectOverride
// wins if set, else configuredProject, else the basename of configDir;
// nameOverride wins if set, else configuredName, else the basename of
// workDir. Pure: the same inputs always produce the same ID.
func DeriveID(projectOverride, configuredProject, configDir, nameOverride, configuredName, workDir string) ID {
	project := projectOverride
	if project == "" {
		project = configuredProject
	}
	if project == "" {
		project = filepath.Base(configDir)
	}

	name := nameOverride
	if name == "" {
		name = configuredName
	}
	if name == "" {
		name = filepath.Base(workDir)
	}

	return ID{Project: project, Name: name}
}

func lockKey(namespace string, id ID) string {
	return fmt.Sprintf("%s:agent:lock:%s", namespace, id)
}

// Lock enforces single-instance ownership of an ID against the bus's keyed
// store: one process per (project, name) may hold the lock at a time.
// Unlike ownership.Manager (which arbitrates which agent may act as the
// exclusive writer for consoles), Lock exists purely to stop two agent
// processes for the same identity from running concurrently.
type Lock struct {
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	id        ID
	token     string
	ttl       time.Duration
	stopRenew chan struct{}
}

// NewLock builds a Lock for id. Call Acquire before relying on ownership,
// and Release (which also stops the renewal loop) on shutdown.
func NewLock(b bus.Bus, log *logger.Logger, namespace string, id ID, ttl time.Duration, token string) *Lock {
	return &Lock{bus: b, log: log, namespace: namespace, id: id, token: token, ttl: ttl}
}

// Acquire attempts to take the single-instance lock for l's ID. It returns
// apierr with code identity.already_locked if another process holds it.
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.bus.SetNX(ctx, lockKey(l.namespace, l.id), l.token, l.ttl)
	if err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "acquire lock: %v", err)
	}
	if !ok {
		return apierr.Newf(apierr.CodeIdentityLocked, "agent %s is already running elsewhere", l.id)
	}

	l.stopRenew = make(chan struct{})
	go l.renewLoop()

	return nil
}

// renewLoop refreshes the lock's TTL at half the lock period so a crashed
// holder's lock expires instead of blocking restarts forever.
func (l *Lock) renewLoop() {
	interval := l.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.bus.Set(ctx, lockKey(l.namespace, l.id), l.token, l.ttl); err != nil {
				l.log.Warn("failed to renew identity lock", zap.Error(err))
			}
			cancel()
		case <-l.stopRenew:
			return
		}
	}
}

// Release gives up the lock and stops the renewal loop. Safe to call even
// if Acquire was never called successfully.
func (l *Lock) Release(ctx context.Context) error {
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	if err := l.bus.Delete(ctx, lockKey(l.namespace, l.id)); err != nil {
		return apierr.Newf(apierr.CodeBusUnavailable, "release lock: %v", err)
	}
	return nil
}
