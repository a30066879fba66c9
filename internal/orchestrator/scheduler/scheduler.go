// Package scheduler runs the orchestrator's periodic housekeeping: a
// registry liveness sweep and a history-compaction tick across every known
// agent, supplementing each agent's own threshold-triggered summarization.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Scheduler wraps a robfig/cron/v3 runner. The zero value is not usable;
// create instances with New.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
}

// New builds a Scheduler. Call Start to begin running registered jobs.
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// AddTick registers fn to run every interval (a cron "@every" spec, e.g.
// "@every 30s"), logging and continuing past any error fn returns rather
// than letting one bad tick kill the schedule.
func (s *Scheduler) AddTick(ctx context.Context, spec, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(ctx); err != nil {
			s.log.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for any in-flight job to finish, then stops the scheduler.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
