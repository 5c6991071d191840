package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/store"
)

// Scheduler runs the hub's background jobs: the offline sweep every minute
// and, when configured, a scheduled fleet health check.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	engine *RunbookEngine
	bus    *events.Bus
	log    *slog.Logger
	clock  clock.Clock

	offlineAfter time.Duration
}

// NewScheduler wires the background jobs. healthCron is a cron expression
// ("" disables the scheduled health check).
func NewScheduler(st *store.Store, engine *RunbookEngine, bus *events.Bus, log *slog.Logger, clk clock.Clock, offlineAfter time.Duration, healthCron string) (*Scheduler, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Scheduler{
		cron:         cron.New(),
		store:        st,
		engine:       engine,
		bus:          bus,
		log:          log,
		clock:        clk,
		offlineAfter: offlineAfter,
	}
	if _, err := s.cron.AddFunc("@every 1m", s.sweepOffline); err != nil {
		return nil, err
	}
	if healthCron != "" {
		if _, err := s.cron.AddFunc(healthCron, s.runHealthCheck); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins job execution.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweepOffline marks agents whose last-seen has fallen behind as offline and
// publishes one event per transition.
func (s *Scheduler) sweepOffline() {
	agents, err := s.store.ListAgents()
	if err != nil {
		s.log.Error("offline sweep: listing agents", "error", err)
		return
	}
	now := s.clock.Now()
	for _, a := range agents {
		if a.Status == store.AgentOffline || a.LastSeen.IsZero() {
			continue
		}
		if now.Sub(a.LastSeen) <= s.offlineAfter {
			continue
		}
		a.Status = store.AgentOffline
		if err := s.store.SaveAgent(a); err != nil {
			s.log.Error("offline sweep: saving agent", "agent", a.Name, "error", err)
			continue
		}
		s.log.Info("agent marked offline", "agent", a.Name, "lastSeen", a.LastSeen)
		s.bus.Publish(events.Event{Type: events.AgentOffline, Agent: a.Name})
	}
}

// runHealthCheck executes the fleet health check and logs the outcome; the
// report also flows to notifiers through the probe events it generates.
func (s *Scheduler) runHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	report, err := s.engine.HealthCheck(ctx, "", nil, "scheduler")
	if err != nil {
		s.log.Error("scheduled health check failed", "error", err)
		return
	}
	s.log.Info("scheduled health check", "status", report.Status, "categories", len(report.Categories), "findings", len(report.Findings))
}
