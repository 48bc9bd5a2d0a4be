package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/store"
)

// WorkflowStarter is the interface the scheduler uses to launch workflow
// instances. Satisfied by the engine (avoids import cycle).
type WorkflowStarter interface {
	StartScheduled(ctx context.Context, definitionID, startedBy string, variables map[string]any) error
}

// StarterFunc adapts a function to the WorkflowStarter interface.
type StarterFunc func(ctx context.Context, definitionID, startedBy string, variables map[string]any) error

func (f StarterFunc) StartScheduled(ctx context.Context, definitionID, startedBy string, variables map[string]any) error {
	return f(ctx, definitionID, startedBy, variables)
}

// Scheduler polls the store for due scheduled starts and launches them.
type Scheduler struct {
	store   store.Store
	starter WorkflowStarter
	parser  cron.Parser
	clock   clock.Clock
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // start IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter WorkflowStarter, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		clock:    clk,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled scheduled starts and launches those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	starts, err := s.store.ListScheduledStarts(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled starts", slog.String("error", err.Error()))
		return
	}

	now := s.clock.Now().UTC()
	for _, job := range starts {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			if err := s.runStart(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled start",
					slog.String("schedule_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.ID)
		}
	}
}

// runStart launches one scheduled workflow and advances its timestamps.
func (s *Scheduler) runStart(ctx context.Context, job *store.ScheduledStart, now time.Time) error {
	s.logger.Info("running scheduled start",
		slog.String("schedule_id", job.ID),
		slog.String("definition_id", job.DefinitionID),
	)

	startedBy := job.StartedBy
	if startedBy == "" {
		startedBy = "scheduler"
	}
	if err := s.starter.StartScheduled(ctx, job.DefinitionID, startedBy, job.Variables); err != nil {
		s.logger.Error("scheduled start failed",
			slog.String("schedule_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	// Timestamps advance even when the launch failed, so a broken
	// definition cannot wedge the schedule into a hot loop.
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledStartRun(ctx, job.ID, now, nextRun)
}

// tryAcquire returns true and marks the start as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches enabled schedules whose next_run_at is already in
// the past, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	starts, err := s.store.ListScheduledStarts(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed starts: %w", err)
	}

	now := s.clock.Now().UTC()
	recovered := 0
	for _, job := range starts {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runStart(ctx, job, now); err != nil {
				s.logger.Error("failed to recover missed start",
					slog.String("schedule_id", job.ID),
					slog.String("error", err.Error()),
				)
				s.release(job.ID)
				continue
			}
			s.release(job.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed starts", slog.Int("count", recovered))
	}
	return nil
}
