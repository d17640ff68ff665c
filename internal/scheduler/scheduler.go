package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skein-dev/skein/internal/store"
)

// cronParser accepts standard 5-field expressions (minute through day of
// week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TemplateRunner runs a stored template. Satisfied by *Service; the
// indirection keeps scheduler tests free of a full engine.
type TemplateRunner interface {
	RunTemplate(ctx context.Context, name, version string, input map[string]any, scheduleID string) (*RunResult, error)
}

// Scheduler polls the store for due schedules and runs their templates.
type Scheduler struct {
	store    store.Store
	runner   TemplateRunner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// NewScheduler creates a scheduler that ticks once per interval (default 60s).
func NewScheduler(s store.Store, runner TemplateRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop. Missed runs are recovered on the first
// tick since due schedules and missed schedules look the same to it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts the loop and waits for it to exit. In-flight runs finish on
// their own; they hold the loop's context.
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

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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

// Tick runs every enabled schedule whose next_run_at has passed. A schedule
// with no next_run_at yet (just created) is due immediately.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // previous run still going
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("workflow", sched.Workflow),
				slog.String("error", err.Error()))
		}
		s.release(sched.ID)
	}
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow", sched.Workflow))

	var input map[string]any
	if len(sched.Input) > 0 {
		if err := json.Unmarshal(sched.Input, &input); err != nil {
			// Bad stored input is not transient; advance next_run_at so the
			// schedule does not wedge the tick loop.
			s.logger.Error("schedule input is not valid JSON", slog.String("schedule_id", sched.ID))
			return s.advance(ctx, sched, now)
		}
	}

	res, err := s.runner.RunTemplate(ctx, sched.Workflow, sched.Version, input, sched.ID)
	if err != nil {
		if advErr := s.advance(ctx, sched, now); advErr != nil {
			return advErr
		}
		return err
	}
	s.logger.Info("schedule run finished",
		slog.String("schedule_id", sched.ID),
		slog.String("execution_id", res.ExecutionID),
		slog.String("status", string(res.Status)))
	return s.advance(ctx, sched, now)
}

// advance stamps last_run_at and computes the next occurrence.
func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time) error {
	next, err := NextRun(sched.Cron, now)
	if err != nil {
		return fmt.Errorf("next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	})
}

// NextRun computes the next occurrence of a standard 5-field cron expression.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

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
