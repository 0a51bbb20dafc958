package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FireFunc delivers a due task's prompt into its group's conversation.
// Implemented by the supervisor: it either seeds a new worker or injects a
// follow-up into the active one.
type FireFunc func(ctx context.Context, task Task) error

// Scheduler ticks at a fixed interval and fires due tasks. Sub-minute
// precision is explicitly out of scope; the default tick is 30 seconds.
type Scheduler struct {
	store    *Store
	fire     FireFunc
	loc      *time.Location
	interval time.Duration
	logger   *slog.Logger

	// running guards against re-firing a task whose previous execution is
	// still in flight.
	running map[string]bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(store *Store, fire FireFunc, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:    store,
		fire:     fire,
		loc:      loc,
		interval: 30 * time.Second,
		logger:   logger.With("component", "scheduler"),
		running:  make(map[string]bool),
	}
}

// SetInterval overrides the tick interval (mostly for tests).
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick fires every due task once. Exposed for tests and for an immediate
// pass at startup.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.Due(now)
	if err != nil {
		s.logger.Error("failed to query due tasks", "error", err)
		return
	}

	for _, task := range due {
		s.mu.Lock()
		if s.running[task.ID] {
			s.mu.Unlock()
			s.logger.Warn("skipping task (previous run still active)", "id", task.ID)
			continue
		}
		s.running[task.ID] = true
		s.mu.Unlock()

		// Advance or retire the schedule before firing, so a crash during
		// execution cannot make the task fire again immediately on restart.
		s.advance(task, now)

		go func(t Task) {
			defer func() {
				s.mu.Lock()
				delete(s.running, t.ID)
				s.mu.Unlock()
			}()
			s.logger.Info("firing scheduled task",
				"id", t.ID, "group", t.GroupFolder, "type", t.ScheduleType)
			if err := s.fire(ctx, t); err != nil {
				s.logger.Error("scheduled task failed", "id", t.ID, "error", err)
			}
		}(task)
	}
}

// advance computes the task's next fire time, or deletes it when a one-shot
// has fired.
func (s *Scheduler) advance(task Task, now time.Time) {
	if task.ScheduleType == ScheduleOnce {
		if err := s.store.Delete(task.ID); err != nil {
			s.logger.Error("failed to retire one-shot task", "id", task.ID, "error", err)
		}
		return
	}
	next, err := ComputeNextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
	if err != nil {
		// The schedule parsed when the task was created; a failure here
		// means the stored value was corrupted. Pause instead of spinning.
		s.logger.Error("pausing task with unparseable schedule", "id", task.ID, "error", err)
		s.store.SetStatus(task.ID, StatusPaused)
		return
	}
	if err := s.store.SetNextRun(task.ID, next); err != nil {
		s.logger.Error("failed to advance task", "id", task.ID, "error", err)
	}
}
