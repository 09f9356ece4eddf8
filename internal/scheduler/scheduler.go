// Package scheduler owns recurring cron triggers for workflows. Each
// registered schedule carries exactly one live timer; a once-per-minute sweep
// re-fires schedules whose due time was missed (restarts, skipped ticks).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inqbatorchris/aimee-sub010/internal/engine"
	"github.com/inqbatorchris/aimee-sub010/internal/logging"
	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// sweepInterval is how often the missed-run sweep wakes up.
const sweepInterval = time.Minute

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Runner starts a workflow run. Satisfied by *engine.Executor.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, wf *store.Workflow, inv engine.Invocation) (string, error)
}

// Scheduler maps schedule ids to live cron timers and sweeps for missed runs.
type Scheduler struct {
	store  store.Store
	runner Runner
	now    func() time.Time

	mu       sync.Mutex
	timers   map[string]*cron.Cron
	inflight map[string]bool

	sweepStop chan struct{}
	sweepDone chan struct{}
	started   bool
}

// New creates a Scheduler. now defaults to time.Now when nil.
func New(st store.Store, runner Runner, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:     st,
		runner:    runner,
		now:       now,
		timers:    make(map[string]*cron.Cron),
		inflight:  make(map[string]bool),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start registers every active schedule from the store and begins the
// missed-run sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	active := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Active: &active})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"list schedules: %s", err.Error()).WithCause(err)
	}
	for _, sched := range schedules {
		if err := s.Register(ctx, sched); err != nil {
			slog.WarnContext(ctx, "schedule registration failed",
				"schedule_id", sched.ID, "error", err)
		}
	}

	s.mu.Lock()
	if !s.started {
		s.started = true
		go s.sweepLoop()
	}
	s.mu.Unlock()

	slog.InfoContext(ctx, "scheduler started", "schedules", len(schedules))
	return nil
}

// Register creates one cron timer for the schedule in its timezone.
// Re-registering an id first tears down the prior timer, so a schedule never
// owns more than one.
func (s *Scheduler) Register(ctx context.Context, sched *store.Schedule) error {
	loc := time.Local
	if sched.Timezone != "" {
		l, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timezone %q", sched.Timezone)
		}
		loc = l
	}
	spec, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", sched.CronExpression, err.Error())
	}

	scheduleID := sched.ID
	workflowID := sched.WorkflowID
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))
	if _, err := c.AddFunc(sched.CronExpression, func() {
		s.fire(context.Background(), scheduleID, workflowID)
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"register cron %q: %s", sched.CronExpression, err.Error())
	}

	s.mu.Lock()
	if prior, ok := s.timers[scheduleID]; ok {
		prior.Stop()
	}
	s.timers[scheduleID] = c
	s.mu.Unlock()
	c.Start()

	// Seed next_run_at so the sweep can detect missed fires.
	next := spec.Next(s.now().In(loc))
	if err := s.store.UpdateSchedule(ctx, scheduleID, store.ScheduleUpdate{
		NextRunAt: &next,
	}); err != nil {
		slog.WarnContext(ctx, "next run write failed", "schedule_id", scheduleID, "error", err)
	}

	slog.InfoContext(ctx, "schedule registered",
		"schedule_id", scheduleID, "cron", sched.CronExpression, "next_run", next)
	return nil
}

// Unregister stops and removes the timer for a schedule id, if any.
func (s *Scheduler) Unregister(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.timers[scheduleID]; ok {
		c.Stop()
		delete(s.timers, scheduleID)
	}
}

// Shutdown stops every timer and the sweep loop.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for id, c := range s.timers {
		c.Stop()
		delete(s.timers, id)
	}
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		close(s.sweepStop)
		<-s.sweepDone
	}
}

// fire runs one scheduled invocation. The inflight set deduplicates the timer
// path against the sweep path: at most one redundant extra run per window,
// never a silently lost one.
func (s *Scheduler) fire(ctx context.Context, scheduleID, workflowID string) {
	s.mu.Lock()
	if s.inflight[scheduleID] {
		s.mu.Unlock()
		slog.InfoContext(ctx, "schedule fire skipped, already running",
			"schedule_id", scheduleID)
		return
	}
	s.inflight[scheduleID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, scheduleID)
		s.mu.Unlock()
	}()

	ctx = logging.WithWorkflowID(ctx, workflowID)

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		slog.ErrorContext(ctx, "scheduled workflow load failed",
			"schedule_id", scheduleID, "error", err)
		s.recordFire(ctx, scheduleID, "failed")
		return
	}
	if !wf.Enabled {
		slog.InfoContext(ctx, "scheduled workflow disabled, skipping",
			"schedule_id", scheduleID)
		s.recordFire(ctx, scheduleID, "skipped")
		return
	}

	status := "completed"
	if _, err := s.runner.ExecuteWorkflow(ctx, wf, engine.Invocation{
		TriggerSource: schema.TriggerSchedule,
		OrgID:         wf.OrgID,
		Actor:         "scheduler",
	}); err != nil {
		slog.ErrorContext(ctx, "scheduled run failed",
			"schedule_id", scheduleID, "error", err)
		status = "failed"
	}
	s.recordFire(ctx, scheduleID, status)
}

// recordFire persists last_run_at and the freshly computed next_run_at.
func (s *Scheduler) recordFire(ctx context.Context, scheduleID, status string) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		slog.WarnContext(ctx, "schedule reload failed", "schedule_id", scheduleID, "error", err)
		return
	}

	firedAt := s.now().UTC()
	update := store.ScheduleUpdate{LastRunAt: &firedAt, LastRunStatus: status}

	loc := time.Local
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}
	if spec, err := cronParser.Parse(sched.CronExpression); err == nil {
		next := spec.Next(s.now().In(loc))
		update.NextRunAt = &next
	}

	if err := s.store.UpdateSchedule(ctx, scheduleID, update); err != nil {
		slog.WarnContext(ctx, "schedule fire write failed", "schedule_id", scheduleID, "error", err)
	}
}

func (s *Scheduler) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(context.Background())
		case <-s.sweepStop:
			return
		}
	}
}

// sweep re-fires any active schedule whose next_run_at has passed but whose
// last_run_at predates it. Tolerates one redundant extra execution per
// window; the inflight set in fire keeps it from stacking.
func (s *Scheduler) sweep(ctx context.Context) {
	active := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Active: &active})
	if err != nil {
		slog.WarnContext(ctx, "sweep list failed", "error", err)
		return
	}

	now := s.now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if sched.LastRunAt != nil && !sched.LastRunAt.Before(*sched.NextRunAt) {
			continue
		}
		slog.InfoContext(ctx, "sweep re-firing missed schedule",
			"schedule_id", sched.ID, "due", sched.NextRunAt)
		s.fire(ctx, sched.ID, sched.WorkflowID)
	}
}
