// Package scheduler implements MAMA's cron scheduling system: robfig/cron
// for expression parsing and firing, SQLite/Postgres persistence for
// surviving restarts, and a per-job lock so a slow execution is never
// doubled by the next fire.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
	"github.com/jholhewres/mama/pkg/mama/locks"
)

// EventType classifies scheduler lifecycle events.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventSkipped   EventType = "skipped"
)

// Event is emitted around every execution attempt.
type Event struct {
	Type       EventType
	ScheduleID string
	Time       time.Time
	Duration   time.Duration
	Output     string
	Err        string
}

// Handler runs a schedule's prompt through the agent and returns its response.
type Handler func(ctx context.Context, sched *Schedule) (string, error)

// Options tunes scheduler behavior.
type Options struct {
	// Timezone for cron evaluation. Empty uses the system location.
	Timezone string

	// RunMissedOnStartup runs a schedule once right after recovery when its
	// stored next_run passed while the process was down. Missed fires are
	// never coalesced: at most one catch-up run per schedule.
	RunMissedOnStartup bool

	// MaxConcurrent caps simultaneously executing schedules.
	MaxConcurrent int

	// JobTimeout bounds a single execution.
	JobTimeout time.Duration

	// LockTimeout bounds how long a job lock is honored before it is
	// treated as stale.
	LockTimeout time.Duration
}

// CronScheduler fires persisted schedules through a Handler.
type CronScheduler struct {
	store   *ScheduleStore
	handler Handler
	lock    *locks.JobLock
	opts    Options
	loc     *time.Location
	parser  cron.Parser

	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	// sem caps concurrent executions at opts.MaxConcurrent.
	sem chan struct{}

	// onEvent, when set, receives every lifecycle event.
	onEvent func(Event)

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler over the given store and handler.
func New(store *ScheduleStore, handler Handler, opts Options, logger *slog.Logger) (*CronScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc := time.Local
	if opts.Timezone != "" {
		l, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", opts.Timezone, err)
		}
		loc = l
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = locks.DefaultTimeout
	}

	return &CronScheduler{
		store:   store,
		handler: handler,
		lock:    locks.New(),
		opts:    opts,
		loc:     loc,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		cronIDs: make(map[string]cron.EntryID),
		sem:     make(chan struct{}, opts.MaxConcurrent),
		logger:  logger.With("component", "scheduler"),
	}, nil
}

// SetEventHandler registers a callback for lifecycle events. Must be called
// before Start.
func (s *CronScheduler) SetEventHandler(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

func (s *CronScheduler) emit(ev Event) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Start recovers persisted state and begins firing schedules:
//  1. logs left 'running' by a dead process are finalized as failed,
//  2. every enabled schedule is re-registered and its next_run re-synced,
//  3. optionally, schedules whose fire time passed while down run once.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	orphaned, err := s.store.MarkOrphanedRunning()
	if err != nil {
		s.logger.Error("failed to finalize orphaned logs", "error", err)
	} else if orphaned > 0 {
		s.logger.Warn("finalized orphaned executions from previous run", "count", orphaned)
	}

	s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	enabled, err := s.store.ListEnabled()
	if err != nil {
		return fmt.Errorf("load enabled schedules: %w", err)
	}

	var missed []*Schedule
	for _, sched := range enabled {
		if err := s.register(sched); err != nil {
			s.logger.Warn("skipping schedule with invalid expression",
				"id", sched.ID, "cron", sched.Cron, "error", err)
			continue
		}
		if s.opts.RunMissedOnStartup && sched.NextRun != nil && sched.NextRun.Before(time.Now()) {
			missed = append(missed, sched)
		}
		s.syncNextRun(sched.ID, sched.Cron)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"schedules", len(enabled),
		"timezone", s.loc.String(),
		"max_concurrent", s.opts.MaxConcurrent,
	)

	// Catch-up runs happen after the timer wheel is live so a fire that
	// lands during catch-up is absorbed by the job lock.
	for _, sched := range missed {
		sched := sched
		go func() {
			s.logger.Info("running schedule missed while down", "id", sched.ID)
			s.executeJob(sched)
		}()
	}
	return nil
}

// Shutdown stops the timer wheel, waits briefly for in-flight executions,
// releases all job locks, and clears registration state.
func (s *CronScheduler) Shutdown() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.cronIDs = make(map[string]cron.EntryID)
	s.mu.Unlock()
	s.lock.Clear()

	s.logger.Info("scheduler stopped")
}

// ---------- Schedule management ----------

// AddJob validates, persists, and registers a new schedule.
func (s *CronScheduler) AddJob(sched *Schedule) error {
	if _, err := s.parser.Parse(sched.Cron); err != nil {
		return agenterr.Wrap(agenterr.InvalidCron, fmt.Sprintf("invalid cron expression %q", sched.Cron), err)
	}
	if err := s.store.Create(sched); err != nil {
		return err
	}
	if sched.Enabled && s.cron != nil {
		if err := s.register(sched); err != nil {
			return agenterr.Wrap(agenterr.SchedulerError, "register schedule", err)
		}
		s.syncNextRun(sched.ID, sched.Cron)
	}
	s.logger.Info("schedule added", "id", sched.ID, "cron", sched.Cron, "enabled", sched.Enabled)
	return nil
}

// RemoveJob deletes a schedule and unregisters its timer.
func (s *CronScheduler) RemoveJob(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.unregister(id)
	s.logger.Info("schedule removed", "id", id)
	return nil
}

// EnableJob turns a schedule on and registers its timer.
func (s *CronScheduler) EnableJob(id string) error {
	enabled := true
	if err := s.store.Update(id, ScheduleUpdate{Enabled: &enabled}); err != nil {
		return err
	}
	sched, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if s.cron != nil {
		s.unregister(id) // tolerate double-enable
		if err := s.register(sched); err != nil {
			return agenterr.Wrap(agenterr.SchedulerError, "register schedule", err)
		}
		s.syncNextRun(id, sched.Cron)
	}
	s.logger.Info("schedule enabled", "id", id)
	return nil
}

// DisableJob turns a schedule off and unregisters its timer. The row and its
// history stay.
func (s *CronScheduler) DisableJob(id string) error {
	enabled := false
	if err := s.store.Update(id, ScheduleUpdate{Enabled: &enabled}); err != nil {
		return err
	}
	s.unregister(id)
	s.logger.Info("schedule disabled", "id", id)
	return nil
}

// UpdateJob applies a partial update and re-registers the timer when the
// expression changed.
func (s *CronScheduler) UpdateJob(id string, upd ScheduleUpdate) error {
	if upd.Cron != nil {
		if _, err := s.parser.Parse(*upd.Cron); err != nil {
			return agenterr.Wrap(agenterr.InvalidCron, fmt.Sprintf("invalid cron expression %q", *upd.Cron), err)
		}
	}
	if err := s.store.Update(id, upd); err != nil {
		return err
	}

	sched, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if s.cron != nil {
		s.unregister(id)
		if sched.Enabled {
			if err := s.register(sched); err != nil {
				return agenterr.Wrap(agenterr.SchedulerError, "register schedule", err)
			}
			s.syncNextRun(id, sched.Cron)
		}
	}
	return nil
}

// RunNow executes a schedule immediately, regardless of its enabled state.
// The run goes through the same lock and logging path as a cron fire.
func (s *CronScheduler) RunNow(id string) error {
	sched, err := s.store.Get(id)
	if err != nil {
		return err
	}
	go s.executeJob(sched)
	return nil
}

// List returns all persisted schedules.
func (s *CronScheduler) List() ([]*Schedule, error) {
	return s.store.List()
}

// Get returns one schedule.
func (s *CronScheduler) Get(id string) (*Schedule, error) {
	return s.store.Get(id)
}

// Declared is a schedule defined in config.yaml rather than at runtime.
type Declared struct {
	ID      string
	Name    string
	Cron    string
	Prompt  string
	Enabled bool
}

// SyncDeclared upserts config-declared schedules: new IDs are created,
// changed rows are updated in place. Schedules created at runtime are left
// alone.
func (s *CronScheduler) SyncDeclared(entries []Declared) error {
	for _, e := range entries {
		existing, err := s.store.Get(e.ID)
		if agenterr.IsKind(err, agenterr.JobNotFound) {
			add := &Schedule{ID: e.ID, Name: e.Name, Cron: e.Cron, Prompt: e.Prompt, Enabled: e.Enabled}
			if err := s.AddJob(add); err != nil {
				s.logger.Warn("failed to add declared schedule", "id", e.ID, "error", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		if existing.Cron != e.Cron || existing.Prompt != e.Prompt || existing.Name != e.Name || existing.Enabled != e.Enabled {
			upd := ScheduleUpdate{Name: &e.Name, Cron: &e.Cron, Prompt: &e.Prompt, Enabled: &e.Enabled}
			if err := s.UpdateJob(e.ID, upd); err != nil {
				s.logger.Warn("failed to update declared schedule", "id", e.ID, "error", err)
			}
		}
	}
	return nil
}

// CalculateNextRun computes the next fire time in the scheduler's timezone.
// An unparseable expression yields now+1y so a corrupt row surfaces in
// status output instead of firing hot.
func (s *CronScheduler) CalculateNextRun(expr string, from time.Time) time.Time {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return from.AddDate(1, 0, 0)
	}
	return schedule.Next(from.In(s.loc))
}

// ---------- Internal ----------

func (s *CronScheduler) register(sched *Schedule) error {
	job := sched
	entryID, err := s.cron.AddFunc(sched.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cronIDs[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *CronScheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.cronIDs[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.cronIDs, id)
	}
}

func (s *CronScheduler) syncNextRun(id, expr string) {
	next := s.CalculateNextRun(expr, time.Now())
	if err := s.store.SetNextRun(id, next); err != nil {
		s.logger.Warn("failed to sync next run", "id", id, "error", err)
	}
}

// executeJob is the single execution path shared by cron fires, RunNow, and
// missed-fire catch-up. The job lock guarantees one execution per schedule;
// a fire that loses the lock is recorded as a zero-duration failure.
func (s *CronScheduler) executeJob(sched *Schedule) {
	baseCtx := s.ctx
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	// The job lock comes before the concurrency gate: a duplicate fire of
	// the same schedule must skip immediately, never queue behind itself.
	if !s.lock.Acquire(sched.ID, s.opts.LockTimeout) {
		s.logger.Warn("skipping schedule (already running)", "id", sched.ID)
		if err := s.store.LogSkipped(sched.ID, "skipped: job already running"); err != nil {
			s.logger.Error("failed to log skipped fire", "id", sched.ID, "error", err)
		}
		s.emit(Event{Type: EventSkipped, ScheduleID: sched.ID, Time: time.Now()})
		return
	}
	defer s.lock.Release(sched.ID)

	// Concurrency cap across different schedules.
	select {
	case s.sem <- struct{}{}:
	case <-baseCtx.Done():
		return
	}
	defer func() { <-s.sem }()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("schedule execution panicked", "id", sched.ID, "panic", r)
			s.emit(Event{Type: EventFailed, ScheduleID: sched.ID, Time: time.Now(),
				Err: fmt.Sprintf("panic: %v", r)})
		}
	}()

	started := time.Now()
	logID, err := s.store.LogStart(sched.ID, started)
	if err != nil {
		s.logger.Error("failed to log execution start", "id", sched.ID, "error", err)
	}
	s.emit(Event{Type: EventStarted, ScheduleID: sched.ID, Time: started})
	s.logger.Info("executing schedule", "id", sched.ID)

	ctx, cancel := context.WithTimeout(baseCtx, s.opts.JobTimeout)
	defer cancel()

	output, runErr := s.handler(ctx, sched)
	duration := time.Since(started)

	if runErr != nil {
		if err := s.store.LogFinish(logID, StatusFailed, output, runErr.Error()); err != nil {
			s.logger.Error("failed to log execution finish", "id", sched.ID, "error", err)
		}
		s.emit(Event{Type: EventFailed, ScheduleID: sched.ID, Time: time.Now(),
			Duration: duration, Output: output, Err: runErr.Error()})
		s.logger.Error("schedule failed", "id", sched.ID, "duration", duration, "error", runErr)
	} else {
		if err := s.store.LogFinish(logID, StatusSuccess, output, ""); err != nil {
			s.logger.Error("failed to log execution finish", "id", sched.ID, "error", err)
		}
		s.emit(Event{Type: EventCompleted, ScheduleID: sched.ID, Time: time.Now(),
			Duration: duration, Output: output})
		s.logger.Info("schedule completed", "id", sched.ID, "duration", duration, "result_len", len(output))
	}

	s.syncNextRun(sched.ID, sched.Cron)
}
