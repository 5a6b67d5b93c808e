package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
)

func newTestScheduler(t *testing.T, handler Handler) (*CronScheduler, *ScheduleStore) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if handler == nil {
		handler = func(ctx context.Context, sched *Schedule) (string, error) { return "", nil }
	}
	s, err := New(store, handler, Options{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, store
}

func TestAddJobValidation(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	tests := []struct {
		name     string
		sched    *Schedule
		wantKind agenterr.Kind
	}{
		{"valid five field", &Schedule{ID: "ok", Cron: "0 9 * * *", Prompt: "x", Enabled: true}, ""},
		{"valid descriptor", &Schedule{ID: "daily", Cron: "@daily", Prompt: "x", Enabled: true}, ""},
		{"garbage expression", &Schedule{ID: "bad", Cron: "not a cron", Prompt: "x"}, agenterr.InvalidCron},
		{"too few fields", &Schedule{ID: "short", Cron: "* *", Prompt: "x"}, agenterr.InvalidCron},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddJob(tt.sched)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("AddJob() error = %v, want nil", err)
				}
				return
			}
			if !agenterr.IsKind(err, tt.wantKind) {
				t.Errorf("AddJob() kind = %q, want %q", agenterr.KindOf(err), tt.wantKind)
			}
		})
	}

	// Duplicate surfaces from the store.
	err := s.AddJob(&Schedule{ID: "ok", Cron: "0 9 * * *", Prompt: "x"})
	if !agenterr.IsKind(err, agenterr.JobExists) {
		t.Errorf("duplicate AddJob() kind = %q, want JOB_EXISTS", agenterr.KindOf(err))
	}
}

func TestRemoveJobMissing(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	if err := s.RemoveJob("nope"); !agenterr.IsKind(err, agenterr.JobNotFound) {
		t.Errorf("RemoveJob(missing) kind = %q, want JOB_NOT_FOUND", agenterr.KindOf(err))
	}
}

func TestCalculateNextRun(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	from := time.Date(2026, 3, 10, 8, 0, 0, 0, time.Local)

	t.Run("daily at nine", func(t *testing.T) {
		next := s.CalculateNextRun("0 9 * * *", from)
		want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("parse failure pushes out a year", func(t *testing.T) {
		next := s.CalculateNextRun("definitely not cron", from)
		want := from.AddDate(1, 0, 0)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v (now+1y)", next, want)
		}
	})
}

func TestRunNowExecutesHandler(t *testing.T) {
	ran := make(chan string, 1)
	handler := func(ctx context.Context, sched *Schedule) (string, error) {
		ran <- sched.Prompt
		return "response", nil
	}
	s, store := newTestScheduler(t, handler)

	if err := s.AddJob(&Schedule{ID: "manual", Cron: "0 9 * * *", Prompt: "do it", Enabled: false}); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	// RunNow works on disabled schedules.
	if err := s.RunNow("manual"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}

	select {
	case prompt := <-ran:
		if prompt != "do it" {
			t.Errorf("handler prompt = %q, want %q", prompt, "do it")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	// The execution was logged.
	deadline := time.Now().Add(5 * time.Second)
	for {
		last, err := store.LastExecution("manual")
		if err != nil {
			t.Fatalf("LastExecution() error = %v", err)
		}
		if last != nil && last.Status == StatusSuccess {
			if last.Output != "response" {
				t.Errorf("logged output = %q, want %q", last.Output, "response")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution log never finalized")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentFireIsSkipped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, sched *Schedule) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "slow", nil
	}
	s, store := newTestScheduler(t, handler)

	var events []Event
	var evMu sync.Mutex
	s.SetEventHandler(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	if err := s.AddJob(&Schedule{ID: "slow", Cron: "0 9 * * *", Prompt: "x", Enabled: true}); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	sched, _ := store.Get("slow")

	// First fire holds the lock.
	go s.executeJob(sched)
	<-started

	// Second fire must be skipped, not queued behind the first.
	done := make(chan struct{})
	go func() {
		s.executeJob(sched)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second fire blocked instead of skipping")
	}

	close(release)

	evMu.Lock()
	var sawSkip bool
	for _, ev := range events {
		if ev.Type == EventSkipped && ev.ScheduleID == "slow" {
			sawSkip = true
		}
	}
	evMu.Unlock()
	if !sawSkip {
		t.Error("no skipped event emitted for the concurrent fire")
	}

	// The skip left a zero-duration failed row.
	last, _ := store.LastExecution("slow")
	if last == nil || last.Status != StatusFailed || last.Duration() != 0 {
		t.Errorf("skip log = %+v, want zero-duration failure", last)
	}
}

func TestStartRecoversEnabledSchedules(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "schedules.db")

	// First process: create schedules and an orphaned running log.
	store, err := OpenStore(dbPath, nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	for _, sched := range []*Schedule{
		{ID: "keep", Cron: "0 9 * * *", Prompt: "x", Enabled: true},
		{ID: "off", Cron: "0 9 * * *", Prompt: "x", Enabled: false},
	} {
		if err := store.Create(sched); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if _, err := store.LogStart("keep", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("LogStart() error = %v", err)
	}
	store.Close()

	// Second process: recovery.
	store2, err := OpenStore(dbPath, nil)
	if err != nil {
		t.Fatalf("OpenStore() reopen error = %v", err)
	}
	defer store2.Close()

	s, err := New(store2, func(ctx context.Context, sched *Schedule) (string, error) {
		return "", nil
	}, Options{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Shutdown()

	// Enabled schedule re-registered with a future next_run.
	keep, _ := store2.Get("keep")
	if keep.NextRun == nil || !keep.NextRun.After(time.Now().Add(-time.Minute)) {
		t.Errorf("recovered next_run = %v, want synced future time", keep.NextRun)
	}

	// Disabled schedule has no cron entry.
	s.mu.Lock()
	_, offRegistered := s.cronIDs["off"]
	_, keepRegistered := s.cronIDs["keep"]
	s.mu.Unlock()
	if offRegistered {
		t.Error("disabled schedule was registered")
	}
	if !keepRegistered {
		t.Error("enabled schedule was not registered")
	}

	// Orphaned running log was finalized as failed.
	last, _ := store2.LastExecution("keep")
	if last == nil || last.Status != StatusFailed {
		t.Errorf("orphan after recovery = %+v, want failed", last)
	}
}

func TestEnableDisable(t *testing.T) {
	s, store := newTestScheduler(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Shutdown()

	if err := s.AddJob(&Schedule{ID: "toggle", Cron: "0 9 * * *", Prompt: "x", Enabled: true}); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	if err := s.DisableJob("toggle"); err != nil {
		t.Fatalf("DisableJob() error = %v", err)
	}
	got, _ := store.Get("toggle")
	if got.Enabled {
		t.Error("Enabled = true after DisableJob")
	}
	s.mu.Lock()
	_, registered := s.cronIDs["toggle"]
	s.mu.Unlock()
	if registered {
		t.Error("cron entry kept after DisableJob")
	}

	if err := s.EnableJob("toggle"); err != nil {
		t.Fatalf("EnableJob() error = %v", err)
	}
	got, _ = store.Get("toggle")
	if !got.Enabled {
		t.Error("Enabled = false after EnableJob")
	}
}

func TestSyncDeclared(t *testing.T) {
	s, store := newTestScheduler(t, nil)

	entries := []Declared{
		{ID: "from-config", Name: "Report", Cron: "0 9 * * *", Prompt: "report", Enabled: true},
	}
	if err := s.SyncDeclared(entries); err != nil {
		t.Fatalf("SyncDeclared() error = %v", err)
	}

	got, err := store.Get("from-config")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Prompt != "report" {
		t.Errorf("Prompt = %q, want %q", got.Prompt, "report")
	}

	// A changed entry is updated in place, not duplicated.
	entries[0].Prompt = "new prompt"
	if err := s.SyncDeclared(entries); err != nil {
		t.Fatalf("SyncDeclared() second error = %v", err)
	}
	got, _ = store.Get("from-config")
	if got.Prompt != "new prompt" {
		t.Errorf("Prompt after resync = %q, want %q", got.Prompt, "new prompt")
	}
	all, _ := store.List()
	if len(all) != 1 {
		t.Errorf("schedules = %d, want 1 after resync", len(all))
	}
}

func TestShutdownClearsLocks(t *testing.T) {
	s, _ := newTestScheduler(t, func(ctx context.Context, sched *Schedule) (string, error) {
		return "", errors.New("never runs")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.lock.Acquire("leftover", time.Minute)
	s.Shutdown()

	if s.lock.Len() != 0 {
		t.Errorf("locks after Shutdown = %d, want 0", s.lock.Len())
	}
}
