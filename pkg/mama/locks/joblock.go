// Package locks provides the in-process job lock that guarantees at most one
// execution per schedule at a time, even when a cron fire, a manual run-now,
// and startup recovery race each other.
package locks

import (
	"sync"
	"time"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
)

// DefaultTimeout bounds how long a lock is honored before it is treated as
// stale. Protects against executions that died without releasing.
const DefaultTimeout = 10 * time.Minute

type lockEntry struct {
	acquiredAt time.Time
	timeout    time.Duration
}

// JobLock is a per-ID mutual exclusion table with stale-entry expiry.
type JobLock struct {
	mu    sync.Mutex
	locks map[string]lockEntry

	// now is swappable in tests.
	now func() time.Time
}

// New creates an empty lock table.
func New() *JobLock {
	return &JobLock{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// Acquire takes the lock for id. Returns false when the lock is already held
// and not expired. A timeout of zero uses DefaultTimeout.
func (l *JobLock) Acquire(id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[id]; ok && !l.expired(e) {
		return false
	}
	l.locks[id] = lockEntry{acquiredAt: l.now(), timeout: timeout}
	return true
}

// Release drops the lock for id. Returns false when the lock was not held.
func (l *JobLock) Release(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.locks[id]; !ok {
		return false
	}
	delete(l.locks, id)
	return true
}

// IsLocked reports whether id is currently held. Expired entries are purged
// and report as unlocked.
func (l *JobLock) IsLocked(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[id]
	if !ok {
		return false
	}
	if l.expired(e) {
		delete(l.locks, id)
		return false
	}
	return true
}

// WithLock runs fn while holding the lock for id, releasing on every exit
// path including panics. Returns a JOB_RUNNING error when the lock is held.
func (l *JobLock) WithLock(id string, timeout time.Duration, fn func() error) error {
	if !l.Acquire(id, timeout) {
		return agenterr.Newf(agenterr.JobRunning, "job %q is already running", id)
	}
	defer l.Release(id)
	return fn()
}

// Clear drops every lock. Used on scheduler shutdown.
func (l *JobLock) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = make(map[string]lockEntry)
}

// Len returns the number of currently held (possibly stale) entries.
func (l *JobLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *JobLock) expired(e lockEntry) bool {
	return l.now().Sub(e.acquiredAt) > e.timeout
}
