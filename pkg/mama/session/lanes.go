package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// laneTask is one queued operation. done carries the operation's error (or
// the queue-wait cancellation error) to the caller exactly once.
type laneTask struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// LaneManager serializes operations per channel key. All agent turns for a
// key run in arrival order on a single goroutine lane; different keys run
// in parallel. A lane exists only while it has work: the worker tears it
// down when the queue drains.
type LaneManager struct {
	mu    sync.Mutex
	lanes map[string]*lane

	wg     sync.WaitGroup
	logger *slog.Logger
}

type lane struct {
	queue []*laneTask
}

// NewLaneManager builds an empty lane manager.
func NewLaneManager(logger *slog.Logger) *LaneManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LaneManager{
		lanes:  make(map[string]*lane),
		logger: logger.With("component", "lanes"),
	}
}

// Enqueue schedules fn on the key's lane and returns a channel that yields
// the result once. If ctx is cancelled before fn's turn comes, fn never
// runs and the channel yields ctx.Err(). A task already running is not
// interrupted by cancellation; fn receives ctx and may honor it itself.
func (m *LaneManager) Enqueue(ctx context.Context, key ChannelKey, fn func(context.Context) error) <-chan error {
	task := &laneTask{ctx: ctx, fn: fn, done: make(chan error, 1)}
	ks := key.String()

	m.mu.Lock()
	ln, ok := m.lanes[ks]
	if !ok {
		ln = &lane{}
		m.lanes[ks] = ln
		m.wg.Add(1)
		go m.run(ks, ln)
	}
	ln.queue = append(ln.queue, task)
	m.mu.Unlock()

	return task.done
}

// Do enqueues fn and waits for it. Waiting stops early when ctx is
// cancelled; the skipped-task guarantee still applies because the worker
// re-checks ctx before running.
func (m *LaneManager) Do(ctx context.Context, key ChannelKey, fn func(context.Context) error) error {
	done := m.Enqueue(ctx, key, fn)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the lane worker. It pops tasks FIFO and deletes the lane from the
// map the moment the queue is empty, all under the manager lock, so an
// Enqueue racing the teardown either lands on this lane before deletion or
// starts a fresh one after.
func (m *LaneManager) run(key string, ln *lane) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(ln.queue) == 0 {
			delete(m.lanes, key)
			m.mu.Unlock()
			return
		}
		task := ln.queue[0]
		ln.queue = ln.queue[1:]
		m.mu.Unlock()

		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- m.safeRun(key, task)
	}
}

func (m *LaneManager) safeRun(key string, task *laneTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lane task panicked", "key", key, "panic", r)
			err = &PanicError{Key: key, Value: r}
		}
	}()
	return task.fn(task.ctx)
}

// LaneCount reports how many keys currently have live lanes.
func (m *LaneManager) LaneCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Wait blocks until every lane has drained. Pair with cancelling the
// contexts of queued work for a bounded shutdown.
func (m *LaneManager) Wait() {
	m.wg.Wait()
}

// PanicError wraps a panic recovered from a lane task.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("lane %s: task panicked: %v", e.Key, e.Value)
}
