// Package keepalive refreshes backend credentials on a timer so a
// long-idle daemon does not wake up with an expired OAuth token.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval matches the config default for refresh probes.
const DefaultInterval = time.Hour

// RefreshFunc performs one credential probe, typically a one-shot CLI
// invocation that forces the token refresh path.
type RefreshFunc func(ctx context.Context) error

// Options tunes the keep-alive loop.
type Options struct {
	// Interval between probes. Zero or negative picks DefaultInterval.
	Interval time.Duration

	// OnError is called for every failed probe. Failures never stop
	// the loop.
	OnError func(error)

	Logger *slog.Logger
}

// TokenKeepAlive probes a refresh action on a fixed schedule. The first
// probe fires as soon as Start runs, so a daemon that was down for days
// refreshes before the first real request needs the token.
type TokenKeepAlive struct {
	interval time.Duration
	refresh  RefreshFunc
	onError  func(error)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a keep-alive loop around the given refresh action.
func New(refresh RefreshFunc, opts Options) *TokenKeepAlive {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenKeepAlive{
		interval: interval,
		refresh:  refresh,
		onError:  opts.OnError,
		logger:   logger.With("component", "keepalive"),
	}
}

// Start launches the probe loop in a background goroutine. The first
// probe fires immediately. The loop exits when ctx is canceled or Stop
// is called; nothing it holds can block process exit. Calling Start on
// a running loop is a no-op.
func (k *TokenKeepAlive) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	k.logger.Info("keep-alive started", "interval", k.interval.String())
	go k.loop(loopCtx, k.done)
}

// Stop cancels the loop and waits for the goroutine to exit. Safe to
// call before Start or more than once.
func (k *TokenKeepAlive) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel = nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (k *TokenKeepAlive) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	k.probe(ctx)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.probe(ctx)
		case <-ctx.Done():
			k.logger.Info("keep-alive stopped")
			return
		}
	}
}

func (k *TokenKeepAlive) probe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := k.refresh(ctx); err != nil {
		k.logger.Warn("refresh probe failed", "error", err, "duration", time.Since(start))
		if k.onError != nil {
			k.onError(err)
		}
		return
	}
	k.logger.Debug("refresh probe ok", "duration", time.Since(start))
}
