// Package heartbeat drives the periodic autonomous check-in. On each
// tick outside the configured quiet hours it runs a full agent turn
// with a fixed meta-prompt and triages the reply: HEARTBEAT_OK is
// dropped, NOTIFY is delivered to the configured channel, DONE is
// logged as finished background work.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/mama/pkg/mama/agent"
	"github.com/jholhewres/mama/pkg/mama/backend"
	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/session"
)

// tickTimeout bounds one heartbeat agent turn.
const tickTimeout = 2 * time.Minute

// heartbeatSource is the channel-key source for heartbeat turns. It is
// deliberately not in the default role mapping, so ticks run under the
// restricted fallback role unless the operator maps it explicitly.
const heartbeatSource = "heartbeat"

// Runner is the slice of the agent loop a heartbeat tick needs.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.RunResult, error)
}

// Notifier delivers NOTIFY payloads to a chat gateway.
type Notifier interface {
	Send(ctx context.Context, gateway, channelID, text string) (messageID string, err error)
}

// Options carries the non-config wiring for a Scheduler.
type Options struct {
	// WorkDir is where HEARTBEAT.md checklists are looked up.
	WorkDir string

	// OnTick, when set, observes the outcome of every completed tick.
	// Called from the heartbeat goroutine; must not block.
	OnTick func(action Action, detail string)

	Logger *slog.Logger
}

// Scheduler owns the heartbeat goroutine.
type Scheduler struct {
	cfg      config.HeartbeatConfig
	quiet    quietWindow
	runner   Runner
	notifier Notifier
	workDir  string
	onTick   func(Action, string)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New builds a heartbeat scheduler. The quiet-hours window comes from
// cfg and may wrap midnight ("23:00-08:00").
func New(cfg config.HeartbeatConfig, runner Runner, notifier Notifier, opts Options) (*Scheduler, error) {
	cfg = cfg.Effective()
	quiet, err := parseQuietHours(cfg.QuietHours)
	if err != nil {
		return nil, fmt.Errorf("heartbeat config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		quiet:    quiet,
		runner:   runner,
		notifier: notifier,
		workDir:  opts.WorkDir,
		onTick:   opts.OnTick,
		logger:   logger.With("component", "heartbeat"),
		now:      time.Now,
	}, nil
}

// Start launches the tick loop in a background goroutine. Disabled
// config makes Start a no-op, as does calling it on a running scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("heartbeat disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info("heartbeat started",
		"interval", s.cfg.Interval().String(),
		"quiet_hours", s.cfg.QuietHours,
		"channel", s.cfg.Channel,
	)
	go s.loop(hbCtx, s.done)
}

// Stop cancels the loop and waits for the goroutine to exit. Safe to
// call before Start or more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("heartbeat stopped")
			return
		}
	}
}

// tick runs one heartbeat turn and triages the response.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if s.quiet.contains(now) {
		s.logger.Debug("inside quiet hours, skipping", "time", now.Format("15:04"))
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	key := session.ChannelKey{Source: heartbeatSource, Channel: "main", User: "system"}
	res, err := s.runner.Run(turnCtx, agent.Request{
		Key:   key,
		Input: backend.Input{Text: s.buildPrompt(now)},
	})
	if err != nil {
		s.logger.Error("heartbeat turn failed", "error", err)
		return
	}

	action, payload := Triage(res.Response)
	switch action {
	case ActionQuiet:
		s.logger.Debug("nothing to deliver")
	case ActionNotify:
		s.deliver(ctx, payload)
	case ActionDone:
		s.logger.Info("background work finished", "summary", payload)
	default:
		s.logger.Warn("response outside the heartbeat contract", "length", len(payload))
	}
	if s.onTick != nil {
		s.onTick(action, payload)
	}
}

func (s *Scheduler) deliver(ctx context.Context, message string) {
	if message == "" {
		return
	}
	if s.notifier == nil || s.cfg.Channel == "" || s.cfg.To == "" {
		s.logger.Warn("NOTIFY requested but no notify channel configured", "length", len(message))
		return
	}
	if _, err := s.notifier.Send(ctx, s.cfg.Channel, s.cfg.To, message); err != nil {
		s.logger.Error("notify delivery failed", "channel", s.cfg.Channel, "error", err)
		return
	}
	s.logger.Info("notify delivered", "channel", s.cfg.Channel, "to", s.cfg.To, "length", len(message))
}

// metaPromptFmt is the fixed heartbeat contract. The reply must take one
// of the three listed shapes; anything else is logged and dropped.
const metaPromptFmt = `[Heartbeat at %s]

This is a scheduled self-check, not a user message. Look for pending
reminders, overdue scheduled work, and anything time-sensitive in memory.

Reply with exactly one of:
HEARTBEAT_OK - nothing needs attention right now.
NOTIFY: <message> - the user should hear about this now.
DONE: <summary> - you finished background work during this check.`

// buildPrompt renders the meta-prompt, appending the workspace
// HEARTBEAT.md checklist when one exists.
func (s *Scheduler) buildPrompt(now time.Time) string {
	base := fmt.Sprintf(metaPromptFmt, now.Format("2006-01-02 15:04"))
	if s.workDir == "" {
		return base
	}
	content, err := os.ReadFile(filepath.Join(s.workDir, "HEARTBEAT.md"))
	if err != nil {
		return base
	}
	checklist := strings.TrimSpace(string(content))
	if checklist == "" {
		return base
	}
	return base + "\n\nChecklist from HEARTBEAT.md:\n" + checklist
}

// Action classifies a heartbeat response.
type Action int

const (
	// ActionQuiet means nothing needs attention (HEARTBEAT_OK or empty).
	ActionQuiet Action = iota

	// ActionNotify means the payload should reach the configured channel.
	ActionNotify

	// ActionDone means background work finished; the payload is its summary.
	ActionDone

	// ActionUnknown means the response fit none of the contract shapes.
	ActionUnknown
)

func (a Action) String() string {
	switch a {
	case ActionQuiet:
		return "quiet"
	case ActionNotify:
		return "notify"
	case ActionDone:
		return "done"
	default:
		return "unknown"
	}
}

// Triage classifies the agent's heartbeat reply and extracts its payload.
// Prefix matching is case-insensitive; payloads keep their original case.
func Triage(response string) (Action, string) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return ActionQuiet, ""
	}
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "HEARTBEAT_OK"):
		return ActionQuiet, ""
	case strings.HasPrefix(upper, "NOTIFY:"):
		return ActionNotify, strings.TrimSpace(trimmed[len("NOTIFY:"):])
	case strings.HasPrefix(upper, "DONE:"):
		return ActionDone, strings.TrimSpace(trimmed[len("DONE:"):])
	}
	return ActionUnknown, trimmed
}

// quietWindow is a [start, end) wall-clock window in minutes since
// midnight. start > end wraps past midnight; start == end is empty.
type quietWindow struct {
	start int
	end   int
}

func parseQuietHours(s string) (quietWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return quietWindow{}, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return quietWindow{}, fmt.Errorf("quiet hours %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return quietWindow{}, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseClock(to)
	if err != nil {
		return quietWindow{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return quietWindow{start: start, end: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (w quietWindow) contains(t time.Time) bool {
	if w.start == w.end {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}
