// Package agent implements the turn loop that drives an LLM subprocess
// against the tool executor, and the streaming callbacks that relay
// partial output to chat gateways as placeholder edits.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
)

// Messenger is the gateway surface streaming needs: post one message,
// then keep editing it in place.
type Messenger interface {
	Send(ctx context.Context, gateway, channelID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, gateway, channelID, messageID, text string) error
}

// placeholderText is what users see until the first delta lands.
const placeholderText = "…"

// StreamerOptions tunes delivery cadence. Zero values pick gateway-safe
// defaults.
type StreamerOptions struct {
	// EditInterval is the minimum time between message edits. Edits
	// coalesce: a delta arriving inside the window extends the pending
	// text and the next edit carries everything accumulated so far.
	EditInterval time.Duration

	// MinChars holds the first edit back until the text is worth
	// rendering.
	MinChars int

	Logger *slog.Logger
}

// Streamer relays one run's partial output to a chat message. It posts a
// placeholder, edits it with accumulated deltas at a throttled cadence,
// and on failure replaces it with a sanitized notice. Deltas are
// appended under one mutex, so coalescing can never reorder text.
type Streamer struct {
	messenger Messenger
	gateway   string
	channel   string
	interval  time.Duration
	minChars  int
	logger    *slog.Logger

	mu        sync.Mutex
	messageID string
	buf       strings.Builder
	rendered  int
	lastEdit  time.Time
	timer     *time.Timer
	done      bool

	now func() time.Time
}

// NewStreamer builds a streamer for one gateway conversation.
func NewStreamer(m Messenger, gateway, channel string, opts StreamerOptions) *Streamer {
	if opts.EditInterval < 0 {
		opts.EditInterval = 0
	}
	if opts.MinChars < 0 {
		opts.MinChars = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		messenger: m,
		gateway:   gateway,
		channel:   channel,
		interval:  opts.EditInterval,
		minChars:  opts.MinChars,
		logger:    logger.With("component", "streamer", "gateway", gateway),
		now:       time.Now,
	}
}

// Start posts the placeholder message. Must be called before Delta.
func (s *Streamer) Start(ctx context.Context) error {
	id, err := s.messenger.Send(ctx, s.gateway, s.channel, placeholderText)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messageID = id
	s.lastEdit = s.now()
	s.mu.Unlock()
	return nil
}

// Delta appends text and edits the placeholder when the cadence allows.
// A delta landing inside the throttle window arms a trailing edit so the
// final fragment is never stranded.
func (s *Streamer) Delta(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.messageID == "" {
		return
	}
	s.buf.WriteString(text)

	if s.buf.Len() < s.minChars {
		return
	}
	elapsed := s.now().Sub(s.lastEdit)
	if elapsed >= s.interval {
		s.editLocked(ctx)
		return
	}
	s.armTimerLocked(s.interval - elapsed)
}

// ToolUse surfaces a tool invocation as a log event. Nothing is edited
// into the user-visible message.
func (s *Streamer) ToolUse(name string) {
	s.logger.Info("tool use", "tool", name)
}

// Finish renders the final text, bypassing the throttle, and retires the
// streamer. Safe to call once; later calls are no-ops.
func (s *Streamer) Finish(ctx context.Context, finalText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.stopTimerLocked()
	if s.messageID == "" {
		return
	}
	if finalText == "" {
		finalText = s.buf.String()
	}
	if finalText == "" {
		return
	}
	if finalText == s.buf.String() && s.rendered == s.buf.Len() {
		return
	}
	if err := s.messenger.EditMessage(ctx, s.gateway, s.channel, s.messageID, finalText); err != nil {
		s.logger.Warn("final edit failed", "error", err)
	}
}

// Fail replaces the placeholder with a sanitized error notice. The raw
// error goes to the log, never to the chat.
func (s *Streamer) Fail(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.stopTimerLocked()
	s.logger.Error("run failed", "error", err)
	if s.messageID == "" {
		return
	}
	notice := sanitizedNotice(err)
	if editErr := s.messenger.EditMessage(ctx, s.gateway, s.channel, s.messageID, notice); editErr != nil {
		s.logger.Warn("error notice edit failed", "error", editErr)
	}
}

// MessageID returns the placeholder message ID, or "" before Start.
func (s *Streamer) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

func (s *Streamer) editLocked(ctx context.Context) {
	s.stopTimerLocked()
	text := s.buf.String()
	if text == "" || len(text) == s.rendered {
		return
	}
	if err := s.messenger.EditMessage(ctx, s.gateway, s.channel, s.messageID, text); err != nil {
		s.logger.Debug("streaming edit failed", "error", err)
		return
	}
	s.rendered = len(text)
	s.lastEdit = s.now()
}

// armTimerLocked schedules one trailing edit at the end of the current
// throttle window. Re-arming replaces the previous timer.
func (s *Streamer) armTimerLocked(wait time.Duration) {
	s.stopTimerLocked()
	s.timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.done || s.messageID == "" {
			return
		}
		s.editLocked(context.Background())
	})
}

func (s *Streamer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// sanitizedNotice maps an error to the single user-visible line. Typed
// errors keep their class; everything else collapses to a generic notice
// so stderr fragments and tokens never reach the chat.
func sanitizedNotice(err error) string {
	switch agenterr.KindOf(err) {
	case agenterr.RateLimit:
		return "⚠️ The assistant is rate limited right now. Try again in a minute."
	case agenterr.Transport:
		return "⚠️ The assistant backend is unreachable. It will recover shortly."
	case agenterr.Validation:
		return "⚠️ That request could not be processed as sent."
	default:
		return "⚠️ Something went wrong while answering. The error has been logged."
	}
}
