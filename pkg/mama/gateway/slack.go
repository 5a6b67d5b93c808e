package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// Slack is an outbound gateway over the Slack Web API: chat.postMessage
// for sends, chat.update for streaming edits. Inbound events need an
// Events API callback URL, which the daemon's HTTP facade may expose;
// the gateway itself never polls, so Receive stays silent.
type Slack struct {
	cfg    config.SlackConfig
	logger *slog.Logger
	client *http.Client

	// baseURL is swapped for a test server in unit tests.
	baseURL string

	botUserID string

	messages   chan *Message
	connected  atomic.Bool
	errorCount atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewSlack builds the Slack gateway.
func NewSlack(cfg config.SlackConfig, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{
		cfg:      cfg,
		logger:   logger.With("component", "slack"),
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  "https://slack.com/api",
		messages: make(chan *Message),
	}
}

// Name returns "slack".
func (s *Slack) Name() string { return "slack" }

// Connect verifies the bot token via auth.test.
func (s *Slack) Connect(ctx context.Context) error {
	if s.cfg.BotToken == "" {
		return fmt.Errorf("slack: bot_token is required")
	}

	var identity struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
		Team   string `json:"team"`
	}
	if err := s.apiCall(ctx, "auth.test", map[string]any{}, &identity); err != nil {
		return fmt.Errorf("slack: auth.test: %w", err)
	}
	s.botUserID = identity.UserID
	s.connected.Store(true)
	s.logger.Info("connected", "bot", identity.User, "team", identity.Team)
	return nil
}

// Disconnect marks the gateway down and closes the Receive channel.
func (s *Slack) Disconnect() error {
	s.connected.Store(false)

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.messages)
	}
	s.mu.Unlock()

	s.logger.Info("disconnected")
	return nil
}

// Send posts a message via chat.postMessage and returns its ts, which
// chat.update accepts as the message ID.
func (s *Slack) Send(ctx context.Context, channelID, text string) (string, error) {
	if !s.connected.Load() {
		return "", ErrDisconnected
	}

	var posted struct {
		TS string `json:"ts"`
	}
	err := s.apiCall(ctx, "chat.postMessage", map[string]any{
		"channel": channelID,
		"text":    text,
	}, &posted)
	if err != nil {
		s.errorCount.Add(1)
		return "", fmt.Errorf("slack send: %w", err)
	}
	s.errorCount.Store(0)
	return posted.TS, nil
}

// EditMessage rewrites an earlier message via chat.update.
func (s *Slack) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	if !s.connected.Load() {
		return ErrDisconnected
	}

	err := s.apiCall(ctx, "chat.update", map[string]any{
		"channel": channelID,
		"ts":      messageID,
		"text":    text,
	}, nil)
	if err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("slack edit: %w", err)
	}
	s.errorCount.Store(0)
	return nil
}

// Receive returns the inbound stream. It never delivers; see the type
// comment.
func (s *Slack) Receive() <-chan *Message { return s.messages }

// IsConnected reports gateway state.
func (s *Slack) IsConnected() bool { return s.connected.Load() }

// Health snapshots connection health.
func (s *Slack) Health() HealthStatus {
	return HealthStatus{
		Connected:  s.connected.Load(),
		ErrorCount: int(s.errorCount.Load()),
	}
}

// apiCall posts one Web API method and checks Slack's ok/error envelope.
// The full body is decoded into out, matching Slack's flat responses.
func (s *Slack) apiCall(ctx context.Context, method string, payload map[string]any, out any) error {
	url := s.baseURL + "/" + method

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.cfg.BotToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s", method, envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parsing %s response: %w", method, err)
		}
	}
	return nil
}

var _ Gateway = (*Slack)(nil)
