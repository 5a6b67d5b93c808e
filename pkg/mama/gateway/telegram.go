package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// telegramMaxMessage is the Bot API per-message character limit.
const telegramMaxMessage = 4096

// telegramPollSeconds is the getUpdates long-poll window. The HTTP
// client timeout must stay above it.
const telegramPollSeconds = 25

// Telegram talks to the Bot API directly over HTTP: long polling for
// inbound, sendMessage/editMessageText for outbound. Replies use HTML
// parse mode with a plain-text retry when entity parsing fails.
type Telegram struct {
	cfg    config.TelegramConfig
	logger *slog.Logger
	client *http.Client

	// baseURL is swapped for a test server in unit tests.
	baseURL string

	botName string

	messages   chan *Message
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewTelegram builds the Telegram gateway.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: (telegramPollSeconds + 10) * time.Second},
		baseURL:  "https://api.telegram.org",
		messages: make(chan *Message, gatewayBuffer),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect validates the token via getMe and starts the long-poll loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}

	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := t.apiCall(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	t.botName = me.Username

	pollCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.connected.Store(true)
	t.logger.Info("connected", "bot", me.Username, "id", me.ID)

	go t.pollLoop(pollCtx, done)
	return nil
}

// Disconnect stops the poll loop and closes the Receive channel.
func (t *Telegram) Disconnect() error {
	t.connected.Store(false)

	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.messages)
	}
	t.mu.Unlock()

	t.logger.Info("disconnected")
	return nil
}

// Send posts a message in HTML parse mode, splitting at the 4096-char
// limit. Returns the first chunk's message ID.
func (t *Telegram) Send(ctx context.Context, chatID, text string) (string, error) {
	if !t.connected.Load() {
		return "", ErrDisconnected
	}

	var firstID string
	for i, chunk := range splitMessage(text, telegramMaxMessage) {
		id, err := t.sendChunk(ctx, chatID, chunk)
		if err != nil {
			t.errorCount.Add(1)
			return firstID, fmt.Errorf("telegram send: %w", err)
		}
		if i == 0 {
			firstID = id
		}
	}
	t.errorCount.Store(0)
	return firstID, nil
}

// EditMessage rewrites an earlier message via editMessageText. Overflow
// past the per-message limit is delivered as follow-up messages.
func (t *Telegram) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if !t.connected.Load() {
		return ErrDisconnected
	}

	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram edit: bad message id %q: %w", messageID, err)
	}

	chunks := splitMessage(text, telegramMaxMessage)
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
		"text":       chunks[0],
		"parse_mode": "HTML",
	}
	if err := t.apiCall(ctx, "editMessageText", payload, nil); err != nil {
		if !isEntityParseError(err) {
			t.errorCount.Add(1)
			return fmt.Errorf("telegram edit: %w", err)
		}
		delete(payload, "parse_mode")
		if err := t.apiCall(ctx, "editMessageText", payload, nil); err != nil {
			t.errorCount.Add(1)
			return fmt.Errorf("telegram edit: %w", err)
		}
	}
	for _, chunk := range chunks[1:] {
		if _, err := t.sendChunk(ctx, chatID, chunk); err != nil {
			t.errorCount.Add(1)
			return fmt.Errorf("telegram edit overflow: %w", err)
		}
	}
	t.errorCount.Store(0)
	return nil
}

// Receive returns the inbound message stream.
func (t *Telegram) Receive() <-chan *Message { return t.messages }

// IsConnected reports gateway state.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health snapshots connection health.
func (t *Telegram) Health() HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// sendChunk posts one message, falling back to plain text when HTML
// entity parsing rejects the content.
func (t *Telegram) sendChunk(ctx context.Context, chatID, text string) (string, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	err := t.apiCall(ctx, "sendMessage", payload, &sent)
	if err != nil && isEntityParseError(err) {
		delete(payload, "parse_mode")
		err = t.apiCall(ctx, "sendMessage", payload, &sent)
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// pollLoop runs getUpdates long polling until the context ends,
// backing off on transport errors.
func (t *Telegram) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var offset int64
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			t.logger.Info("poll loop stopped")
			return
		}

		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				t.logger.Info("poll loop stopped")
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("getUpdates failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			t.handleUpdate(upd)
		}
	}
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	payload := map[string]any{
		"timeout":         telegramPollSeconds,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	var updates []tgUpdate
	if err := t.apiCall(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Telegram) handleUpdate(upd tgUpdate) {
	msg := upd.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if msg.From == nil || msg.From.IsBot {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if !t.chatAllowed(chatID) {
		return
	}

	fromName := msg.From.FirstName
	if fromName == "" {
		fromName = msg.From.Username
	}

	incoming := &Message{
		ID:        strconv.FormatInt(msg.MessageID, 10),
		Gateway:   "telegram",
		From:      strconv.FormatInt(msg.From.ID, 10),
		FromName:  fromName,
		ChannelID: chatID,
		IsGroup:   msg.Chat.Type != "private",
		Text:      msg.Text,
		Timestamp: time.Unix(msg.Date, 0),
	}
	if msg.ReplyTo != nil {
		incoming.ReplyToID = strconv.FormatInt(msg.ReplyTo.MessageID, 10)
	}

	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("inbound buffer full, dropping message", "id", incoming.ID)
	}
}

func (t *Telegram) chatAllowed(chatID string) bool {
	if len(t.cfg.AllowedChats) == 0 {
		return true
	}
	for _, id := range t.cfg.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// apiCall posts one Bot API method and decodes its result envelope.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any, out any) error {
	url := t.baseURL + "/bot" + t.cfg.Token + "/" + method

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s", method, envelope.Description)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("parsing %s result: %w", method, err)
		}
	}
	return nil
}

func isEntityParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}

// Bot API wire shapes, limited to the fields MAMA reads.

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64      `json:"message_id"`
	From      *tgUser    `json:"from"`
	Chat      tgChat     `json:"chat"`
	Date      int64      `json:"date"`
	Text      string     `json:"text"`
	ReplyTo   *tgMessage `json:"reply_to_message"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

var _ Gateway = (*Telegram)(nil)
