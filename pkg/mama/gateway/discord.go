package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// discordMaxMessage is Discord's hard per-message character limit.
const discordMaxMessage = 2000

// gatewayBuffer sizes each platform's inbound channel.
const gatewayBuffer = 256

// Discord connects over the discordgo gateway WebSocket. Reconnection
// is discordgo's job; this type handles filtering, chunked sends, and
// streaming edits.
type Discord struct {
	cfg    config.DiscordConfig
	logger *slog.Logger

	session       *discordgo.Session
	removeHandler func()

	messages   chan *Message
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// pushMu orders inbound pushes against the Disconnect close, since
	// discordgo callbacks can still be in flight while we shut down.
	pushMu sync.RWMutex
	closed bool
}

// NewDiscord builds the Discord gateway.
func NewDiscord(cfg config.DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *Message, gatewayBuffer),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway WebSocket. discordgo owns the connection
// lifetime after this point; ctx is not consulted again.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	d.removeHandler = session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the WebSocket and the Receive channel.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.removeHandler != nil {
		d.removeHandler()
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("gateway close", "error", err)
		}
	}

	d.pushMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.messages)
	}
	d.pushMu.Unlock()

	d.logger.Info("disconnected")
	return nil
}

// Send posts a message, splitting at the 2000-character limit. The
// returned ID is the first chunk's, which later edits target.
func (d *Discord) Send(ctx context.Context, channelID, text string) (string, error) {
	if d.session == nil || !d.connected.Load() {
		return "", ErrDisconnected
	}

	var firstID string
	for i, chunk := range splitMessage(text, discordMaxMessage) {
		msg, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			d.errorCount.Add(1)
			return firstID, fmt.Errorf("discord send: %w", err)
		}
		if i == 0 {
			firstID = msg.ID
		}
	}
	d.errorCount.Store(0)
	return firstID, nil
}

// EditMessage rewrites an earlier message. Text past the per-message
// limit cannot live in the edited message, so the first chunk replaces
// it and the rest follow as fresh messages.
func (d *Discord) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	if d.session == nil || !d.connected.Load() {
		return ErrDisconnected
	}

	chunks := splitMessage(text, discordMaxMessage)
	if _, err := d.session.ChannelMessageEdit(channelID, messageID, chunks[0], discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord edit: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord edit overflow: %w", err)
		}
	}
	d.errorCount.Store(0)
	return nil
}

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *Message { return d.messages }

// IsConnected reports gateway state.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health snapshots connection health.
func (d *Discord) Health() HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// onMessageCreate filters and forwards inbound Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	var botUser *discordgo.User
	if s.State != nil {
		botUser = s.State.User
	}
	if botUser != nil && m.Author.ID == botUser.ID {
		return
	}
	if m.Author.Bot {
		return
	}
	if !d.guildAllowed(m.GuildID) {
		return
	}

	isGuild := m.GuildID != ""
	if isGuild && d.cfg.RespondToMentionsOnly && !mentionsUser(m.Mentions, botUser) {
		return
	}

	text := m.Content
	if botUser != nil {
		text = stripMention(text, botUser.ID)
	}

	incoming := &Message{
		ID:        m.ID,
		Gateway:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		IsGroup:   isGuild,
		Text:      text,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyToID = m.ReferencedMessage.ID
	}

	d.lastMsg.Store(time.Now())
	d.push(incoming)
}

func (d *Discord) push(msg *Message) {
	d.pushMu.RLock()
	defer d.pushMu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("inbound buffer full, dropping message", "id", msg.ID)
	}
}

func (d *Discord) guildAllowed(guildID string) bool {
	if len(d.cfg.AllowedGuilds) == 0 || guildID == "" {
		return true
	}
	for _, id := range d.cfg.AllowedGuilds {
		if id == guildID {
			return true
		}
	}
	return false
}

func mentionsUser(mentions []*discordgo.User, user *discordgo.User) bool {
	if user == nil {
		return false
	}
	for _, u := range mentions {
		if u != nil && u.ID == user.ID {
			return true
		}
	}
	return false
}

// stripMention removes the bot's own mention tokens so the agent sees
// the question, not the addressing.
func stripMention(text, botID string) string {
	text = strings.ReplaceAll(text, "<@"+botID+">", "")
	text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	return strings.TrimSpace(text)
}

var _ Gateway = (*Discord)(nil)
