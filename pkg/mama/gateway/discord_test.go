package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/mama/pkg/mama/config"
)

func newDiscordSession(t *testing.T) *discordgo.Session {
	t.Helper()
	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "bot-1", Username: "mama"}
	return s
}

func discordMessage(mut func(*discordgo.Message)) *discordgo.MessageCreate {
	msg := &discordgo.Message{
		ID:        "msg-1",
		ChannelID: "chan-1",
		Content:   "hello there",
		Author:    &discordgo.User{ID: "user-1", Username: "ada"},
		Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if mut != nil {
		mut(msg)
	}
	return &discordgo.MessageCreate{Message: msg}
}

func receiveNow(t *testing.T, d *Discord) *Message {
	t.Helper()
	select {
	case msg := <-d.Receive():
		return msg
	default:
		return nil
	}
}

func TestDiscordOnMessageFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.DiscordConfig
		message  *discordgo.MessageCreate
		want     bool
		wantText string
	}{
		{
			name:     "plain dm passes",
			message:  discordMessage(nil),
			want:     true,
			wantText: "hello there",
		},
		{
			name: "own message dropped",
			message: discordMessage(func(m *discordgo.Message) {
				m.Author = &discordgo.User{ID: "bot-1", Username: "mama"}
			}),
		},
		{
			name: "bot author dropped",
			message: discordMessage(func(m *discordgo.Message) {
				m.Author.Bot = true
			}),
		},
		{
			name: "disallowed guild dropped",
			cfg:  config.DiscordConfig{AllowedGuilds: []string{"g-home"}},
			message: discordMessage(func(m *discordgo.Message) {
				m.GuildID = "g-other"
			}),
		},
		{
			name: "allowed guild passes",
			cfg:  config.DiscordConfig{AllowedGuilds: []string{"g-home"}},
			message: discordMessage(func(m *discordgo.Message) {
				m.GuildID = "g-home"
			}),
			want:     true,
			wantText: "hello there",
		},
		{
			name: "mentions-only guild without mention dropped",
			cfg:  config.DiscordConfig{RespondToMentionsOnly: true},
			message: discordMessage(func(m *discordgo.Message) {
				m.GuildID = "g-home"
			}),
		},
		{
			name: "mentions-only guild with mention passes stripped",
			cfg:  config.DiscordConfig{RespondToMentionsOnly: true},
			message: discordMessage(func(m *discordgo.Message) {
				m.GuildID = "g-home"
				m.Content = "<@bot-1> deploy the fix"
				m.Mentions = []*discordgo.User{{ID: "bot-1"}}
			}),
			want:     true,
			wantText: "deploy the fix",
		},
		{
			name:     "mentions-only never gates dms",
			cfg:      config.DiscordConfig{RespondToMentionsOnly: true},
			message:  discordMessage(nil),
			want:     true,
			wantText: "hello there",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewDiscord(tt.cfg, nil)
			d.onMessageCreate(newDiscordSession(t), tt.message)

			got := receiveNow(t, d)
			if tt.want && got == nil {
				t.Fatal("message was dropped")
			}
			if !tt.want {
				if got != nil {
					t.Fatalf("message was forwarded: %+v", got)
				}
				return
			}
			if got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if got.Gateway != "discord" || got.From != tt.message.Author.ID {
				t.Errorf("Gateway = %q, From = %q", got.Gateway, got.From)
			}
			if got.IsGroup != (tt.message.GuildID != "") {
				t.Errorf("IsGroup = %v for guild %q", got.IsGroup, tt.message.GuildID)
			}
		})
	}
}

func TestDiscordForwardsReplyAndHealth(t *testing.T) {
	t.Parallel()
	d := NewDiscord(config.DiscordConfig{}, nil)

	d.onMessageCreate(newDiscordSession(t), discordMessage(func(m *discordgo.Message) {
		m.ReferencedMessage = &discordgo.Message{ID: "parent-7"}
	}))

	got := receiveNow(t, d)
	if got == nil {
		t.Fatal("message was dropped")
	}
	if got.ReplyToID != "parent-7" {
		t.Errorf("ReplyToID = %q, want parent-7", got.ReplyToID)
	}
	if got.Timestamp != time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) {
		t.Errorf("Timestamp = %v", got.Timestamp)
	}
	if d.Health().LastMessageAt.IsZero() {
		t.Error("inbound message did not update LastMessageAt")
	}
}

func TestStripMention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"<@bot-1> hello", "hello"},
		{"<@!bot-1> hello", "hello"},
		{"hello <@bot-1>", "hello"},
		{"hello", "hello"},
		{"<@other> hello", "<@other> hello"},
		{"  <@bot-1>   spaced  ", "spaced"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in, "bot-1"); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiscordGuildAllowed(t *testing.T) {
	t.Parallel()

	open := NewDiscord(config.DiscordConfig{}, nil)
	restricted := NewDiscord(config.DiscordConfig{AllowedGuilds: []string{"g1", "g2"}}, nil)

	tests := []struct {
		d       *Discord
		guildID string
		want    bool
	}{
		{open, "anything", true},
		{open, "", true},
		{restricted, "g1", true},
		{restricted, "g2", true},
		{restricted, "g3", false},
		{restricted, "", true}, // DMs carry no guild and always pass
	}
	for _, tt := range tests {
		if got := tt.d.guildAllowed(tt.guildID); got != tt.want {
			t.Errorf("guildAllowed(%q) = %v, want %v", tt.guildID, got, tt.want)
		}
	}
}

func TestDiscordDisconnectWithoutConnect(t *testing.T) {
	t.Parallel()
	d := NewDiscord(config.DiscordConfig{}, nil)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	select {
	case _, ok := <-d.Receive():
		if ok {
			t.Error("unexpected message on closed gateway")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive not closed after Disconnect")
	}

	// Late handler callbacks must not panic against the closed channel.
	d.onMessageCreate(newDiscordSession(t), discordMessage(nil))
}

func TestDiscordDisconnectedSendAndEdit(t *testing.T) {
	t.Parallel()
	d := NewDiscord(config.DiscordConfig{}, nil)
	ctx := context.Background()

	if _, err := d.Send(ctx, "chan-1", "hi"); err != ErrDisconnected {
		t.Errorf("Send err = %v, want ErrDisconnected", err)
	}
	if err := d.EditMessage(ctx, "chan-1", "msg-1", "hi"); err != ErrDisconnected {
		t.Errorf("EditMessage err = %v, want ErrDisconnected", err)
	}
}

func TestDiscordConnectRequiresToken(t *testing.T) {
	t.Parallel()
	d := NewDiscord(config.DiscordConfig{}, nil)
	if err := d.Connect(context.Background()); err == nil {
		t.Error("Connect without token should fail")
	}
}
