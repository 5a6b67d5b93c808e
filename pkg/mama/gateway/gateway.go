// Package gateway connects MAMA to chat platforms. Each platform
// implements the Gateway interface; the Manager aggregates every
// connected gateway's inbound messages into one stream and routes
// outbound sends and edits by gateway name.
package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected is returned for sends and edits on a gateway that is
// not currently connected.
var ErrDisconnected = errors.New("gateway disconnected")

// ErrUnknownGateway is returned when routing to a name that was never
// registered.
var ErrUnknownGateway = errors.New("unknown gateway")

// Message is one inbound chat message, normalized across platforms.
type Message struct {
	// ID is the platform message identifier.
	ID string

	// Gateway names the source platform ("discord", "telegram", "slack").
	Gateway string

	// From is the platform user ID of the sender.
	From string

	// FromName is the sender's display name, when the platform offers one.
	FromName string

	// ChannelID is where the reply should go (channel, chat, or DM ID).
	ChannelID string

	// GuildID is the Discord server ID. Empty elsewhere.
	GuildID string

	// IsGroup reports a multi-user room rather than a direct message.
	IsGroup bool

	// Text is the message body.
	Text string

	// ReplyToID is the quoted message's ID, when the message is a reply.
	ReplyToID string

	Timestamp time.Time
}

// HealthStatus is one gateway's connection health snapshot.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Gateway is one chat platform connection. Implementations must keep
// Receive usable for the lifetime of the value: the channel is created
// at construction and closed at most once, by Disconnect.
type Gateway interface {
	// Name returns the stable platform name used for routing.
	Name() string

	// Connect establishes the platform connection and starts inbound
	// delivery. The context bounds the connection's lifetime.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and closes the Receive
	// channel. Safe to call on a gateway that never connected.
	Disconnect() error

	// Send posts a message and returns the platform message ID, which
	// EditMessage accepts later.
	Send(ctx context.Context, channelID, text string) (messageID string, err error)

	// EditMessage replaces a previously sent message's text.
	EditMessage(ctx context.Context, channelID, messageID, text string) error

	// Receive streams inbound messages. Closed by Disconnect.
	Receive() <-chan *Message

	IsConnected() bool
	Health() HealthStatus
}

// splitMessage chunks text at a platform's length limit, preferring to
// cut at a newline in the back half of the window so code blocks and
// paragraphs survive where possible.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := lastNewline(text[:maxLen]); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
