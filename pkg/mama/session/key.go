// Package session tracks backend conversation sessions per chat context and
// serializes agent runs so one context never has two concurrent turns.
package session

import "strings"

// ChannelKey identifies a conversation context: where a message came from
// and which user/channel it belongs to. Its string form is the session map
// key and appears in logs.
type ChannelKey struct {
	// Source is the gateway: "discord", "telegram", "slack", "viewer", "cli".
	Source string

	// Guild is the server/team scope (Discord guild, Slack workspace).
	Guild string

	// Channel is the channel or chat within the guild.
	Channel string

	// User is the author.
	User string
}

// String renders "source:guild:channel:user" with empty segments replaced
// by "default", so keys are always four segments and collide predictably.
func (k ChannelKey) String() string {
	return strings.Join([]string{
		orDefault(k.Source),
		orDefault(k.Guild),
		orDefault(k.Channel),
		orDefault(k.User),
	}, ":")
}

// ParseChannelKey parses a canonical four-segment key. Short forms get
// trailing "default" segments; extra segments fold into User.
func ParseChannelKey(s string) ChannelKey {
	parts := strings.SplitN(s, ":", 4)
	for len(parts) < 4 {
		parts = append(parts, "default")
	}
	return ChannelKey{
		Source:  orDefault(parts[0]),
		Guild:   orDefault(parts[1]),
		Channel: orDefault(parts[2]),
		User:    orDefault(parts[3]),
	}
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}
