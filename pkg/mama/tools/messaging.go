package tools

import (
	"context"
	"fmt"
	"strings"
)

// MessageSender routes an outbound message to a connected gateway. The
// gateway manager satisfies this; tests substitute a recorder.
type MessageSender interface {
	Send(ctx context.Context, gateway, channelID, text string) (messageID string, err error)
}

// RegisterMessagingTools wires discord_send, slack_send, and
// telegram_send against the gateway manager. A disconnected gateway
// surfaces as a tool failure the model can report back to the user.
func RegisterMessagingTools(e *Executor, sender MessageSender) {
	register := func(name, gateway, channelArg, channelDesc string) {
		e.Register(
			MakeToolDefinition(name, fmt.Sprintf("Send a message to a %s channel.", gateway), map[string]any{
				"type": "object",
				"properties": map[string]any{
					channelArg: map[string]any{
						"type":        "string",
						"description": channelDesc,
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Message text to send",
					},
				},
				"required": []string{channelArg, "message"},
			}),
			func(ctx context.Context, args map[string]any) (any, error) {
				channel := strArg(args, channelArg)
				message := strings.TrimSpace(strArg(args, "message"))
				if channel == "" {
					return nil, fmt.Errorf("%s is required", channelArg)
				}
				if message == "" {
					return nil, fmt.Errorf("message is required")
				}
				if sender == nil {
					return map[string]any{"success": false, "error": gateway + " gateway not configured"}, nil
				}
				id, err := sender.Send(ctx, gateway, channel, message)
				if err != nil {
					return nil, fmt.Errorf("sending to %s: %w", gateway, err)
				}
				return map[string]any{"success": true, "message_id": id}, nil
			},
		)
	}

	register("discord_send", "discord", "channel_id", "Discord channel ID")
	register("slack_send", "slack", "channel", "Slack channel ID or name")
	register("telegram_send", "telegram", "chat_id", "Telegram chat ID")
}
