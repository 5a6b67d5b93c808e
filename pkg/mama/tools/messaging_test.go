package tools

import (
	"context"
	"fmt"
	"testing"
)

type fakeSender struct {
	gateway string
	channel string
	text    string
	fail    bool
}

func (f *fakeSender) Send(_ context.Context, gateway, channelID, text string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("gateway not connected")
	}
	f.gateway, f.channel, f.text = gateway, channelID, text
	return "msg-42", nil
}

func TestMessagingToolsRoute(t *testing.T) {
	t.Parallel()
	e := testExecutor(t)
	sender := &fakeSender{}
	RegisterMessagingTools(e, sender)

	tests := []struct {
		tool       string
		channelArg string
		gateway    string
	}{
		{"discord_send", "channel_id", "discord"},
		{"slack_send", "channel", "slack"},
		{"telegram_send", "chat_id", "telegram"},
	}
	for _, tt := range tests {
		res := callTool(t, e, ownerCtx(), tt.tool, map[string]any{
			tt.channelArg: "room-1",
			"message":     "hello",
		})
		m := decodeResult(t, res)
		if m["success"] != true {
			t.Fatalf("%s failed: %v", tt.tool, res.Content)
		}
		if m["message_id"] != "msg-42" {
			t.Errorf("%s message_id = %v", tt.tool, m["message_id"])
		}
		if sender.gateway != tt.gateway || sender.channel != "room-1" || sender.text != "hello" {
			t.Errorf("%s routed %s/%s/%s", tt.tool, sender.gateway, sender.channel, sender.text)
		}
	}
}

func TestMessagingMissingArgs(t *testing.T) {
	t.Parallel()
	e := testExecutor(t)
	RegisterMessagingTools(e, &fakeSender{})

	res := callTool(t, e, ownerCtx(), "discord_send", map[string]any{"message": "hi"})
	if !res.IsError {
		t.Error("missing channel_id should be an error result")
	}

	res = callTool(t, e, ownerCtx(), "telegram_send", map[string]any{"chat_id": "1", "message": "   "})
	if !res.IsError {
		t.Error("blank message should be an error result")
	}
}

func TestMessagingSendFailure(t *testing.T) {
	t.Parallel()
	e := testExecutor(t)
	RegisterMessagingTools(e, &fakeSender{fail: true})

	res := callTool(t, e, ownerCtx(), "slack_send", map[string]any{
		"channel": "general", "message": "hi",
	})
	if !res.IsError {
		t.Error("send failure should surface as an error result")
	}
}

func TestMessagingNilSender(t *testing.T) {
	t.Parallel()
	e := testExecutor(t)
	RegisterMessagingTools(e, nil)

	res := callTool(t, e, ownerCtx(), "discord_send", map[string]any{
		"channel_id": "c", "message": "hi",
	})
	m := decodeResult(t, res)
	if m["success"] != false {
		t.Error("nil sender should answer success=false")
	}
}
