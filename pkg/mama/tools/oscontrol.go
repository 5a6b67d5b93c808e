package tools

import (
	"context"
	"fmt"
	"strings"
)

// BotInfo is one managed bot as reported by os_list_bots.
type BotInfo struct {
	Name      string `json:"name"`
	Gateway   string `json:"gateway"`
	Connected bool   `json:"connected"`
	Role      string `json:"role,omitempty"`
	Token     string `json:"token,omitempty"`
}

// BotController is the management surface behind the os_* tools. The
// daemon implements it; mutating calls reconfigure running gateways.
type BotController interface {
	AddBot(ctx context.Context, gateway, token, channel string) (string, error)
	SetPermissions(ctx context.Context, source, role string) error
	ConfigSnapshot(ctx context.Context) (map[string]any, error)
	ListBots(ctx context.Context) ([]BotInfo, error)
	RestartBot(ctx context.Context, name string) error
	StopBot(ctx context.Context, name string) error
}

// RegisterOSTools wires the bot management tools. Mutators demand that
// the call originates from the viewer surface regardless of role; the
// read-only pair answers anyone but masks tokens for non-viewers.
func RegisterOSTools(e *Executor, ctrl BotController) {
	requireViewer := func(ctx context.Context) (any, bool) {
		ac, ok := AgentFromContext(ctx)
		if !ok || !ac.IsViewer() {
			return map[string]any{"success": false, "error": "Permission denied: this operation requires the viewer console"}, false
		}
		return nil, true
	}

	// os_add_bot
	e.Register(
		MakeToolDefinition("os_add_bot", "Register a new gateway bot (Discord, Slack, or Telegram) with its token. Viewer console only.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"gateway": map[string]any{
					"type":        "string",
					"enum":        []string{"discord", "slack", "telegram"},
					"description": "Gateway type",
				},
				"token": map[string]any{
					"type":        "string",
					"description": "Bot token for the gateway",
				},
				"channel": map[string]any{
					"type":        "string",
					"description": "Default channel the bot reports to",
				},
			},
			"required": []string{"gateway", "token"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			if denial, ok := requireViewer(ctx); !ok {
				return denial, nil
			}
			gw := strArg(args, "gateway")
			token := strArg(args, "token")
			if gw == "" || token == "" {
				return map[string]any{"success": false, "message": "os_add_bot requires gateway and token"}, nil
			}
			name, err := ctrl.AddBot(ctx, gw, token, strArg(args, "channel"))
			if err != nil {
				return nil, fmt.Errorf("adding bot: %w", err)
			}
			return map[string]any{"success": true, "name": name}, nil
		},
	)

	// os_set_permissions
	e.Register(
		MakeToolDefinition("os_set_permissions", "Map a message source to a role, changing what tools that surface may use. Viewer console only.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Message source (discord, slack, telegram, cli)",
				},
				"role": map[string]any{
					"type":        "string",
					"description": "Role name to assign",
				},
			},
			"required": []string{"source", "role"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			if denial, ok := requireViewer(ctx); !ok {
				return denial, nil
			}
			source := strArg(args, "source")
			role := strArg(args, "role")
			if source == "" || role == "" {
				return map[string]any{"success": false, "message": "os_set_permissions requires source and role"}, nil
			}
			if err := ctrl.SetPermissions(ctx, source, role); err != nil {
				return nil, fmt.Errorf("setting permissions: %w", err)
			}
			return map[string]any{"success": true, "source": source, "role": role}, nil
		},
	)

	// os_get_config
	e.Register(
		MakeToolDefinition("os_get_config", "Return the effective configuration. Tokens and secrets are masked unless called from the viewer console.", map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}),
		func(ctx context.Context, _ map[string]any) (any, error) {
			snapshot, err := ctrl.ConfigSnapshot(ctx)
			if err != nil {
				return nil, fmt.Errorf("reading config: %w", err)
			}
			if ac, ok := AgentFromContext(ctx); !ok || !ac.IsViewer() {
				snapshot = maskSensitive(snapshot)
			}
			return map[string]any{"success": true, "config": snapshot}, nil
		},
	)

	// os_list_bots
	e.Register(
		MakeToolDefinition("os_list_bots", "List the managed gateway bots and their connection state.", map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}),
		func(ctx context.Context, _ map[string]any) (any, error) {
			bots, err := ctrl.ListBots(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing bots: %w", err)
			}
			if ac, ok := AgentFromContext(ctx); !ok || !ac.IsViewer() {
				for i := range bots {
					bots[i].Token = maskValue(bots[i].Token)
				}
			}
			return map[string]any{"success": true, "bots": bots, "count": len(bots)}, nil
		},
	)

	// os_restart_bot
	e.Register(
		MakeToolDefinition("os_restart_bot", "Disconnect and reconnect a gateway bot. Viewer console only.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Bot name from os_list_bots",
				},
			},
			"required": []string{"name"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			if denial, ok := requireViewer(ctx); !ok {
				return denial, nil
			}
			name := strArg(args, "name")
			if name == "" {
				return map[string]any{"success": false, "message": "os_restart_bot requires name"}, nil
			}
			if err := ctrl.RestartBot(ctx, name); err != nil {
				return nil, fmt.Errorf("restarting bot %s: %w", name, err)
			}
			return map[string]any{"success": true, "name": name}, nil
		},
	)

	// os_stop_bot
	e.Register(
		MakeToolDefinition("os_stop_bot", "Disconnect a gateway bot without removing its configuration. Viewer console only.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Bot name from os_list_bots",
				},
			},
			"required": []string{"name"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			if denial, ok := requireViewer(ctx); !ok {
				return denial, nil
			}
			name := strArg(args, "name")
			if name == "" {
				return map[string]any{"success": false, "message": "os_stop_bot requires name"}, nil
			}
			if err := ctrl.StopBot(ctx, name); err != nil {
				return nil, fmt.Errorf("stopping bot %s: %w", name, err)
			}
			return map[string]any{"success": true, "name": name}, nil
		},
	)
}

// sensitiveKey reports whether a config key holds a credential.
func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"token", "secret", "password", "api_key", "apikey"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// maskSensitive walks a config snapshot and masks credential values.
// The input map is not modified.
func maskSensitive(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = maskSensitive(val)
		case string:
			if sensitiveKey(k) {
				out[k] = maskValue(val)
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

// maskValue hides a credential, keeping a short prefix for recognition.
func maskValue(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 8)
}
