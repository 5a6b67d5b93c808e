package tools

import (
	"context"
	"strings"
	"testing"
)

type fakeController struct {
	bots      []BotInfo
	restarted []string
	stopped   []string
	mappings  map[string]string
}

func newFakeController() *fakeController {
	return &fakeController{
		bots: []BotInfo{
			{Name: "disc-main", Gateway: "discord", Connected: true, Token: "discord-token-abcdef123456"},
		},
		mappings: map[string]string{},
	}
}

func (f *fakeController) AddBot(_ context.Context, gateway, token, channel string) (string, error) {
	name := gateway + "-new"
	f.bots = append(f.bots, BotInfo{Name: name, Gateway: gateway, Token: token})
	return name, nil
}

func (f *fakeController) SetPermissions(_ context.Context, source, role string) error {
	f.mappings[source] = role
	return nil
}

func (f *fakeController) ConfigSnapshot(context.Context) (map[string]any, error) {
	return map[string]any{
		"name": "mama",
		"gateways": map[string]any{
			"discord": map[string]any{
				"enabled": true,
				"token":   "discord-token-abcdef123456",
			},
		},
	}, nil
}

func (f *fakeController) ListBots(context.Context) ([]BotInfo, error) {
	out := make([]BotInfo, len(f.bots))
	copy(out, f.bots)
	return out, nil
}

func (f *fakeController) RestartBot(_ context.Context, name string) error {
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeController) StopBot(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func osExecutor(t *testing.T) (*Executor, *fakeController) {
	t.Helper()
	e := testExecutor(t)
	ctrl := newFakeController()
	RegisterOSTools(e, ctrl)
	return e, ctrl
}

func TestMutatorsRequireViewer(t *testing.T) {
	t.Parallel()
	e, ctrl := osExecutor(t)

	// chat_bot blocks os_* by role, so exercise the viewer gate with an
	// owner-role CLI context instead.
	rm := testRoles()
	cliCtx := ContextWithAgent(context.Background(), rm.ContextFor("cli", srcMeta("s-cli")))

	for _, tc := range []struct {
		tool string
		args map[string]any
	}{
		{"os_add_bot", map[string]any{"gateway": "discord", "token": "tok"}},
		{"os_set_permissions", map[string]any{"source": "discord", "role": "chat_bot"}},
		{"os_restart_bot", map[string]any{"name": "disc-main"}},
		{"os_stop_bot", map[string]any{"name": "disc-main"}},
	} {
		res := callTool(t, e, cliCtx, tc.tool, tc.args)
		m := decodeResult(t, res)
		if m["success"] != false {
			t.Errorf("%s from cli: success = %v, want false", tc.tool, m["success"])
		}
		errMsg, _ := m["error"].(string)
		if !strings.Contains(errMsg, "Permission denied") {
			t.Errorf("%s error = %q, want Permission denied", tc.tool, errMsg)
		}
	}
	if len(ctrl.restarted)+len(ctrl.stopped) != 0 {
		t.Error("controller mutated despite denial")
	}
}

func TestViewerCanMutate(t *testing.T) {
	t.Parallel()
	e, ctrl := osExecutor(t)

	res := callTool(t, e, ownerCtx(), "os_restart_bot", map[string]any{"name": "disc-main"})
	m := decodeResult(t, res)
	if m["success"] != true {
		t.Fatalf("viewer restart failed: %v", res.Content)
	}
	if len(ctrl.restarted) != 1 || ctrl.restarted[0] != "disc-main" {
		t.Errorf("restarted = %v", ctrl.restarted)
	}

	res = callTool(t, e, ownerCtx(), "os_set_permissions", map[string]any{
		"source": "telegram", "role": "chat_bot",
	})
	m = decodeResult(t, res)
	if m["success"] != true {
		t.Fatalf("set_permissions failed: %v", res.Content)
	}
	if ctrl.mappings["telegram"] != "chat_bot" {
		t.Errorf("mapping = %v", ctrl.mappings)
	}
}

func TestGetConfigMasksForNonViewer(t *testing.T) {
	t.Parallel()
	e, _ := osExecutor(t)

	rm := testRoles()
	cliCtx := ContextWithAgent(context.Background(), rm.ContextFor("cli", srcMeta("s-cli")))

	res := callTool(t, e, cliCtx, "os_get_config", nil)
	if strings.Contains(res.Content, "discord-token-abcdef123456") {
		t.Error("full token leaked to non-viewer caller")
	}

	res = callTool(t, e, ownerCtx(), "os_get_config", nil)
	if !strings.Contains(res.Content, "discord-token-abcdef123456") {
		t.Error("viewer should see the unmasked token")
	}
}

func TestListBotsMasksTokens(t *testing.T) {
	t.Parallel()
	e, _ := osExecutor(t)

	rm := testRoles()
	cliCtx := ContextWithAgent(context.Background(), rm.ContextFor("cli", srcMeta("s-cli")))

	res := callTool(t, e, cliCtx, "os_list_bots", nil)
	m := decodeResult(t, res)
	if m["success"] != true {
		t.Fatalf("list failed: %v", res.Content)
	}
	if strings.Contains(res.Content, "discord-token-abcdef123456") {
		t.Error("token leaked in bot list")
	}
}

func TestMaskValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "****"},
		{"abcdefghijklmnop", "abcd********"},
	}
	for _, tt := range tests {
		if got := maskValue(tt.in); got != tt.want {
			t.Errorf("maskValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskSensitiveNested(t *testing.T) {
	t.Parallel()
	in := map[string]any{
		"name": "mama",
		"outer": map[string]any{
			"api_key": "supersecretvalue123",
			"port":    8787,
		},
	}
	out := maskSensitive(in)
	if out["name"] != "mama" {
		t.Error("non-sensitive value changed")
	}
	nested := out["outer"].(map[string]any)
	if nested["api_key"] == "supersecretvalue123" {
		t.Error("nested api_key not masked")
	}
	if nested["port"] != 8787 {
		t.Error("non-string value changed")
	}
	// Original untouched.
	if in["outer"].(map[string]any)["api_key"] != "supersecretvalue123" {
		t.Error("input map was mutated")
	}
}
