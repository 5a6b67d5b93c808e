package tools

import "strings"

// builtinCatalog is the closed set of built-in tool names, in the order
// they are presented to the model. MCP tools register on top of this at
// runtime under the mcp__ prefix.
var builtinCatalog = []string{
	// Memory
	"mama_search", "mama_save", "mama_update", "mama_load_checkpoint",
	// Filesystem
	"Read", "Write", "Grep", "Glob",
	// Execution
	"Bash",
	// Messaging
	"discord_send", "slack_send", "telegram_send",
	// Browser
	"browser_navigate", "browser_screenshot", "browser_click",
	"browser_type", "browser_get_text", "browser_scroll",
	"browser_wait_for", "browser_evaluate", "browser_pdf", "browser_close",
	// PR
	"pr_review_threads",
	// OS management
	"os_add_bot", "os_set_permissions", "os_get_config",
	"os_list_bots", "os_restart_bot", "os_stop_bot",
}

var builtinSet = func() map[string]bool {
	m := make(map[string]bool, len(builtinCatalog))
	for _, name := range builtinCatalog {
		m[name] = true
	}
	return m
}()

// GetValidTools returns the built-in catalog. The slice is a copy.
func GetValidTools() []string {
	out := make([]string, len(builtinCatalog))
	copy(out, builtinCatalog)
	return out
}

// IsValidTool reports whether name is a built-in tool or a runtime
// MCP-registered name.
func IsValidTool(name string) bool {
	return builtinSet[name] || strings.HasPrefix(name, "mcp__")
}
