// Package roles gates tool and path access per message source. Every
// inbound message resolves to a role through the source mapping; the tool
// executor consults the role before any tool runs.
package roles

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// Manager holds the role table and the source→role mapping.
type Manager struct {
	mu      sync.RWMutex
	roles   map[string]config.RoleDefinition
	sources map[string]string
	logger  *slog.Logger
}

// NewManager builds a role manager from config.
func NewManager(cfg config.RolesConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	roles := make(map[string]config.RoleDefinition, len(cfg.Definitions))
	for name, def := range cfg.Definitions {
		roles[name] = def
	}
	sources := make(map[string]string, len(cfg.SourceMapping))
	for src, role := range cfg.SourceMapping {
		sources[src] = role
	}
	return &Manager{
		roles:   roles,
		sources: sources,
		logger:  logger.With("component", "roles"),
	}
}

// RoleFor resolves the role name for a message source. Unmapped sources get
// the most restrictive configured role, or "chat" when nothing matches.
func (m *Manager) RoleFor(source string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if role, ok := m.sources[source]; ok {
		return role
	}
	if _, ok := m.roles["chat"]; ok {
		return "chat"
	}
	for name := range m.roles {
		return name
	}
	return ""
}

// Role returns the definition for a role name.
func (m *Manager) Role(name string) (config.RoleDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.roles[name]
	return def, ok
}

// Update replaces the role table, for config hot-reload.
func (m *Manager) Update(cfg config.RolesConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles = make(map[string]config.RoleDefinition, len(cfg.Definitions))
	for name, def := range cfg.Definitions {
		m.roles[name] = def
	}
	m.sources = make(map[string]string, len(cfg.SourceMapping))
	for src, role := range cfg.SourceMapping {
		m.sources[src] = role
	}
	m.logger.Info("role table updated", "roles", len(m.roles))
}

// IsToolAllowed reports whether a role may call a tool. Blocked patterns
// win over allowed ones; "*" in the allow list opens everything else.
func (m *Manager) IsToolAllowed(roleName, tool string) bool {
	role, ok := m.Role(roleName)
	if !ok {
		return false
	}
	for _, pattern := range role.BlockedTools {
		if matchesPattern(tool, pattern) {
			return false
		}
	}
	for _, pattern := range role.AllowedTools {
		if pattern == "*" || matchesPattern(tool, pattern) {
			return true
		}
	}
	return false
}

// IsPathAllowed reports whether a role may touch a filesystem path. An
// empty allow list means unrestricted.
func (m *Manager) IsPathAllowed(roleName, path string) bool {
	role, ok := m.Role(roleName)
	if !ok {
		return false
	}
	if len(role.AllowedPaths) == 0 {
		return true
	}

	abs := expandHome(path)
	if !filepath.IsAbs(abs) {
		if resolved, err := filepath.Abs(abs); err == nil {
			abs = resolved
		}
	}

	for _, allowed := range role.AllowedPaths {
		prefix := expandHome(allowed)
		if abs == prefix || strings.HasPrefix(abs, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
		if matched, _ := filepath.Match(prefix, abs); matched {
			return true
		}
	}
	return false
}

// CanSystemControl reports whether a role may run os_* mutations.
func (m *Manager) CanSystemControl(roleName string) bool {
	role, ok := m.Role(roleName)
	return ok && role.SystemControl
}

// CanAccessSensitive reports whether a role may read unmasked secrets.
func (m *Manager) CanAccessSensitive(roleName string) bool {
	role, ok := m.Role(roleName)
	return ok && role.SensitiveAccess
}

// Capabilities renders a role's powers as short human-readable strings for
// the context prompt.
func (m *Manager) Capabilities(roleName string) []string {
	role, ok := m.Role(roleName)
	if !ok {
		return nil
	}
	var caps []string
	full := false
	for _, pattern := range role.AllowedTools {
		if pattern == "*" {
			full = true
			break
		}
	}
	if full {
		caps = append(caps, "full tool access")
	} else {
		caps = append(caps, role.AllowedTools...)
	}
	if role.SystemControl {
		caps = append(caps, "system control")
	}
	if role.SensitiveAccess {
		caps = append(caps, "sensitive data access")
	}
	return caps
}

// Limitations renders a role's restrictions for the context prompt.
func (m *Manager) Limitations(roleName string) []string {
	role, ok := m.Role(roleName)
	if !ok {
		return []string{"unknown role: no tools permitted"}
	}
	var lims []string
	for _, pattern := range role.BlockedTools {
		lims = append(lims, "cannot use "+pattern)
	}
	if len(role.AllowedPaths) > 0 {
		lims = append(lims, "file access limited to "+strings.Join(role.AllowedPaths, ", "))
	}
	if !role.SystemControl {
		lims = append(lims, "no system control")
	}
	if !role.SensitiveAccess {
		lims = append(lims, "no access to sensitive values")
	}
	return lims
}

// matchesPattern checks a tool name against an allow/block pattern: exact
// match, trailing-* prefix, then glob.
func matchesPattern(name, pattern string) bool {
	if pattern == name {
		return true
	}
	if prefix, found := strings.CutSuffix(pattern, "*"); found {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}

// expandHome resolves a leading ~ against the current user's home.
func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
