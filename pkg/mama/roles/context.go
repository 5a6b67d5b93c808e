package roles

import (
	"time"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// Known platforms. Sources outside this set normalize to "cli".
const (
	PlatformViewer   = "viewer"
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
	PlatformSlack    = "slack"
	PlatformChatwork = "chatwork"
	PlatformCLI      = "cli"
)

// SessionMeta carries the conversation identifiers into the agent context.
type SessionMeta struct {
	SessionID string
	UserID    string
	Channel   string

	// Tier is the active profile's privilege tier. Zero means unset and
	// enforces nothing.
	Tier int
}

// AgentContext describes who the agent is acting for on this turn: the
// platform, the resolved role, and the derived capability strings. It is
// attached to every tool invocation and rendered into the turn prompt.
type AgentContext struct {
	Source    string
	Platform  string
	RoleName  string
	Role      config.RoleDefinition
	SessionID string
	UserID    string
	Channel   string
	Tier      int

	Capabilities []string
	Limitations  []string

	StartedAt time.Time
}

// NormalizePlatform maps a raw source onto a known platform. Anything
// unrecognized is treated as a CLI invocation.
func NormalizePlatform(source string) string {
	switch source {
	case PlatformViewer, PlatformDiscord, PlatformTelegram, PlatformSlack, PlatformChatwork, PlatformCLI:
		return source
	default:
		return PlatformCLI
	}
}

// NewAgentContext assembles the context for one turn.
func NewAgentContext(source, roleName string, role config.RoleDefinition, meta SessionMeta, capabilities, limitations []string) *AgentContext {
	return &AgentContext{
		Source:       source,
		Platform:     NormalizePlatform(source),
		RoleName:     roleName,
		Role:         role,
		SessionID:    meta.SessionID,
		UserID:       meta.UserID,
		Channel:      meta.Channel,
		Tier:         meta.Tier,
		Capabilities: capabilities,
		Limitations:  limitations,
		StartedAt:    time.Now(),
	}
}

// ContextFor resolves the role for a source and builds the full agent
// context in one step.
func (m *Manager) ContextFor(source string, meta SessionMeta) *AgentContext {
	roleName := m.RoleFor(source)
	role, _ := m.Role(roleName)
	return NewAgentContext(source, roleName, role, meta, m.Capabilities(roleName), m.Limitations(roleName))
}

// IsViewer reports whether the context originates from the trusted viewer
// surface. os_* mutations require this.
func (c *AgentContext) IsViewer() bool {
	return c.Source == PlatformViewer
}
