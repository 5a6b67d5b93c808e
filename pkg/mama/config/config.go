package config

import (
	"time"
)

// Config holds the full MAMA configuration, loaded from ~/.mama/config.yaml.
type Config struct {
	// Name is the assistant name shown in responses and logs.
	Name string `yaml:"name"`

	// Agent configures the default agent loop parameters.
	Agent AgentConfig `yaml:"agent"`

	// MultiAgent configures named agent profiles (backend, model, tier,
	// per-agent tool permissions).
	MultiAgent MultiAgentConfig `yaml:"multi_agent"`

	// Roles configures role definitions and the source-to-role mapping.
	Roles RolesConfig `yaml:"roles"`

	// Cron lists the declarative schedules registered at startup.
	Cron []CronEntry `yaml:"cron"`

	// Scheduler configures schedule persistence and execution policy.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Gateways configures the chat platforms MAMA connects to.
	Gateways GatewaysConfig `yaml:"gateways"`

	// Streaming configures progressive response delivery to gateways.
	Streaming StreamingConfig `yaml:"streaming"`

	// Memory configures the decision/checkpoint store.
	Memory MemoryConfig `yaml:"memory"`

	// Heartbeat configures the periodic autonomous check-in.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// KeepAlive configures periodic credential refresh probes.
	KeepAlive KeepAliveConfig `yaml:"keepalive"`

	// MCP lists external MCP tool servers to launch and register.
	MCP MCPConfig `yaml:"mcp"`

	// HTTP configures the local status/chat HTTP server.
	HTTP HTTPConfig `yaml:"http"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig configures the default agent loop.
type AgentConfig struct {
	// Model is the default LLM model (overridable per agent profile and
	// via MAMA_MODEL).
	Model string `yaml:"model"`

	// MaxTurns caps assistant/tool round-trips per run.
	MaxTurns int `yaml:"max_turns"`

	// TimeoutSeconds bounds a single backend call.
	TimeoutSeconds int `yaml:"timeout"`

	// CompactThresholdTokens is the session token total that flags a
	// session as near the compaction threshold.
	CompactThresholdTokens int `yaml:"compact_threshold_tokens"`

	// SessionIdleMinutes expires idle sessions from the pool.
	SessionIdleMinutes int `yaml:"session_idle_minutes"`
}

// DefaultAgentConfig returns the agent loop defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Model:                  "claude-sonnet-4",
		MaxTurns:               50,
		TimeoutSeconds:         300,
		CompactThresholdTokens: 150000,
		SessionIdleMinutes:     240,
	}
}

// Effective fills zero fields with defaults.
func (c AgentConfig) Effective() AgentConfig {
	def := DefaultAgentConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = def.MaxTurns
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.CompactThresholdTokens <= 0 {
		c.CompactThresholdTokens = def.CompactThresholdTokens
	}
	if c.SessionIdleMinutes <= 0 {
		c.SessionIdleMinutes = def.SessionIdleMinutes
	}
	return c
}

// Timeout returns the per-call timeout as a duration.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.Effective().TimeoutSeconds) * time.Second
}

// MultiAgentConfig holds named agent profiles.
type MultiAgentConfig struct {
	// Agents maps profile name to its settings. The "mama" profile is the
	// default when a request names no agent.
	Agents map[string]AgentProfile `yaml:"agents"`
}

// AgentProfile configures one named agent.
type AgentProfile struct {
	// Backend selects the LLM subprocess: "claude" (default, one exec per
	// turn), "claude-persistent" (long-lived stream-json process), or
	// "codex" (app-server over JSON-RPC).
	Backend string `yaml:"backend"`

	// Model overrides the default model for this agent.
	Model string `yaml:"model"`

	// Tier is the privilege tier (1 = full, 2 = limited, 3 = restricted).
	Tier int `yaml:"tier"`

	// UseCodeAct lets the agent emit executable code blocks instead of
	// structured tool calls.
	UseCodeAct bool `yaml:"use_code_act"`

	// PersonaFile points at a markdown persona prepended to the system prompt.
	PersonaFile string `yaml:"persona_file"`

	// ToolPermissions restricts this agent's tool set on top of role gating.
	ToolPermissions ToolPermissions `yaml:"tool_permissions"`
}

// ToolPermissions is a per-agent allow/block list passed to the backend.
type ToolPermissions struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

// RolesConfig configures role definitions and attribution.
type RolesConfig struct {
	// Definitions maps role name to its permissions.
	Definitions map[string]RoleDefinition `yaml:"definitions"`

	// SourceMapping maps a message source (discord, telegram, slack,
	// viewer, cli) to a role name.
	SourceMapping map[string]string `yaml:"source_mapping"`
}

// RoleDefinition is the permission set for one role.
type RoleDefinition struct {
	// AllowedTools lists tool name patterns this role may call ("*" = all).
	AllowedTools []string `yaml:"allowed_tools"`

	// BlockedTools lists tool name patterns denied regardless of allowed.
	BlockedTools []string `yaml:"blocked_tools"`

	// AllowedPaths restricts filesystem tools to these prefixes
	// (empty = unrestricted). Supports ~ expansion.
	AllowedPaths []string `yaml:"allowed_paths"`

	// SystemControl permits bot-management (os_*) mutations.
	SystemControl bool `yaml:"system_control"`

	// SensitiveAccess permits reading unmasked tokens and secrets.
	SensitiveAccess bool `yaml:"sensitive_access"`
}

// DefaultRolesConfig returns the stock role set: a full-control owner role
// for the viewer source and a conservative chat role for everything else.
func DefaultRolesConfig() RolesConfig {
	return RolesConfig{
		Definitions: map[string]RoleDefinition{
			"owner": {
				AllowedTools:    []string{"*"},
				SystemControl:   true,
				SensitiveAccess: true,
			},
			"chat": {
				AllowedTools: []string{
					"mama_search", "mama_save", "mama_update", "mama_load_checkpoint",
					"Read", "Grep", "Glob",
					"discord_send", "slack_send", "telegram_send",
				},
				BlockedTools: []string{"Bash", "os_*"},
			},
		},
		SourceMapping: map[string]string{
			"viewer": "owner",
			"cli":    "owner",
			// Scheduled prompts are owner-authored config, so they run
			// with owner privileges.
			"scheduler": "owner",
			"discord":   "chat",
			"telegram":  "chat",
			"slack":     "chat",
		},
	}
}

// CronEntry is one declarative schedule from config.yaml.
type CronEntry struct {
	// ID is the stable schedule identifier.
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// Cron is the 5-field cron expression (descriptors like @daily work too).
	Cron string `yaml:"cron"`

	// Prompt is the agent prompt executed when the schedule fires.
	Prompt string `yaml:"prompt"`

	// Enabled toggles the schedule without removing it.
	Enabled bool `yaml:"enabled"`
}

// SchedulerConfig configures persistence and execution policy.
type SchedulerConfig struct {
	// DBPath is the schedule store location. SQLite file path by default;
	// a postgres:// DSN selects the Postgres backend.
	DBPath string `yaml:"db_path"`

	// Timezone for cron evaluation (default: system local).
	Timezone string `yaml:"timezone"`

	// RunMissedOnStartup runs a schedule once right after recovery when a
	// fire was due while the process was down. Missed fires are never
	// coalesced: at most one catch-up run.
	RunMissedOnStartup bool `yaml:"run_missed_on_startup"`

	// MaxConcurrent caps concurrently executing schedules.
	MaxConcurrent int `yaml:"max_concurrent"`

	// LockTimeoutSeconds bounds how long a job lock is honored before it
	// is considered stale.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`
}

// DefaultSchedulerConfig returns scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DBPath:             DefaultScheduleDBPath(),
		MaxConcurrent:      1,
		LockTimeoutSeconds: 600,
	}
}

// Effective fills zero fields with defaults.
func (c SchedulerConfig) Effective() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.LockTimeoutSeconds <= 0 {
		c.LockTimeoutSeconds = def.LockTimeoutSeconds
	}
	return c
}

// GatewaysConfig configures chat platform connections.
type GatewaysConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// DiscordConfig configures the Discord gateway.
type DiscordConfig struct {
	// Enabled turns the gateway on.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Leave empty to resolve from the OS keyring
	// or DISCORD_BOT_TOKEN.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guilds the bot answers in (empty = all).
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// RespondToMentionsOnly requires an @mention in guild channels.
	// DMs always get a response.
	RespondToMentionsOnly bool `yaml:"respond_to_mentions_only"`
}

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	// Enabled turns the gateway on.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Leave empty to resolve from the OS keyring
	// or TELEGRAM_BOT_TOKEN.
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot answers (empty = all).
	AllowedChats []string `yaml:"allowed_chats"`
}

// SlackConfig configures the Slack gateway.
type SlackConfig struct {
	// Enabled turns the gateway on.
	Enabled bool `yaml:"enabled"`

	// BotToken is the xoxb- token. Leave empty to resolve from the OS
	// keyring or SLACK_BOT_TOKEN.
	BotToken string `yaml:"bot_token"`

	// AppToken is the xapp- token used for Socket Mode inbound events.
	AppToken string `yaml:"app_token"`

	// AllowedChannels restricts which channels the bot answers (empty = all).
	AllowedChannels []string `yaml:"allowed_channels"`
}

// StreamingConfig configures progressive delivery of agent responses.
type StreamingConfig struct {
	// Enabled turns placeholder-and-edit streaming on.
	Enabled bool `yaml:"enabled"`

	// EditIntervalMs is the minimum time between message edits.
	EditIntervalMs int `yaml:"edit_interval_ms"`

	// MinChars is the minimum accumulated text before the first edit.
	MinChars int `yaml:"min_chars"`
}

// DefaultStreamingConfig returns streaming defaults.
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		Enabled:        true,
		EditIntervalMs: 1500,
		MinChars:       48,
	}
}

// Effective fills zero fields with defaults. Enabled is kept as-is.
func (c StreamingConfig) Effective() StreamingConfig {
	def := DefaultStreamingConfig()
	if c.EditIntervalMs <= 0 {
		c.EditIntervalMs = def.EditIntervalMs
	}
	if c.MinChars <= 0 {
		c.MinChars = def.MinChars
	}
	return c
}

// EditInterval returns the throttle interval as a duration, floored at the
// minimum the gateways tolerate.
func (c StreamingConfig) EditInterval() time.Duration {
	ms := c.Effective().EditIntervalMs
	if ms < 150 {
		ms = 150
	}
	return time.Duration(ms) * time.Millisecond
}

// MemoryConfig configures the decision/checkpoint store.
type MemoryConfig struct {
	// DBPath is the memory store location (MAMA_DB_PATH overrides).
	// SQLite file path by default; a postgres:// DSN selects Postgres.
	DBPath string `yaml:"db_path"`
}

// Effective fills zero fields with defaults.
func (c MemoryConfig) Effective() MemoryConfig {
	if c.DBPath == "" {
		c.DBPath = DefaultMemoryDBPath()
	}
	return c
}

// HeartbeatConfig configures the periodic autonomous check-in.
type HeartbeatConfig struct {
	// Enabled turns the heartbeat on.
	Enabled bool `yaml:"enabled"`

	// IntervalMinutes between heartbeats.
	IntervalMinutes int `yaml:"interval_minutes"`

	// QuietHours suppresses heartbeats inside the window. "23:00-08:00"
	// style windows may wrap midnight.
	QuietHours string `yaml:"quiet_hours"`

	// Channel is the gateway used for NOTIFY deliveries (e.g. "discord").
	Channel string `yaml:"channel"`

	// To is the recipient for NOTIFY deliveries (channel/chat ID).
	To string `yaml:"to"`
}

// DefaultHeartbeatConfig returns heartbeat defaults (disabled until a
// channel is configured).
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		IntervalMinutes: 30,
		QuietHours:      "23:00-08:00",
	}
}

// Effective fills zero fields with defaults. Enabled is kept as-is.
func (c HeartbeatConfig) Effective() HeartbeatConfig {
	def := DefaultHeartbeatConfig()
	if c.IntervalMinutes <= 0 {
		c.IntervalMinutes = def.IntervalMinutes
	}
	if c.QuietHours == "" {
		c.QuietHours = def.QuietHours
	}
	return c
}

// Interval returns the heartbeat interval as a duration.
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.Effective().IntervalMinutes) * time.Minute
}

// KeepAliveConfig configures the credential refresh loop.
type KeepAliveConfig struct {
	// Enabled turns keep-alive probes on.
	Enabled bool `yaml:"enabled"`

	// IntervalMinutes between refresh probes.
	IntervalMinutes int `yaml:"interval_minutes"`
}

// Effective fills zero fields with defaults.
func (c KeepAliveConfig) Effective() KeepAliveConfig {
	if c.IntervalMinutes <= 0 {
		c.IntervalMinutes = 60
	}
	return c
}

// Interval returns the probe interval as a duration.
func (c KeepAliveConfig) Interval() time.Duration {
	return time.Duration(c.Effective().IntervalMinutes) * time.Minute
}

// MCPConfig lists external MCP tool servers.
type MCPConfig struct {
	Servers []MCPServerSpec `yaml:"servers"`
}

// MCPServerSpec describes one MCP server launched over stdio. Its tools
// are registered under mcp__<name>__<tool>.
type MCPServerSpec struct {
	// Name prefixes the registered tool names.
	Name string `yaml:"name"`

	// Command is the executable to launch.
	Command string `yaml:"command"`

	// Args are passed to the command.
	Args []string `yaml:"args"`

	// Env adds KEY=VALUE pairs to the server's environment.
	Env []string `yaml:"env"`

	// Enabled turns the server on.
	Enabled bool `yaml:"enabled"`
}

// HTTPConfig configures the local status/chat server.
type HTTPConfig struct {
	// Port is the listen port (MAMA_HTTP_PORT overrides).
	Port int `yaml:"port"`

	// Disabled turns the HTTP server off entirely
	// (MAMA_DISABLE_HTTP_SERVER overrides).
	Disabled bool `yaml:"disabled"`

	// DisableWebSocket turns off the /ws event stream
	// (MAMA_DISABLE_WEBSOCKET overrides).
	DisableWebSocket bool `yaml:"disable_websocket"`

	// DisableMobileChat turns off the /api/chat endpoint
	// (MAMA_DISABLE_MOBILE_CHAT overrides).
	DisableMobileChat bool `yaml:"disable_mobile_chat"`

	// AuthToken is the Bearer token required on all endpoints except
	// /healthz (MAMA_AUTH_TOKEN overrides; empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// DefaultHTTPConfig returns HTTP server defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Port: 8787}
}

// Effective fills zero fields with defaults.
func (c HTTPConfig) Effective() HTTPConfig {
	if c.Port <= 0 {
		c.Port = DefaultHTTPConfig().Port
	}
	return c
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error (MAMA_LOG_LEVEL overrides).
	Level string `yaml:"level"`

	// File is the log file path for daemon mode (default ~/.mama/logs/mama.log).
	File string `yaml:"file"`
}

// Effective fills zero fields with defaults.
func (c LoggingConfig) Effective() LoggingConfig {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.File == "" {
		c.File = DefaultLogPath()
	}
	return c
}

// DefaultConfig returns a complete configuration with stock defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:  "MAMA",
		Agent: DefaultAgentConfig(),
		MultiAgent: MultiAgentConfig{
			Agents: map[string]AgentProfile{
				"mama": {Backend: "claude", Tier: 1},
			},
		},
		Roles:     DefaultRolesConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Streaming: DefaultStreamingConfig(),
		Heartbeat: DefaultHeartbeatConfig(),
		HTTP:      DefaultHTTPConfig(),
	}
}

// Profile returns the named agent profile, falling back to "mama" and then
// to a zero-value claude profile.
func (c *Config) Profile(name string) AgentProfile {
	if c.MultiAgent.Agents != nil {
		if p, ok := c.MultiAgent.Agents[name]; ok {
			return p
		}
		if p, ok := c.MultiAgent.Agents["mama"]; ok {
			return p
		}
	}
	return AgentProfile{Backend: "claude", Tier: 1}
}
