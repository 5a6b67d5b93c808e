// Package daemon wires every MAMA subsystem into one long-running
// process: chat gateways feed the agent loop, the cron scheduler and
// heartbeat drive it on timers, and a local HTTP façade exposes status,
// mobile chat, and a websocket event stream.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/mama/pkg/mama/agent"
	"github.com/jholhewres/mama/pkg/mama/backend"
	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/gateway"
	"github.com/jholhewres/mama/pkg/mama/heartbeat"
	"github.com/jholhewres/mama/pkg/mama/hooks"
	"github.com/jholhewres/mama/pkg/mama/keepalive"
	"github.com/jholhewres/mama/pkg/mama/memory"
	"github.com/jholhewres/mama/pkg/mama/prompt"
	"github.com/jholhewres/mama/pkg/mama/roles"
	"github.com/jholhewres/mama/pkg/mama/scheduler"
	"github.com/jholhewres/mama/pkg/mama/session"
	"github.com/jholhewres/mama/pkg/mama/tools"
)

// runFailureNotice is the chat-visible line for a failed run when
// streaming is off. The real error goes to the log only.
const runFailureNotice = "⚠️ Something went wrong while answering. The error has been logged."

// Daemon owns the full MAMA runtime. Message flow: gateway receive →
// channel key → session + lane → agent loop → tool dispatch → reply.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *memory.Store
	memlog     *memory.Logger
	pool       *session.Pool
	lanes      *session.LaneManager
	rolesMgr   *roles.Manager
	executor   *tools.Executor
	posttool   *hooks.PostToolHandler
	loop       *agent.Loop
	gateways   *gateway.Manager
	schedStore *scheduler.ScheduleStore
	sched      *scheduler.CronScheduler
	heartbeat  *heartbeat.Scheduler
	keepalive  *keepalive.TokenKeepAlive
	httpSrv    *Server
	events     *eventHub
	mcpClients []*tools.MCPClient

	workDir   string
	startedAt time.Time

	// mu guards runtime config mutation (bot control tools).
	mu sync.Mutex

	// wg tracks in-flight message handlers.
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a daemon with all subsystems constructed but nothing
// started. Config credentials should already be resolved.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := config.EnsureStateDirs(); err != nil {
		return nil, fmt.Errorf("preparing state directories: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		events:  newEventHub(),
		workDir: config.DefaultWorkspaceDir(),
	}

	// Memory store and daily log.
	store, err := memory.OpenStore(cfg.Memory.Effective().DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	d.store = store

	memlog, err := memory.NewLogger(config.DefaultMemoryDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening memory log: %w", err)
	}
	d.memlog = memlog

	// Sessions, lanes, roles.
	agentCfg := cfg.Agent.Effective()
	d.pool = session.NewPool(session.PoolOptions{
		IdleTTL:        time.Duration(agentCfg.SessionIdleMinutes) * time.Minute,
		TokenThreshold: agentCfg.CompactThresholdTokens,
		Logger:         logger,
	})
	d.lanes = session.NewLaneManager(logger)
	d.rolesMgr = roles.NewManager(cfg.Roles, logger)

	// Gateways.
	d.gateways = gateway.NewManager(logger)
	if cfg.Gateways.Discord.Enabled {
		if err := d.gateways.Register(gateway.NewDiscord(cfg.Gateways.Discord, logger)); err != nil {
			return nil, fmt.Errorf("registering discord: %w", err)
		}
	}
	if cfg.Gateways.Telegram.Enabled {
		if err := d.gateways.Register(gateway.NewTelegram(cfg.Gateways.Telegram, logger)); err != nil {
			return nil, fmt.Errorf("registering telegram: %w", err)
		}
	}
	if cfg.Gateways.Slack.Enabled {
		if err := d.gateways.Register(gateway.NewSlack(cfg.Gateways.Slack, logger)); err != nil {
			return nil, fmt.Errorf("registering slack: %w", err)
		}
	}

	// Tool executor. MCP servers are registered at Start, they need a
	// lifetime context.
	d.executor = tools.NewExecutor(d.rolesMgr, d.workDir, logger)
	tools.RegisterBashTool(d.executor)
	tools.RegisterFilesystemTools(d.executor)
	tools.RegisterPRTools(d.executor)
	tools.RegisterMemoryTools(d.executor, store)
	tools.RegisterMessagingTools(d.executor, d.gateways)
	tools.RegisterOSTools(d.executor, &botController{d: d})

	// Hooks.
	precompact := hooks.NewPreCompactHandler(store, logger)
	d.posttool = hooks.NewPostToolHandler(store, hooks.PostToolOptions{}, logger)

	// Agent loop.
	profile := cfg.Profile("mama")
	d.loop = agent.NewLoop(agent.Deps{
		Pool:       d.pool,
		Lanes:      d.lanes,
		Factory:    buildFactory(cfg, profile, d.workDir, logger),
		Executor:   d.executor,
		Roles:      d.rolesMgr,
		Enhancer:   prompt.NewEnhancer(logger),
		PreCompact: precompact,
		PostTool:   d.posttool,
		MemoryLog:  memlog,
		Logger:     logger,
	}, agent.Options{
		SystemPrompt: systemPrompt(cfg, profile, logger),
		MaxTurns:     agentCfg.MaxTurns,
		WorkDir:      d.workDir,
		AgentID:      "mama",
		Tier:         profile.Tier,
	})

	// Cron scheduler.
	schedCfg := cfg.Scheduler.Effective()
	schedStore, err := scheduler.OpenStore(schedCfg.DBPath, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening schedule store: %w", err)
	}
	d.schedStore = schedStore

	sched, err := scheduler.New(schedStore, d.runSchedule, scheduler.Options{
		Timezone:           schedCfg.Timezone,
		RunMissedOnStartup: schedCfg.RunMissedOnStartup,
		MaxConcurrent:      schedCfg.MaxConcurrent,
		JobTimeout:         agentCfg.Timeout(),
		LockTimeout:        time.Duration(schedCfg.LockTimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		schedStore.Close()
		store.Close()
		return nil, fmt.Errorf("building scheduler: %w", err)
	}
	sched.SetEventHandler(d.onScheduleEvent)
	d.sched = sched

	// Heartbeat.
	hb, err := heartbeat.New(cfg.Heartbeat, d.loop, d.gateways, heartbeat.Options{
		WorkDir: d.workDir,
		OnTick: func(action heartbeat.Action, detail string) {
			d.events.Publish(Event{Type: "heartbeat", Detail: strings.TrimSpace(action.String() + " " + detail)})
		},
		Logger: logger,
	})
	if err != nil {
		schedStore.Close()
		store.Close()
		return nil, err
	}
	d.heartbeat = hb

	// Credential keep-alive: a one-shot CLI turn forces the token
	// refresh path.
	if cfg.KeepAlive.Enabled {
		d.keepalive = keepalive.New(d.refreshCredentials, keepalive.Options{
			Interval: cfg.KeepAlive.Interval(),
			Logger:   logger,
		})
	}

	// HTTP façade.
	if !cfg.HTTP.Disabled {
		d.httpSrv = NewServer(cfg.HTTP, d, logger)
	}

	return d, nil
}

// Start brings every subsystem up. Steps are ordered so that inbound
// work only flows once its downstream is ready.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()

	d.logger.Info("starting MAMA",
		"name", d.cfg.Name,
		"model", d.cfg.Agent.Effective().Model,
		"pid", os.Getpid(),
	)
	if raw, err := yaml.Marshal(d.cfg); err == nil {
		d.logger.Debug("effective configuration", "config", Sanitize(string(raw)))
	}

	// 1. Connect chat gateways.
	if err := d.gateways.Start(d.ctx); err != nil {
		return fmt.Errorf("starting gateways: %w", err)
	}

	// 2. Inbound message loop.
	go d.messageLoop()

	// 3. MCP tool servers.
	d.mcpClients = tools.RegisterMCPServers(d.ctx, d.executor, d.cfg.MCP, d.logger)

	// 4. Cron scheduler: sync config-declared entries, then recover and
	// start firing.
	declared := make([]scheduler.Declared, 0, len(d.cfg.Cron))
	for _, e := range d.cfg.Cron {
		declared = append(declared, scheduler.Declared{
			ID:      e.ID,
			Name:    e.Name,
			Cron:    e.Cron,
			Prompt:  e.Prompt,
			Enabled: e.Enabled,
		})
	}
	if err := d.sched.SyncDeclared(declared); err != nil {
		d.logger.Error("declared schedule sync failed", "error", err)
	}
	if err := d.sched.Start(d.ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// 5. Heartbeat (no-op when disabled).
	d.heartbeat.Start(d.ctx)

	// 6. Credential keep-alive.
	if d.keepalive != nil {
		d.keepalive.Start(d.ctx)
	}

	// 7. Session pruner.
	d.pool.StartPruner()

	// 8. HTTP façade.
	if d.httpSrv != nil {
		if err := d.httpSrv.Start(d.ctx); err != nil {
			return fmt.Errorf("starting http server: %w", err)
		}
	}

	d.logger.Info("MAMA started", "gateways", d.gateways.HasGateways())
	return nil
}

// Stop tears the daemon down in reverse order: timers first so no new
// runs begin, then the gateways so the inbound stream drains, then the
// in-flight work, and the stores last.
func (d *Daemon) Stop() {
	d.logger.Info("stopping MAMA...")

	if d.cancel != nil {
		d.cancel()
	}

	if d.keepalive != nil {
		d.keepalive.Stop()
	}
	d.heartbeat.Stop()
	d.sched.Shutdown()
	d.gateways.Stop()

	d.wg.Wait()
	d.lanes.Wait()

	if d.httpSrv != nil {
		d.httpSrv.Stop()
	}
	d.posttool.Close()
	d.loop.CloseBackends()
	for _, c := range d.mcpClients {
		if err := c.Close(); err != nil {
			d.logger.Warn("mcp client close failed", "error", err)
		}
	}
	d.pool.StopPruner()
	d.schedStore.Close()
	d.store.Close()

	d.logger.Info("MAMA stopped")
}

// messageLoop drains the aggregated gateway stream, handling each
// message on its own goroutine. Lane serialization happens inside the
// agent loop, not here.
func (d *Daemon) messageLoop() {
	for {
		select {
		case msg, ok := <-d.gateways.Messages():
			if !ok {
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.handleMessage(msg)
			}()
		case <-d.ctx.Done():
			return
		}
	}
}

// handleMessage runs one chat message through the agent and replies on
// the gateway it came from.
func (d *Daemon) handleMessage(msg *gateway.Message) {
	start := time.Now()
	logger := d.logger.With(
		"gateway", msg.Gateway,
		"channel", msg.ChannelID,
		"from", msg.From,
	)

	d.events.Publish(Event{
		Type:    "message",
		Gateway: msg.Gateway,
		Channel: msg.ChannelID,
		Detail:  fmt.Sprintf("from %s", msg.From),
	})

	req := agent.Request{
		Key: session.ChannelKey{
			Source:  msg.Gateway,
			Guild:   msg.GuildID,
			Channel: msg.ChannelID,
			User:    msg.From,
		},
		Input: backend.Input{Text: msg.Text},
	}

	var stream *agent.Streamer
	if d.cfg.Streaming.Enabled {
		stream = agent.NewStreamer(d.gateways, msg.Gateway, msg.ChannelID, agent.StreamerOptions{
			EditInterval: d.cfg.Streaming.EditInterval(),
			MinChars:     d.cfg.Streaming.MinChars,
			Logger:       logger,
		})
		if err := stream.Start(d.ctx); err != nil {
			logger.Warn("streaming placeholder failed, replying plain", "error", err)
			stream = nil
		} else {
			req.Stream = stream
		}
	}

	result, err := d.loop.Run(d.ctx, req)
	if err != nil {
		logger.Error("agent run failed", "error", err)
		if stream != nil {
			stream.Fail(d.ctx, err)
		} else if _, sendErr := d.gateways.Send(d.ctx, msg.Gateway, msg.ChannelID, runFailureNotice); sendErr != nil {
			logger.Warn("failure notice send failed", "error", sendErr)
		}
		d.events.Publish(Event{
			Type:    "response",
			Gateway: msg.Gateway,
			Channel: msg.ChannelID,
			Detail:  "error: " + err.Error(),
		})
		return
	}

	if stream != nil {
		stream.Finish(d.ctx, result.Response)
	} else if result.Response != "" {
		if _, err := d.gateways.Send(d.ctx, msg.Gateway, msg.ChannelID, result.Response); err != nil {
			logger.Warn("response send failed", "error", err)
		}
	}

	from := msg.FromName
	if from == "" {
		from = msg.From
	}
	if err := d.memlog.LogConversation(msg.Gateway, from, msg.Text, result.Response); err != nil {
		logger.Warn("conversation log failed", "error", err)
	}

	d.events.Publish(Event{
		Type:    "response",
		Gateway: msg.Gateway,
		Channel: msg.ChannelID,
		Detail:  fmt.Sprintf("%d turns", result.Turns),
	})
	logger.Info("message handled",
		"turns", result.Turns,
		"tokens", result.Usage.Total(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// runSchedule is the cron handler: each schedule runs as its own
// conversation under the scheduler source, so prompts authored in
// config run with owner privileges.
func (d *Daemon) runSchedule(ctx context.Context, sched *scheduler.Schedule) (string, error) {
	result, err := d.loop.Run(ctx, agent.Request{
		Key:   session.ChannelKey{Source: "scheduler", Channel: sched.ID},
		Input: backend.Input{Text: sched.Prompt},
	})
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// onScheduleEvent relays scheduler lifecycle events to the daily log
// and the websocket stream.
func (d *Daemon) onScheduleEvent(evt scheduler.Event) {
	detail := string(evt.Type)
	if evt.Err != "" {
		detail += ": " + evt.Err
	}
	if err := d.memlog.LogEvent("schedule_"+string(evt.Type), evt.ScheduleID+" "+detail); err != nil {
		d.logger.Warn("schedule event log failed", "error", err)
	}
	d.events.Publish(Event{
		Type:    "schedule",
		Channel: evt.ScheduleID,
		Detail:  detail,
	})
}

// refreshCredentials is the keep-alive probe: one throwaway CLI turn
// exercises the OAuth refresh path without touching any session.
func (d *Daemon) refreshCredentials(ctx context.Context) error {
	cli := backend.NewClaudeCLI(backend.ClaudeOptions{
		Model:   d.cfg.Agent.Effective().Model,
		Timeout: 2 * time.Minute,
		WorkDir: d.workDir,
		Logger:  d.logger,
	})
	defer cli.Close()
	_, err := cli.Prompt(ctx, backend.Input{Text: "Reply with exactly: pong"})
	return err
}

// Status implements the HTTP API snapshot.
func (d *Daemon) Status() Status {
	gws := make(map[string]GatewayStatus)
	for name, h := range d.gateways.HealthAll() {
		gws[name] = GatewayStatus{
			Connected:     h.Connected,
			LastMessageAt: h.LastMessageAt,
			ErrorCount:    h.ErrorCount,
		}
	}

	var schedules []scheduler.Schedule
	if list, err := d.sched.List(); err == nil {
		for _, s := range list {
			schedules = append(schedules, *s)
		}
	}

	return Status{
		Name:      d.cfg.Name,
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Uptime:    time.Since(d.startedAt).Round(time.Second).String(),
		Sessions:  d.pool.Len(),
		Gateways:  gws,
		Schedules: schedules,
	}
}

// Chat implements the mobile chat surface: one agent turn under the
// viewer source, which maps to the owner role.
func (d *Daemon) Chat(ctx context.Context, message, channel string) (*ChatResult, error) {
	if channel == "" {
		channel = "mobile"
	}
	result, err := d.loop.Run(ctx, agent.Request{
		Key:   session.ChannelKey{Source: "viewer", Channel: channel},
		Input: backend.Input{Text: message},
	})
	if err != nil {
		return nil, err
	}
	if err := d.memlog.LogConversation("viewer", channel, message, result.Response); err != nil {
		d.logger.Warn("conversation log failed", "error", err)
	}
	return &ChatResult{
		Response:  result.Response,
		SessionID: result.SessionID,
		Turns:     result.Turns,
	}, nil
}

// RunOnce executes a single agent turn for the local terminal, outside
// any gateway. The cli source maps to the owner role. Callers that never
// Start the daemon still must Stop it to release the stores.
func (d *Daemon) RunOnce(ctx context.Context, prompt string) (*agent.RunResult, error) {
	result, err := d.loop.Run(ctx, agent.Request{
		Key:   session.ChannelKey{Source: "cli", Channel: "local"},
		Input: backend.Input{Text: prompt},
	})
	if err != nil {
		return nil, err
	}
	if err := d.memlog.LogConversation("cli", "local", prompt, result.Response); err != nil {
		d.logger.Warn("conversation log failed", "error", err)
	}
	return result, nil
}

// SubscribeEvents implements the websocket event feed.
func (d *Daemon) SubscribeEvents() (chan Event, func()) {
	return d.events.Subscribe()
}

// buildFactory returns the per-conversation backend constructor for a
// profile. Unknown backend names fall back to the one-shot Claude CLI.
func buildFactory(cfg *config.Config, profile config.AgentProfile, workDir string, logger *slog.Logger) backend.Factory {
	agentCfg := cfg.Agent.Effective()
	model := profile.Model
	if model == "" {
		model = agentCfg.Model
	}

	switch profile.Backend {
	case "codex":
		return func() backend.Backend {
			return backend.NewCodexProcess(backend.CodexOptions{
				Command:        config.CodexCommand(),
				Home:           config.CodexHome(),
				Model:          model,
				RequestTimeout: agentCfg.Timeout(),
				WorkDir:        workDir,
				Logger:         logger,
			})
		}
	case "claude-persistent":
		return func() backend.Backend {
			return backend.NewPersistentClaude(backend.PersistentClaudeOptions{
				Model:           model,
				AllowedTools:    profile.ToolPermissions.Allowed,
				DisallowedTools: profile.ToolPermissions.Blocked,
				TurnTimeout:     agentCfg.Timeout(),
				WorkDir:         workDir,
				Logger:          logger,
			})
		}
	default:
		if profile.Backend != "" && profile.Backend != "claude" {
			logger.Warn("unknown backend, using claude", "backend", profile.Backend)
		}
		return func() backend.Backend {
			return backend.NewClaudeCLI(backend.ClaudeOptions{
				Model:           model,
				AllowedTools:    profile.ToolPermissions.Allowed,
				DisallowedTools: profile.ToolPermissions.Blocked,
				Timeout:         agentCfg.Timeout(),
				WorkDir:         workDir,
				Logger:          logger,
			})
		}
	}
}

// defaultPersonaFormat is the stock system prompt when no persona file
// is configured. The %s is the assistant name.
const defaultPersonaFormat = `You are %s, a personal assistant reachable over chat.

You help with questions, tasks, code, and reminders. You have tools for
the filesystem, shell, saved memory, and messaging; use them when they
get the job done better than guessing. Keep chat replies short and
concrete. When you complete something scheduled or long-running, say
what you did, not what you were asked.`

// codeActSection is appended to the system prompt for profiles with
// use_code_act set.
const codeActSection = `

When a task needs multiple related tool calls, prefer writing one
executable code block that does the whole job over a chain of single
tool invocations.`

// systemPrompt assembles the loop's system prompt: the persona file
// when the profile names one, the stock identity otherwise.
func systemPrompt(cfg *config.Config, profile config.AgentProfile, logger *slog.Logger) string {
	base := fmt.Sprintf(defaultPersonaFormat, cfg.Name)
	if profile.PersonaFile != "" {
		path := config.ExpandHome(profile.PersonaFile)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("persona file unreadable, using default", "path", path, "error", err)
		} else if s := strings.TrimSpace(string(data)); s != "" {
			base = s
		}
	}
	if profile.UseCodeAct {
		base += codeActSection
	}
	return base
}
