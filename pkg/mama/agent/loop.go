package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
	"github.com/jholhewres/mama/pkg/mama/backend"
	"github.com/jholhewres/mama/pkg/mama/hooks"
	"github.com/jholhewres/mama/pkg/mama/memory"
	"github.com/jholhewres/mama/pkg/mama/prompt"
	"github.com/jholhewres/mama/pkg/mama/roles"
	"github.com/jholhewres/mama/pkg/mama/session"
	"github.com/jholhewres/mama/pkg/mama/tools"
)

// DefaultMaxTurns caps backend round-trips per run.
const DefaultMaxTurns = 50

// historySnippetLen bounds how much of a tool result lands in the
// transcript the pre-compact handler scans.
const historySnippetLen = 300

// Deps are the loop's collaborators. Pool, Lanes, Factory, Executor, and
// Roles are required; the rest are optional features.
type Deps struct {
	Pool     *session.Pool
	Lanes    *session.LaneManager
	Factory  backend.Factory
	Executor *tools.Executor
	Roles    *roles.Manager

	Enhancer   *prompt.Enhancer
	PreCompact *hooks.PreCompactHandler
	PostTool   *hooks.PostToolHandler
	MemoryLog  *memory.Logger

	Logger *slog.Logger
}

// Options tunes one loop instance.
type Options struct {
	// SystemPrompt is the persona injected on each session's first turn.
	SystemPrompt string

	// MaxTurns caps round-trips per run. Zero picks the default.
	MaxTurns int

	// WorkDir is the workspace scanned for rules and AGENTS.md when the
	// request names none.
	WorkDir string

	// AgentID and Tier identify the active profile for rule matching.
	AgentID string
	Tier    int
}

// Request is one run: a conversation key plus the user content.
type Request struct {
	Key   session.ChannelKey
	Input backend.Input

	// WorkDir overrides the loop's workspace for this run.
	WorkDir string

	// Stream, when set, receives placeholder edits and tool-use events.
	Stream *Streamer
}

// RunResult is the outcome of one completed run.
type RunResult struct {
	Response   string
	Turns      int
	History    []string
	Usage      backend.Usage
	StopReason string
	SessionID  string
}

// Loop drives the turn cycle: prompt the backend, execute the tools it
// asks for, feed the results back, repeat until it answers or the turn
// budget runs out. Each channel key owns one backend instance and all
// its runs are serialized through the lane manager.
type Loop struct {
	pool     *session.Pool
	lanes    *session.LaneManager
	factory  backend.Factory
	executor *tools.Executor
	roles    *roles.Manager

	enhancer   *prompt.Enhancer
	precompact *hooks.PreCompactHandler
	posttool   *hooks.PostToolHandler
	memlog     *memory.Logger

	systemPrompt string
	maxTurns     int
	workDir      string
	agentID      string
	tier         int

	logger *slog.Logger

	mu       sync.Mutex
	backends map[string]backend.Backend
}

// NewLoop builds an agent loop.
func NewLoop(deps Deps, opts Options) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Loop{
		pool:         deps.Pool,
		lanes:        deps.Lanes,
		factory:      deps.Factory,
		executor:     deps.Executor,
		roles:        deps.Roles,
		enhancer:     deps.Enhancer,
		precompact:   deps.PreCompact,
		posttool:     deps.PostTool,
		memlog:       deps.MemoryLog,
		systemPrompt: opts.SystemPrompt,
		maxTurns:     maxTurns,
		workDir:      opts.WorkDir,
		agentID:      opts.AgentID,
		tier:         opts.Tier,
		logger:       logger.With("component", "agent"),
		backends:     make(map[string]backend.Backend),
	}
}

// Run executes one full agent run for the request's conversation. Runs
// on the same channel key are strictly ordered; distinct keys proceed in
// parallel.
func (l *Loop) Run(ctx context.Context, req Request) (*RunResult, error) {
	if req.Input.IsEmpty() {
		return nil, agenterr.New(agenterr.Validation, "empty input")
	}

	var result *RunResult
	err := l.lanes.Do(ctx, req.Key, func(ctx context.Context) error {
		var runErr error
		result, runErr = l.runTurns(ctx, req)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseBackends shuts down every per-conversation backend process.
func (l *Loop) CloseBackends() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.backends {
		if err := b.Close(); err != nil {
			l.logger.Warn("backend close failed", "key", key, "error", err)
		}
		delete(l.backends, key)
	}
}

// backendFor returns the conversation's backend, creating it lazily.
func (l *Loop) backendFor(key session.ChannelKey) backend.Backend {
	ks := key.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.backends[ks]; ok {
		return b
	}
	b := l.factory()
	l.backends[ks] = b
	return b
}

func (l *Loop) runTurns(ctx context.Context, req Request) (*RunResult, error) {
	ref := l.pool.GetSession(req.Key)
	b := l.backendFor(req.Key)
	if ref.IsNew {
		// Fresh conversation: the backend mints its own session and the
		// persona goes out with the first turn.
		b.ResetSession()
		if l.systemPrompt != "" {
			b.SetSystemPrompt(l.systemPrompt)
		}
	} else {
		b.SetSessionID(ref.SessionID)
	}

	meta := roles.SessionMeta{SessionID: ref.SessionID, UserID: req.Key.User, Channel: req.Key.Channel, Tier: l.tier}
	agentCtx := l.roles.ContextFor(req.Key.Source, meta)
	toolCtx := tools.ContextWithAgent(ctx, agentCtx)

	userText := textOf(req.Input)
	input := l.composeFirstTurn(req, agentCtx, userText)

	history := make([]string, 0, l.maxTurns*2+1)
	history = append(history, "user: "+userText)

	var (
		usage         backend.Usage
		response      string
		sessionID     = ref.SessionID
		compactNotice string
		compactFired  bool
	)

	for turn := 1; turn <= l.maxTurns; turn++ {
		res, err := b.Prompt(ctx, input)
		if err != nil {
			if req.Stream != nil {
				req.Stream.Fail(ctx, err)
			}
			return nil, fmt.Errorf("backend %s turn %d: %w", b.Name(), turn, err)
		}

		usage.Add(res.Usage)
		if res.SessionID != "" && res.SessionID != sessionID {
			sessionID = res.SessionID
			l.pool.SetSessionID(req.Key, sessionID)
		}
		status := l.pool.UpdateTokens(req.Key, res.Usage.InputTokens, res.Usage.OutputTokens)

		if res.Response != "" {
			response = res.Response
			history = append(history, "assistant: "+res.Response)
			if req.Stream != nil {
				req.Stream.Delta(ctx, res.Response)
			}
		}

		if status.NearThreshold && l.precompact != nil && !compactFired {
			compactFired = true
			pc := l.precompact.Process(ctx, history)
			compactNotice = pc.CompactionPrompt
			if pc.WarningMessage != "" {
				l.logger.Warn("unsaved decisions before compaction",
					"key", req.Key.String(), "count", len(pc.UnsavedDecisions))
			}
		}

		if len(res.ToolCalls) == 0 {
			stop := res.StopReason
			if stop == "" || stop == backend.StopToolUse {
				stop = backend.StopEndTurn
			}
			return l.finishRun(ctx, req, &RunResult{
				Response:   response,
				Turns:      turn,
				History:    history,
				Usage:      usage,
				StopReason: stop,
				SessionID:  sessionID,
			}, userText), nil
		}

		blocks := make([]backend.ContentBlock, 0, len(res.ToolCalls)+1)
		for _, call := range res.ToolCalls {
			if req.Stream != nil {
				req.Stream.ToolUse(call.Name)
			}
			tr, execErr := l.executor.Execute(toolCtx, call)
			if execErr != nil {
				// Hard executor errors (unknown tool, programming faults)
				// become error results the model can read; the run goes on.
				l.logger.Warn("tool dispatch failed", "tool", call.Name, "error", execErr)
				blocks = append(blocks, backend.ToolResultBlock(call.ID, execErr.Error(), true))
				history = append(history, fmt.Sprintf("tool %s: error: %v", call.Name, execErr))
				continue
			}
			blocks = append(blocks, backend.ToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			history = append(history, fmt.Sprintf("tool %s: %s", call.Name, snippet(tr.Content)))
			if !tr.IsError {
				l.fireEditHook(call)
			}
		}
		if compactNotice != "" {
			blocks = append(blocks, backend.TextBlock(compactNotice))
			compactNotice = ""
		}
		input = backend.Input{Blocks: blocks}
	}

	l.logger.Warn("turn budget exhausted", "key", req.Key.String(), "max_turns", l.maxTurns)
	return l.finishRun(ctx, req, &RunResult{
		Response:   response,
		Turns:      l.maxTurns,
		History:    history,
		Usage:      usage,
		StopReason: backend.StopMaxTurns,
		SessionID:  sessionID,
	}, userText), nil
}

// finishRun delivers the final text to the stream and the transcript.
func (l *Loop) finishRun(ctx context.Context, req Request, result *RunResult, userText string) *RunResult {
	if req.Stream != nil {
		req.Stream.Finish(ctx, result.Response)
	}
	if l.memlog != nil {
		if err := l.memlog.LogConversation(req.Key.Source, req.Key.User, userText, result.Response); err != nil {
			l.logger.Warn("transcript write failed", "error", err)
		}
	}
	l.logger.Info("run complete",
		"key", req.Key.String(),
		"turns", result.Turns,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
	)
	return result
}

// composeFirstTurn assembles the opening prompt: context preamble, rule
// content, AGENTS.md, keyword instructions, then the user content. A
// fresh deduplicator scopes to this run, so identical content injected
// from two sources (a rule file mirroring AGENTS.md, say) lands once.
func (l *Loop) composeFirstTurn(req Request, agentCtx *roles.AgentContext, userText string) backend.Input {
	workDir := req.WorkDir
	if workDir == "" {
		workDir = l.workDir
	}

	dedup := prompt.NewContentDeduplicator()
	add := func(name, content string, distance float64) {
		if content != "" {
			dedup.Add(name, content, distance)
		}
	}
	add("context/preamble", roles.BuildContextPrompt(agentCtx), 0.0)

	if l.enhancer != nil {
		enh := l.enhancer.Enhance(userText, workDir, &prompt.RuleContext{
			AgentID: l.agentID,
			Tier:    tierString(l.tier),
			Channel: agentCtx.Platform,
		})
		add("workspace/rules", enh.RulesContent, 0.1)
		add("workspace/agents", enh.AgentsContent, 0.2)
		add("modes/keywords", enh.KeywordInstructions, 0.3)
	}

	var b strings.Builder
	for _, entry := range dedup.GetEntries() {
		if entry.Content == "" {
			continue
		}
		b.WriteString(entry.Content)
		b.WriteString("\n\n")
	}

	// Plain text rides along in one block; media blocks pass through
	// untouched with the assembled context prepended.
	if req.Input.Text != "" {
		b.WriteString(req.Input.Text)
		return backend.Input{Text: b.String()}
	}
	blocks := make([]backend.ContentBlock, 0, len(req.Input.Blocks)+1)
	if b.Len() > 0 {
		blocks = append(blocks, backend.TextBlock(strings.TrimSuffix(b.String(), "\n\n")))
	}
	blocks = append(blocks, req.Input.Blocks...)
	return backend.Input{Blocks: blocks}
}

// fireEditHook hands a successful edit-class tool call to the background
// contract miner. Never blocks and never fails the turn.
func (l *Loop) fireEditHook(call backend.ToolCall) {
	if l.posttool == nil || !hooks.IsEditTool(call.Name) {
		return
	}
	var args struct {
		Path      string `json:"path"`
		FilePath  string `json:"file_path"`
		Content   string `json:"content"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return
	}
	path := args.Path
	if path == "" {
		path = args.FilePath
	}
	content := args.Content
	if content == "" {
		content = args.NewString
	}
	l.posttool.ProcessInBackground(call.Name, path, content)
}

// textOf flattens the input's text for keyword scanning and transcripts.
func textOf(in backend.Input) string {
	if in.Text != "" {
		return in.Text
	}
	var parts []string
	for _, block := range in.Blocks {
		if block.Type == backend.BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func tierString(tier int) string {
	if tier <= 0 {
		return ""
	}
	return strconv.Itoa(tier)
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > historySnippetLen {
		return s[:historySnippetLen] + "..."
	}
	return s
}
