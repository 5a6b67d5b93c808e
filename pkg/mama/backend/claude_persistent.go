package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
)

// StreamEvent is one parsed NDJSON line from a stream-json Claude process.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// PersistentClaudeOptions configures a long-running Claude process.
type PersistentClaudeOptions struct {
	Command         string
	Model           string
	AllowedTools    []string
	DisallowedTools []string

	// TurnTimeout bounds one prompt round-trip. Defaults to 5 minutes.
	TurnTimeout time.Duration

	// WorkDir defaults to the user home directory.
	WorkDir string

	Logger *slog.Logger
}

// PersistentClaude keeps one claude process alive across turns, speaking
// stream-json on both stdin and stdout. Turns are synchronous at the API:
// Prompt blocks until the process emits its result event.
type PersistentClaude struct {
	mu      sync.Mutex
	stdinMu sync.Mutex

	command         string
	model           string
	allowedTools    []string
	disallowedTools []string
	turnTimeout     time.Duration
	workDir         string
	logger          *slog.Logger

	systemPrompt     string
	systemPromptSent bool
	sessionID        string
	resume           bool

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	cancel     context.CancelFunc
	started    bool
	processGen int // stale readLoops must not clean up a newer process

	generating    bool
	turnText      []string
	turnToolCalls []ToolCall
	turnUsage     Usage
	turnDone      chan *Result
	turnFail      chan error

	onDelta     func(text string)
	subscribers map[chan StreamEvent]struct{}
}

// NewPersistentClaude builds a persistent stream-json backend.
func NewPersistentClaude(opts PersistentClaudeOptions) *PersistentClaude {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 5 * time.Minute
	}
	if opts.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.WorkDir = home
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentClaude{
		command:         opts.Command,
		model:           opts.Model,
		allowedTools:    opts.AllowedTools,
		disallowedTools: opts.DisallowedTools,
		turnTimeout:     opts.TurnTimeout,
		workDir:         opts.WorkDir,
		logger:          logger.With("component", "backend", "backend", "claude-persistent"),
		subscribers:     make(map[chan StreamEvent]struct{}),
	}
}

// Name implements Backend.
func (p *PersistentClaude) Name() string { return "claude" }

// SetSystemPrompt implements Backend. Takes effect when the process next
// starts; a running process already carries its prompt.
func (p *PersistentClaude) SetSystemPrompt(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.systemPrompt = text
}

// SetSessionID implements Backend.
func (p *PersistentClaude) SetSessionID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = id
	p.resume = id != ""
}

// SetDeltaHandler registers a callback for streamed text deltas. The
// handler runs on the read loop goroutine and must not block.
func (p *PersistentClaude) SetDeltaHandler(fn func(text string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDelta = fn
}

// Subscribe returns a channel receiving every stream event. The channel
// survives process restarts; events are dropped when the buffer is full.
func (p *PersistentClaude) Subscribe() chan StreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan StreamEvent, 100)
	p.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber. Safe to call twice.
func (p *PersistentClaude) Unsubscribe(ch chan StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[ch]; ok {
		delete(p.subscribers, ch)
		close(ch)
	}
}

// ResetSession implements Backend: kills the process and forgets the
// conversation.
func (p *PersistentClaude) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.sessionID = ""
	p.resume = false
	p.systemPromptSent = false
}

// Close implements Backend.
func (p *PersistentClaude) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	for ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = make(map[chan StreamEvent]struct{})
	return nil
}

// stopLocked kills the process. Callers hold p.mu.
func (p *PersistentClaude) stopLocked() {
	if p.cancel != nil {
		p.cancel()
	}
	p.started = false
	p.generating = false
	p.stdin = nil
	p.cmd = nil
	p.cancel = nil
}

// Prompt implements Backend.
func (p *PersistentClaude) Prompt(ctx context.Context, input Input) (*Result, error) {
	if input.IsEmpty() {
		return nil, agenterr.New(agenterr.Validation, "empty prompt")
	}

	p.mu.Lock()
	if p.generating {
		p.mu.Unlock()
		return nil, agenterr.New(agenterr.Validation, "turn already in progress")
	}
	p.generating = true
	p.turnText = nil
	p.turnToolCalls = nil
	p.turnUsage = Usage{}
	p.turnDone = make(chan *Result, 1)
	p.turnFail = make(chan error, 1)
	done, fail := p.turnDone, p.turnFail
	p.mu.Unlock()

	clearGenerating := func() {
		p.mu.Lock()
		p.generating = false
		p.mu.Unlock()
	}

	if err := p.ensureProcess(); err != nil {
		clearGenerating()
		return nil, err
	}

	p.mu.Lock()
	sid := p.sessionID
	p.mu.Unlock()

	var msg stdinMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = input.AsBlocks()
	if err := p.writeStdin(msg, sid); err != nil {
		clearGenerating()
		return nil, agenterr.Wrap(agenterr.Transport, "write to claude stdin", err)
	}

	timer := time.NewTimer(p.turnTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, nil
	case err := <-fail:
		clearGenerating()
		return nil, err
	case <-ctx.Done():
		p.killForAbort()
		return nil, agenterr.Wrap(agenterr.Transport, "turn cancelled", ctx.Err())
	case <-timer.C:
		p.killForAbort()
		return nil, agenterr.Newf(agenterr.Transport, "claude turn timed out after %s", p.turnTimeout)
	}
}

// killForAbort tears the process down mid-turn. The session ID survives so
// the next turn resumes the conversation.
func (p *PersistentClaude) killForAbort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if p.sessionID != "" {
		p.resume = true
	}
}

// ensureProcess starts the claude process if not already running.
func (p *PersistentClaude) ensureProcess() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	gen := p.processGen + 1
	p.processGen = gen

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	if p.systemPrompt != "" && !p.systemPromptSent {
		args = append(args, "--system-prompt", p.systemPrompt)
	}
	if p.resume && p.sessionID != "" {
		args = append(args, "--resume", p.sessionID)
	} else if p.sessionID != "" {
		args = append(args, "--session-id", p.sessionID)
	}
	if len(p.allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(p.allowedTools, " "))
	}
	if len(p.disallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(p.disallowedTools, " "))
	}
	workDir := p.workDir
	command := p.command
	p.mu.Unlock()

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, command, args...)
	cmd.Dir = workDir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return agenterr.Wrap(agenterr.Transport, "create stdin pipe", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return agenterr.Wrap(agenterr.Transport, "create stdout pipe", err)
	}
	stderrPipe, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		cancel()
		return agenterr.Wrap(agenterr.Transport, "start claude", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdinPipe
	p.cancel = cancel
	p.started = true
	if p.systemPrompt != "" {
		p.systemPromptSent = true
	}
	p.mu.Unlock()

	p.logger.Debug("claude process started", "pid", cmd.Process.Pid, "resume", p.resume)

	go p.readLoop(stdoutPipe, cmd, gen)
	if stderrPipe != nil {
		go io.Copy(io.Discard, stderrPipe)
	}
	return nil
}

// readLoop consumes NDJSON events until the process exits.
func (p *PersistentClaude) readLoop(stdout io.Reader, cmd *exec.Cmd, gen int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}

	cmd.Wait()

	p.mu.Lock()
	// Only clean up if this loop still owns the current process; a newer
	// generation may already be running.
	if p.processGen == gen {
		wasGenerating := p.generating
		fail := p.turnFail
		p.started = false
		p.generating = false
		p.stdin = nil
		p.cmd = nil
		p.cancel = nil
		p.mu.Unlock()
		if wasGenerating && fail != nil {
			fail <- agenterr.New(agenterr.Transport, "claude process exited mid-turn")
		}
		return
	}
	p.mu.Unlock()
}

// handleLine parses one NDJSON event and advances the turn state. Split
// out from readLoop so tests can drive it directly.
func (p *PersistentClaude) handleLine(line []byte) {
	var event StreamEvent
	if err := json.Unmarshal(line, &event); err != nil {
		p.logger.Warn("unparseable stream event", "error", err)
		return
	}

	// A stale resume target means the server lost the conversation; start
	// fresh on the next process launch.
	if event.Type == "result" && event.IsError {
		for _, msg := range event.Errors {
			if strings.Contains(msg, "No conversation found with session ID") {
				p.mu.Lock()
				p.sessionID = ""
				p.resume = false
				p.mu.Unlock()
				break
			}
		}
	}

	if event.SessionID != "" && !event.IsError {
		p.mu.Lock()
		p.sessionID = event.SessionID
		p.mu.Unlock()
	}

	switch event.Type {
	case "stream_event":
		if event.Event != nil {
			p.handleStreamDelta(event.Event)
		}
	case "assistant":
		if event.Message != nil {
			p.handleAssistantMessage(event.Message)
		}
	case "result":
		p.finishTurn(event)
	}

	p.fanOut(event)
}

// handleStreamDelta surfaces partial text to the delta handler.
func (p *PersistentClaude) handleStreamDelta(raw json.RawMessage) {
	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if json.Unmarshal(raw, &inner) != nil {
		return
	}
	if inner.Type != "content_block_delta" || inner.Delta.Type != "text_delta" || inner.Delta.Text == "" {
		return
	}
	p.mu.Lock()
	fn := p.onDelta
	p.mu.Unlock()
	if fn != nil {
		fn(inner.Delta.Text)
	}
}

// handleAssistantMessage accumulates the turn's text, tool calls, and usage.
func (p *PersistentClaude) handleAssistantMessage(raw json.RawMessage) {
	var msg struct {
		Content []ContentBlock `json:"content"`
		Usage   struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			OutputTokens             int `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(raw, &msg) != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	totalIn := msg.Usage.InputTokens + msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens
	if totalIn > 0 {
		p.turnUsage.InputTokens = totalIn
	}
	if msg.Usage.OutputTokens > 0 {
		p.turnUsage.OutputTokens += msg.Usage.OutputTokens
	}
	for _, block := range msg.Content {
		switch block.Type {
		case BlockText:
			if block.Text != "" {
				p.turnText = append(p.turnText, block.Text)
			}
		case BlockToolUse:
			p.turnToolCalls = append(p.turnToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
}

// finishTurn assembles the Result when the process reports the turn over.
func (p *PersistentClaude) finishTurn(event StreamEvent) {
	p.mu.Lock()
	if !p.generating {
		p.mu.Unlock()
		return
	}
	p.generating = false
	done, fail := p.turnDone, p.turnFail

	if event.IsError {
		msg := event.Result
		if msg == "" && len(event.Errors) > 0 {
			msg = strings.Join(event.Errors, "; ")
		}
		if msg == "" {
			msg = "claude reported an error"
		}
		p.mu.Unlock()
		if fail != nil {
			lower := strings.ToLower(msg)
			if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
				fail <- agenterr.New(agenterr.RateLimit, msg)
			} else {
				fail <- agenterr.New(agenterr.APIError, msg)
			}
		}
		return
	}

	response := strings.Join(p.turnText, "")
	if response == "" {
		response = event.Result
	}
	res := &Result{
		Response:   response,
		ToolCalls:  p.turnToolCalls,
		Usage:      p.turnUsage,
		SessionID:  firstNonEmpty(event.SessionID, p.sessionID),
		StopReason: StopEndTurn,
	}
	if len(res.ToolCalls) > 0 {
		res.StopReason = StopToolUse
	}
	p.turnText = nil
	p.turnToolCalls = nil
	p.resume = true
	p.mu.Unlock()

	if done != nil {
		done <- res
	}
}

func (p *PersistentClaude) fanOut(event StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			// Drop when the subscriber is slow; deltas are advisory.
		}
	}
}

// writeStdin sends one user message line to the process.
func (p *PersistentClaude) writeStdin(msg stdinMessage, sessionID string) error {
	type sessionedMessage struct {
		stdinMessage
		SessionID string `json:"session_id,omitempty"`
	}
	data, err := json.Marshal(sessionedMessage{stdinMessage: msg, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process not running")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}
