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

// Codex process states. Transitions: dead → starting → ready → busy → ready,
// back to dead on process loss.
const (
	CodexDead     = "dead"
	CodexStarting = "starting"
	CodexReady    = "ready"
	CodexBusy     = "busy"
)

const (
	codexInitTimeout    = 60 * time.Second
	codexRequestTimeout = 3 * time.Minute
)

// CodexOptions configures the Codex app-server backend.
type CodexOptions struct {
	// Command is the codex binary. Defaults to "codex".
	Command string

	// Args are the subcommand arguments. Defaults to ["app-server"].
	Args []string

	// Home sets CODEX_HOME in the child environment when non-empty.
	Home string

	Model string

	// InitTimeout bounds the initialize handshake. Defaults to 60s.
	InitTimeout time.Duration

	// RequestTimeout bounds one prompt round-trip. Defaults to 3 minutes.
	RequestTimeout time.Duration

	WorkDir string
	Logger  *slog.Logger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`

	// Notifications (turn progress events) carry a method and no ID.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResult struct {
	resp rpcResponse
	err  error
}

// CodexProcess drives a codex app-server child over newline-delimited
// JSON-RPC. One process serves all turns of one conversation thread; the
// thread ID persists across process restarts.
type CodexProcess struct {
	mu        sync.Mutex
	pendingMu sync.Mutex
	writeMu   sync.Mutex

	command        string
	args           []string
	home           string
	model          string
	initTimeout    time.Duration
	requestTimeout time.Duration
	workDir        string
	logger         *slog.Logger

	state      string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	cancel     context.CancelFunc
	closed     chan struct{}
	generation int

	nextID  uint64
	pending map[uint64]chan rpcResult

	systemPrompt     string
	systemPromptSent bool
	threadID         string
}

// NewCodexProcess builds a Codex backend. The process starts lazily on the
// first Prompt.
func NewCodexProcess(opts CodexOptions) *CodexProcess {
	if opts.Command == "" {
		opts.Command = "codex"
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"app-server"}
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = codexInitTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = codexRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CodexProcess{
		command:        opts.Command,
		args:           opts.Args,
		home:           opts.Home,
		model:          opts.Model,
		initTimeout:    opts.InitTimeout,
		requestTimeout: opts.RequestTimeout,
		workDir:        opts.WorkDir,
		logger:         logger.With("component", "backend", "backend", "codex"),
		state:          CodexDead,
		pending:        make(map[uint64]chan rpcResult),
	}
}

// Name implements Backend.
func (c *CodexProcess) Name() string { return "codex" }

// State reports the process state for status surfaces.
func (c *CodexProcess) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetSystemPrompt implements Backend. The prompt rides the next
// thread.create as instructions; it is sent exactly once per thread.
func (c *CodexProcess) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = text
	c.systemPromptSent = false
}

// SetSessionID implements Backend: attaches an existing thread.
func (c *CodexProcess) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = id
	if id != "" {
		c.systemPromptSent = true
	}
}

// ResetSession implements Backend. The process stays up; the next Prompt
// creates a fresh thread.
func (c *CodexProcess) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = ""
	c.systemPromptSent = false
}

// Close implements Backend: asks the server to shut down, then kills it.
func (c *CodexProcess) Close() error {
	c.mu.Lock()
	if c.state == CodexDead {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.call(ctx, "shutdown", nil, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

// stopLocked kills the process and fails outstanding calls. Callers hold c.mu.
func (c *CodexProcess) stopLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	c.state = CodexDead
	c.cmd = nil
	c.stdin = nil
	c.cancel = nil
	c.failPending(agenterr.New(agenterr.Transport, "codex process stopped"))
}

// Prompt implements Backend. A transport-level failure gets one automatic
// process restart with the same request; a second failure propagates.
func (c *CodexProcess) Prompt(ctx context.Context, input Input) (*Result, error) {
	if input.IsEmpty() {
		return nil, agenterr.New(agenterr.Validation, "empty prompt")
	}

	res, err := c.promptOnce(ctx, input)
	if err != nil && agenterr.IsKind(err, agenterr.Transport) && ctx.Err() == nil {
		c.logger.Warn("codex transport failure, restarting once", "error", err)
		c.mu.Lock()
		c.stopLocked()
		c.mu.Unlock()
		return c.promptOnce(ctx, input)
	}
	return res, err
}

func (c *CodexProcess) promptOnce(ctx context.Context, input Input) (*Result, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != CodexReady {
		state := c.state
		c.mu.Unlock()
		return nil, agenterr.Newf(agenterr.Validation, "codex not ready (state %s)", state)
	}
	c.state = CodexBusy
	gen := c.generation
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.generation == gen && c.state == CodexBusy {
			c.state = CodexReady
		}
		c.mu.Unlock()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	threadID, err := c.ensureThread(reqCtx)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"thread_id": threadID,
		"content":   input.AsBlocks(),
	}
	var turn struct {
		ThreadID string `json:"thread_id"`
		Response string `json:"response"`
		Text     string `json:"text"`
		Items    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"items"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := c.call(reqCtx, "thread.message", params, &turn); err != nil {
		return nil, err
	}

	response := turn.Response
	if response == "" {
		response = turn.Text
	}
	if response == "" {
		var parts []string
		for _, item := range turn.Items {
			if item.Type == "agent_message" && item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
		response = strings.Join(parts, "\n")
	}

	if turn.ThreadID != "" && turn.ThreadID != threadID {
		c.mu.Lock()
		c.threadID = turn.ThreadID
		c.mu.Unlock()
		threadID = turn.ThreadID
	}

	return &Result{
		Response:   response,
		Usage:      Usage{InputTokens: turn.Usage.InputTokens, OutputTokens: turn.Usage.OutputTokens},
		SessionID:  threadID,
		StopReason: StopEndTurn,
	}, nil
}

// ensureThread creates the conversation thread on first use, carrying the
// system prompt as instructions exactly once.
func (c *CodexProcess) ensureThread(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.threadID != "" {
		id := c.threadID
		c.mu.Unlock()
		return id, nil
	}
	params := map[string]any{}
	if c.model != "" {
		params["model"] = c.model
	}
	if c.systemPrompt != "" && !c.systemPromptSent {
		params["instructions"] = c.systemPrompt
	}
	c.mu.Unlock()

	var created struct {
		ThreadID string `json:"thread_id"`
		ID       string `json:"id"`
	}
	if err := c.call(ctx, "thread.create", params, &created); err != nil {
		return "", err
	}
	id := firstNonEmpty(created.ThreadID, created.ID)
	if id == "" {
		return "", agenterr.New(agenterr.APIError, "thread.create returned no thread id")
	}

	c.mu.Lock()
	c.threadID = id
	c.systemPromptSent = true
	c.mu.Unlock()
	return id, nil
}

// ensureRunning starts the process and completes the initialize handshake.
// No prompt proceeds until initialize has returned.
func (c *CodexProcess) ensureRunning(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CodexDead {
		c.mu.Unlock()
		return nil
	}
	c.state = CodexStarting
	c.generation++
	command, args, home, workDir := c.command, c.args, c.home, c.workDir
	c.mu.Unlock()

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, command, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if home != "" {
		cmd.Env = append(os.Environ(), "CODEX_HOME="+home)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		c.setDead()
		return agenterr.Wrap(agenterr.Transport, "create codex stdin pipe", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		c.setDead()
		return agenterr.Wrap(agenterr.Transport, "create codex stdout pipe", err)
	}
	stderrPipe, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		cancel()
		c.setDead()
		return agenterr.Wrap(agenterr.Transport, "start codex", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdinPipe
	c.cancel = cancel
	c.closed = make(chan struct{})
	closed := c.closed
	c.mu.Unlock()

	go c.readLoop(stdoutPipe, cmd, closed)
	if stderrPipe != nil {
		go io.Copy(io.Discard, stderrPipe)
	}

	initCtx, initCancel := context.WithTimeout(ctx, c.initTimeout)
	defer initCancel()
	initParams := map[string]any{
		"clientInfo": map[string]any{"name": "mama", "version": "1"},
	}
	if err := c.call(initCtx, "initialize", initParams, nil); err != nil {
		c.mu.Lock()
		c.stopLocked()
		c.mu.Unlock()
		return agenterr.Wrap(agenterr.Transport, "codex initialize failed", err)
	}

	c.mu.Lock()
	c.state = CodexReady
	c.mu.Unlock()
	c.logger.Debug("codex process ready", "pid", cmd.Process.Pid)
	return nil
}

func (c *CodexProcess) setDead() {
	c.mu.Lock()
	c.state = CodexDead
	c.mu.Unlock()
}

// readLoop consumes NDJSON frames until the process exits, then fails any
// outstanding calls so no caller waits on a dead process.
func (c *CodexProcess) readLoop(stdout io.Reader, cmd *exec.Cmd, closed chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("unparseable codex frame", "error", err)
			continue
		}
		if resp.ID == 0 {
			c.handleNotification(resp)
			continue
		}
		c.resolve(resp)
	}

	cmd.Wait()
	close(closed)

	c.mu.Lock()
	if c.closed == closed {
		c.state = CodexDead
		c.cmd = nil
		c.stdin = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.mu.Unlock()
	c.failPending(agenterr.New(agenterr.Transport, "codex process exited"))
}

// handleNotification logs turn progress events.
func (c *CodexProcess) handleNotification(resp rpcResponse) {
	switch resp.Method {
	case "thread.started", "turn.started", "turn.completed", "item.started", "item.completed":
		c.logger.Debug("codex event", "method", resp.Method)
	case "turn.failed", "error":
		c.logger.Warn("codex event", "method", resp.Method, "params", string(resp.Params))
	default:
		if resp.Method != "" {
			c.logger.Debug("codex notification", "method", resp.Method)
		}
	}
}

// call issues one JSON-RPC request and waits for its response.
func (c *CodexProcess) call(ctx context.Context, method string, params any, result any) error {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeLine(req); err != nil {
		c.removePending(id)
		return agenterr.Wrap(agenterr.Transport, fmt.Sprintf("write %s request", method), err)
	}

	if closed == nil {
		closed = make(chan struct{}) // never closes; process state guards this path
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return classifyRPCError(method, res.resp.Error)
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return agenterr.Wrap(agenterr.APIError, fmt.Sprintf("decode %s result", method), err)
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return agenterr.Wrap(agenterr.Transport, fmt.Sprintf("%s timed out", method), ctx.Err())
	case <-closed:
		return agenterr.New(agenterr.Transport, "codex process exited during call")
	}
}

func (c *CodexProcess) writeLine(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process not running")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func (c *CodexProcess) resolve(resp rpcResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- rpcResult{resp: resp}
		close(ch)
	}
}

func (c *CodexProcess) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *CodexProcess) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
}

// classifyRPCError maps a JSON-RPC error object onto an error kind.
func classifyRPCError(method string, e *rpcError) error {
	msg := fmt.Sprintf("%s: %s", method, e.Message)
	lower := strings.ToLower(e.Message)
	switch {
	case e.Code == 429 || strings.Contains(lower, "rate limit"):
		return agenterr.New(agenterr.RateLimit, msg)
	case e.Code >= 500 && e.Code < 600:
		return agenterr.FromStatus(e.Code, msg)
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "server error"):
		err := agenterr.New(agenterr.APIError, msg)
		err.Retryable = true
		return err
	default:
		return agenterr.New(agenterr.APIError, msg)
	}
}
