package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
)

// ClaudeOptions configures a one-shot Claude CLI backend.
type ClaudeOptions struct {
	// Command is the CLI binary. Defaults to "claude".
	Command string

	// Model passes --model when non-empty.
	Model string

	// AllowedTools / DisallowedTools are emitted as a single
	// space-separated argument after their flag, and only when non-empty.
	AllowedTools    []string
	DisallowedTools []string

	// Timeout bounds one turn. Defaults to 5 minutes.
	Timeout time.Duration

	// WorkDir is where the CLI runs. Defaults to the user home directory;
	// the agent never passes --add-dir, so the CLI sees exactly this tree.
	WorkDir string

	Logger *slog.Logger
}

// ClaudeCLI runs one `claude --print` invocation per turn. Conversation
// continuity comes from --session-id on the first turn and --resume on
// every turn after.
type ClaudeCLI struct {
	mu sync.Mutex

	command         string
	model           string
	allowedTools    []string
	disallowedTools []string
	timeout         time.Duration
	workDir         string
	logger          *slog.Logger

	systemPrompt     string
	systemPromptSent bool
	sessionID        string
	resume           bool
}

// NewClaudeCLI builds a one-shot CLI backend.
func NewClaudeCLI(opts ClaudeOptions) *ClaudeCLI {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
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
	return &ClaudeCLI{
		command:         opts.Command,
		model:           opts.Model,
		allowedTools:    opts.AllowedTools,
		disallowedTools: opts.DisallowedTools,
		timeout:         opts.Timeout,
		workDir:         opts.WorkDir,
		logger:          logger.With("component", "backend", "backend", "claude"),
	}
}

// Name implements Backend.
func (c *ClaudeCLI) Name() string { return "claude" }

// SetSystemPrompt implements Backend. The prompt goes out with the first
// turn only; the CLI's session persistence carries it afterwards.
func (c *ClaudeCLI) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = text
	c.systemPromptSent = false
}

// SetSessionID implements Backend: attaches an existing CLI session, so
// the next turn resumes instead of creating.
func (c *ClaudeCLI) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
	c.resume = id != ""
}

// ResetSession implements Backend.
func (c *ClaudeCLI) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.resume = false
	c.systemPromptSent = false
}

// Close implements Backend. One-shot invocations hold no process.
func (c *ClaudeCLI) Close() error { return nil }

// resultPayload is the JSON object `claude --print --output-format json`
// writes to stdout.
type resultPayload struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	IsError   bool     `json:"is_error"`
	Result    string   `json:"result"`
	SessionID string   `json:"session_id"`
	Errors    []string `json:"errors"`
	Usage     struct {
		InputTokens              int `json:"input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		OutputTokens             int `json:"output_tokens"`
	} `json:"usage"`
}

// stdinMessage is the stream-json line used when a turn carries content
// blocks (images, documents, tool results) that argv cannot express.
type stdinMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	} `json:"message"`
}

// Prompt implements Backend.
func (c *ClaudeCLI) Prompt(ctx context.Context, input Input) (*Result, error) {
	if input.IsEmpty() {
		return nil, agenterr.New(agenterr.Validation, "empty prompt")
	}

	c.mu.Lock()
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
		c.resume = false
	}
	args, stdin, err := c.buildArgs(input)
	sessionID := c.sessionID
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command, args...)
	cmd.Dir = c.workDir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, agenterr.Wrap(agenterr.Transport, fmt.Sprintf("claude turn timed out after %s", c.timeout), runCtx.Err())
		}
		return nil, classifyCLIFailure(runErr, stderr.String(), stdout.String())
	}

	payload, err := parseResultPayload(stdout.Bytes())
	if err != nil {
		return nil, agenterr.Wrap(agenterr.Transport, "parse claude output", err)
	}
	if payload.IsError {
		return nil, classifyPayloadError(payload)
	}

	c.mu.Lock()
	if c.systemPrompt != "" {
		c.systemPromptSent = true
	}
	if payload.SessionID != "" {
		c.sessionID = payload.SessionID
	}
	c.resume = true
	c.mu.Unlock()

	c.logger.Debug("claude turn complete",
		"session_id", sessionID,
		"duration", elapsed.Round(time.Millisecond),
		"input_tokens", payload.Usage.InputTokens,
		"output_tokens", payload.Usage.OutputTokens)

	return &Result{
		Response:   payload.Result,
		Usage:      Usage{InputTokens: payload.Usage.InputTokens + payload.Usage.CacheCreationInputTokens + payload.Usage.CacheReadInputTokens, OutputTokens: payload.Usage.OutputTokens},
		SessionID:  firstNonEmpty(payload.SessionID, sessionID),
		StopReason: stopReasonFromSubtype(payload.Subtype),
	}, nil
}

// buildArgs assembles the argv for one turn. Callers hold c.mu.
//
// Flag contract: --allowedTools/--disallowedTools appear only when the
// list is non-empty, with the names space-separated in one argument.
// --add-dir is never emitted; the process working directory is the only
// tree the CLI sees.
func (c *ClaudeCLI) buildArgs(input Input) ([]string, []byte, error) {
	args := []string{"--print", "--output-format", "json"}

	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if c.systemPrompt != "" && !c.systemPromptSent {
		args = append(args, "--system-prompt", c.systemPrompt)
	}
	if c.resume {
		args = append(args, "--resume", c.sessionID)
	} else {
		args = append(args, "--session-id", c.sessionID)
	}
	if len(c.allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.allowedTools, " "))
	}
	if len(c.disallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.disallowedTools, " "))
	}

	if input.Text != "" {
		args = append(args, input.Text)
		return args, nil, nil
	}

	// Content blocks (images, documents, tool results) ride a stream-json
	// stdin message so media payloads survive the trip.
	args = append(args, "--input-format", "stream-json")
	var msg stdinMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = input.Blocks
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, agenterr.Wrap(agenterr.Validation, "encode content blocks", err)
	}
	return args, append(data, '\n'), nil
}

func parseResultPayload(out []byte) (*resultPayload, error) {
	// The CLI may print warnings before the JSON object; scan for the
	// first line that parses as a result.
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var payload resultPayload
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		if payload.Type == "result" || payload.Result != "" || payload.SessionID != "" {
			return &payload, nil
		}
	}
	return nil, fmt.Errorf("no result object in output (%d bytes)", len(out))
}

func stopReasonFromSubtype(subtype string) string {
	switch subtype {
	case "error_max_turns":
		return StopMaxTurns
	default:
		return StopEndTurn
	}
}

// classifyCLIFailure maps a non-zero exit to an error kind by inspecting
// the CLI's output. Rate limits and overload responses are retryable.
func classifyCLIFailure(runErr error, stderr, stdout string) error {
	combined := strings.ToLower(stderr + "\n" + stdout)
	switch {
	case strings.Contains(combined, "rate limit") || strings.Contains(combined, "429"):
		return agenterr.Wrap(agenterr.RateLimit, "claude rate limited", runErr)
	case strings.Contains(combined, "overloaded") || strings.Contains(combined, "529"),
		strings.Contains(combined, "internal server error") || strings.Contains(combined, "500"),
		strings.Contains(combined, "503"):
		e := agenterr.Wrap(agenterr.APIError, "claude api failure", runErr)
		e.Retryable = true
		return e
	case strings.Contains(combined, "executable file not found"), strings.Contains(combined, "no such file"):
		return agenterr.Wrap(agenterr.Transport, "claude binary not found", runErr)
	default:
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "claude exited abnormally"
		}
		return agenterr.Wrap(agenterr.APIError, msg, runErr)
	}
}

func classifyPayloadError(p *resultPayload) error {
	msg := p.Result
	if msg == "" && len(p.Errors) > 0 {
		msg = strings.Join(p.Errors, "; ")
	}
	if msg == "" {
		msg = "claude reported an error"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
		return agenterr.New(agenterr.RateLimit, msg)
	}
	return agenterr.New(agenterr.APIError, msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
