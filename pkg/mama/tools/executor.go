// Package tools implements the agent's tool surface: a registry of
// named handlers, role and path gating, argument parsing, per-tool
// timeouts, and result shaping for the turn loop. Tool failures come
// back as structured results the model can read; the only hard error
// the executor raises is a call to a tool that does not exist.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
	"github.com/jholhewres/mama/pkg/mama/backend"
	"github.com/jholhewres/mama/pkg/mama/roles"
)

const (
	// DefaultTimeout bounds a single tool handler.
	DefaultTimeout = 30 * time.Second

	// slowTimeout applies to tools that shell out or drive a browser.
	// Bash advertises timeout_seconds up to 600, so the ceiling sits
	// above that.
	slowTimeout = 10 * time.Minute

	// maxResultChars caps what a single tool may feed back to the model.
	maxResultChars = 400_000

	// maxErrChars caps the error message embedded in an error result.
	maxErrChars = 2000
)

// HandlerFunc executes one tool call. The returned value is shaped into
// the tool result: nil becomes "OK", strings pass through, everything
// else is JSON-encoded.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolDefinition describes a registered tool for prompt rendering and
// the status surface.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// MakeToolDefinition builds a definition from an inline schema map.
func MakeToolDefinition(name, description string, schema map[string]any) ToolDefinition {
	var params json.RawMessage
	if schema != nil {
		if raw, err := json.Marshal(schema); err == nil {
			params = raw
		}
	}
	return ToolDefinition{Name: name, Description: description, Parameters: params}
}

// Hook observes and optionally intercepts tool calls. Before may rewrite
// the arguments or block the call outright; After runs once the result
// is shaped, on success and failure alike.
type Hook struct {
	Name   string
	Before func(ctx context.Context, tool string, args map[string]any) (modified map[string]any, blocked bool, reason string)
	After  func(ctx context.Context, tool string, args map[string]any, res *Result)
}

// Result is one finished tool call, ready to feed back to the model.
// IsError marks handler failures and timeouts; gate denials and
// validation responses are ordinary content the model reads.
type Result struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
	Duration   time.Duration
}

type registeredTool struct {
	def     ToolDefinition
	handler HandlerFunc
}

// Executor owns the tool registry and runs calls emitted by the model.
type Executor struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
	hooks []Hook
	slow  map[string]bool

	roles   *roles.Manager
	workDir string
	logger  *slog.Logger
}

// NewExecutor builds an empty executor. Tool sets are attached by the
// Register* functions in this package.
func NewExecutor(rm *roles.Manager, workDir string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools:   make(map[string]registeredTool),
		slow:    make(map[string]bool),
		roles:   rm,
		workDir: workDir,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds or replaces a tool.
func (e *Executor) Register(def ToolDefinition, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[def.Name]; !exists {
		e.order = append(e.order, def.Name)
	}
	e.tools[def.Name] = registeredTool{def: def, handler: h}
}

// Unregister removes a tool. Unknown names are a no-op.
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[name]; !exists {
		return
	}
	delete(e.tools, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// MarkSlow widens the timeout for a tool to the slow ceiling.
func (e *Executor) MarkSlow(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slow[name] = true
}

// AddHook appends a hook. Hooks run in registration order.
func (e *Executor) AddHook(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// IsValidTool reports whether a tool name is registered.
func (e *Executor) IsValidTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// ValidTools returns the registered tool names in registration order.
func (e *Executor) ValidTools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.order))
	copy(names, e.order)
	return names
}

// Definitions returns the tool definitions in registration order.
func (e *Executor) Definitions() []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		defs = append(defs, e.tools[name].def)
	}
	return defs
}

// ---------- Execution ----------

// Execute runs one tool call. The error return is non-nil only for a
// tool that is not registered at all; every other failure is delivered
// as result content so the model can react to it.
func (e *Executor) Execute(ctx context.Context, call backend.ToolCall) (*Result, error) {
	e.mu.RLock()
	reg, known := e.tools[call.Name]
	hooks := make([]Hook, len(e.hooks))
	copy(hooks, e.hooks)
	isSlow := e.slow[call.Name]
	e.mu.RUnlock()

	if !known {
		return nil, agenterr.Newf(agenterr.UnknownTool, "unknown tool %q", call.Name)
	}

	args, err := parseArgs(call.Input)
	if err != nil {
		return e.denied(call, fmt.Sprintf("invalid tool arguments: %v", err)), nil
	}

	ac, ok := AgentFromContext(ctx)
	if !ok {
		return e.denied(call, "no agent context attached to tool call"), nil
	}
	if !e.roles.IsToolAllowed(ac.RoleName, call.Name) {
		return e.denied(call, "Tool not permitted for role "+ac.RoleName), nil
	}
	if tierRestricted(ac.Tier, call.Name) {
		return e.denied(call, fmt.Sprintf("Tool not permitted at tier %d", ac.Tier)), nil
	}
	if reason, ok := e.checkPath(ac, call.Name, args); !ok {
		return e.denied(call, reason), nil
	}

	for _, h := range hooks {
		if h.Before == nil {
			continue
		}
		modified, blocked, reason := h.Before(ctx, call.Name, args)
		if blocked {
			e.logger.Warn("tool call blocked", "tool", call.Name, "hook", h.Name, "reason", reason)
			return e.denied(call, reason), nil
		}
		if modified != nil {
			args = modified
		}
	}

	timeout := DefaultTimeout
	if isSlow {
		timeout = slowTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := reg.handler(tctx, args)
	elapsed := time.Since(start)

	res := &Result{ToolCallID: call.ID, Name: call.Name, Duration: elapsed}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		res.Content = formatToolError(call.Name, fmt.Errorf("timed out after %v", timeout))
		res.IsError = true
		e.logger.Warn("tool timed out", "tool", call.Name, "timeout", timeout)
	case err != nil:
		res.Content = formatToolError(call.Name, err)
		res.IsError = true
		e.logger.Warn("tool failed", "tool", call.Name, "duration", elapsed, "error", err)
	default:
		res.Content = truncateResult(formatToolOutput(out))
		e.logger.Debug("tool completed", "tool", call.Name, "duration", elapsed, "chars", len(res.Content))
	}

	for _, h := range hooks {
		if h.After != nil {
			h.After(ctx, call.Name, args, res)
		}
	}
	return res, nil
}

// ExecuteAll runs a turn's tool calls in order. Lanes already serialize
// turns, so there is no gain in running them concurrently, and ordered
// results keep the transcript deterministic.
func (e *Executor) ExecuteAll(ctx context.Context, calls []backend.ToolCall) ([]*Result, error) {
	results := make([]*Result, 0, len(calls))
	for _, call := range calls {
		res, err := e.Execute(ctx, call)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// pathArgOf names the argument that carries the gated path for
// filesystem tools.
var pathArgOf = map[string]string{
	"Read":  "path",
	"Write": "path",
	"Grep":  "path",
	"Glob":  "path",
}

// tierRestricted enforces the tier-3 floor: no shell, no browser,
// whatever the role says.
func tierRestricted(tier int, tool string) bool {
	if tier < 3 {
		return false
	}
	return tool == "Bash" || strings.HasPrefix(tool, "browser_")
}

func (e *Executor) checkPath(ac *roles.AgentContext, tool string, args map[string]any) (string, bool) {
	argName, gated := pathArgOf[tool]
	if !gated {
		return "", true
	}
	p := strArg(args, argName)
	if p == "" {
		p = e.workDir
	}
	if !e.roles.IsPathAllowed(ac.RoleName, p) {
		return fmt.Sprintf("Path not permitted for role %s: %s", ac.RoleName, p), false
	}
	return "", true
}

// denied shapes a gate or validation refusal. The model reads these as
// regular content, so IsError stays false.
func (e *Executor) denied(call backend.ToolCall, reason string) *Result {
	payload, _ := json.Marshal(map[string]any{"success": false, "error": reason})
	return &Result{ToolCallID: call.ID, Name: call.Name, Content: string(payload)}
}

// ---------- Agent context ----------

type agentCtxKey struct{}

// ContextWithAgent attaches the per-turn agent context for gating.
func ContextWithAgent(ctx context.Context, ac *roles.AgentContext) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, ac)
}

// AgentFromContext retrieves the agent context attached by the turn loop.
func AgentFromContext(ctx context.Context) (*roles.AgentContext, bool) {
	ac, ok := ctx.Value(agentCtxKey{}).(*roles.AgentContext)
	return ac, ok && ac != nil
}

// ---------- Result shaping ----------

func parseArgs(raw json.RawMessage) (map[string]any, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "{}" || s == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func formatToolOutput(out any) string {
	switch v := out.(type) {
	case nil:
		return "OK"
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func formatToolError(tool string, err error) string {
	msg := err.Error()
	if len(msg) > maxErrChars {
		msg = msg[:maxErrChars] + "..."
	}
	payload, _ := json.Marshal(map[string]string{
		"status": "error",
		"tool":   tool,
		"error":  msg,
	})
	return string(payload)
}

func truncateResult(s string) string {
	if len(s) <= maxResultChars {
		return s
	}
	return s[:maxResultChars] + fmt.Sprintf("... [truncated: result was %d chars, capped at %d]", len(s), maxResultChars)
}

// ---------- Argument helpers ----------

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	return int(floatArg(args, key, float64(def)))
}

func strSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sanitizeToolName normalizes externally sourced tool names (MCP) to
// the character set backends accept.
func sanitizeToolName(name string) string {
	s := toolNameSanitizer.ReplaceAllString(name, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
