package tools

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

	"github.com/jholhewres/mama/pkg/mama/agenterr"
	"github.com/jholhewres/mama/pkg/mama/config"
)

// mcpProtocolVersion is the MCP revision this client speaks.
const mcpProtocolVersion = "2024-11-05"

// MCPTool is one tool advertised by a server via tools/list.
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *mcpError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// MCPClient drives one MCP server child over newline-delimited JSON-RPC
// on stdio. Tool outputs come back as text content blocks.
type MCPClient struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	nextID    uint64
	pending   map[uint64]chan mcpResponse

	closed chan struct{}
	once   sync.Once
}

// StartMCPClient launches the server process and completes the
// initialize handshake.
func StartMCPClient(ctx context.Context, spec config.MCPServerSpec, logger *slog.Logger) (*MCPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("mcp server %q: command is required", spec.Name)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting mcp server %q: %w", spec.Name, err)
	}

	c := &MCPClient{
		name:    spec.Name,
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger.With("component", "mcp", "server", spec.Name),
		pending: make(map[uint64]chan mcpResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)

	var initResult struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	err = c.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "mama", "version": "1.0"},
	}, &initResult)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp initialized notification: %w", err)
	}

	c.logger.Info("mcp server ready",
		"server_name", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version)
	return c, nil
}

// Name returns the configured server name.
func (c *MCPClient) Name() string { return c.name }

// ListTools asks the server what it offers.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPTool, error) {
	var result struct {
		Tools []MCPTool `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and flattens its text content blocks.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, &result)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%s", b.String())
	}
	return b.String(), nil
}

// Close terminates the server process.
func (c *MCPClient) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
		c.failPending(fmt.Errorf("mcp server closed"))
	})
	return nil
}

func (c *MCPClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp mcpResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug("unparseable mcp line", "error", err)
			continue
		}
		if resp.Method != "" && resp.ID == 0 {
			continue // server-initiated notification, nothing subscribes
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
	c.failPending(fmt.Errorf("mcp server %q exited", c.name))
}

func (c *MCPClient) call(ctx context.Context, method string, params any, result any) error {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan mcpResponse, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeLine(mcpRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return agenterr.Wrap(agenterr.Transport, fmt.Sprintf("write %s", method), err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return agenterr.New(agenterr.Transport, "mcp server closed during call")
	}
}

func (c *MCPClient) notify(method string, params any) error {
	return c.writeLine(mcpRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *MCPClient) writeLine(req mcpRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *MCPClient) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- mcpResponse{Error: &mcpError{Code: -1, Message: err.Error()}}
	}
}

// RegisterMCPServers launches every enabled server, registers its tools
// as mcp__<server>__<tool>, and returns the clients for shutdown. A
// server that fails to start is logged and skipped; the rest still load.
func RegisterMCPServers(ctx context.Context, e *Executor, cfg config.MCPConfig, logger *slog.Logger) []*MCPClient {
	if logger == nil {
		logger = slog.Default()
	}
	var clients []*MCPClient
	for _, spec := range cfg.Servers {
		if !spec.Enabled {
			continue
		}
		client, err := StartMCPClient(ctx, spec, logger)
		if err != nil {
			logger.Warn("mcp server failed to start", "server", spec.Name, "error", err)
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			logger.Warn("mcp tools/list failed", "server", spec.Name, "error", err)
			client.Close()
			continue
		}
		for _, tool := range tools {
			registerMCPTool(e, client, tool)
		}
		logger.Info("mcp tools registered", "server", spec.Name, "count", len(tools))
		clients = append(clients, client)
	}
	return clients
}

func registerMCPTool(e *Executor, client *MCPClient, tool MCPTool) {
	remoteName := tool.Name
	localName := sanitizeToolName(fmt.Sprintf("mcp__%s__%s", client.Name(), remoteName))

	def := ToolDefinition{
		Name:        localName,
		Description: tool.Description,
		Parameters:  tool.InputSchema,
	}
	e.Register(def, func(ctx context.Context, args map[string]any) (any, error) {
		return client.CallTool(ctx, remoteName, args)
	})
	e.MarkSlow(localName)
}
