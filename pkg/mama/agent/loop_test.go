package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
	"github.com/jholhewres/mama/pkg/mama/backend"
	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/hooks"
	"github.com/jholhewres/mama/pkg/mama/memory"
	"github.com/jholhewres/mama/pkg/mama/roles"
	"github.com/jholhewres/mama/pkg/mama/session"
	"github.com/jholhewres/mama/pkg/mama/tools"
)

// scriptedBackend replays canned turn results and records everything the
// loop sends it.
type scriptedBackend struct {
	mu        sync.Mutex
	script    []*backend.Result
	next      int
	promptErr error

	inputs        []backend.Input
	systemPrompts []string
	sessionIDs    []string
	resets        int
}

func (f *scriptedBackend) Name() string { return "scripted" }

func (f *scriptedBackend) SetSystemPrompt(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemPrompts = append(f.systemPrompts, text)
}

func (f *scriptedBackend) SetSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionIDs = append(f.sessionIDs, id)
}

func (f *scriptedBackend) ResetSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *scriptedBackend) Close() error { return nil }

func (f *scriptedBackend) Prompt(_ context.Context, input backend.Input) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	if f.next >= len(f.script) {
		return &backend.Result{Response: "done", StopReason: backend.StopEndTurn}, nil
	}
	res := f.script[f.next]
	f.next++
	return res, nil
}

func (f *scriptedBackend) recorded() ([]backend.Input, []string, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Input(nil), f.inputs...),
		append([]string(nil), f.systemPrompts...),
		append([]string(nil), f.sessionIDs...),
		f.resets
}

// fakeMemAPI is the minimal memory store the hook handlers need.
type fakeMemAPI struct {
	mu        sync.Mutex
	decisions []memory.Decision
}

func (f *fakeMemAPI) Save(_ context.Context, d memory.Decision) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = int64(len(f.decisions) + 1)
	f.decisions = append(f.decisions, d)
	return d.ID, nil
}

func (f *fakeMemAPI) SaveCheckpoint(_ context.Context, _ memory.Checkpoint) (int64, error) {
	return 1, nil
}

func (f *fakeMemAPI) ListDecisions(_ context.Context, limit int) ([]memory.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.decisions
	if len(out) > limit {
		out = out[:limit]
	}
	return append([]memory.Decision(nil), out...), nil
}

func (f *fakeMemAPI) Suggest(_ context.Context, _ string, _ int) (*memory.SuggestResponse, error) {
	return &memory.SuggestResponse{Success: true}, nil
}

func (f *fakeMemAPI) UpdateOutcome(_ context.Context, _ int64, _, _ string) error { return nil }

func (f *fakeMemAPI) LoadCheckpoint(_ context.Context) (*memory.Checkpoint, error) {
	return nil, memory.ErrNotFound
}

func (f *fakeMemAPI) saved() []memory.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.Decision(nil), f.decisions...)
}

type loopFixture struct {
	loop *Loop
	be   *scriptedBackend
	pool *session.Pool
	exec *tools.Executor
}

func newFixture(t *testing.T, be *scriptedBackend, mut func(*Deps, *Options)) *loopFixture {
	t.Helper()
	rm := roles.NewManager(config.DefaultRolesConfig(), nil)
	pool := session.NewPool(session.PoolOptions{})
	exec := tools.NewExecutor(rm, t.TempDir(), nil)
	deps := Deps{
		Pool:     pool,
		Lanes:    session.NewLaneManager(nil),
		Factory:  func() backend.Backend { return be },
		Executor: exec,
		Roles:    rm,
	}
	opts := Options{SystemPrompt: "You are the orchestrator.", MaxTurns: 8}
	if mut != nil {
		mut(&deps, &opts)
	}
	return &loopFixture{loop: NewLoop(deps, opts), be: be, pool: deps.Pool, exec: exec}
}

func cliKey() session.ChannelKey {
	return session.ChannelKey{Source: "cli", Channel: "term", User: "u1"}
}

func registerEcho(e *tools.Executor) {
	e.Register(
		tools.MakeToolDefinition("echo", "Echoes text back.", map[string]any{
			"text": map[string]any{"type": "string"},
		}),
		func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"success": true, "echo": args["text"]}, nil
		},
	)
}

func TestRunSingleTurn(t *testing.T) {
	be := &scriptedBackend{script: []*backend.Result{{
		Response:   "hello there",
		StopReason: backend.StopEndTurn,
		Usage:      backend.Usage{InputTokens: 10, OutputTokens: 5},
		SessionID:  "b-sess",
	}}}
	fx := newFixture(t, be, nil)

	res, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "hi"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "hello there" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Turns != 1 || res.StopReason != backend.StopEndTurn {
		t.Errorf("Turns = %d, StopReason = %q", res.Turns, res.StopReason)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.SessionID != "b-sess" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
	if len(res.History) != 2 || !strings.HasPrefix(res.History[0], "user: hi") ||
		!strings.HasPrefix(res.History[1], "assistant: hello there") {
		t.Errorf("History = %v", res.History)
	}
}

func TestRunAssemblesContextPrompt(t *testing.T) {
	be := &scriptedBackend{}
	fx := newFixture(t, be, nil)

	if _, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "what now"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	inputs, _, _, _ := be.recorded()
	if len(inputs) != 1 {
		t.Fatalf("prompts = %d, want 1", len(inputs))
	}
	got := inputs[0].Text
	if !strings.Contains(got, "## Current Agent Context") {
		t.Error("first turn missing the context preamble")
	}
	if !strings.Contains(got, "what now") {
		t.Error("first turn missing the user text")
	}
	if !strings.Contains(got, "Platform: cli") {
		t.Error("preamble missing the platform line")
	}
}

func TestRunToolCycle(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"text": "ping"})
	be := &scriptedBackend{script: []*backend.Result{
		{
			Response:   "let me check",
			StopReason: backend.StopToolUse,
			ToolCalls:  []backend.ToolCall{{ID: "t1", Name: "echo", Input: input}},
		},
		{Response: "the echo said ping", StopReason: backend.StopEndTurn},
	}}
	fx := newFixture(t, be, nil)
	registerEcho(fx.exec)

	res, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "run echo"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 2 || res.Response != "the echo said ping" {
		t.Errorf("Turns = %d, Response = %q", res.Turns, res.Response)
	}

	inputs, _, _, _ := be.recorded()
	if len(inputs) != 2 {
		t.Fatalf("prompts = %d, want 2", len(inputs))
	}
	second := inputs[1]
	if len(second.Blocks) != 1 {
		t.Fatalf("second turn blocks = %d, want 1", len(second.Blocks))
	}
	block := second.Blocks[0]
	if block.Type != backend.BlockToolResult || block.ToolUseID != "t1" {
		t.Errorf("block = %+v, want tool_result for t1", block)
	}
	if block.IsError {
		t.Error("echo result marked as error")
	}
	if !strings.Contains(block.Content, "ping") {
		t.Errorf("tool result content = %q", block.Content)
	}

	var found bool
	for _, line := range res.History {
		if strings.HasPrefix(line, "tool echo:") {
			found = true
		}
	}
	if !found {
		t.Errorf("history missing tool line: %v", res.History)
	}
}

func TestRunUnknownToolFeedsErrorBack(t *testing.T) {
	input, _ := json.Marshal(map[string]any{})
	be := &scriptedBackend{script: []*backend.Result{
		{
			StopReason: backend.StopToolUse,
			ToolCalls:  []backend.ToolCall{{ID: "t1", Name: "no_such_tool", Input: input}},
		},
		{Response: "could not do that", StopReason: backend.StopEndTurn},
	}}
	fx := newFixture(t, be, nil)

	res, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "try it"}})
	if err != nil {
		t.Fatalf("Run should survive an unknown tool, got %v", err)
	}
	inputs, _, _, _ := be.recorded()
	block := inputs[1].Blocks[0]
	if !block.IsError {
		t.Error("unknown tool result should be an error block")
	}
	if !strings.Contains(block.Content, "UNKNOWN_TOOL") {
		t.Errorf("error content = %q", block.Content)
	}
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want 2", res.Turns)
	}
}

func TestRunMaxTurns(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"text": "again"})
	loopTurn := &backend.Result{
		StopReason: backend.StopToolUse,
		ToolCalls:  []backend.ToolCall{{ID: "t", Name: "echo", Input: input}},
	}
	be := &scriptedBackend{script: []*backend.Result{loopTurn, loopTurn, loopTurn, loopTurn}}
	fx := newFixture(t, be, func(_ *Deps, o *Options) { o.MaxTurns = 3 })
	registerEcho(fx.exec)

	res, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "loop"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != backend.StopMaxTurns {
		t.Errorf("StopReason = %q, want %q", res.StopReason, backend.StopMaxTurns)
	}
	if res.Turns != 3 {
		t.Errorf("Turns = %d, want 3", res.Turns)
	}
}

func TestRunEmptyInput(t *testing.T) {
	fx := newFixture(t, &scriptedBackend{}, nil)
	_, err := fx.loop.Run(context.Background(), Request{Key: cliKey()})
	if err == nil {
		t.Fatal("Run with empty input should fail")
	}
}

func TestRunBackendErrorPropagates(t *testing.T) {
	be := &scriptedBackend{promptErr: agenterr.New(agenterr.Transport, "stdin pipe closed")}
	fx := newFixture(t, be, nil)

	_, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "hi"}})
	if err == nil {
		t.Fatal("Run should surface the backend failure")
	}
	if agenterr.KindOf(err) != agenterr.Transport {
		t.Errorf("KindOf(err) = %q, want transport", agenterr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "turn 1") {
		t.Errorf("err = %v, want the failing turn number", err)
	}
}

func TestSystemPromptOnlyOnNewSession(t *testing.T) {
	be := &scriptedBackend{script: []*backend.Result{
		{Response: "first", StopReason: backend.StopEndTurn, SessionID: "b-sess"},
		{Response: "second", StopReason: backend.StopEndTurn, SessionID: "b-sess"},
	}}
	fx := newFixture(t, be, nil)
	key := cliKey()

	if _, err := fx.loop.Run(context.Background(), Request{Key: key, Input: backend.Input{Text: "one"}}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := fx.loop.Run(context.Background(), Request{Key: key, Input: backend.Input{Text: "two"}}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	_, prompts, sessionIDs, resets := be.recorded()
	if len(prompts) != 1 {
		t.Errorf("system prompt sent %d times, want once", len(prompts))
	}
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
	if len(sessionIDs) != 1 || sessionIDs[0] != "b-sess" {
		t.Errorf("sessionIDs = %v, want the backend-minted id resumed once", sessionIDs)
	}
}

func TestRunMultimodalKeepsMediaBlocks(t *testing.T) {
	be := &scriptedBackend{}
	fx := newFixture(t, be, nil)

	req := Request{Key: cliKey(), Input: backend.Input{Blocks: []backend.ContentBlock{
		backend.TextBlock("what is in this image?"),
		backend.ImageBlock("image/png", "aWJvdA=="),
	}}}
	if _, err := fx.loop.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inputs, _, _, _ := be.recorded()
	blocks := inputs[0].Blocks
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want context + text + image", len(blocks))
	}
	if blocks[0].Type != backend.BlockText || !strings.Contains(blocks[0].Text, "## Current Agent Context") {
		t.Error("first block should carry the assembled context")
	}
	if blocks[2].Type != backend.BlockImage || blocks[2].Source == nil || blocks[2].Source.MediaType != "image/png" {
		t.Errorf("image block not preserved: %+v", blocks[2])
	}
}

func TestNearThresholdInjectsCompactionPrompt(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"text": "x"})
	be := &scriptedBackend{script: []*backend.Result{
		{
			Response:   "working",
			StopReason: backend.StopToolUse,
			ToolCalls:  []backend.ToolCall{{ID: "t1", Name: "echo", Input: input}},
			Usage:      backend.Usage{InputTokens: 900, OutputTokens: 200},
		},
		{Response: "done", StopReason: backend.StopEndTurn},
	}}
	mem := &fakeMemAPI{}
	fx := newFixture(t, be, func(d *Deps, _ *Options) {
		d.Pool = session.NewPool(session.PoolOptions{TokenThreshold: 1000})
		d.PreCompact = hooks.NewPreCompactHandler(mem, nil)
	})
	registerEcho(fx.exec)

	if _, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "big job"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inputs, _, _, _ := be.recorded()
	second := inputs[1]
	var foundPrompt bool
	for _, block := range second.Blocks {
		if block.Type == backend.BlockText && strings.Contains(block.Text, "User Requests") {
			foundPrompt = true
		}
	}
	if !foundPrompt {
		t.Error("compaction prompt not injected after crossing the token threshold")
	}
}

func TestEditToolFiresContractMiner(t *testing.T) {
	mem := &fakeMemAPI{}
	post := hooks.NewPostToolHandler(mem, hooks.PostToolOptions{}, nil)
	defer post.Close()

	args, _ := json.Marshal(map[string]any{
		"path":    "svc/api.js",
		"content": "app.get('/ping', handler);",
	})
	be := &scriptedBackend{script: []*backend.Result{
		{
			StopReason: backend.StopToolUse,
			ToolCalls:  []backend.ToolCall{{ID: "t1", Name: "Write", Input: args}},
		},
		{Response: "written", StopReason: backend.StopEndTurn},
	}}
	fx := newFixture(t, be, func(d *Deps, _ *Options) { d.PostTool = post })
	tools.RegisterFilesystemTools(fx.exec)

	if _, err := fx.loop.Run(context.Background(), Request{Key: cliKey(), Input: backend.Input{Text: "write the route"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	post.Close()

	saved := mem.saved()
	if len(saved) == 0 {
		t.Fatal("edit-class tool did not reach the contract miner")
	}
	if saved[0].Topic != "API endpoint: GET /ping" {
		t.Errorf("topic = %q", saved[0].Topic)
	}
}
