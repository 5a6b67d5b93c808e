// Package backend drives headless LLM subprocesses. Two interchangeable
// implementations exist: the Claude CLI (one-shot argv or a long-running
// stream-json process) and the Codex app server (JSON-RPC over stdio).
// Both satisfy the same contract so the agent loop stays backend-agnostic.
package backend

import (
	"context"
	"encoding/json"
)

// Stop reasons reported by a turn.
const (
	StopEndTurn  = "end_turn"
	StopToolUse  = "tool_use"
	StopMaxTurns = "max_turns"
	StopSequence = "stop_sequence"
)

// Content block types carried through the prompt pipeline.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockDocument   = "document"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// MediaSource carries base64 payloads for image and document blocks.
type MediaSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock mirrors the message content block wire shape. Which fields
// are set depends on Type.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *MediaSource    `json:"source,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image block from a base64 payload.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, Source: &MediaSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// DocumentBlock builds a document block from a base64 payload.
func DocumentBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockDocument, Source: &MediaSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// ToolResultBlock builds the block the loop feeds back after running a tool.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Input is one turn's user content: plain text or a list of content blocks.
// Text wins when both are set.
type Input struct {
	Text   string
	Blocks []ContentBlock
}

// AsBlocks normalizes the input to content blocks.
func (in Input) AsBlocks() []ContentBlock {
	if in.Text != "" {
		return []ContentBlock{TextBlock(in.Text)}
	}
	return in.Blocks
}

// IsEmpty reports whether there is nothing to send.
func (in Input) IsEmpty() bool {
	return in.Text == "" && len(in.Blocks) == 0
}

// Usage is a turn's token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another turn's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input+output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ToolCall is one tool invocation emitted by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is one completed turn.
type Result struct {
	// Response is the assistant's text for the turn.
	Response string

	// ToolCalls lists tool invocations the model emitted. Non-empty
	// implies StopReason == StopToolUse.
	ToolCalls []ToolCall

	Usage      Usage
	SessionID  string
	StopReason string
}

// Backend is the behavioral contract both subprocess implementations meet.
type Backend interface {
	// SetSystemPrompt stores the system prompt. It is injected exactly
	// once, on the first turn of a session; later turns rely on the
	// backend's own session persistence.
	SetSystemPrompt(text string)

	// SetSessionID attaches an existing server-side session or thread.
	SetSessionID(id string)

	// Prompt runs one turn and blocks until the subprocess answers.
	Prompt(ctx context.Context, input Input) (*Result, error)

	// ResetSession forgets session state; the next Prompt starts fresh.
	ResetSession()

	// Name identifies the backend in logs ("claude", "codex").
	Name() string

	// Close releases the subprocess if one is running.
	Close() error
}

// Factory builds a backend per conversation. Each channel key owns its own
// backend instance so session state never crosses conversations.
type Factory func() Backend
