// Package memory implements MAMA's long-term memory: a SQLite-backed
// decision and checkpoint store with full-text suggest (FTS5 when the
// build has it, LIKE fallback otherwise) and an append-only daily
// markdown transcript logger under ~/.mama/memory/.
package memory

import (
	"context"
	"errors"
	"time"
)

// Decision type strings as persisted. The tool layer maps the public
// "decision" save type to TypeUserDecision.
const (
	TypeUserDecision    = "user_decision"
	TypePatternLearning = "pattern_learning"
)

// Outcome values for a decision. Stored uppercase.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
	OutcomePending = "PENDING"
)

// ErrNotFound marks lookups and updates against an ID that does not exist.
var ErrNotFound = errors.New("memory: not found")

// Decision is one persisted decision or learned pattern.
type Decision struct {
	ID            int64     `json:"id"`
	Topic         string    `json:"topic"`
	Decision      string    `json:"decision"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Confidence    float64   `json:"confidence"`
	Type          string    `json:"type"`
	Outcome       string    `json:"outcome"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Checkpoint is a resumable snapshot of working state, saved before
// compaction or at the agent's discretion. Only the most recent one is
// ever loaded.
type Checkpoint struct {
	ID                 int64     `json:"id"`
	Summary            string    `json:"summary"`
	OpenFiles          []string  `json:"open_files"`
	NextSteps          []string  `json:"next_steps"`
	RecentConversation string    `json:"recent_conversation,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SuggestResponse is the suggest result envelope.
type SuggestResponse struct {
	Success bool       `json:"success"`
	Results []Decision `json:"results"`
	Count   int        `json:"count"`
}

// API is the memory surface consumed by the tool executor and the
// pre-compact/post-tool handlers. Store is the default implementation.
type API interface {
	// Save persists a decision and returns its ID. Topic and decision
	// text are required; an empty type defaults to TypeUserDecision.
	Save(ctx context.Context, d Decision) (int64, error)

	// SaveCheckpoint persists a working-state snapshot.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) (int64, error)

	// ListDecisions returns the most recent decisions, newest first.
	ListDecisions(ctx context.Context, limit int) ([]Decision, error)

	// Suggest searches decisions by relevance to the query.
	Suggest(ctx context.Context, query string, limit int) (*SuggestResponse, error)

	// UpdateOutcome records how a decision turned out. Idempotent:
	// repeating the same (id, outcome) leaves the same persisted state.
	UpdateOutcome(ctx context.Context, id int64, outcome, failureReason string) error

	// LoadCheckpoint returns the most recent checkpoint, nil when none
	// has been saved.
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
}

// ValidOutcome reports whether s is one of the persisted outcome values.
func ValidOutcome(s string) bool {
	switch s {
	case OutcomeSuccess, OutcomeFailed, OutcomePending:
		return true
	}
	return false
}
