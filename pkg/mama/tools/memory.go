package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/mama/pkg/mama/memory"
)

// Save types accepted by mama_save. "decision" is the public name for
// what the store persists as memory.TypeUserDecision.
const (
	SaveTypeDecision        = "decision"
	SaveTypeCheckpoint      = "checkpoint"
	SaveTypePatternLearning = "pattern_learning"
)

// defaultDecisionConfidence applies when the caller does not pass one.
const defaultDecisionConfidence = 0.8

// RegisterMemoryTools wires the mama_* memory tools against the store.
// Validation failures come back as {success:false, message} content so
// the model can correct itself and retry.
func RegisterMemoryTools(e *Executor, api memory.API) {
	// mama_save
	e.Register(
		MakeToolDefinition("mama_save", "Save a decision, checkpoint, or learned pattern to long-term memory. Decisions need topic, decision, and reasoning. Checkpoints need a summary of the current working state.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{
					"type":        "string",
					"enum":        []string{SaveTypeDecision, SaveTypeCheckpoint, SaveTypePatternLearning},
					"description": "What kind of memory to save",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "Short subject line for a decision or pattern",
				},
				"decision": map[string]any{
					"type":        "string",
					"description": "The decision or pattern text",
				},
				"reasoning": map[string]any{
					"type":        "string",
					"description": "Why this decision was made",
				},
				"confidence": map[string]any{
					"type":        "number",
					"description": "Confidence 0..1 (default 0.8)",
				},
				"summary": map[string]any{
					"type":        "string",
					"description": "Checkpoint summary of working state",
				},
				"next_steps": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Checkpoint: remaining steps",
				},
				"open_files": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Checkpoint: files being worked on",
				},
			},
			"required": []string{"type"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			switch strArg(args, "type") {
			case SaveTypeDecision:
				return saveDecision(ctx, api, args, memory.TypeUserDecision)
			case SaveTypePatternLearning:
				return saveDecision(ctx, api, args, memory.TypePatternLearning)
			case SaveTypeCheckpoint:
				return saveCheckpoint(ctx, api, args)
			default:
				return map[string]any{"success": false, "message": "Invalid save type"}, nil
			}
		},
	)

	// mama_search
	e.Register(
		MakeToolDefinition("mama_search", "Search long-term memory. With a query, returns decisions ranked by relevance; without one, returns the most recent decisions.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free-text search query (omit to list recent)",
				},
				"type": map[string]any{
					"type":        "string",
					"description": "Filter results by type (decision, pattern_learning)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results (default 10)",
				},
			},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			limit := intArg(args, "limit", 10)
			query := strings.TrimSpace(strArg(args, "query"))

			var results []memory.Decision
			if query != "" {
				resp, err := api.Suggest(ctx, query, limit)
				if err != nil {
					return nil, fmt.Errorf("searching memory: %w", err)
				}
				results = resp.Results
			} else {
				list, err := api.ListDecisions(ctx, limit)
				if err != nil {
					return nil, fmt.Errorf("listing decisions: %w", err)
				}
				results = list
			}

			// Type filter runs client-side so both code paths share it.
			if want := normalizeTypeFilter(strArg(args, "type")); want != "" {
				filtered := results[:0]
				for _, d := range results {
					if d.Type == want {
						filtered = append(filtered, d)
					}
				}
				results = filtered
			}

			return map[string]any{
				"success": true,
				"results": results,
				"count":   len(results),
			}, nil
		},
	)

	// mama_update
	e.Register(
		MakeToolDefinition("mama_update", "Record how a saved decision turned out: success, failed, or pending. Optionally attach a failure reason.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "integer",
					"description": "Decision ID returned by mama_save or mama_search",
				},
				"outcome": map[string]any{
					"type":        "string",
					"enum":        []string{"success", "failed", "pending"},
					"description": "How the decision turned out",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Failure reason, when outcome is failed",
				},
			},
			"required": []string{"id", "outcome"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			id := int64(intArg(args, "id", 0))
			if id <= 0 {
				return map[string]any{"success": false, "message": "mama_update requires id"}, nil
			}
			outcome := strings.ToUpper(strings.TrimSpace(strArg(args, "outcome")))
			if !memory.ValidOutcome(outcome) {
				return map[string]any{"success": false, "message": "outcome must be success, failed, or pending"}, nil
			}
			if err := api.UpdateOutcome(ctx, id, outcome, strArg(args, "reason")); err != nil {
				if errors.Is(err, memory.ErrNotFound) {
					return map[string]any{"success": false, "message": fmt.Sprintf("No decision with id %d", id)}, nil
				}
				return nil, fmt.Errorf("updating decision %d: %w", id, err)
			}
			return map[string]any{"success": true, "id": id, "outcome": outcome}, nil
		},
	)

	// mama_load_checkpoint
	e.Register(
		MakeToolDefinition("mama_load_checkpoint", "Load the most recent working-state checkpoint saved before a compaction or restart.", map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}),
		func(ctx context.Context, _ map[string]any) (any, error) {
			cp, err := api.LoadCheckpoint(ctx)
			if err != nil {
				return nil, fmt.Errorf("loading checkpoint: %w", err)
			}
			if cp == nil {
				return map[string]any{"success": false, "message": "No checkpoint found"}, nil
			}
			return map[string]any{
				"success":    true,
				"summary":    cp.Summary,
				"next_steps": cp.NextSteps,
				"open_files": cp.OpenFiles,
			}, nil
		},
	)
}

func saveDecision(ctx context.Context, api memory.API, args map[string]any, storedType string) (any, error) {
	topic := strings.TrimSpace(strArg(args, "topic"))
	decision := strings.TrimSpace(strArg(args, "decision"))
	reasoning := strings.TrimSpace(strArg(args, "reasoning"))

	if storedType == memory.TypeUserDecision && (topic == "" || decision == "" || reasoning == "") {
		return map[string]any{"success": false, "message": "decision requires topic, decision, and reasoning"}, nil
	}
	if topic == "" || decision == "" {
		return map[string]any{"success": false, "message": "pattern_learning requires topic and decision"}, nil
	}

	confidence := floatArg(args, "confidence", defaultDecisionConfidence)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	id, err := api.Save(ctx, memory.Decision{
		Topic:      topic,
		Decision:   decision,
		Reasoning:  reasoning,
		Confidence: confidence,
		Type:       storedType,
		Outcome:    memory.OutcomePending,
	})
	if err != nil {
		return nil, fmt.Errorf("saving decision: %w", err)
	}
	return map[string]any{"success": true, "id": id, "message": "Decision saved"}, nil
}

func saveCheckpoint(ctx context.Context, api memory.API, args map[string]any) (any, error) {
	summary := strings.TrimSpace(strArg(args, "summary"))
	if summary == "" {
		return map[string]any{"success": false, "message": "checkpoint requires summary"}, nil
	}
	id, err := api.SaveCheckpoint(ctx, memory.Checkpoint{
		Summary:   summary,
		NextSteps: strSliceArg(args, "next_steps"),
		OpenFiles: strSliceArg(args, "open_files"),
	})
	if err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}
	return map[string]any{"success": true, "id": id, "message": "Checkpoint saved"}, nil
}

// normalizeTypeFilter maps the public filter names onto stored type
// strings. Unknown filters pass through unchanged so the caller can
// filter on a raw stored value too.
func normalizeTypeFilter(t string) string {
	switch strings.TrimSpace(t) {
	case "":
		return ""
	case SaveTypeDecision:
		return memory.TypeUserDecision
	case SaveTypePatternLearning:
		return memory.TypePatternLearning
	default:
		return strings.TrimSpace(t)
	}
}
