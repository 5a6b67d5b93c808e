// Package hooks implements the two turn-loop side channels: the
// pre-compaction handler that rescues unsaved decisions before history
// is squashed, and the post-tool handler that mines edited files for
// API contracts in the background. Neither may ever fail the turn.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/mama/pkg/mama/memory"
)

// defaultMaxDecisions caps how many detected decisions the handler
// reports, keeping the most recent ones.
const defaultMaxDecisions = 5

// minDecisionLength filters out fragments too short to be a decision.
const minDecisionLength = 10

// decisionMarkers are the line prefixes that flag a decision-shaped
// statement. Matching is case-insensitive on the marker.
var decisionMarkers = []string{
	// English
	"decided:", "decision:", "chose:", "we'll use:", "going with:",
	"approach:", "architecture:", "strategy:",
	// Korean
	"선택:", "결정:", "설계:", "방식:",
}

// PreCompactResult is what the loop weaves into the compaction turn.
type PreCompactResult struct {
	// UnsavedDecisions are detected decisions with no memory entry.
	UnsavedDecisions []string

	// CompactionPrompt instructs the model how to summarize.
	CompactionPrompt string

	// WarningMessage is non-empty only when decisions would be lost.
	WarningMessage string
}

// PreCompactHandler inspects conversation history right before
// compaction. It never returns an error: when memory is unreachable it
// assumes nothing is saved and reports every detected decision.
type PreCompactHandler struct {
	api          memory.API
	maxDecisions int
	logger       *slog.Logger
}

// NewPreCompactHandler builds a handler over the memory store.
func NewPreCompactHandler(api memory.API, logger *slog.Logger) *PreCompactHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreCompactHandler{
		api:          api,
		maxDecisions: defaultMaxDecisions,
		logger:       logger.With("component", "precompact"),
	}
}

// Process scans history lines for decisions, cross-checks them against
// saved memory, and builds the compaction prompt.
func (h *PreCompactHandler) Process(ctx context.Context, historyLines []string) PreCompactResult {
	candidates := detectDecisions(historyLines, h.maxDecisions)
	unsaved := h.filterUnsaved(ctx, candidates)

	result := PreCompactResult{
		UnsavedDecisions: unsaved,
		CompactionPrompt: buildCompactionPrompt(unsaved, len(historyLines)),
	}
	if len(unsaved) > 0 {
		result.WarningMessage = fmt.Sprintf(
			"⚠️ %d decision(s) from this conversation are not saved to memory. Save them with mama_save before compaction: %s",
			len(unsaved), strings.Join(unsaved, "; "))
	}
	return result
}

// detectDecisions pulls decision-shaped lines out of the history. Short
// fragments are ignored, duplicates collapse, and only the most recent
// max entries survive.
func detectDecisions(lines []string, max int) []string {
	var found []string
	seen := map[string]bool{}

	for _, line := range lines {
		candidate := extractDecision(line)
		if candidate == "" || len(candidate) < minDecisionLength {
			continue
		}
		key := strings.ToLower(candidate)
		if seen[key] {
			continue
		}
		seen[key] = true
		found = append(found, candidate)
	}

	if len(found) > max {
		found = found[len(found)-max:]
	}
	return found
}

// extractDecision returns the text after a decision marker, or "".
func extractDecision(line string) string {
	lower := strings.ToLower(line)
	for _, marker := range decisionMarkers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		return strings.TrimSpace(line[idx+len(marker):])
	}
	return ""
}

// filterUnsaved drops candidates already present in memory. A memory
// failure keeps every candidate: better a duplicate warning than a
// silently lost decision.
func (h *PreCompactHandler) filterUnsaved(ctx context.Context, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}

	saved, err := h.api.ListDecisions(ctx, 20)
	if err != nil {
		h.logger.Warn("memory check failed, assuming nothing saved", "error", err)
		return candidates
	}

	var unsaved []string
	for _, candidate := range candidates {
		if !alreadySaved(candidate, saved) {
			unsaved = append(unsaved, candidate)
		}
	}
	return unsaved
}

// alreadySaved matches a candidate against saved decisions by
// case-insensitive containment in either direction: a short saved topic
// covers a longer candidate phrase and vice versa.
func alreadySaved(candidate string, saved []memory.Decision) bool {
	c := strings.ToLower(candidate)
	for _, d := range saved {
		for _, field := range []string{d.Topic, d.Decision} {
			f := strings.ToLower(strings.TrimSpace(field))
			if f == "" {
				continue
			}
			if strings.Contains(f, c) || strings.Contains(c, f) {
				return true
			}
		}
	}
	return false
}

// compactionSections are the seven fixed sections of the prompt, in
// order.
var compactionSections = []struct {
	title string
	guide string
}{
	{"User Requests", "Every request the user made this conversation, including ones already fulfilled. Quote exact wording for anything still open."},
	{"Final Goal", "The end state the user is working toward, in one or two sentences."},
	{"Work Completed", "What was actually done and verified: files changed, commands run, results observed."},
	{"Remaining Tasks", "What is not done yet, in execution order, with enough detail to resume cold."},
	{"Active Working Context", "Files, identifiers, branch names, and values currently in play. Include exact paths."},
	{"Explicit Constraints", "Rules the user stated: style, scope, tools to avoid, formats to keep."},
	{"Agent Verification State", "What has been tested or confirmed versus what is assumed. Name the assumptions."},
}

// buildCompactionPrompt renders the summarization instructions. The
// Unsaved Decisions section appears only when there is something to
// rescue.
func buildCompactionPrompt(unsaved []string, historyLen int) string {
	var b strings.Builder
	b.WriteString("The conversation is about to be compacted. Produce a handoff summary with exactly these sections:\n")

	for i, section := range compactionSections {
		fmt.Fprintf(&b, "\n## %d. %s\n%s\n", i+1, section.title, section.guide)
	}

	if len(unsaved) > 0 {
		b.WriteString("\n## Unsaved Decisions\n")
		b.WriteString("These decisions were detected in the conversation but are not in memory. Carry them verbatim into the summary and save them with mama_save:\n")
		for _, d := range unsaved {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	fmt.Fprintf(&b, "\nConversation context: ~%d lines before compaction", historyLen)
	return b.String()
}
