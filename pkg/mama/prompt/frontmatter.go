// Package prompt assembles the per-turn prompt extras: keyword-mode
// instruction blocks, AGENTS.md discovery, rule files with frontmatter
// scoping, and content deduplication across injected files.
package prompt

import (
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppliesTo scopes a rule file to agents, tiers, channels, or message
// keywords. A nil *AppliesTo applies universally.
type AppliesTo struct {
	AgentIDs []string
	Tiers    []string
	Channels []string
	Keywords []string
}

// RuleContext describes the current turn for rule matching. A nil
// context matches everything.
type RuleContext struct {
	AgentID  string
	Tier     string
	Channel  string
	Keywords []string
}

// frontmatterDoc is the on-disk shape. Fields are snake_case in YAML.
type frontmatterDoc struct {
	AppliesTo *struct {
		AgentID  []string `yaml:"agent_id"`
		Tier     []string `yaml:"tier"`
		Channel  []string `yaml:"channel"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"applies_to"`
}

// ParseFrontmatter splits an optional leading "---\n<yaml>\n---" block
// off a rule file. It returns the scoping (nil = universal) and the
// body with the block removed. Malformed YAML is logged and treated as
// no frontmatter at all; the full content is returned as body.
func ParseFrontmatter(content string, logger *slog.Logger) (*AppliesTo, string) {
	if logger == nil {
		logger = slog.Default()
	}

	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		return nil, content
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content
	}
	yamlPart := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	var doc frontmatterDoc
	if err := yaml.Unmarshal([]byte(yamlPart), &doc); err != nil {
		logger.Warn("malformed rule frontmatter, ignoring", "error", err)
		return nil, content
	}
	if doc.AppliesTo == nil {
		return nil, body
	}

	at := &AppliesTo{
		AgentIDs: doc.AppliesTo.AgentID,
		Tiers:    doc.AppliesTo.Tier,
		Channels: doc.AppliesTo.Channel,
		Keywords: doc.AppliesTo.Keywords,
	}
	// All-empty scoping collapses to universal.
	if len(at.AgentIDs) == 0 && len(at.Tiers) == 0 && len(at.Channels) == 0 && len(at.Keywords) == 0 {
		return nil, body
	}
	return at, body
}

// MatchesContext decides whether a rule applies to the current turn.
// Within a field the values combine with OR; across fields with AND. A
// field the rule declares must be satisfiable from the context: a
// context missing that field does not match.
func MatchesContext(at *AppliesTo, ctx *RuleContext) bool {
	if at == nil || ctx == nil {
		return true
	}
	if len(at.AgentIDs) > 0 && !containsFold(at.AgentIDs, ctx.AgentID) {
		return false
	}
	if len(at.Tiers) > 0 && !containsFold(at.Tiers, ctx.Tier) {
		return false
	}
	if len(at.Channels) > 0 && !containsFold(at.Channels, ctx.Channel) {
		return false
	}
	if len(at.Keywords) > 0 && !intersectsFold(at.Keywords, ctx.Keywords) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}
