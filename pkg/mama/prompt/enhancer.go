package prompt

import (
	"log/slog"
	"strings"
)

// Enhancement is everything the enhancer adds around the user message
// for one turn. Fields are kept separate so the loop can place them in
// different prompt positions.
type Enhancement struct {
	// KeywordInstructions holds mode blocks activated by the message.
	KeywordInstructions string

	// AgentsContent is the nearest applicable AGENTS.md.
	AgentsContent string

	// RulesContent is the joined rule files that match the turn.
	RulesContent string
}

// IsEmpty reports whether nothing was added.
func (e Enhancement) IsEmpty() bool {
	return e.KeywordInstructions == "" && e.AgentsContent == "" && e.RulesContent == ""
}

// Combined renders the enhancement as a single preamble.
func (e Enhancement) Combined() string {
	var parts []string
	for _, p := range []string{e.RulesContent, e.AgentsContent, e.KeywordInstructions} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ruleSeparator)
}

// Enhancer assembles turn prompt extras: keyword instruction blocks,
// AGENTS.md content, and scoped rule files. One instance is shared
// across turns; its loaders cache filesystem discovery.
type Enhancer struct {
	agents *AgentsLoader
	rules  *RulesLoader
	logger *slog.Logger
}

// NewEnhancer builds an enhancer with fresh loaders.
func NewEnhancer(logger *slog.Logger) *Enhancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enhancer{
		agents: NewAgentsLoader(),
		rules:  NewRulesLoader(logger),
		logger: logger.With("component", "prompt"),
	}
}

// Enhance computes the extras for one message in one workspace. The
// rule context may be nil; detected keyword modes are merged into it so
// keyword-scoped rules activate alongside their instruction blocks.
func (e *Enhancer) Enhance(message, workDir string, ctx *RuleContext) Enhancement {
	modes := ActiveModes(message)

	matchCtx := ctx
	if len(modes) > 0 {
		merged := RuleContext{Keywords: modes}
		if ctx != nil {
			merged = *ctx
			merged.Keywords = append(append([]string{}, ctx.Keywords...), modes...)
		}
		matchCtx = &merged
	}

	enh := Enhancement{
		KeywordInstructions: DetectKeywords(message),
	}
	if workDir != "" {
		enh.AgentsContent = e.agents.Load(workDir)
		enh.RulesContent = e.rules.Load(workDir, matchCtx)
	}

	if !enh.IsEmpty() {
		e.logger.Debug("prompt enhanced",
			"modes", modes,
			"agents_md", enh.AgentsContent != "",
			"rules_chars", len(enh.RulesContent))
	}
	return enh
}

// InvalidateWorkspace drops cached discovery after rule files change.
func (e *Enhancer) InvalidateWorkspace(workDir string) {
	e.agents.Invalidate(workDir)
	e.rules.Invalidate(workDir)
}
