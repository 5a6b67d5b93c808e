package prompt

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ruleSeparator joins rule files and instruction blocks in the prompt.
const ruleSeparator = "\n---\n"

// RulesLoader collects instruction files that apply to a workspace:
// the project root's .copilot-instructions, its .claude/rules/*.md,
// and any nested .claude/rules directories between the workspace and
// the root. Files scoped by frontmatter are filtered per turn context.
type RulesLoader struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]rulesCacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type rulesCacheEntry struct {
	rules     []ruleFile
	fetchedAt time.Time
}

// ruleFile is one parsed instruction file.
type ruleFile struct {
	path      string
	body      string
	appliesTo *AppliesTo
}

// NewRulesLoader returns a loader with the default TTL.
func NewRulesLoader(logger *slog.Logger) *RulesLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RulesLoader{
		logger: logger.With("component", "rules"),
		cache:  make(map[string]rulesCacheEntry),
		ttl:    agentsCacheTTL,
		now:    time.Now,
	}
}

// Load returns the rule content applicable to this workspace and turn
// context, joined with ---. Discovery is cached; matching is not, since
// the context changes per turn.
func (l *RulesLoader) Load(workDir string, ctx *RuleContext) string {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = filepath.Clean(workDir)
	}

	l.mu.Lock()
	entry, ok := l.cache[abs]
	if !ok || l.now().Sub(entry.fetchedAt) >= l.ttl {
		entry = rulesCacheEntry{rules: l.discover(abs), fetchedAt: l.now()}
		l.cache[abs] = entry
	}
	l.mu.Unlock()

	var parts []string
	for _, rule := range entry.rules {
		if MatchesContext(rule.appliesTo, ctx) {
			parts = append(parts, rule.body)
		}
	}
	return strings.Join(parts, ruleSeparator)
}

// discover walks from the workspace to the project root gathering rule
// files. Root-level files come first, then nested rules nearest the
// workspace last, so more specific rules read later in the prompt.
func (l *RulesLoader) discover(workDir string) []ruleFile {
	type level struct {
		dir    string
		atRoot bool
	}
	var levels []level

	dir := workDir
	for depth := 0; depth < maxWalkDepth; depth++ {
		atRoot := isProjectRoot(dir)
		levels = append(levels, level{dir: dir, atRoot: atRoot})
		if atRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	var rules []ruleFile

	// Root first: .copilot-instructions, then its rules directory.
	rootIdx := len(levels) - 1
	if levels[rootIdx].atRoot {
		root := levels[rootIdx].dir
		if content := readNonEmpty(filepath.Join(root, ".copilot-instructions")); content != "" {
			rules = append(rules, ruleFile{path: filepath.Join(root, ".copilot-instructions"), body: strings.TrimSpace(content)})
		}
		rules = append(rules, l.readRulesDir(filepath.Join(root, ".claude", "rules"))...)
	}

	// Then nested levels, outermost first, workspace level last.
	for i := rootIdx - 1; i >= 0; i-- {
		rules = append(rules, l.readRulesDir(filepath.Join(levels[i].dir, ".claude", "rules"))...)
	}
	return rules
}

// readRulesDir parses every *.md file in a rules directory. Other
// extensions are ignored; empty bodies are skipped.
func (l *RulesLoader) readRulesDir(dir string) []ruleFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var rules []ruleFile
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		appliesTo, body := ParseFrontmatter(string(data), l.logger)
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		rules = append(rules, ruleFile{path: path, body: body, appliesTo: appliesTo})
	}
	return rules
}

// Invalidate drops the cached discovery for a workspace.
func (l *RulesLoader) Invalidate(workDir string) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = filepath.Clean(workDir)
	}
	l.mu.Lock()
	delete(l.cache, abs)
	l.mu.Unlock()
}
