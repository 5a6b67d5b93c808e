package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// maxWalkDepth bounds the upward directory walk.
	maxWalkDepth = 5

	// agentsCacheTTL is how long a discovery result is reused.
	agentsCacheTTL = 60 * time.Second
)

// projectRootMarkers identify a repository or package root. AGENTS.md
// at that level belongs to the outer project, not to the agent, so the
// walk never injects it.
var projectRootMarkers = []string{".git", "package.json", "go.mod"}

func isProjectRoot(dir string) bool {
	for _, marker := range projectRootMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

type agentsCacheEntry struct {
	content   string
	fetchedAt time.Time
}

// AgentsLoader finds the nearest AGENTS.md above a workspace path,
// skipping the project root copy. Results are cached per absolute path
// for a short TTL so a hot loop does not stat the tree on every turn.
type AgentsLoader struct {
	mu    sync.Mutex
	cache map[string]agentsCacheEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewAgentsLoader returns a loader with the default TTL.
func NewAgentsLoader() *AgentsLoader {
	return &AgentsLoader{
		cache: make(map[string]agentsCacheEntry),
		ttl:   agentsCacheTTL,
		now:   time.Now,
	}
}

// Load returns the applicable AGENTS.md content for the workspace, or
// "" when none applies. Cached results are served until TTL expiry.
func (l *AgentsLoader) Load(workDir string) string {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = filepath.Clean(workDir)
	}

	l.mu.Lock()
	if entry, ok := l.cache[abs]; ok && l.now().Sub(entry.fetchedAt) < l.ttl {
		l.mu.Unlock()
		return entry.content
	}
	l.mu.Unlock()

	content := discoverAgentsFile(abs)

	l.mu.Lock()
	l.cache[abs] = agentsCacheEntry{content: content, fetchedAt: l.now()}
	l.mu.Unlock()
	return content
}

// Invalidate drops the cached result for a workspace.
func (l *AgentsLoader) Invalidate(workDir string) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = filepath.Clean(workDir)
	}
	l.mu.Lock()
	delete(l.cache, abs)
	l.mu.Unlock()
}

// discoverAgentsFile walks upward from dir looking for AGENTS.md. The
// first non-root hit wins; the project root level is skipped and ends
// the walk.
func discoverAgentsFile(dir string) string {
	for depth := 0; depth < maxWalkDepth; depth++ {
		atRoot := isProjectRoot(dir)
		if !atRoot {
			if content := readNonEmpty(filepath.Join(dir, "AGENTS.md")); content != "" {
				return content
			}
		}
		if atRoot {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}

func readNonEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return ""
	}
	return string(data)
}
