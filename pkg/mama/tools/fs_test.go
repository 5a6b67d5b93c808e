package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fsExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	dir := t.TempDir()
	e := NewExecutor(testRoles(), dir, nil)
	RegisterFilesystemTools(e)
	return e, dir
}

func TestWriteThenRead(t *testing.T) {
	t.Parallel()
	e, dir := fsExecutor(t)

	callTool(t, e, ownerCtx(), "Write", map[string]any{
		"path":    "notes/today.md",
		"content": "line one\nline two\nline three",
	})
	if _, err := os.Stat(filepath.Join(dir, "notes", "today.md")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	res := callTool(t, e, ownerCtx(), "Read", map[string]any{"path": "notes/today.md"})
	if !strings.Contains(res.Content, "line two") {
		t.Errorf("Read content = %q", res.Content)
	}
}

func TestReadOffsetAndLimit(t *testing.T) {
	t.Parallel()
	e, _ := fsExecutor(t)

	callTool(t, e, ownerCtx(), "Write", map[string]any{
		"path":    "f.txt",
		"content": "a\nb\nc\nd\ne",
	})

	res := callTool(t, e, ownerCtx(), "Read", map[string]any{
		"path": "f.txt", "offset": 2, "limit": 2,
	})
	if res.Content != "b\nc" {
		t.Errorf("Read(offset=2, limit=2) = %q, want %q", res.Content, "b\nc")
	}

	res = callTool(t, e, ownerCtx(), "Read", map[string]any{
		"path": "f.txt", "offset": 99,
	})
	if !strings.Contains(res.Content, "beyond end") {
		t.Errorf("offset past end = %q", res.Content)
	}
}

func TestWriteAppend(t *testing.T) {
	t.Parallel()
	e, dir := fsExecutor(t)

	callTool(t, e, ownerCtx(), "Write", map[string]any{"path": "log.txt", "content": "first\n"})
	callTool(t, e, ownerCtx(), "Write", map[string]any{"path": "log.txt", "content": "second\n", "append": true})

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("appended file = %q", data)
	}
}

func TestGrepFindsMatches(t *testing.T) {
	t.Parallel()
	e, dir := fsExecutor(t)

	os.MkdirAll(filepath.Join(dir, "src"), 0o755)
	os.MkdirAll(filepath.Join(dir, "node_modules", "x"), 0o755)
	os.WriteFile(filepath.Join(dir, "src", "a.go"), []byte("func Hello() {}\nfunc world() {}"), 0o644)
	os.WriteFile(filepath.Join(dir, "node_modules", "x", "b.go"), []byte("func Hello() {}"), 0o644)

	res := callTool(t, e, ownerCtx(), "Grep", map[string]any{"pattern": `func H\w+`})
	if !strings.Contains(res.Content, "a.go:1") {
		t.Errorf("Grep output = %q, want a.go:1 match", res.Content)
	}
	if strings.Contains(res.Content, "node_modules") {
		t.Error("Grep should skip node_modules")
	}

	res = callTool(t, e, ownerCtx(), "Grep", map[string]any{"pattern": "nothing_matches_this"})
	if !strings.Contains(res.Content, "No matches") {
		t.Errorf("no-match output = %q", res.Content)
	}
}

func TestGrepInvalidPattern(t *testing.T) {
	t.Parallel()
	e, _ := fsExecutor(t)

	res := callTool(t, e, ownerCtx(), "Grep", map[string]any{"pattern": "[unclosed"})
	if !res.IsError {
		t.Error("invalid regexp should be an error result")
	}
}

func TestGlobRecursive(t *testing.T) {
	t.Parallel()
	e, dir := fsExecutor(t)

	os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755)
	os.WriteFile(filepath.Join(dir, "top.go"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "a", "mid.go"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "a", "b", "deep.go"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "a", "b", "other.txt"), []byte("x"), 0o644)

	res := callTool(t, e, ownerCtx(), "Glob", map[string]any{"pattern": "**/*.go"})
	for _, want := range []string{"top.go", "mid.go", "deep.go"} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("Glob(**/*.go) missing %s in %q", want, res.Content)
		}
	}
	if strings.Contains(res.Content, "other.txt") {
		t.Error("Glob(**/*.go) matched a .txt file")
	}
}

func TestMatchGlob(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"**/*.go", "a/b/c.go", true},
		{"**/*.go", "c.go", true},
		{"*.go", "deep/c.go", true}, // bare filename matches anywhere
		{"a/*.go", "a/c.go", true},
		{"a/*.go", "a/b/c.go", false},
		{"a/**/d.txt", "a/d.txt", true},
		{"a/**/d.txt", "a/b/c/d.txt", true},
		{"a/**/d.txt", "b/d.txt", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.rel); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.rel, got, tt.want)
		}
	}
}

func TestLooksBinary(t *testing.T) {
	t.Parallel()
	if looksBinary([]byte("plain text\nwith lines")) {
		t.Error("text flagged as binary")
	}
	if !looksBinary([]byte{0x7f, 0x45, 0x4c, 0x46, 0x00, 0x01}) {
		t.Error("ELF header not flagged as binary")
	}
}

func TestStripCwdSentinel(t *testing.T) {
	t.Parallel()
	out, cwd := stripCwdSentinel("hello\n__MAMA_CWD=/tmp/work\n")
	if out != "hello" {
		t.Errorf("out = %q, want hello", out)
	}
	if cwd != "/tmp/work" {
		t.Errorf("cwd = %q, want /tmp/work", cwd)
	}

	out, cwd = stripCwdSentinel("no sentinel here")
	if out != "no sentinel here" || cwd != "" {
		t.Errorf("passthrough = %q, %q", out, cwd)
	}
}

func TestResolvePath(t *testing.T) {
	t.Parallel()
	e := NewExecutor(testRoles(), "/work", nil)

	if got := e.resolvePath("/abs/file"); got != "/abs/file" {
		t.Errorf("abs = %q", got)
	}
	if got := e.resolvePath("rel/file"); got != "/work/rel/file" {
		t.Errorf("rel = %q", got)
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		if got := e.resolvePath("~/x"); got != filepath.Join(home, "x") {
			t.Errorf("home = %q", got)
		}
	}
}
