package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	// maxReadBytes bounds a single Read so one large file cannot blow
	// the turn budget.
	maxReadBytes = 100_000

	// maxGrepMatches and maxGlobMatches bound search output.
	maxGrepMatches = 200
	maxGlobMatches = 500
)

// Directories skipped during Grep and Glob walks.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"__pycache__":  true,
}

// RegisterFilesystemTools wires Read, Write, Grep, and Glob. Path
// permission checks run in the executor before these handlers see the
// call, so the handlers only validate arguments and do the work.
func RegisterFilesystemTools(e *Executor) {
	// Read
	e.Register(
		MakeToolDefinition("Read", "Read a file and return its text. Supports absolute and relative paths, with optional line offset and limit. Returns up to 100KB.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path (absolute or relative)",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Line to start from (1-based, default 1)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum lines to return (default all)",
				},
			},
			"required": []string{"path"},
		}),
		func(_ context.Context, args map[string]any) (any, error) {
			path := strArg(args, "path")
			if path == "" {
				return nil, fmt.Errorf("path is required")
			}
			path = e.resolvePath(path)

			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading file: %w", err)
			}
			text := string(content)

			offset := intArg(args, "offset", 0)
			limit := intArg(args, "limit", 0)
			if offset > 1 || limit > 0 {
				lines := strings.Split(text, "\n")
				if offset > 1 {
					if offset > len(lines) {
						return "(offset beyond end of file)", nil
					}
					lines = lines[offset-1:]
				}
				if limit > 0 && limit < len(lines) {
					lines = lines[:limit]
				}
				text = strings.Join(lines, "\n")
			}

			if len(text) > maxReadBytes {
				text = text[:maxReadBytes] + "\n... [truncated at 100KB]"
			}
			return text, nil
		},
	)

	// Write
	e.Register(
		MakeToolDefinition("Write", "Write content to a file, creating parent directories as needed. Overwrites unless append is set.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path (absolute or relative)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write",
				},
				"append": map[string]any{
					"type":        "boolean",
					"description": "Append instead of overwriting (default false)",
				},
			},
			"required": []string{"path", "content"},
		}),
		func(_ context.Context, args map[string]any) (any, error) {
			path := strArg(args, "path")
			if path == "" {
				return nil, fmt.Errorf("path is required")
			}
			content, ok := args["content"].(string)
			if !ok {
				return nil, fmt.Errorf("content is required")
			}
			path = e.resolvePath(path)

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating directory: %w", err)
			}

			if boolArg(args, "append") {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, fmt.Errorf("opening file: %w", err)
				}
				defer f.Close()
				if _, err := f.WriteString(content); err != nil {
					return nil, fmt.Errorf("appending: %w", err)
				}
				return fmt.Sprintf("Appended %d bytes to %s", len(content), path), nil
			}

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("writing file: %w", err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	)

	// Grep
	e.Register(
		MakeToolDefinition("Grep", "Search file contents with a regular expression. Returns file, line number, and the matching line. Skips binary files and common noise directories.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression to search for",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory or file to search (default working directory)",
				},
				"glob": map[string]any{
					"type":        "string",
					"description": "Filter files by glob, e.g. *.go",
				},
				"max_count": map[string]any{
					"type":        "integer",
					"description": "Maximum matches (default 200)",
				},
			},
			"required": []string{"pattern"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			pattern := strArg(args, "pattern")
			if pattern == "" {
				return nil, fmt.Errorf("pattern is required")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}

			root := strArg(args, "path")
			if root == "" {
				root = e.workDir
			}
			root = e.resolvePath(root)

			maxCount := intArg(args, "max_count", maxGrepMatches)
			if maxCount <= 0 || maxCount > maxGrepMatches {
				maxCount = maxGrepMatches
			}

			matches, err := grepTree(ctx, root, re, strArg(args, "glob"), maxCount)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return "No matches found.", nil
			}

			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "%s:%d: %s\n", m.file, m.line, m.text)
			}
			if len(matches) == maxCount {
				fmt.Fprintf(&b, "... [stopped at %d matches]\n", maxCount)
			}
			return b.String(), nil
		},
	)

	// Glob
	e.Register(
		MakeToolDefinition("Glob", "Find files matching a glob pattern. Supports ** for recursive matching. Returns paths sorted by modification time, newest first.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern, e.g. **/*.go or cmd/*/main.go",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Root directory (default working directory)",
				},
			},
			"required": []string{"pattern"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			pattern := strArg(args, "pattern")
			if pattern == "" {
				return nil, fmt.Errorf("pattern is required")
			}
			root := strArg(args, "path")
			if root == "" {
				root = e.workDir
			}
			root = e.resolvePath(root)

			paths, err := globTree(ctx, root, pattern)
			if err != nil {
				return nil, err
			}
			if len(paths) == 0 {
				return "No files matched.", nil
			}
			return strings.Join(paths, "\n"), nil
		},
	)
}

// resolvePath anchors relative paths to the executor's working
// directory and expands a leading ~.
func (e *Executor) resolvePath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if e.workDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workDir, path)
}

type grepMatch struct {
	file string
	line int
	text string
}

func grepTree(ctx context.Context, root string, re *regexp.Regexp, glob string, maxCount int) ([]grepMatch, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}

	var matches []grepMatch
	grepFile := func(path string) {
		data, err := os.ReadFile(path)
		if err != nil || looksBinary(data) {
			return
		}
		for i, line := range strings.Split(string(data), "\n") {
			if len(matches) >= maxCount {
				return
			}
			if re.MatchString(line) {
				text := line
				if len(text) > 500 {
					text = text[:500] + "..."
				}
				matches = append(matches, grepMatch{file: path, line: i + 1, text: text})
			}
		}
	}

	if !info.IsDir() {
		grepFile(root)
		return matches, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxCount {
			return filepath.SkipAll
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		grepFile(path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func globTree(ctx context.Context, root, pattern string) ([]string, error) {
	type hit struct {
		path    string
		modTime int64
	}
	var hits []hit

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if !matchGlob(pattern, rel) {
			return nil
		}
		var mod int64
		if info, err := d.Info(); err == nil {
			mod = info.ModTime().UnixNano()
		}
		hits = append(hits, hit{path: path, modTime: mod})
		if len(hits) >= maxGlobMatches {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].modTime > hits[j].modTime })
	paths := make([]string, len(hits))
	for i, h := range hits {
		paths[i] = h.path
	}
	return paths, nil
}

// matchGlob matches a relative slash path against a glob where **
// crosses directory boundaries and * stays within one segment.
func matchGlob(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	pattern = filepath.ToSlash(pattern)

	// A bare filename pattern matches against the basename anywhere.
	if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, filepath.Base(rel))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, parts []string) bool {
	if len(pat) == 0 {
		return len(parts) == 0
	}
	if pat[0] == "**" {
		// ** matches zero or more leading segments.
		for skip := 0; skip <= len(parts); skip++ {
			if matchSegments(pat[1:], parts[skip:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], parts[1:])
}

func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
