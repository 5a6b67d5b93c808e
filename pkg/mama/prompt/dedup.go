package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
)

// DedupEntry is one piece of content admitted into the prompt, keyed by
// content hash and canonical path. Distance orders entries by relevance
// (smaller is closer to the user's request).
type DedupEntry struct {
	Path     string
	RealPath string
	Hash     string
	Content  string
	Distance float64
}

// ContentDeduplicator tracks which file contents are already injected
// into the turn prompt. One instance lives per agent run; the loop
// creates a fresh one at the start of every run.
type ContentDeduplicator struct {
	entries []*DedupEntry
	byHash  map[string]*DedupEntry
	byPath  map[string]*DedupEntry
}

// NewContentDeduplicator returns an empty deduplicator.
func NewContentDeduplicator() *ContentDeduplicator {
	return &ContentDeduplicator{
		byHash: make(map[string]*DedupEntry),
		byPath: make(map[string]*DedupEntry),
	}
}

// contentHash is the first 16 hex chars of the content's SHA-256.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// realPath canonicalizes through symlinks so two paths to one file
// collapse. Resolution failures fall back to the cleaned original.
func realPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// Add offers content for injection. Returns false when equivalent
// content is already present (in which case a smaller distance still
// updates the stored entry's position).
func (d *ContentDeduplicator) Add(path, content string, distance float64) bool {
	hash := contentHash(content)
	rp := realPath(path)

	// Same content seen, possibly via another path: keep one entry,
	// promote it if this occurrence is closer.
	if existing, ok := d.byHash[hash]; ok {
		if distance < existing.Distance {
			delete(d.byPath, existing.RealPath)
			existing.Path = path
			existing.RealPath = rp
			existing.Distance = distance
			d.byPath[rp] = existing
		}
		return false
	}

	// Same file seen with different content: the file changed. Replace
	// only when the new occurrence is closer.
	if existing, ok := d.byPath[rp]; ok {
		if distance < existing.Distance {
			delete(d.byHash, existing.Hash)
			existing.Hash = hash
			existing.Content = content
			existing.Distance = distance
			existing.Path = path
			d.byHash[hash] = existing
			return true
		}
		return false
	}

	entry := &DedupEntry{Path: path, RealPath: rp, Hash: hash, Content: content, Distance: distance}
	d.entries = append(d.entries, entry)
	d.byHash[hash] = entry
	d.byPath[rp] = entry
	return true
}

// Seen reports whether this exact content is already admitted.
func (d *ContentDeduplicator) Seen(content string) bool {
	_, ok := d.byHash[contentHash(content)]
	return ok
}

// GetEntries returns the admitted entries sorted by ascending distance.
func (d *ContentDeduplicator) GetEntries() []DedupEntry {
	out := make([]DedupEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// Len returns the number of admitted entries.
func (d *ContentDeduplicator) Len() int {
	return len(d.entries)
}
