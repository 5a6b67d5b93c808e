package hooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/mama/pkg/mama/memory"
)

// stubStore is a scriptable memory.API used by both handler tests.
type stubStore struct {
	mu       sync.Mutex
	existing []memory.Decision
	listErr  error
	saveErr  error
	saved    []memory.Decision

	saveEntered chan struct{}
	saveRelease chan struct{}
	enteredOnce sync.Once
}

func (s *stubStore) Save(_ context.Context, d memory.Decision) (int64, error) {
	if s.saveEntered != nil {
		s.enteredOnce.Do(func() { close(s.saveEntered) })
	}
	if s.saveRelease != nil {
		<-s.saveRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	d.ID = int64(len(s.saved) + 1)
	s.saved = append(s.saved, d)
	return d.ID, nil
}

func (s *stubStore) SaveCheckpoint(_ context.Context, cp memory.Checkpoint) (int64, error) {
	return 1, nil
}

func (s *stubStore) ListDecisions(_ context.Context, limit int) ([]memory.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := s.existing
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) Suggest(_ context.Context, query string, limit int) (*memory.SuggestResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.existing
	if len(results) > limit {
		results = results[:limit]
	}
	return &memory.SuggestResponse{Success: true, Results: results, Count: len(results)}, nil
}

func (s *stubStore) UpdateOutcome(_ context.Context, id int64, outcome, failureReason string) error {
	return nil
}

func (s *stubStore) LoadCheckpoint(_ context.Context) (*memory.Checkpoint, error) {
	return nil, memory.ErrNotFound
}

func (s *stubStore) savedDecisions() []memory.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Decision, len(s.saved))
	copy(out, s.saved)
	return out
}

func TestPreCompactFlagsOnlyUnsavedDecisions(t *testing.T) {
	t.Parallel()
	store := &stubStore{existing: []memory.Decision{{Topic: "JWT"}}}
	h := NewPreCompactHandler(store, nil)

	history := []string{
		"decided: use JWT tokens for auth",
		"approach: REST API design",
	}
	res := h.Process(context.Background(), history)

	if len(res.UnsavedDecisions) != 1 || res.UnsavedDecisions[0] != "REST API design" {
		t.Fatalf("UnsavedDecisions = %v, want [REST API design]", res.UnsavedDecisions)
	}
	if !strings.Contains(res.CompactionPrompt, "## Unsaved Decisions") {
		t.Error("prompt missing Unsaved Decisions section")
	}
	if !strings.Contains(res.CompactionPrompt, "- REST API design") {
		t.Error("prompt missing the unsaved decision bullet")
	}
	if strings.Contains(res.CompactionPrompt, "use JWT tokens for auth") {
		t.Error("prompt lists a decision that is already saved")
	}
	if res.WarningMessage == "" || !strings.Contains(res.WarningMessage, "REST API design") {
		t.Errorf("WarningMessage = %q, want mention of the unsaved decision", res.WarningMessage)
	}
}

func TestPreCompactPromptHasAllSections(t *testing.T) {
	t.Parallel()
	h := NewPreCompactHandler(&stubStore{}, nil)
	res := h.Process(context.Background(), []string{"just chatting, nothing decided"})

	want := []string{
		"## 1. User Requests",
		"## 2. Final Goal",
		"## 3. Work Completed",
		"## 4. Remaining Tasks",
		"## 5. Active Working Context",
		"## 6. Explicit Constraints",
		"## 7. Agent Verification State",
	}
	for _, section := range want {
		if !strings.Contains(res.CompactionPrompt, section) {
			t.Errorf("prompt missing %q", section)
		}
	}
	if !strings.Contains(res.CompactionPrompt, "Conversation context: ~1 lines before compaction") {
		t.Error("prompt missing history length trailer")
	}
}

func TestPreCompactNoWarningWhenAllSaved(t *testing.T) {
	t.Parallel()
	store := &stubStore{existing: []memory.Decision{
		{Topic: "auth", Decision: "use JWT tokens for auth"},
	}}
	h := NewPreCompactHandler(store, nil)

	res := h.Process(context.Background(), []string{"decided: use JWT tokens for auth"})
	if len(res.UnsavedDecisions) != 0 {
		t.Fatalf("UnsavedDecisions = %v, want none", res.UnsavedDecisions)
	}
	if res.WarningMessage != "" {
		t.Errorf("WarningMessage = %q, want empty", res.WarningMessage)
	}
	if strings.Contains(res.CompactionPrompt, "## Unsaved Decisions") {
		t.Error("prompt has Unsaved Decisions section with nothing unsaved")
	}
}

func TestPreCompactMemoryErrorAssumesUnsaved(t *testing.T) {
	t.Parallel()
	store := &stubStore{listErr: fmt.Errorf("store offline")}
	h := NewPreCompactHandler(store, nil)

	res := h.Process(context.Background(), []string{"decided: switch to Postgres for persistence"})
	if len(res.UnsavedDecisions) != 1 {
		t.Fatalf("UnsavedDecisions = %v, want the detected decision kept", res.UnsavedDecisions)
	}
	if res.WarningMessage == "" {
		t.Error("expected a warning when memory is unreachable")
	}
}

func TestDetectDecisions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name:  "marker mid line",
			lines: []string{"so after discussion we decided: batch writes every five seconds"},
			want:  []string{"batch writes every five seconds"},
		},
		{
			name:  "short fragment ignored",
			lines: []string{"decided: yes", "decision: ok"},
			want:  nil,
		},
		{
			name:  "korean marker",
			lines: []string{"결정: 메시지 큐는 레디스 스트림으로 간다"},
			want:  []string{"메시지 큐는 레디스 스트림으로 간다"},
		},
		{
			name: "case insensitive dedup",
			lines: []string{
				"Decided: Use sqlite for local state",
				"decided: use sqlite for local state",
			},
			want: []string{"Use sqlite for local state"},
		},
		{
			name:  "no marker",
			lines: []string{"ran the tests, all green"},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectDecisions(tt.lines, defaultMaxDecisions)
			if len(got) != len(tt.want) {
				t.Fatalf("detectDecisions = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("decision %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDetectDecisionsKeepsMostRecent(t *testing.T) {
	t.Parallel()
	var lines []string
	for i := 1; i <= 8; i++ {
		lines = append(lines, fmt.Sprintf("decided: decision number %d goes here", i))
	}
	got := detectDecisions(lines, defaultMaxDecisions)
	if len(got) != defaultMaxDecisions {
		t.Fatalf("len = %d, want %d", len(got), defaultMaxDecisions)
	}
	if got[0] != "decision number 4 goes here" || got[4] != "decision number 8 goes here" {
		t.Errorf("kept %v, want the five most recent", got)
	}
}

func TestAlreadySavedBidirectional(t *testing.T) {
	t.Parallel()
	saved := []memory.Decision{{Topic: "JWT", Decision: "standardize on bearer tokens"}}

	if !alreadySaved("use JWT tokens for auth", saved) {
		t.Error("short saved topic should cover a longer candidate")
	}
	if !alreadySaved("bearer", saved) {
		t.Error("candidate contained in a saved decision should match")
	}
	if alreadySaved("migrate to Postgres", saved) {
		t.Error("unrelated candidate should not match")
	}
}
