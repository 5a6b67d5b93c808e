package prompt

import (
	"strings"
	"testing"
)

func TestDetectKeywordsUltrawork(t *testing.T) {
	t.Parallel()
	got := DetectKeywords("ultrawork: fix the login bug")
	if !strings.Contains(got, "ULTRAWORK MODE ACTIVATED") {
		t.Errorf("instructions = %q, want ULTRAWORK MODE ACTIVATED", got)
	}
}

func TestDetectKeywordsBracketedForm(t *testing.T) {
	t.Parallel()
	if got := DetectKeywords("[ultrawork] please refactor"); !strings.Contains(got, "ULTRAWORK MODE ACTIVATED") {
		t.Errorf("bracketed form missed: %q", got)
	}
	if got := DetectKeywords("[search-mode] where is the config?"); !strings.Contains(got, "SEARCH MODE ACTIVATED") {
		t.Errorf("bracketed search missed: %q", got)
	}
}

func TestDetectKeywordsMultilingual(t *testing.T) {
	t.Parallel()
	tests := []struct {
		message string
		want    string
	}{
		{"울트라워크 모드로 해줘", "ULTRAWORK"},
		{"ウルトラワークで対応して", "ULTRAWORK"},
		{"検索モードでお願い", "SEARCH"},
		{"검색 모드 켜줘", "SEARCH"},
		{"深度分析这个问题", "ANALYSIS"},
		{"chế độ phân tích nhé", "ANALYSIS"},
	}
	for _, tt := range tests {
		got := DetectKeywords(tt.message)
		if !strings.Contains(got, tt.want) {
			t.Errorf("DetectKeywords(%q) missing %s block", tt.message, tt.want)
		}
	}
}

func TestDetectKeywordsMultipleModesJoined(t *testing.T) {
	t.Parallel()
	got := DetectKeywords("ultrawork and deep analysis of the scheduler")
	if !strings.Contains(got, "ULTRAWORK MODE ACTIVATED") || !strings.Contains(got, "ANALYSIS MODE ACTIVATED") {
		t.Fatalf("both modes should activate: %q", got)
	}
	if !strings.Contains(got, "---") {
		t.Error("multiple blocks should be --- separated")
	}
}

func TestDetectKeywordsEmptyInput(t *testing.T) {
	t.Parallel()
	if got := DetectKeywords(""); got != "" {
		t.Errorf("empty input = %q, want \"\"", got)
	}
	if got := DetectKeywords("   \n\t"); got != "" {
		t.Errorf("blank input = %q, want \"\"", got)
	}
	if got := DetectKeywords("just a normal message"); got != "" {
		t.Errorf("plain message = %q, want \"\"", got)
	}
}

func TestKeywordsInsideCodeIgnored(t *testing.T) {
	t.Parallel()
	tests := []string{
		"look at this:\n```\nultrawork\n```\nthanks",
		"the variable `ultrawork` is misnamed",
		"```go\n// search mode here\n```",
		"fence with lang:\n```text\ndeep analysis\n```",
	}
	for _, msg := range tests {
		if got := DetectKeywords(msg); got != "" {
			t.Errorf("DetectKeywords(%q) = %q, want \"\"", msg, got)
		}
	}
}

func TestKeywordOutsideCodeStillMatches(t *testing.T) {
	t.Parallel()
	msg := "ultrawork on this:\n```\nsome code\n```"
	if got := DetectKeywords(msg); !strings.Contains(got, "ULTRAWORK MODE ACTIVATED") {
		t.Errorf("keyword outside fence should match: %q", got)
	}
}

func TestUnterminatedFenceHidesRest(t *testing.T) {
	t.Parallel()
	msg := "before\n```\nultrawork after an unterminated fence"
	if got := DetectKeywords(msg); got != "" {
		t.Errorf("unterminated fence content matched: %q", got)
	}
}

func TestActiveModes(t *testing.T) {
	t.Parallel()
	modes := ActiveModes("ultrawork plus search mode please")
	if len(modes) != 2 {
		t.Fatalf("modes = %v, want 2", modes)
	}
	if modes[0] != ModeUltrawork || modes[1] != ModeSearch {
		t.Errorf("modes = %v", modes)
	}
	if got := ActiveModes("nothing here"); got != nil {
		t.Errorf("plain message modes = %v, want nil", got)
	}
}
