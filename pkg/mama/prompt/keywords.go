package prompt

import (
	"regexp"
	"strings"
)

// Keyword modes. A message can activate several at once; their
// instruction blocks are joined with a --- separator.
const (
	ModeUltrawork = "ultrawork"
	ModeSearch    = "search"
	ModeAnalysis  = "analysis"
)

// keywordMode is one detectable mode family: its trigger phrases across
// languages and the instruction block injected on a match.
type keywordMode struct {
	name     string
	triggers []string
	block    string
}

// Trigger phrases are matched case-insensitively as substrings after
// code spans are stripped. Bracketed forms match through the plain
// phrase being a substring of the bracketed one.
var keywordModes = []keywordMode{
	{
		name: ModeUltrawork,
		triggers: []string{
			"ultrawork", "ultra work",
			"울트라워크", "전력으로",
			"ウルトラワーク", "全力で作業",
			"超级工作", "全力工作",
			"làm hết sức", "chế độ tối đa",
		},
		block: `ULTRAWORK MODE ACTIVATED

Maximum effort is requested for this task:
- Work the problem end to end before replying; do not stop at the first plausible answer.
- Verify every claim against the actual code or data rather than memory.
- Prefer completing the whole task over asking clarifying questions you can resolve yourself.
- Run relevant checks (tests, linters, builds) when tools allow it.`,
	},
	{
		name: ModeSearch,
		triggers: []string{
			"search mode", "search-mode", "find everything",
			"검색 모드", "전체 검색",
			"検索モード", "すべて検索",
			"搜索模式", "全面搜索",
			"chế độ tìm kiếm", "tìm tất cả",
		},
		block: `SEARCH MODE ACTIVATED

Prioritize exhaustive discovery before answering:
- Enumerate every file, symbol, and reference relevant to the request.
- Use Grep and Glob broadly; cast a wide net first, then narrow.
- Report what was searched and what was found, including negative results.`,
	},
	{
		name: ModeAnalysis,
		triggers: []string{
			"analysis mode", "analysis-mode", "deep analysis",
			"분석 모드", "심층 분석",
			"分析モード", "徹底分析",
			"分析模式", "深度分析",
			"chế độ phân tích", "phân tích sâu",
		},
		block: `ANALYSIS MODE ACTIVATED

Favor depth over speed for this request:
- Trace data and control flow rather than summarizing from structure.
- Surface invariants, edge cases, and failure modes explicitly.
- Separate observed facts from inference and label the inference.`,
	},
}

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
)

// stripCodeSpans removes fenced blocks and inline code so keywords
// inside code do not trigger modes.
func stripCodeSpans(s string) string {
	s = fencedCodeRe.ReplaceAllString(s, "")
	// An unterminated fence hides everything after it.
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return inlineCodeRe.ReplaceAllString(s, "")
}

// DetectKeywords returns the instruction blocks activated by the
// message, joined with ---. Keywords inside code spans never match.
// Empty input (or input whose keywords all sit in code) returns "".
func DetectKeywords(message string) string {
	if strings.TrimSpace(message) == "" {
		return ""
	}
	cleaned := strings.ToLower(stripCodeSpans(message))

	var blocks []string
	for _, mode := range keywordModes {
		for _, trigger := range mode.triggers {
			if strings.Contains(cleaned, strings.ToLower(trigger)) {
				blocks = append(blocks, mode.block)
				break
			}
		}
	}
	return strings.Join(blocks, "\n---\n")
}

// ActiveModes returns the mode names a message activates, for rule
// keyword matching and logging.
func ActiveModes(message string) []string {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	cleaned := strings.ToLower(stripCodeSpans(message))

	var modes []string
	for _, mode := range keywordModes {
		for _, trigger := range mode.triggers {
			if strings.Contains(cleaned, strings.ToLower(trigger)) {
				modes = append(modes, mode.name)
				break
			}
		}
	}
	return modes
}
