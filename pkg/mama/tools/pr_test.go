package tools

import (
	"strings"
	"testing"
)

const reviewThreadsFixture = `{
  "data": {
    "repository": {
      "pullRequest": {
        "reviewThreads": {
          "nodes": [
            {
              "isResolved": false,
              "isOutdated": false,
              "path": "pkg/server/handler.go",
              "line": 42,
              "comments": {
                "nodes": [
                  {"author": {"login": "reviewer1"}, "body": "This leaks the connection on error."},
                  {"author": {"login": "author1"}, "body": "Good catch, fixing."}
                ]
              }
            },
            {
              "isResolved": true,
              "isOutdated": true,
              "path": "README.md",
              "line": 0,
              "comments": {
                "nodes": [
                  {"author": {"login": "reviewer2"}, "body": "Typo."}
                ]
              }
            }
          ]
        }
      }
    }
  }
}`

func TestParseReviewThreads(t *testing.T) {
	t.Parallel()
	threads, err := parseReviewThreads(reviewThreadsFixture)
	if err != nil {
		t.Fatalf("parseReviewThreads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(threads))
	}

	first := threads[0]
	if first.Path != "pkg/server/handler.go" || first.Line != 42 {
		t.Errorf("first thread = %s:%d, want pkg/server/handler.go:42", first.Path, first.Line)
	}
	if first.IsResolved || first.IsOutdated {
		t.Errorf("first thread resolved=%v outdated=%v, want false/false", first.IsResolved, first.IsOutdated)
	}
	if len(first.Comments) != 2 {
		t.Fatalf("first thread comments = %d, want 2", len(first.Comments))
	}
	if first.Comments[0].Author != "reviewer1" {
		t.Errorf("comment author = %q, want reviewer1", first.Comments[0].Author)
	}
	if !strings.Contains(first.Comments[0].Body, "leaks the connection") {
		t.Errorf("comment body = %q", first.Comments[0].Body)
	}

	// Resolved threads come through too so progress is reportable.
	if !threads[1].IsResolved {
		t.Error("second thread should stay resolved")
	}
}

func TestParseReviewThreadsEmpty(t *testing.T) {
	t.Parallel()
	threads, err := parseReviewThreads(`{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[]}}}}}`)
	if err != nil {
		t.Fatalf("parseReviewThreads: %v", err)
	}
	if len(threads) != 0 {
		t.Errorf("threads = %d, want 0", len(threads))
	}
}

func TestParseReviewThreadsBadJSON(t *testing.T) {
	t.Parallel()
	if _, err := parseReviewThreads("gh: not logged in"); err == nil {
		t.Error("expected error for non-JSON input")
	}
}
