package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// reviewThreadsQuery pulls review threads with their first comments.
// Resolved threads are returned too so the model can report progress.
const reviewThreadsQuery = `
query($owner: String!, $repo: String!, $pr: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $pr) {
      reviewThreads(first: 50) {
        nodes {
          isResolved
          isOutdated
          path
          line
          comments(first: 10) {
            nodes { author { login } body }
          }
        }
      }
    }
  }
}`

type reviewThread struct {
	Path       string          `json:"path"`
	Line       int             `json:"line,omitempty"`
	IsResolved bool            `json:"is_resolved"`
	IsOutdated bool            `json:"is_outdated"`
	Comments   []threadComment `json:"comments"`
}

type threadComment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// RegisterPRTools wires pr_review_threads, which shells out to the gh
// CLI. Requires gh to be installed and authenticated.
func RegisterPRTools(e *Executor) {
	e.Register(
		MakeToolDefinition("pr_review_threads", "List review threads on a GitHub pull request, with comments and resolution state. Uses the gh CLI.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"owner": map[string]any{
					"type":        "string",
					"description": "Repository owner (default: inferred from the working directory's origin remote)",
				},
				"repo": map[string]any{
					"type":        "string",
					"description": "Repository name (default: inferred)",
				},
				"pr": map[string]any{
					"type":        "integer",
					"description": "Pull request number",
				},
				"unresolved_only": map[string]any{
					"type":        "boolean",
					"description": "Return only unresolved threads (default false)",
				},
			},
			"required": []string{"pr"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			pr := intArg(args, "pr", 0)
			if pr <= 0 {
				return nil, fmt.Errorf("pr is required")
			}

			owner := strArg(args, "owner")
			repo := strArg(args, "repo")
			if owner == "" || repo == "" {
				inferredOwner, inferredRepo, err := inferGitHubRepo(ctx, e.workDir)
				if err != nil {
					return nil, fmt.Errorf("owner/repo not given and not inferable: %w", err)
				}
				if owner == "" {
					owner = inferredOwner
				}
				if repo == "" {
					repo = inferredRepo
				}
			}

			out, err := runGH(ctx, e.workDir,
				"api", "graphql",
				"-f", "query="+reviewThreadsQuery,
				"-F", "owner="+owner,
				"-F", "repo="+repo,
				"-F", fmt.Sprintf("pr=%d", pr),
			)
			if err != nil {
				return nil, err
			}

			threads, err := parseReviewThreads(out)
			if err != nil {
				return nil, fmt.Errorf("parsing gh output: %w", err)
			}
			if boolArg(args, "unresolved_only") {
				kept := threads[:0]
				for _, t := range threads {
					if !t.IsResolved {
						kept = append(kept, t)
					}
				}
				threads = kept
			}

			return map[string]any{
				"success": true,
				"threads": threads,
				"count":   len(threads),
			}, nil
		},
	)
	e.MarkSlow("pr_review_threads")
}

func runGH(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(out))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("gh %s: %s", args[0], result)
		}
		return "", fmt.Errorf("gh %s: %w", args[0], err)
	}
	return result, nil
}

// inferGitHubRepo reads owner/name from the origin remote URL.
func inferGitHubRepo(ctx context.Context, dir string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("reading origin remote: %w", err)
	}

	url := strings.TrimSpace(string(out))
	url = strings.TrimSuffix(url, ".git")
	// Handles both git@github.com:owner/repo and https://github.com/owner/repo.
	if i := strings.Index(url, "github.com"); i >= 0 {
		rest := strings.TrimLeft(url[i+len("github.com"):], ":/")
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 {
			return parts[0], parts[1], nil
		}
	}
	return "", "", fmt.Errorf("origin %q is not a github.com remote", url)
}

func parseReviewThreads(raw string) ([]reviewThread, error) {
	var resp struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool   `json:"isResolved"`
							IsOutdated bool   `json:"isOutdated"`
							Path       string `json:"path"`
							Line       int    `json:"line"`
							Comments   struct {
								Nodes []struct {
									Author struct {
										Login string `json:"login"`
									} `json:"author"`
									Body string `json:"body"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}

	nodes := resp.Data.Repository.PullRequest.ReviewThreads.Nodes
	threads := make([]reviewThread, 0, len(nodes))
	for _, n := range nodes {
		t := reviewThread{
			Path:       n.Path,
			Line:       n.Line,
			IsResolved: n.IsResolved,
			IsOutdated: n.IsOutdated,
		}
		for _, c := range n.Comments.Nodes {
			t.Comments = append(t.Comments, threadComment{Author: c.Author.Login, Body: c.Body})
		}
		threads = append(threads, t)
	}
	return threads, nil
}
