package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BrowserDriver is the surface the browser tools dispatch to. The
// daemon injects an implementation backed by an external headless
// browser; when none is configured the tools are simply not registered.
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	GetText(ctx context.Context, selector string) (string, error)
	Scroll(ctx context.Context, deltaY int) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Evaluate(ctx context.Context, script string) (string, error)
	PDF(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// maxPageText bounds browser_get_text output.
const maxPageText = 30_000

// browserToolNames lists every tool this file registers, in catalog
// order. All of them are slow: a page load or wait can sit for a while.
var browserToolNames = []string{
	"browser_navigate", "browser_screenshot", "browser_click",
	"browser_type", "browser_get_text", "browser_scroll",
	"browser_wait_for", "browser_evaluate", "browser_pdf", "browser_close",
}

// RegisterBrowserTools wires the browser_* tools against a driver.
// A nil driver registers nothing.
func RegisterBrowserTools(e *Executor, driver BrowserDriver) {
	if driver == nil {
		return
	}

	e.Register(
		MakeToolDefinition("browser_navigate", "Navigate the browser to a URL and wait for the page to load.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to open",
				},
			},
			"required": []string{"url"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			url := strArg(args, "url")
			if url == "" {
				return nil, fmt.Errorf("url is required")
			}
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				url = "https://" + url
			}
			if err := driver.Navigate(ctx, url); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Navigated to %s", url), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_screenshot", "Take a screenshot of the current page. Returns the capture size; the image itself goes to the vision pipeline.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"full_page": map[string]any{
					"type":        "boolean",
					"description": "Capture the full scroll height instead of the viewport",
				},
			},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			data, err := driver.Screenshot(ctx, boolArg(args, "full_page"))
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Screenshot captured (%d KB)", len(data)/1024), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_click", "Click an element on the current page by CSS selector.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector of the element to click",
				},
			},
			"required": []string{"selector"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			selector := strArg(args, "selector")
			if selector == "" {
				return nil, fmt.Errorf("selector is required")
			}
			if err := driver.Click(ctx, selector); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Clicked %s", selector), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_type", "Type text into an input element identified by CSS selector.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector of the input",
				},
				"text": map[string]any{
					"type":        "string",
					"description": "Text to type",
				},
			},
			"required": []string{"selector", "text"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			selector := strArg(args, "selector")
			if selector == "" {
				return nil, fmt.Errorf("selector is required")
			}
			if err := driver.Type(ctx, selector, strArg(args, "text")); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Typed into %s", selector), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_get_text", "Read the visible text of the page, or of one element when a selector is given.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector (default: whole page body)",
				},
			},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			text, err := driver.GetText(ctx, strArg(args, "selector"))
			if err != nil {
				return nil, err
			}
			if len(text) > maxPageText {
				text = text[:maxPageText] + "\n... [truncated]"
			}
			return text, nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_scroll", "Scroll the page vertically by a pixel delta. Positive scrolls down.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"delta_y": map[string]any{
					"type":        "integer",
					"description": "Pixels to scroll (default 600)",
				},
			},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			delta := intArg(args, "delta_y", 600)
			if err := driver.Scroll(ctx, delta); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Scrolled %d px", delta), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_wait_for", "Wait until an element matching the selector appears, up to a timeout.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector to wait for",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Wait ceiling in seconds (default 10)",
				},
			},
			"required": []string{"selector"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			selector := strArg(args, "selector")
			if selector == "" {
				return nil, fmt.Errorf("selector is required")
			}
			timeout := time.Duration(intArg(args, "timeout_seconds", 10)) * time.Second
			if err := driver.WaitFor(ctx, selector, timeout); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Element %s appeared", selector), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_evaluate", "Evaluate a JavaScript expression in the page and return its string result.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "JavaScript to evaluate",
				},
			},
			"required": []string{"script"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			script := strArg(args, "script")
			if script == "" {
				return nil, fmt.Errorf("script is required")
			}
			return driver.Evaluate(ctx, script)
		},
	)

	e.Register(
		MakeToolDefinition("browser_pdf", "Render the current page to a PDF file on disk.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Output file path",
				},
			},
			"required": []string{"path"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			path := strArg(args, "path")
			if path == "" {
				return nil, fmt.Errorf("path is required")
			}
			path = e.resolvePath(path)
			if err := driver.PDF(ctx, path); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Saved PDF to %s", path), nil
		},
	)

	e.Register(
		MakeToolDefinition("browser_close", "Close the browser session and release its resources.", map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}),
		func(ctx context.Context, _ map[string]any) (any, error) {
			if err := driver.Close(ctx); err != nil {
				return nil, err
			}
			return "Browser closed", nil
		},
	)

	for _, name := range browserToolNames {
		e.MarkSlow(name)
	}
}
