package roles

import (
	"fmt"
	"strings"
)

// roleSummaries gives each stock role a one-line description for the
// identity section. Unknown roles fall back to a generic line.
var roleSummaries = map[string]string{
	"owner": "full control over the agent and its host",
	"chat":  "conversational assistant with a curated tool set",
}

// platformGuidelines holds the pre-defined guidance block per platform.
// These encode hard platform limits the model must respect when replying.
var platformGuidelines = map[string]string{
	PlatformDiscord: `- Messages are capped at 2000 characters; long replies are split automatically, so prefer short messages
- Markdown works: **bold**, *italic*, ` + "`code`" + `, fenced code blocks
- Mention users as <@user_id> only when asked to`,
	PlatformTelegram: `- Use HTML formatting: <b>bold</b>, <i>italic</i>, <code>code</code>
- Messages are capped at 4096 characters
- No markdown tables; use plain lists instead`,
	PlatformSlack: `- Use mrkdwn: *bold*, _italic_, ` + "`code`" + `
- Keep messages under ~3000 characters; use threads for long output`,
	PlatformViewer: `- Full console surface: no length limits, structured output is fine
- This is the trusted management surface; system tools are available here`,
	PlatformChatwork: `- Use [info][/info] blocks for structured content
- Keep messages brief`,
	PlatformCLI: `- Output goes to a terminal: plain text, short lines
- No rich formatting beyond basic markdown`,
}

// BuildContextPrompt renders the agent context as the prompt preamble.
// Section order is fixed; downstream prompt assembly depends on it.
func BuildContextPrompt(ctx *AgentContext) string {
	var b strings.Builder

	b.WriteString("## Current Agent Context\n\n")

	b.WriteString("### Identity\n")
	fmt.Fprintf(&b, "- Platform: %s\n", ctx.Platform)
	fmt.Fprintf(&b, "- Role: %s (%s)\n", ctx.RoleName, roleSummary(ctx.RoleName))
	if ctx.SessionID != "" {
		fmt.Fprintf(&b, "- Session: %s\n", truncateSession(ctx.SessionID))
	}
	if ctx.UserID != "" {
		fmt.Fprintf(&b, "- User: %s\n", ctx.UserID)
	}
	if ctx.Channel != "" {
		fmt.Fprintf(&b, "- Channel: %s\n", ctx.Channel)
	}

	b.WriteString("\n### Capabilities\n")
	if len(ctx.Capabilities) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range ctx.Capabilities {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\n### Limitations\n")
	if len(ctx.Limitations) == 0 {
		b.WriteString("- none\n")
	}
	for _, lim := range ctx.Limitations {
		fmt.Fprintf(&b, "- %s\n", lim)
	}

	b.WriteString("\n### Platform Guidelines\n")
	if guide, ok := platformGuidelines[ctx.Platform]; ok {
		b.WriteString(guide)
		b.WriteString("\n")
	}

	b.WriteString("\n### Permission Reminders\n")
	if ctx.Role.SystemControl {
		b.WriteString("- System control is enabled: os_* management tools may be used when asked\n")
	} else {
		b.WriteString("- System control is disabled: never attempt os_* management tools\n")
	}
	if ctx.Role.SensitiveAccess {
		b.WriteString("- Sensitive access is enabled: secret values may be shown when explicitly requested\n")
	} else {
		b.WriteString("- Sensitive access is disabled: tokens and secrets stay masked\n")
	}

	return b.String()
}

// BuildMinimalContext renders a single-line context summary:
// "<platform>/<role> · <cap0>, <cap1>, <cap2>[, +N more]".
func BuildMinimalContext(ctx *AgentContext) string {
	head := ctx.Platform + "/" + ctx.RoleName
	if len(ctx.Capabilities) == 0 {
		return head
	}
	caps := ctx.Capabilities
	extra := 0
	if len(caps) > 3 {
		extra = len(caps) - 3
		caps = caps[:3]
	}
	line := head + " · " + strings.Join(caps, ", ")
	if extra > 0 {
		line += fmt.Sprintf(", +%d more", extra)
	}
	return line
}

func roleSummary(name string) string {
	if s, ok := roleSummaries[name]; ok {
		return s
	}
	return "custom role"
}

// truncateSession shortens a session ID to its first 8 characters for the
// identity section.
func truncateSession(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
