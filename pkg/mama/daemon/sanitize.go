package daemon

import (
	"context"
	"log/slog"
	"regexp"
)

// Redaction patterns, ordered so the precise token shapes run before the
// generic ones. A split match (say, the bearer pattern eating only the
// digit half of a Telegram token) would leave the rest in the clear, so
// platform tokens go first, then header and key shapes, then bare IDs.
var (
	// 8-10 digit bot ID, colon, 35-char secret.
	telegramTokenPattern = regexp.MustCompile(`\d{8,10}:[A-Za-z0-9_-]{35}`)

	// xoxb/xoxa/xoxp/xoxr/xoxs prefixes.
	slackTokenPattern = regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)

	// Three base64url segments: encoded bot ID, timestamp, HMAC.
	discordTokenPattern = regexp.MustCompile(`[A-Za-z0-9_-]{23,28}\.[A-Za-z0-9_-]{6,7}\.[A-Za-z0-9_-]{27,}`)

	// Authorization header value, any casing.
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)

	// sk- style API keys, sk-ant- included.
	apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9-]{16,}`)

	// Long hex runs: session UUIDs without dashes, SHA digests.
	hexIDPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)

	// Discord snowflakes and similar numeric platform IDs.
	snowflakePattern = regexp.MustCompile(`\b\d{17,19}\b`)
)

// Sanitize redacts tokens, API keys, and platform IDs from a string bound
// for a log line or an API response. Idempotent: the replacement text is
// bracketed, so a second pass finds nothing new.
func Sanitize(s string) string {
	s = telegramTokenPattern.ReplaceAllString(s, "[REDACTED]")
	s = slackTokenPattern.ReplaceAllString(s, "[REDACTED]")
	s = discordTokenPattern.ReplaceAllString(s, "[REDACTED]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	s = apiKeyPattern.ReplaceAllString(s, "[REDACTED]")
	s = hexIDPattern.ReplaceAllString(s, "[ID]")
	s = snowflakePattern.ReplaceAllString(s, "[ID]")
	return s
}

// SanitizingHandler wraps a slog.Handler and redacts every message and
// string attribute before it reaches the sink. Group attributes are
// walked recursively; LogValuer attributes are resolved first so the
// redaction sees the final string.
type SanitizingHandler struct {
	inner slog.Handler
}

// NewSanitizingHandler wraps inner with token redaction.
func NewSanitizingHandler(inner slog.Handler) *SanitizingHandler {
	return &SanitizingHandler{inner: inner}
}

// Enabled defers to the wrapped handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle rebuilds the record with sanitized message and attributes.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs sanitizes the pre-bound attributes and wraps the result.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = sanitizeAttr(a)
	}
	return &SanitizingHandler{inner: h.inner.WithAttrs(clean)}
}

// WithGroup wraps the grouped handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{inner: h.inner.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Sanitize(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]slog.Attr, len(group))
		for i, g := range group {
			clean[i] = sanitizeAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	default:
		return slog.Attr{Key: a.Key, Value: v}
	}
}
