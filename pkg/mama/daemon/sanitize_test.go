package daemon

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSanitizeRedactsTokens(t *testing.T) {
	t.Parallel()
	telegramToken := "123456789:" + strings.Repeat("A", 35)
	discordToken := strings.Repeat("M", 24) + "." + strings.Repeat("x", 6) + "." + strings.Repeat("k", 27)

	tests := []struct {
		name   string
		in     string
		secret string
		want   string
	}{
		{
			name:   "telegram token",
			in:     "connect failed for " + telegramToken + " retrying",
			secret: telegramToken,
			want:   "connect failed for [REDACTED] retrying",
		},
		{
			name:   "slack token",
			in:     "auth: xoxb-" + strings.Repeat("a", 12),
			secret: "xoxb-",
			want:   "auth: [REDACTED]",
		},
		{
			name:   "discord token",
			in:     "header " + discordToken + " rejected",
			secret: discordToken,
			want:   "header [REDACTED] rejected",
		},
		{
			name:   "bearer header",
			in:     "Authorization: Bearer abc123.def456",
			secret: "abc123",
			want:   "Authorization: Bearer [REDACTED]",
		},
		{
			name:   "api key",
			in:     "key sk-" + strings.Repeat("a", 20) + " invalid",
			secret: "sk-a",
			want:   "key [REDACTED] invalid",
		},
		{
			name:   "long hex id",
			in:     "session " + strings.Repeat("ab", 16) + " expired",
			secret: strings.Repeat("ab", 16),
			want:   "session [ID] expired",
		},
		{
			name:   "snowflake",
			in:     "user 123456789012345678 joined",
			secret: "123456789012345678",
			want:   "user [ID] joined",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if strings.Contains(got, tt.secret) {
				t.Errorf("secret %q survived sanitization: %q", tt.secret, got)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"connect failed for 123456789:" + strings.Repeat("A", 35),
		"Authorization: Bearer xoxb-" + strings.Repeat("a", 12),
		"session " + strings.Repeat("ab", 16) + " for user 123456789012345678",
		"plain text with no secrets at all",
		"",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent on %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestSanitizeLeavesPlainTextAlone(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"remind me to buy milk at 17:30",
		"deploy finished in 42s, 3 warnings",
		"see https://example.com/docs for details",
		"pid 12345 exited with code 1",
	}
	for _, in := range inputs {
		if got := Sanitize(in); got != in {
			t.Errorf("Sanitize(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestSanitizeBearerWrappingPlatformToken(t *testing.T) {
	t.Parallel()
	// The platform pattern must win over the bearer pattern: a bearer
	// match would stop at the colon and leave the secret half intact.
	secret := strings.Repeat("A", 35)
	in := "Authorization: Bearer 123456789:" + secret
	got := Sanitize(in)
	if strings.Contains(got, secret) {
		t.Fatalf("telegram secret survived inside bearer header: %q", got)
	}
}

func TestSanitizingHandlerRedactsRecords(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewSanitizingHandler(slog.NewTextHandler(&buf, nil)))

	token := "xoxb-" + strings.Repeat("b", 12)
	logger.Info("gateway rejected token "+token, "token", token, "attempt", 3)

	out := buf.String()
	if strings.Contains(out, token) {
		t.Fatalf("token leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker in output: %s", out)
	}
	if !strings.Contains(out, "attempt=3") {
		t.Errorf("non-string attr lost: %s", out)
	}
}

func TestSanitizingHandlerWithAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	token := "sk-" + strings.Repeat("c", 20)
	logger := slog.New(NewSanitizingHandler(slog.NewTextHandler(&buf, nil))).With("key", token)

	logger.Info("starting")

	if out := buf.String(); strings.Contains(out, token) {
		t.Fatalf("pre-bound attr leaked: %s", out)
	}
}

func TestSanitizingHandlerGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	token := "xoxp-" + strings.Repeat("d", 12)
	logger := slog.New(NewSanitizingHandler(slog.NewTextHandler(&buf, nil)))

	logger.Info("auth", slog.Group("request", slog.String("header", "Bearer "+token)))

	out := buf.String()
	if strings.Contains(out, token) {
		t.Fatalf("grouped attr leaked: %s", out)
	}
}
