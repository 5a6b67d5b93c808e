package memory

import (
	"os"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, at time.Time) *Logger {
	t.Helper()
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.now = func() time.Time { return at }
	return logger
}

func TestLogConversationCreatesDailyFile(t *testing.T) {
	at := time.Date(2026, 8, 25, 15, 4, 5, 0, time.UTC)
	logger := newTestLogger(t, at)

	if err := logger.LogConversation("discord", "alice", "deploy the bot", "done, live now"); err != nil {
		t.Fatalf("LogConversation() error = %v", err)
	}

	data, err := os.ReadFile(logger.Path(at))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# Memory Log 2026-08-25\n") {
		t.Errorf("missing header:\n%s", content)
	}
	for _, want := range []string{
		"## 15:04:05 conversation [discord] alice",
		"**user:** deploy the bot",
		"**mama:** done, live now",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in:\n%s", want, content)
		}
	}
}

func TestLogEventAppendsWithoutRepeatingHeader(t *testing.T) {
	at := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	logger := newTestLogger(t, at)

	if err := logger.LogEvent("schedule_fired", "daily-report"); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	if err := logger.LogEvent("gateway_reconnect", ""); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	content, err := logger.ReadDay(at)
	if err != nil {
		t.Fatalf("ReadDay() error = %v", err)
	}

	if got := strings.Count(content, "# Memory Log"); got != 1 {
		t.Errorf("header count = %d, want 1", got)
	}
	if !strings.Contains(content, "event schedule_fired") || !strings.Contains(content, "daily-report") {
		t.Errorf("missing first event:\n%s", content)
	}
	if !strings.Contains(content, "event gateway_reconnect") {
		t.Errorf("missing second event:\n%s", content)
	}
}

func TestLoggerDateRollover(t *testing.T) {
	day1 := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	logger := newTestLogger(t, day1)

	if err := logger.LogEvent("before_midnight", ""); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	day2 := day1.Add(2 * time.Minute)
	logger.now = func() time.Time { return day2 }
	if err := logger.LogEvent("after_midnight", ""); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	first, err := logger.ReadDay(day1)
	if err != nil {
		t.Fatalf("ReadDay(day1) error = %v", err)
	}
	second, err := logger.ReadDay(day2)
	if err != nil {
		t.Fatalf("ReadDay(day2) error = %v", err)
	}

	if !strings.Contains(first, "before_midnight") || strings.Contains(first, "after_midnight") {
		t.Errorf("day1 transcript wrong:\n%s", first)
	}
	if !strings.Contains(second, "after_midnight") || strings.Contains(second, "before_midnight") {
		t.Errorf("day2 transcript wrong:\n%s", second)
	}

	days, err := logger.Days()
	if err != nil {
		t.Fatalf("Days() error = %v", err)
	}
	if len(days) != 2 || days[0] != "2026-08-26" || days[1] != "2026-08-25" {
		t.Errorf("Days() = %v, want [2026-08-26 2026-08-25]", days)
	}
}

func TestReadDayMissingIsEmpty(t *testing.T) {
	logger := newTestLogger(t, time.Now())

	content, err := logger.ReadDay(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadDay() error = %v", err)
	}
	if content != "" {
		t.Errorf("ReadDay(missing) = %q, want empty", content)
	}
}
