package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger appends conversations and events to daily markdown files
// (YYYY-MM-DD.md) under the memory directory. Files roll over
// automatically because the name is derived from the clock at write time.
type Logger struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewLogger creates a daily transcript logger rooted at dir, creating the
// directory on demand.
func NewLogger(dir string) (*Logger, error) {
	if dir == "" {
		return nil, fmt.Errorf("memory logger: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory log directory: %w", err)
	}
	return &Logger{dir: dir, now: time.Now}, nil
}

// LogConversation appends one user/agent exchange to today's file.
func (l *Logger) LogConversation(source, user, message, response string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s conversation [%s] %s\n\n", l.now().Format("15:04:05"), source, user)
	fmt.Fprintf(&b, "**user:** %s\n\n", strings.TrimSpace(message))
	fmt.Fprintf(&b, "**mama:** %s\n\n", strings.TrimSpace(response))
	return l.append(b.String())
}

// LogEvent appends a system event (schedule fired, gateway reconnect, ...)
// to today's file.
func (l *Logger) LogEvent(event, detail string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s event %s\n\n", l.now().Format("15:04:05"), event)
	if detail = strings.TrimSpace(detail); detail != "" {
		fmt.Fprintf(&b, "%s\n\n", detail)
	}
	return l.append(b.String())
}

// Path returns the transcript file path for the given date.
func (l *Logger) Path(date time.Time) string {
	return filepath.Join(l.dir, date.Format("2006-01-02")+".md")
}

// ReadDay returns the raw transcript for a date, empty when none exists.
func (l *Logger) ReadDay(date time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.Path(date))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Days returns the dates with transcripts, newest first.
func (l *Logger) Days() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	var dates []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		date := strings.TrimSuffix(name, ".md")
		if _, err := time.Parse("2006-01-02", date); err != nil {
			continue
		}
		dates = append(dates, date)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// append writes an entry to today's file, stamping a header when the file
// is new.
func (l *Logger) append(entry string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.now()
	f, err := os.OpenFile(l.Path(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	info, _ := f.Stat()
	if info != nil && info.Size() == 0 {
		fmt.Fprintf(f, "# Memory Log %s\n\n", day.Format("2006-01-02"))
	}

	_, err = f.WriteString(entry)
	return err
}
