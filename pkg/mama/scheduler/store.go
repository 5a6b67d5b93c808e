package scheduler

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/mama/pkg/mama/agenterr"
)

// Execution statuses recorded in schedule_logs.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Schedule is a persisted cron job definition.
type Schedule struct {
	// ID is the unique schedule identifier.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Cron is the 5-field cron expression (descriptors like @daily work too).
	Cron string `json:"cron"`

	// Prompt is the agent prompt executed when the schedule fires.
	Prompt string `json:"prompt"`

	// Enabled toggles the schedule without deleting it.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// ScheduleUpdate carries a partial update; nil fields are left untouched.
type ScheduleUpdate struct {
	Name    *string
	Cron    *string
	Prompt  *string
	Enabled *bool
}

// ExecutionLog is one row of schedule execution history.
type ExecutionLog struct {
	ID         int64      `json:"id"`
	ScheduleID string     `json:"schedule_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Duration returns the execution wall time, zero while still running.
func (l *ExecutionLog) Duration() time.Duration {
	if l.FinishedAt == nil {
		return 0
	}
	return l.FinishedAt.Sub(l.StartedAt)
}

// ScheduleStore persists schedules and their execution history. SQLite by
// default; a postgres:// DSN selects the pgx driver. Both share the same
// query text, differing only in placeholder syntax and the log table's
// autoincrement column.
type ScheduleStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// OpenStore opens (and migrates) the schedule store at path. A path starting
// with postgres:// or postgresql:// is treated as a Postgres DSN; anything
// else is a SQLite file path whose parent directory is created on demand.
func OpenStore(path string, logger *slog.Logger) (*ScheduleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "schedule_store")

	var (
		db     *sql.DB
		driver string
		err    error
	)

	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		driver = "pgx"
		db, err = sql.Open("pgx", path)
	} else {
		driver = "sqlite3"
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create store directory %q: %w", dir, mkErr)
			}
		}
		dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
		db, err = sql.Open("sqlite3", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open schedule store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping schedule store: %w", err)
	}

	s := &ScheduleStore{db: db, driver: driver, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *ScheduleStore) Close() error {
	return s.db.Close()
}

// migrate applies the schema. Idempotent via IF NOT EXISTS.
func (s *ScheduleStore) migrate() error {
	logID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "pgx" {
		logID = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS schedules (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    cron       TEXT NOT NULL,
    prompt     TEXT NOT NULL,
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    last_run   TEXT,
    next_run   TEXT
);
CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);

CREATE TABLE IF NOT EXISTS schedule_logs (
    id          %s,
    schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    status      TEXT NOT NULL DEFAULT 'running',
    output      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_schedule_logs_schedule ON schedule_logs(schedule_id);
CREATE INDEX IF NOT EXISTS idx_schedule_logs_started ON schedule_logs(started_at DESC);
`, logID)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schedule schema: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $n for the pgx driver.
func (s *ScheduleStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// ---------- Schedules ----------

// Create inserts a new schedule. Fails with JOB_EXISTS on a duplicate ID.
func (s *ScheduleStore) Create(sched *Schedule) error {
	if sched.ID == "" {
		return agenterr.New(agenterr.Validation, "schedule ID is required")
	}
	if existing, err := s.Get(sched.ID); err == nil && existing != nil {
		return agenterr.Newf(agenterr.JobExists, "schedule %q already exists", sched.ID)
	}

	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	_, err := s.db.Exec(s.rebind(`
		INSERT INTO schedules (id, name, cron, prompt, enabled, created_at, updated_at, last_run, next_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sched.ID, sched.Name, sched.Cron, sched.Prompt, boolToInt(sched.Enabled),
		formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt),
		formatTimePtr(sched.LastRun), formatTimePtr(sched.NextRun),
	)
	if err != nil {
		return agenterr.Wrap(agenterr.SchedulerError, "insert schedule", err)
	}
	return nil
}

// Get returns the schedule with the given ID, or a JOB_NOT_FOUND error.
func (s *ScheduleStore) Get(id string) (*Schedule, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT id, name, cron, prompt, enabled, created_at, updated_at, last_run, next_run
		FROM schedules WHERE id = ?`), id)

	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, agenterr.Newf(agenterr.JobNotFound, "schedule %q not found", id)
	}
	if err != nil {
		return nil, agenterr.Wrap(agenterr.SchedulerError, "get schedule", err)
	}
	return sched, nil
}

// List returns all schedules ordered by creation time.
func (s *ScheduleStore) List() ([]*Schedule, error) {
	return s.query(`
		SELECT id, name, cron, prompt, enabled, created_at, updated_at, last_run, next_run
		FROM schedules ORDER BY created_at`)
}

// ListEnabled returns only enabled schedules.
func (s *ScheduleStore) ListEnabled() ([]*Schedule, error) {
	return s.query(`
		SELECT id, name, cron, prompt, enabled, created_at, updated_at, last_run, next_run
		FROM schedules WHERE enabled = 1 ORDER BY created_at`)
}

func (s *ScheduleStore) query(q string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.SchedulerError, "list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, agenterr.Wrap(agenterr.SchedulerError, "scan schedule", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Update applies a partial update and bumps updated_at. Fails with
// JOB_NOT_FOUND when the ID does not exist.
func (s *ScheduleStore) Update(id string, upd ScheduleUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}

	if upd.Name != nil {
		set = append(set, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Cron != nil {
		set = append(set, "cron = ?")
		args = append(args, *upd.Cron)
	}
	if upd.Prompt != nil {
		set = append(set, "prompt = ?")
		args = append(args, *upd.Prompt)
	}
	if upd.Enabled != nil {
		set = append(set, "enabled = ?")
		args = append(args, boolToInt(*upd.Enabled))
	}
	args = append(args, id)

	res, err := s.db.Exec(s.rebind(
		"UPDATE schedules SET "+strings.Join(set, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return agenterr.Wrap(agenterr.SchedulerError, "update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agenterr.Newf(agenterr.JobNotFound, "schedule %q not found", id)
	}
	return nil
}

// SetNextRun records the next computed fire time.
func (s *ScheduleStore) SetNextRun(id string, next time.Time) error {
	_, err := s.db.Exec(s.rebind("UPDATE schedules SET next_run = ? WHERE id = ?"),
		formatTime(next.UTC()), id)
	if err != nil {
		return agenterr.Wrap(agenterr.SchedulerError, "set next run", err)
	}
	return nil
}

// Delete removes a schedule; its logs go with it via ON DELETE CASCADE.
func (s *ScheduleStore) Delete(id string) error {
	res, err := s.db.Exec(s.rebind("DELETE FROM schedules WHERE id = ?"), id)
	if err != nil {
		return agenterr.Wrap(agenterr.SchedulerError, "delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agenterr.Newf(agenterr.JobNotFound, "schedule %q not found", id)
	}
	return nil
}

// ---------- Execution logs ----------

// LogStart records the beginning of an execution and stamps the schedule's
// last_run in the same breath. Returns the log row ID for LogFinish.
func (s *ScheduleStore) LogStart(scheduleID string, startedAt time.Time) (int64, error) {
	started := formatTime(startedAt.UTC())

	var logID int64
	if s.driver == "pgx" {
		err := s.db.QueryRow(s.rebind(`
			INSERT INTO schedule_logs (schedule_id, started_at, status)
			VALUES (?, ?, 'running') RETURNING id`),
			scheduleID, started).Scan(&logID)
		if err != nil {
			return 0, agenterr.Wrap(agenterr.SchedulerError, "log start", err)
		}
	} else {
		res, err := s.db.Exec(s.rebind(`
			INSERT INTO schedule_logs (schedule_id, started_at, status)
			VALUES (?, ?, 'running')`),
			scheduleID, started)
		if err != nil {
			return 0, agenterr.Wrap(agenterr.SchedulerError, "log start", err)
		}
		logID, _ = res.LastInsertId()
	}

	if _, err := s.db.Exec(s.rebind("UPDATE schedules SET last_run = ? WHERE id = ?"),
		started, scheduleID); err != nil {
		s.logger.Warn("failed to stamp last_run", "schedule_id", scheduleID, "error", err)
	}
	return logID, nil
}

// LogFinish closes an execution log with its final status.
func (s *ScheduleStore) LogFinish(logID int64, status, output, errMsg string) error {
	if status != StatusSuccess && status != StatusFailed {
		return agenterr.Newf(agenterr.Validation, "invalid log status %q", status)
	}
	_, err := s.db.Exec(s.rebind(`
		UPDATE schedule_logs SET finished_at = ?, status = ?, output = ?, error = ?
		WHERE id = ?`),
		formatTime(time.Now().UTC()), status, output, errMsg, logID)
	if err != nil {
		return agenterr.Wrap(agenterr.SchedulerError, "log finish", err)
	}
	return nil
}

// LogSkipped records a zero-duration failed row for a fire that was skipped
// (lock held by a running execution). Does not stamp last_run: the schedule
// did not actually run.
func (s *ScheduleStore) LogSkipped(scheduleID, reason string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO schedule_logs (schedule_id, started_at, finished_at, status, error)
		VALUES (?, ?, ?, 'failed', ?)`),
		scheduleID, now, now, reason)
	if err != nil {
		return agenterr.Wrap(agenterr.SchedulerError, "log skipped", err)
	}
	return nil
}

// Logs returns execution history, most recent first.
func (s *ScheduleStore) Logs(limit, offset int) ([]*ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryLogs(`
		SELECT id, schedule_id, started_at, finished_at, status, output, error
		FROM schedule_logs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
}

// LogsForSchedule returns one schedule's history, most recent first.
func (s *ScheduleStore) LogsForSchedule(scheduleID string, limit int) ([]*ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryLogs(`
		SELECT id, schedule_id, started_at, finished_at, status, output, error
		FROM schedule_logs WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`,
		scheduleID, limit)
}

// LastExecution returns the most recent log for a schedule, nil when the
// schedule never ran.
func (s *ScheduleStore) LastExecution(scheduleID string) (*ExecutionLog, error) {
	logs, err := s.LogsForSchedule(scheduleID, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return logs[0], nil
}

// LastExecutionGlobal returns the most recent log across all schedules.
func (s *ScheduleStore) LastExecutionGlobal() (*ExecutionLog, error) {
	logs, err := s.Logs(1, 0)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return logs[0], nil
}

// GetLog returns one log row by ID, nil when absent.
func (s *ScheduleStore) GetLog(logID int64) (*ExecutionLog, error) {
	logs, err := s.queryLogs(`
		SELECT id, schedule_id, started_at, finished_at, status, output, error
		FROM schedule_logs WHERE id = ?`, logID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return logs[0], nil
}

// MarkOrphanedRunning finalizes logs left in 'running' by a previous process.
// Returns how many rows were closed.
func (s *ScheduleStore) MarkOrphanedRunning() (int, error) {
	res, err := s.db.Exec(s.rebind(`
		UPDATE schedule_logs SET finished_at = ?, status = 'failed', error = 'orphaned by process restart'
		WHERE status = 'running'`),
		formatTime(time.Now().UTC()))
	if err != nil {
		return 0, agenterr.Wrap(agenterr.SchedulerError, "mark orphaned logs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *ScheduleStore) queryLogs(q string, args ...any) ([]*ExecutionLog, error) {
	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.SchedulerError, "query logs", err)
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		var (
			l                 ExecutionLog
			started, finished sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ScheduleID, &started, &finished, &l.Status, &l.Output, &l.Error); err != nil {
			return nil, agenterr.Wrap(agenterr.SchedulerError, "scan log", err)
		}
		if started.Valid {
			l.StartedAt = parseTime(started.String)
		}
		if finished.Valid {
			t := parseTime(finished.String)
			l.FinishedAt = &t
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ---------- Row helpers ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched            Schedule
		enabled          int
		created, updated string
		lastRun, nextRun sql.NullString
	)
	err := row.Scan(&sched.ID, &sched.Name, &sched.Cron, &sched.Prompt, &enabled,
		&created, &updated, &lastRun, &nextRun)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	sched.CreatedAt = parseTime(created)
	sched.UpdatedAt = parseTime(updated)
	if lastRun.Valid && lastRun.String != "" {
		t := parseTime(lastRun.String)
		sched.LastRun = &t
	}
	if nextRun.Valid && nextRun.String != "" {
		t := parseTime(nextRun.String)
		sched.NextRun = &t
	}
	return &sched, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
