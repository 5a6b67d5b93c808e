package memory

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Store persists decisions and checkpoints. SQLite by default; a
// postgres:// DSN selects the pgx driver. Suggest uses FTS5 when the
// SQLite build provides it and falls back to LIKE matching otherwise
// (Postgres always takes the LIKE path).
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger

	// ftsAvailable is set when the decisions_fts virtual table could be
	// created. When false, Suggest uses LIKE queries.
	ftsAvailable bool
}

// OpenStore opens (and migrates) the memory store at path. A path starting
// with postgres:// or postgresql:// is treated as a Postgres DSN; anything
// else is a SQLite file path whose parent directory is created on demand.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "memory")

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
				return nil, fmt.Errorf("create memory directory %q: %w", dir, mkErr)
			}
		}
		db, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	}
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory store: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema. Idempotent via IF NOT EXISTS.
func (s *Store) migrate() error {
	rowID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "pgx" {
		rowID = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS decisions (
    id             %s,
    topic          TEXT NOT NULL,
    decision       TEXT NOT NULL,
    reasoning      TEXT NOT NULL DEFAULT '',
    confidence     REAL NOT NULL DEFAULT 0,
    type           TEXT NOT NULL DEFAULT 'user_decision',
    outcome        TEXT NOT NULL DEFAULT 'PENDING',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(type);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
    id                  %s,
    summary             TEXT NOT NULL,
    open_files          TEXT NOT NULL DEFAULT '[]',
    next_steps          TEXT NOT NULL DEFAULT '[]',
    recent_conversation TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at DESC);
`, rowID, rowID)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply memory schema: %w", err)
	}

	if s.driver != "sqlite3" {
		return nil
	}

	// FTS5 full-text suggest. Some SQLite builds don't include FTS5;
	// when unavailable, Suggest falls back to LIKE queries.
	ftsSchema := `
CREATE VIRTUAL TABLE IF NOT EXISTS decisions_fts USING fts5(
    topic, decision, reasoning,
    content='decisions',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS decisions_ai AFTER INSERT ON decisions BEGIN
    INSERT INTO decisions_fts(rowid, topic, decision, reasoning)
    VALUES (new.id, new.topic, new.decision, new.reasoning);
END;

CREATE TRIGGER IF NOT EXISTS decisions_ad AFTER DELETE ON decisions BEGIN
    INSERT INTO decisions_fts(decisions_fts, rowid, topic, decision, reasoning)
    VALUES ('delete', old.id, old.topic, old.decision, old.reasoning);
END;

CREATE TRIGGER IF NOT EXISTS decisions_au AFTER UPDATE ON decisions BEGIN
    INSERT INTO decisions_fts(decisions_fts, rowid, topic, decision, reasoning)
    VALUES ('delete', old.id, old.topic, old.decision, old.reasoning);
    INSERT INTO decisions_fts(rowid, topic, decision, reasoning)
    VALUES (new.id, new.topic, new.decision, new.reasoning);
END;
`
	if _, err := s.db.Exec(ftsSchema); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 not available, falling back to LIKE search", "error", err.Error())
	} else {
		s.ftsAvailable = true
	}

	return nil
}

// rebind converts ? placeholders to $n for the pgx driver.
func (s *Store) rebind(query string) string {
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

// ---------- Decisions ----------

// Save persists a decision and returns its ID.
func (s *Store) Save(ctx context.Context, d Decision) (int64, error) {
	if strings.TrimSpace(d.Topic) == "" {
		return 0, agenterr.New(agenterr.Validation, "decision topic is required")
	}
	if strings.TrimSpace(d.Decision) == "" {
		return 0, agenterr.New(agenterr.Validation, "decision text is required")
	}
	if d.Type == "" {
		d.Type = TypeUserDecision
	}
	if d.Outcome == "" {
		d.Outcome = OutcomePending
	}
	if !ValidOutcome(d.Outcome) {
		return 0, agenterr.Newf(agenterr.Validation, "invalid outcome %q", d.Outcome)
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}

	now := formatTime(time.Now())
	const insert = `
		INSERT INTO decisions (topic, decision, reasoning, confidence, type, outcome, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{d.Topic, d.Decision, d.Reasoning, d.Confidence, d.Type, d.Outcome, d.FailureReason, now, now}

	return s.insertReturningID(ctx, insert, args)
}

// ListDecisions returns the most recent decisions, newest first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDecisions(ctx, `
		SELECT id, topic, decision, reasoning, confidence, type, outcome, failure_reason, created_at, updated_at
		FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// Suggest searches decisions by relevance to the query. Tries an FTS5
// phrase match first, widens to an OR of individual words, then falls
// back to LIKE matching. An empty query returns an empty response.
func (s *Store) Suggest(ctx context.Context, query string, limit int) (*SuggestResponse, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		results []Decision
		err     error
	)

	switch {
	case !s.ftsAvailable:
		results, err = s.suggestLike(ctx, query, limit)
	default:
		results, err = s.suggestFTS(ctx, query, limit)
		if err == nil && len(results) == 0 {
			results, err = s.suggestLike(ctx, query, limit)
		}
	}
	if err != nil {
		return nil, err
	}

	return &SuggestResponse{Success: true, Results: results, Count: len(results)}, nil
}

// suggestFTS runs the FTS5 search: phrase first, then word OR.
func (s *Store) suggestFTS(ctx context.Context, query string, limit int) ([]Decision, error) {
	phrase := sanitizeMatch(query)
	if phrase == "" {
		return nil, nil
	}

	results, err := s.ftsQuery(ctx, phrase, limit)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results, nil
	}

	words := strings.Fields(query)
	if len(words) < 2 {
		return nil, nil
	}
	var parts []string
	for _, w := range words {
		if p := sanitizeMatch(w); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return nil, nil
	}
	return s.ftsQuery(ctx, strings.Join(parts, " OR "), limit)
}

func (s *Store) ftsQuery(ctx context.Context, match string, limit int) ([]Decision, error) {
	return s.queryDecisions(ctx, `
		SELECT d.id, d.topic, d.decision, d.reasoning, d.confidence, d.type, d.outcome, d.failure_reason, d.created_at, d.updated_at
		FROM decisions_fts
		JOIN decisions d ON d.id = decisions_fts.rowid
		WHERE decisions_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
}

// suggestLike matches any query word against topic, decision, and
// reasoning with LIKE. Works on every driver.
func (s *Store) suggestLike(ctx context.Context, query string, limit int) ([]Decision, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}

	var conditions []string
	var args []any
	for _, w := range words {
		conditions = append(conditions,
			"(LOWER(topic) LIKE ? OR LOWER(decision) LIKE ? OR LOWER(reasoning) LIKE ?)")
		pat := "%" + w + "%"
		args = append(args, pat, pat, pat)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, topic, decision, reasoning, confidence, type, outcome, failure_reason, created_at, updated_at
		FROM decisions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, strings.Join(conditions, " OR "))

	return s.queryDecisions(ctx, q, args...)
}

// UpdateOutcome records how a decision turned out. Repeating the same
// (id, outcome) pair leaves the row unchanged.
func (s *Store) UpdateOutcome(ctx context.Context, id int64, outcome, failureReason string) error {
	if !ValidOutcome(outcome) {
		return agenterr.Newf(agenterr.Validation, "invalid outcome %q", outcome)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE decisions SET outcome = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`),
		outcome, failureReason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryDecisions(ctx context.Context, q string, args ...any) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d                Decision
			created, updated string
		)
		if err := rows.Scan(&d.ID, &d.Topic, &d.Decision, &d.Reasoning, &d.Confidence,
			&d.Type, &d.Outcome, &d.FailureReason, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.CreatedAt = parseTime(created)
		d.UpdatedAt = parseTime(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---------- Checkpoints ----------

// SaveCheckpoint persists a working-state snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) (int64, error) {
	if strings.TrimSpace(cp.Summary) == "" {
		return 0, agenterr.New(agenterr.Validation, "checkpoint summary is required")
	}

	openFiles := marshalList(cp.OpenFiles)
	nextSteps := marshalList(cp.NextSteps)

	const insert = `
		INSERT INTO checkpoints (summary, open_files, next_steps, recent_conversation, created_at)
		VALUES (?, ?, ?, ?, ?)`
	args := []any{cp.Summary, openFiles, nextSteps, cp.RecentConversation, formatTime(time.Now())}

	return s.insertReturningID(ctx, insert, args)
}

// LoadCheckpoint returns the most recent checkpoint, nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, summary, open_files, next_steps, recent_conversation, created_at
		FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT 1`)

	var (
		cp                   Checkpoint
		openFiles, nextSteps string
		created              string
	)
	err := row.Scan(&cp.ID, &cp.Summary, &openFiles, &nextSteps, &cp.RecentConversation, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp.OpenFiles = unmarshalList(openFiles)
	cp.NextSteps = unmarshalList(nextSteps)
	cp.CreatedAt = parseTime(created)
	return &cp, nil
}

// ---------- Row helpers ----------

// insertReturningID bridges the driver split: pgx supports RETURNING,
// sqlite exposes LastInsertId.
func (s *Store) insertReturningID(ctx context.Context, insert string, args []any) (int64, error) {
	var id int64
	if s.driver == "pgx" {
		err := s.db.QueryRowContext(ctx, s.rebind(insert+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	id, _ = res.LastInsertId()
	return id, nil
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(data string) []string {
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sanitizeMatch strips FTS5 operators from user input and wraps the rest
// in double quotes so it is matched as a phrase literal.
func sanitizeMatch(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '(', ')', '*', '^', ':', '{', '}':
			return ' '
		default:
			return r
		}
	}, query)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}
	return `"` + cleaned + `"`
}
