package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one backend conversation bound to a channel key. Token counts
// accumulate across turns until the session is reset or pruned.
type Session struct {
	mu sync.RWMutex

	id           string
	key          ChannelKey
	createdAt    time.Time
	lastActiveAt time.Time

	inputTokens  int
	outputTokens int
}

// ID returns the backend session identifier.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Key returns the channel key this session belongs to.
func (s *Session) Key() ChannelKey { return s.key }

// LastActiveAt reports the last time the session was touched.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// TotalTokens returns accumulated input+output tokens.
func (s *Session) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputTokens + s.outputTokens
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActiveAt = now
	s.mu.Unlock()
}

func (s *Session) addTokens(in, out int, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputTokens += in
	s.outputTokens += out
	s.lastActiveAt = now
	return s.inputTokens + s.outputTokens
}

// Ref is what callers get back from the pool: the backend session ID and
// whether this lookup created it.
type Ref struct {
	SessionID string
	IsNew     bool
}

// TokenStatus reports accumulated usage after an update. NearThreshold
// flips once the running total crosses the compaction threshold, which is
// the agent loop's cue to snapshot decisions before the backend compacts.
type TokenStatus struct {
	TotalTokens   int
	NearThreshold bool
}

// Pool owns all live sessions keyed by channel key. Idle sessions expire
// after the configured TTL; expiry means the next GetSession mints a fresh
// backend session ID and conversation history starts over.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTTL        time.Duration
	tokenThreshold int

	logger *slog.Logger
	now    func() time.Time

	pruneStop chan struct{}
	pruneOnce sync.Once
}

// PoolOptions configures a Pool. Zero values fall back to sane defaults.
type PoolOptions struct {
	// IdleTTL is how long a session may sit untouched before pruning.
	IdleTTL time.Duration

	// TokenThreshold is the accumulated-token level at which
	// TokenStatus.NearThreshold turns on. Zero disables the signal.
	TokenThreshold int

	Logger *slog.Logger
}

// NewPool builds a session pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 4 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sessions:       make(map[string]*Session),
		idleTTL:        opts.IdleTTL,
		tokenThreshold: opts.TokenThreshold,
		logger:         logger.With("component", "session"),
		now:            time.Now,
		pruneStop:      make(chan struct{}),
	}
}

// GetSession returns the live session for a key, creating one when none
// exists or the existing one has idled out.
func (p *Pool) GetSession(key ChannelKey) Ref {
	ks := key.String()
	now := p.now()

	p.mu.RLock()
	sess, ok := p.sessions[ks]
	p.mu.RUnlock()
	if ok && !p.expired(sess, now) {
		sess.touch(now)
		return Ref{SessionID: sess.ID(), IsNew: false}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the write lock: another goroutine may have created or
	// replaced the session while we upgraded.
	sess, ok = p.sessions[ks]
	if ok && !p.expired(sess, now) {
		sess.touch(now)
		return Ref{SessionID: sess.ID(), IsNew: false}
	}

	sess = &Session{
		id:           uuid.NewString(),
		key:          key,
		createdAt:    now,
		lastActiveAt: now,
	}
	p.sessions[ks] = sess
	p.logger.Debug("session created", "key", ks, "session_id", sess.id)
	return Ref{SessionID: sess.id, IsNew: true}
}

// SetSessionID overrides the backend session ID for a key. Backends that
// mint their own conversation IDs (Codex threads) report them back here so
// the next turn resumes the right thread.
func (p *Pool) SetSessionID(key ChannelKey, id string) {
	if id == "" {
		return
	}
	ks := key.String()
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[ks]
	if !ok {
		sess = &Session{key: key, createdAt: now}
		p.sessions[ks] = sess
	}
	sess.mu.Lock()
	sess.id = id
	sess.lastActiveAt = now
	sess.mu.Unlock()
}

// UpdateTokens adds a turn's usage to the session and reports the running
// total. Unknown keys get a session implicitly so late usage reports are
// never dropped.
func (p *Pool) UpdateTokens(key ChannelKey, inputTokens, outputTokens int) TokenStatus {
	ks := key.String()
	now := p.now()

	p.mu.RLock()
	sess, ok := p.sessions[ks]
	p.mu.RUnlock()
	if !ok {
		p.GetSession(key)
		p.mu.RLock()
		sess = p.sessions[ks]
		p.mu.RUnlock()
	}

	total := sess.addTokens(inputTokens, outputTokens, now)
	return TokenStatus{
		TotalTokens:   total,
		NearThreshold: p.tokenThreshold > 0 && total >= p.tokenThreshold,
	}
}

// ResetSession discards a key's session. The next GetSession starts a fresh
// conversation with zeroed token counters.
func (p *Pool) ResetSession(key ChannelKey) {
	ks := key.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[ks]; ok {
		delete(p.sessions, ks)
		p.logger.Debug("session reset", "key", ks)
	}
}

// Len reports live session count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Prune drops sessions idle past the TTL and returns how many went.
func (p *Pool) Prune() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	pruned := 0
	for ks, sess := range p.sessions {
		if p.expired(sess, now) {
			delete(p.sessions, ks)
			pruned++
		}
	}
	if pruned > 0 {
		p.logger.Debug("sessions pruned", "count", pruned, "remaining", len(p.sessions))
	}
	return pruned
}

// StartPruner runs Prune on a ticker until StopPruner. The interval is half
// the TTL so an idle session overstays by at most 50%.
func (p *Pool) StartPruner() {
	interval := p.idleTTL / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Prune()
			case <-p.pruneStop:
				return
			}
		}
	}()
}

// StopPruner stops the background pruner. Safe to call more than once.
func (p *Pool) StopPruner() {
	p.pruneOnce.Do(func() { close(p.pruneStop) })
}

func (p *Pool) expired(s *Session, now time.Time) bool {
	return now.Sub(s.LastActiveAt()) > p.idleTTL
}
