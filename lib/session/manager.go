package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/psnpool/lib/pool"
)

// ErrNoSession is returned by Connect when no staged session is left.
var ErrNoSession = errors.New("session: no staged session")

// errRetired fails validation of a session replaced by a newer one.
var errRetired = errors.New("session: replaced by a newer session")

// Refresher renews a session's access token in place.
type Refresher interface {
	Refresh(ctx context.Context, s *Session) error
}

// TokenSink is told about every session whose tokens changed.
type TokenSink interface {
	SaveSession(ctx context.Context, s *Session) error
}

// Manager stages authenticated sessions and serves them to a pool.
type Manager struct {
	mu         sync.Mutex
	staged     []*Session
	live       map[string]*Session
	refresher  Refresher
	sink       TokenSink
	staleAfter time.Duration
	now        func() time.Time
}

var (
	_ pool.Manager[*Session]   = (*Manager)(nil)
	_ pool.Discarder[*Session] = (*Manager)(nil)
)

// Option configures a Manager.
type Option func(*Manager)

// WithTokenSink persists refreshed tokens through sink.
func WithTokenSink(sink TokenSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithStaleAfter overrides StaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// NewManager creates a Manager that refreshes stale sessions through r.
func NewManager(r Refresher, opts ...Option) *Manager {
	m := &Manager{
		live:       make(map[string]*Session),
		refresher:  r,
		staleAfter: StaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add stages sessions. A staged session for the same account is replaced,
// and a pooled one is retired so the pool drops it at its next checkout or
// release. A session that is already pooled is left alone.
func (m *Manager) Add(sessions ...*Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range sessions {
		if s == nil {
			continue
		}
		s.applyDefaults()
		key := s.Key()

		if m.live[key] == s {
			log.WithField("account", key).Debug("session already pooled")
			continue
		}

		for i, staged := range m.staged {
			if staged.Key() == key {
				m.staged = append(m.staged[:i], m.staged[i+1:]...)
				break
			}
		}
		if old, ok := m.live[key]; ok && old != s {
			old.retired.Store(true)
			log.WithField("account", key).Debug("retiring pooled session replaced by a newer one")
		}

		m.staged = append(m.staged, s)
	}
}

// Staged returns the number of sessions waiting to be connected.
func (m *Manager) Staged() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

// Connect hands the most recently staged session to the pool. A staged
// session that already went stale is refreshed first, so no caller ever
// sees an expired token; sessions whose refresh fails are dropped and the
// next one is tried.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	var lastErr error
	for {
		s := m.pop()
		if s == nil {
			if lastErr != nil {
				return nil, errors.Join(ErrNoSession, lastErr)
			}
			return nil, ErrNoSession
		}

		if err := m.refreshIfStale(ctx, s); err != nil {
			if ctx.Err() != nil {
				m.restage(s)
				return nil, ctx.Err()
			}
			m.forget(s)
			log.WithField("account", s.Key()).WithError(err).Warn("dropping staged session that failed to refresh")
			lastErr = err
			continue
		}

		log.WithField("account", s.Key()).WithField("staged", m.Staged()).Debug("session connected")
		return s, nil
	}
}

// pop takes the most recently staged session and marks it live, so Add
// cannot stage it again while it is being connected or leased. Entries that
// are already live are skipped.
func (m *Manager) pop() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	for n := len(m.staged); n > 0; n = len(m.staged) {
		s := m.staged[n-1]
		m.staged[n-1] = nil
		m.staged = m.staged[:n-1]

		if m.live[s.Key()] == s {
			continue
		}
		m.live[s.Key()] = s
		return s
	}
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[s.Key()] == s {
		delete(m.live, s.Key())
	}
}

// restage puts back a session whose connect was interrupted, unless a
// newer one for the same account arrived meanwhile.
func (m *Manager) restage(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.Key()
	if m.live[key] == s {
		delete(m.live, key)
	}
	for _, staged := range m.staged {
		if staged.Key() == key {
			return
		}
	}
	m.staged = append(m.staged, s)
}

// Validate refreshes the access token when it is stale. A failed refresh,
// or a session that was replaced, fails validation.
func (m *Manager) Validate(ctx context.Context, s *Session) error {
	if s.Retired() {
		return errRetired
	}
	return m.refreshIfStale(ctx, s)
}

func (m *Manager) refreshIfStale(ctx context.Context, s *Session) error {
	if !s.ShouldRefresh(m.now(), m.staleAfter) {
		return nil
	}

	if err := m.refresher.Refresh(ctx, s); err != nil {
		log.WithField("account", s.Key()).WithError(err).Warn("refreshing stale session failed")
		return err
	}

	if m.sink != nil {
		if err := m.sink.SaveSession(ctx, s); err != nil {
			log.WithField("account", s.Key()).WithError(err).Warn("failed to persist refreshed tokens")
		}
	}
	return nil
}

// IsClosed reports whether s was retired by a newer session for its account.
func (m *Manager) IsClosed(s *Session) bool {
	return s.Retired()
}

// Discard forgets a session the pool dropped.
func (m *Manager) Discard(s *Session) {
	m.forget(s)
	log.WithField("account", s.Key()).Debug("session discarded")
}

// DefaultPoolConfig returns the pool configuration sessions run with:
// every checkout is validated so stale tokens are refreshed before use.
func DefaultPoolConfig(maxSize int) pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Name = "sessions"
	cfg.MaxSize = maxSize
	cfg.AlwaysCheck = true
	return cfg
}
