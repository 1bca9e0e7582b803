package session

import (
	"errors"
	"sync"
	"time"
)

// Store errors.
var (
	// ErrSessionConflict is returned when a new connection presents a session
	// id while a different session is still live or within grace.
	ErrSessionConflict = errors.New("session: another session is active")

	// ErrSessionAttached is returned when a connection presents the id of a
	// session that still has a live connection.
	ErrSessionAttached = errors.New("session: already attached to a live connection")

	// ErrNotFound is returned by Get for unknown session ids.
	ErrNotFound = errors.New("session: not found")
)

// Store owns all sessions and enforces the single-active-session policy:
// at most one session exists at a time; a reconnect with the same id inside
// the grace window resumes it, any other id is refused until the old session
// expires. Safe for concurrent use.
type Store struct {
	limits Limits
	grace  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	now func() time.Time // test hook
}

// NewStore creates a Store applying limits to every session it creates.
func NewStore(limits Limits, grace time.Duration) *Store {
	return &Store{
		limits:   limits,
		grace:    grace,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Acquire attaches a connection to the session identified by id, creating it
// if the store is empty. resumed is true when an existing detached session
// was picked up within its grace window.
//
// Refusals map to WebSocket close codes at the channel layer:
// ErrSessionAttached / ErrSessionConflict → 1013.
func (st *Store) Acquire(id string) (s *Session, resumed bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()

	// Drop expired sessions eagerly so a stale record never blocks a new one.
	for sid, existing := range st.sessions {
		if existing.expired(now, st.grace) {
			delete(st.sessions, sid)
		}
	}

	if existing, ok := st.sessions[id]; ok {
		if existing.Attached() {
			return nil, false, ErrSessionAttached
		}
		existing.reattach(now)
		return existing, true, nil
	}

	if len(st.sessions) > 0 {
		return nil, false, ErrSessionConflict
	}

	s = newSession(id, st.limits, now)
	st.sessions[id] = s
	return s, false, nil
}

// Detach marks the session disconnected, starting its grace window. The
// session record survives until the window elapses or Destroy is called.
func (st *Store) Detach(id string) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		s.detach(st.now())
	}
}

// Get returns the session with the given id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Destroy removes the session record. The caller owns cleanup of any disk
// artifacts.
func (st *Store) Destroy(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// SweepExpired removes sessions whose grace window has elapsed and returns
// their ids so the caller can delete their artifacts.
func (st *Store) SweepExpired() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	var expired []string
	for id, s := range st.sessions {
		if s.expired(now, st.grace) {
			expired = append(expired, id)
			delete(st.sessions, id)
		}
	}
	return expired
}

// ActiveCount returns the number of attached sessions.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		if s.Attached() {
			n++
		}
	}
	return n
}
