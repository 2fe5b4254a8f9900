package zteradb

import (
	"sync"
	"time"

	"github.com/zteradb/zteradb-go/wire"
)

// sessionState tracks where a session sits in its lifecycle. The
// transitions are linear: unauthenticated → idle, idle ⇄ inUse,
// {idle, inUse} → closed.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateIdle
	stateInUse
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateIdle:
		return "idle"
	case stateInUse:
		return "in-use"
	default:
		return "closed"
	}
}

// session is one pooled transport plus its server token and pooling
// metadata.
type session struct {
	mu        sync.Mutex
	tr        *wire.Transport
	state     sessionState
	token     *Token
	createdAt time.Time
	lastUsed  time.Time
}

func newSession(tr *wire.Transport, now time.Time) *session {
	return &session{
		tr:        tr,
		state:     stateUnauthenticated,
		createdAt: now,
		lastUsed:  now,
	}
}

func (s *session) setToken(t *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
}

func (s *session) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *session) markIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateIdle
	s.lastUsed = now
}

func (s *session) markInUse(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateInUse
	s.lastUsed = now
}

func (s *session) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// close releases the underlying socket. Idempotent; the transport only
// closes its connection once.
func (s *session) close() error {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	return s.tr.Close()
}
