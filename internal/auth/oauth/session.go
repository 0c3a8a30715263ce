package oauth

import (
	"sync"
	"time"
)

// Session states reported by the status endpoint.
const (
	StatusWait  = "wait"
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultSessionTTL bounds how long a login may stay pending.
const DefaultSessionTTL = 10 * time.Minute

// Session is one pending or finished login.
type Session struct {
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	AuthID      string    `json:"auth_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	RedirectURL string    `json:"-"`
	verifier    string
	claimed     bool
}

// SessionStore keeps sessions keyed by OAuth state.
type SessionStore struct {
	mu    sync.Mutex
	items map[string]*Session
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionStore creates a store; ttl <= 0 uses DefaultSessionTTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{items: make(map[string]*Session), ttl: ttl, now: time.Now}
}

func (s *SessionStore) put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	sess.CreatedAt = s.now()
	s.items[sess.State] = sess
}

// Get returns a copy of the session for state.
func (s *SessionStore) Get(state string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	sess, ok := s.items[state]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// claim returns a waiting session for completion. A state can be claimed once.
func (s *SessionStore) claim(state string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	sess, ok := s.items[state]
	if !ok || sess.Status != StatusWait || sess.claimed {
		return Session{}, false
	}
	sess.claimed = true
	return *sess, true
}

func (s *SessionStore) finish(state, authID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[state]
	if !ok {
		return
	}
	if err != nil {
		sess.Status = StatusError
		sess.Error = err.Error()
		return
	}
	sess.Status = StatusOK
	sess.AuthID = authID
}

func (s *SessionStore) gcLocked() {
	cutoff := s.now().Add(-s.ttl)
	for state, sess := range s.items {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.items, state)
		}
	}
}
