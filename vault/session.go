package vault

import (
	"sync"
	"time"
)

// Session tracks the validity window of a successful authentication. It is
// the gate background jobs consult before touching encrypted rows: while the
// session is invalid they pause instead of triggering surprise prompts.
type Session struct {
	mu         sync.Mutex
	ttl        time.Duration
	validUntil time.Time
	now        func() time.Time
}

// DefaultSessionTTL matches the platform PIN cache window.
const DefaultSessionTTL = 5 * time.Minute

// NewSession creates a session with the given validity window. A ttl of zero
// uses DefaultSessionTTL.
func NewSession(ttl time.Duration) *Session {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Session{ttl: ttl, now: time.Now}
}

// Valid reports whether an authentication is currently in effect.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.validUntil)
}

// Touch extends the validity window, typically after a successful Unwrap or
// while the app window holds foreground focus.
func (s *Session) Touch() {
	s.mu.Lock()
	s.validUntil = s.now().Add(s.ttl)
	s.mu.Unlock()
}

// Invalidate ends the session immediately (lock action, focus loss).
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.validUntil = time.Time{}
	s.mu.Unlock()
}
