package server

import (
	"sync"
	"time"

	"github.com/marmos91/cubby/internal/logger"
)

// SessionRegistry is the process-wide set of live sessions. It exists
// for exactly one purpose: pushing the shutdown notice to every
// connected client. It references sessions, it does not own them; each
// session removes itself when it terminates.
//
// Registry mutations are infrequent relative to per-session I/O, so a
// single mutex around the map is all the synchronization needed.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Register adds a session to the registry.
func (r *SessionRegistry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Unregister removes a session from the registry. Idempotent.
func (r *SessionRegistry) Unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// snapshot returns the current sessions without holding the lock during
// notification.
func (r *SessionRegistry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// BroadcastShutdown notifies every live session that the server is
// going down, waits the grace window so in-flight writes can land, then
// force-closes every connection and clears the registry. Called exactly
// once, from server shutdown.
func (r *SessionRegistry) BroadcastShutdown(grace time.Duration) {
	sessions := r.snapshot()
	if len(sessions) == 0 {
		return
	}

	logger.Info("Broadcasting shutdown to sessions", "sessions", len(sessions), "grace", grace)

	for _, s := range sessions {
		// Best effort; a session mid-transfer will miss the notice and
		// observe the aborted transfer when its connection closes.
		s.NotifyShutdown()
	}

	time.Sleep(grace)

	for _, s := range sessions {
		s.ForceClose()
	}

	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	logger.Debug("Shutdown broadcast complete", "sessions", len(sessions))
}
