package sshterminal

import (
	"fmt"
	"sync"
	"time"
)

// Session is one tracked terminal, keyed by the client-chosen id.
type Session struct {
	ID        string
	UserID    uint
	HostID    uint
	CreatedAt time.Time
	Terminal  *TerminalSession
}

// Registry tracks live terminal sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add stores a session. An existing session with the same id is closed
// and replaced.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()
	if old != nil {
		old.Terminal.Close()
	}
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove closes and drops the session.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s == nil {
		return fmt.Errorf("unknown terminal session %q", id)
	}
	return s.Terminal.Close()
}

// ListForUser returns the sessions owned by a user.
func (r *Registry) ListForUser(userID uint) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*Session{}
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Terminal.Close()
	}
}
