package session

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/lobby/internal/lobby/backend"
)

// Registry is the authoritative table of live sessions, keyed by name.
// All methods are safe for concurrent use. The mutex is never held while
// invoking caller code: lookups return stable pointers and Snapshot copies
// before releasing, so completion callbacks may re-enter the registry freely.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// AddNamed registers a new session in Creating state.
//
// Precondition: name must be non-empty.
// Postcondition: Returns the created Session, or an error if the name is taken.
func (r *Registry) AddNamed(name string, settings Settings) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[name]; exists {
		return nil, fmt.Errorf("session %q already exists", name)
	}
	sess := &Session{
		Name:     name,
		State:    StateCreating,
		Settings: settings,
	}
	r.sessions[name] = sess
	return sess, nil
}

// Find returns the session with the given name.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Find(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	return sess, ok
}

// FindByAddress returns the session bound to the given backend room.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) FindByAddress(addr backend.RoomAddress) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr.IsZero() {
		return nil, false
	}
	for _, sess := range r.sessions {
		if sess.Address == addr {
			return sess, true
		}
	}
	return nil, false
}

// FindBySessionID returns the session with the given backend session ID.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) FindBySessionID(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		return nil, false
	}
	for _, sess := range r.sessions {
		if sess.SessionID == id {
			return sess, true
		}
	}
	return nil, false
}

// Remove deletes the named session. Idempotent.
//
// Postcondition: Returns true if a session was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return false
	}
	delete(r.sessions, name)
	return true
}

// Snapshot returns the current sessions. The slice is a copy taken under the
// lock; iterating it never holds the registry mutex.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
