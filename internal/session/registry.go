package session

import (
	"strconv"
	"sync"
)

// Registry is the table of live sessions. Each session also gets a compact
// vended id for logs and admin tools.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	nextVendedID int64
	vended       map[string]string // session ID -> vended ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		nextVendedID: 1,
		vended:       make(map[string]string),
	}
}

// Add registers s and returns its vended id.
func (r *Registry) Add(s *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.vended[s.ID]; ok {
		return id
	}
	id := strconv.FormatInt(r.nextVendedID, 10)
	r.nextVendedID++
	r.sessions[s.ID] = s
	r.vended[s.ID] = id
	return id
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// VendedID returns the vended id of a session, empty if unknown.
func (r *Registry) VendedID(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vended[id]
}

// Remove unregisters a session and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	delete(r.vended, id)
	return true
}

// All returns every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
