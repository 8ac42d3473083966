// Package session implements per-connection sessions: identity, the send
// path back to the connection, and the views a connection created.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zot/tablebridge/internal/protocol"
)

// ErrClosed is returned by Send once the session is closed.
var ErrClosed = errors.New("session closed")

// PostFunc delivers one outbound frame for a request.
type PostFunc func(protocol.Response)

// SendFunc writes one outbound frame to the connection.
type SendFunc func(protocol.Response) error

// Processor is the manager as seen by a session.
type Processor interface {
	Process(frame []byte, post PostFunc, clientID string) error
	ClearViews(clientID string) error
}

// Session represents one client connection.
type Session struct {
	ID string

	proc Processor
	send SendFunc

	mu           sync.RWMutex
	closed       bool
	views        map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time

	closeOnce sync.Once
	closeErr  error
}

// New creates a session with a fresh id.
func New(proc Processor, send SendFunc) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		proc:         proc,
		send:         send,
		views:        make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

// Send writes r to the connection. After Close it returns ErrClosed without
// touching the connection. The send callback must not block.
func (s *Session) Send(r protocol.Response) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.send(r)
}

// Post is Send as a PostFunc. Errors mean the connection is gone and are
// dropped.
func (s *Session) Post(r protocol.Response) {
	_ = s.Send(r)
}

// Process hands one inbound frame to the manager. A returned error means
// nothing was queued; it may be reported ahead of earlier queued responses.
func (s *Session) Process(frame []byte, post PostFunc) error {
	s.Touch()
	return s.proc.Process(frame, post, s.ID)
}

// Close stops sending and deletes the session's views. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.proc.ClearViews(s.ID)
	})
	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// AddView records a view created by this session. Called by the manager.
func (s *Session) AddView(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[name] = struct{}{}
}

// RemoveView forgets a view. Called by the manager.
func (s *Session) RemoveView(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, name)
}

// OwnedViews returns the names of the views this session created, sorted.
func (s *Session) OwnedViews() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.views))
	for name := range s.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Touch updates the lastActivity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}
