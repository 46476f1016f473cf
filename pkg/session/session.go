// Package session maps opaque session tokens to authenticated upstream
// connections.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/chatbridge/pkg/upstream"
)

var (
	// ErrNotFound is returned by Get for unknown tokens.
	ErrNotFound = errors.New("session not found")

	// ErrUnauthorized is returned by Authorize for any token that does not
	// resolve to a live session, including empty and removed ones.
	ErrUnauthorized = errors.New("unauthorized")
)

// Conn is the upstream connection owned by a session. *upstream.Conn
// implements it.
type Conn interface {
	Send(cmd any) error
	Request(ctx context.Context, cmd any, opts upstream.RequestOptions) (json.RawMessage, error)
	Listen(h upstream.Handler) error
	Done() <-chan struct{}
	Close() error
}

var _ Conn = (*upstream.Conn)(nil)

// Session binds a token to one upstream connection and a username.
type Session struct {
	ID        string
	Username  string
	Conn      Conn
	CreatedAt time.Time

	listening   atomic.Bool
	ended       atomic.Bool
	closeReason atomic.Pointer[string]
}

// MarkListening flips the session to listening and reports whether this
// call did it. Only the first caller attaches the upstream listener.
func (s *Session) MarkListening() bool {
	return s.listening.CompareAndSwap(false, true)
}

// Listening reports whether a listener has been attached.
func (s *Session) Listening() bool {
	return s.listening.Load()
}

// End marks the session terminated and reports whether this call did it.
func (s *Session) End() bool {
	return s.ended.CompareAndSwap(false, true)
}

// Ended reports whether End has been called.
func (s *Session) Ended() bool {
	return s.ended.Load()
}

// SetCloseReason records why the session is about to end, for teardown
// paths that only observe the connection closing.
func (s *Session) SetCloseReason(reason string) {
	s.closeReason.Store(&reason)
}

// CloseReason returns the recorded reason, or fallback when none was set.
func (s *Session) CloseReason(fallback string) string {
	if r := s.closeReason.Load(); r != nil {
		return *r
	}
	return fallback
}

// ShortID returns a prefix of the token suitable for logs.
func (s *Session) ShortID() string {
	return ShortID(s.ID)
}

// ShortID truncates a token for logging.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Registry is a concurrency safe set of sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create stores a new session for conn and returns it. Tokens are random
// version 4 UUIDs.
func (r *Registry) Create(conn Conn, username string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = uuid.NewString()
	}

	s := &Session{
		ID:        id,
		Username:  username,
		Conn:      conn,
		CreatedAt: r.now(),
	}
	r.sessions[id] = s
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Authorize resolves a bearer token. Every failure is ErrUnauthorized so
// callers cannot tell whether a token ever existed.
func (r *Registry) Authorize(token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	s, err := r.Get(token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return s, nil
}

// Remove deletes the session for id and returns it, or nil when absent.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// Usernames returns the distinct usernames of live sessions, sorted.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		if s.Username != "" {
			seen[s.Username] = struct{}{}
		}
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// CloseAll removes every session and closes its connection.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
