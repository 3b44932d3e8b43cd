package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when looking up an unknown or already removed
	// session id.
	ErrNotFound = errors.New("session not found")
	// ErrMaxSessions is returned when creating a session would exceed the
	// global active sessions cap.
	ErrMaxSessions = errors.New("maximum number of active sessions reached")
)

// Registry is the process-wide authoritative map of session id → session.
// It's an injectable component, not a package-level variable, so tests can
// construct a fresh instance each. All mutations are atomic with respect to
// concurrent readers.
type Registry struct {
	mu        sync.RWMutex
	maxActive int
	sessions  map[string]*Session
}

func NewRegistry(maxActive int) *Registry {
	return &Registry{
		maxActive: maxActive,
		sessions:  make(map[string]*Session),
	}
}

// Register adds a new session, enforcing the active sessions cap. Terminal
// sessions awaiting reaping don't count against the cap.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already registered", s.ID)
	}

	active := 0
	for _, cur := range r.sessions {
		if !cur.Status.Terminal() {
			active++
		}
	}
	if active >= r.maxActive {
		return ErrMaxSessions
	}

	r.sessions[s.ID] = s
	return nil
}

// get returns the live session pointer, for orchestrator-internal use only.
func (r *Registry) get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Summary returns an immutable snapshot of the session.
func (r *Registry) Summary(id string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return s.summary(), nil
}

// Update applies fn to the session under the registry lock.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

// SetStatus transitions the session status, validating the edge, and bumps
// the activity timestamp. Illegal transitions are rejected.
func (r *Registry) SetStatus(id string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(s.Status, to) {
		return fmt.Errorf("invalid transition: %s -> %s", s.Status, to)
	}

	s.Status = to
	s.LastActivityAt = time.Now()
	return nil
}

// Touch bumps the session's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = time.Now()
	}
}

// Remove deletes the session from the registry. The id is never reused, so a
// late status query gets ErrNotFound rather than another session's state.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

// List returns snapshots of all registered sessions, newest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out
}

// Sweep finds sessions idle beyond the threshold and hands each to stop,
// which is expected to run the full teardown path (never a bare map
// deletion, since teardown also reclaims subprocesses and artifacts). It
// returns the ids that were swept.
func (r *Registry) Sweep(idleThreshold time.Duration, stop func(id string)) []string {
	cutoff := time.Now().Add(-idleThreshold)

	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.LastActivityAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	// Teardown happens outside the lock: it stops subprocesses and can take
	// up to the grace period per session.
	for _, id := range expired {
		stop(id)
	}

	return expired
}
