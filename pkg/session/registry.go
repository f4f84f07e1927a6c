package session

import (
	"context"
	"errors"
	"sync"
)

type registryKey struct {
	room  string
	actor string
}

type registryEntry struct {
	session *Session
	refs    int
}

// Registry shares one Session per room and actor. Acquire and Release count
// references; the session is destroyed when the last one is released.
type Registry struct {
	mu       sync.Mutex
	sessions map[registryKey]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[registryKey]*registryEntry)}
}

// Acquire returns the session for room and actor, calling open to create
// it if none is registered.
func (r *Registry) Acquire(ctx context.Context, room, actor string, open func() (*Session, error)) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{room: room, actor: actor}
	if e, ok := r.sessions[key]; ok {
		e.refs++
		return e.session, nil
	}
	s, err := open()
	if err != nil {
		return nil, err
	}
	r.sessions[key] = &registryEntry{session: s, refs: 1}
	return s, nil
}

// Release drops one reference. It reports whether the session was
// destroyed.
func (r *Registry) Release(room, actor string) (bool, error) {
	r.mu.Lock()
	key := registryKey{room: room, actor: actor}
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.sessions, key)
	r.mu.Unlock()
	return true, e.session.Destroy()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every session regardless of references.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[registryKey]*registryEntry)
	r.mu.Unlock()

	var errs []error
	for _, e := range sessions {
		errs = append(errs, e.session.Destroy())
	}
	return errors.Join(errs...)
}
