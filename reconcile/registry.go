package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// SESSION REGISTRY - live sessions, one writer each
// =============================================================================

// Registry holds live sessions in memory, serializes access to each one and
// keeps staging storage in step: a call that changes a session's revision is
// persisted before it returns. Sessions missing from memory are reloaded
// from staging storage.
type Registry struct {
	store SessionStore
	clock func() time.Time

	mu   sync.Mutex
	live map[SessionID]*liveSession
}

// liveSession is guarded by sem, a one-slot semaphore, so a waiting caller
// can give up when its context ends.
type liveSession struct {
	sem chan struct{}
	s   *Session
}

func newLiveSession(s *Session) *liveSession {
	return &liveSession{sem: make(chan struct{}, 1), s: s}
}

func (l *liveSession) release() { <-l.sem }

func NewRegistry(store SessionStore) *Registry {
	return &Registry{
		store: store,
		clock: time.Now,
		live:  make(map[SessionID]*liveSession),
	}
}

// Add registers a new session and persists it.
func (r *Registry) Add(ctx context.Context, s *Session) error {
	s.SetClock(r.clock)
	if err := r.store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("save session %s: %w", s.id, err)
	}
	r.mu.Lock()
	r.live[s.id] = newLiveSession(s)
	r.mu.Unlock()
	return nil
}

// acquire returns the locked entry of a session, loading it on a miss. It
// stops waiting when ctx ends.
func (r *Registry) acquire(ctx context.Context, id SessionID) (*liveSession, error) {
	r.mu.Lock()
	entry, ok := r.live[id]
	if !ok {
		entry = newLiveSession(nil)
		r.live[id] = entry
	}
	r.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for session %s: %w", id, ctx.Err())
	}
	if entry.s == nil {
		s, err := r.store.LoadSession(ctx, id)
		if err != nil {
			entry.release()
			r.forget(id, entry)
			return nil, err
		}
		s.SetClock(r.clock)
		entry.s = s
	}
	return entry, nil
}

func (r *Registry) forget(id SessionID, entry *liveSession) {
	r.mu.Lock()
	if r.live[id] == entry {
		delete(r.live, id)
	}
	r.mu.Unlock()
}

// Do runs fn as the session's single writer. If fn changed the session it is
// saved; if saving fails the in-memory copy is dropped so the next call
// reloads the last persisted state.
func (r *Registry) Do(ctx context.Context, id SessionID, fn func(*Session) error) error {
	entry, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer entry.release()

	rev := entry.s.revision
	fnErr := fn(entry.s)
	if entry.s.revision == rev {
		return fnErr
	}
	if err := r.store.SaveSession(ctx, entry.s); err != nil {
		entry.s = nil
		r.forget(id, entry)
		return errors.Join(fnErr, fmt.Errorf("save session %s: %w", id, err))
	}
	return fnErr
}

// View runs fn without persisting anything. fn must not mutate the session.
func (r *Registry) View(ctx context.Context, id SessionID, fn func(*Session) error) error {
	entry, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer entry.release()
	return fn(entry.s)
}

// Discard cancels a session. It is idempotent; a committed session is kept
// as the audit record of its import.
func (r *Registry) Discard(ctx context.Context, id SessionID) error {
	entry, err := r.acquire(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer entry.release()

	if entry.s.Committed() {
		return ErrSessionCommitted
	}
	if err := r.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	entry.s = nil
	r.forget(id, entry)
	return nil
}

// Len is the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// SetClock sets the time source given to every session (tests).
func (r *Registry) SetClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}
