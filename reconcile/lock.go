package reconcile

import (
	"context"
	"slices"
	"sync"
)

// =============================================================================
// DATE LOCKS - per-(calendar, date) advisory locks
// =============================================================================

// DateLocks serializes read-then-write work on a calendar day: commits and
// waitlist renumbering. Staging never takes these locks.
//
// Locks are acquired in sorted date order so two callers locking
// overlapping date sets cannot deadlock. Entries are reference counted and
// removed when the last holder or waiter leaves.
type DateLocks struct {
	mu    sync.Mutex
	locks map[dateLockKey]*dateLock
}

type dateLockKey struct {
	calendar CalendarID
	date     Date
}

type dateLock struct {
	sem  chan struct{}
	refs int
}

func NewDateLocks() *DateLocks {
	return &DateLocks{locks: make(map[dateLockKey]*dateLock)}
}

// Lock acquires every (calendarID, date) pair and returns the function that
// releases them. If ctx ends first, locks already taken are released and the
// context error is returned.
func (l *DateLocks) Lock(ctx context.Context, calendarID CalendarID, dates ...Date) (func(), error) {
	ordered := slices.Clone(dates)
	SortDates(ordered)
	ordered = slices.Compact(ordered)

	held := make([]dateLockKey, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, d := range ordered {
		key := dateLockKey{calendar: calendarID, date: d}
		lk := l.acquireRef(key)
		select {
		case lk.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.dropRef(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *DateLocks) acquireRef(key dateLockKey) *dateLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[dateLockKey]*dateLock)
	}
	lk, ok := l.locks[key]
	if !ok {
		lk = &dateLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	return lk
}

func (l *DateLocks) dropRef(key dateLockKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.locks[key]
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *DateLocks) release(key dateLockKey) {
	l.mu.Lock()
	lk := l.locks[key]
	l.mu.Unlock()
	<-lk.sem
	l.dropRef(key)
}

// held reports how many lock entries are live (tests).
func (l *DateLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
