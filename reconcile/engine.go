/*
engine.go - Engine facade

PURPOSE:
  The entry point for callers (HTTP handlers, CLI). Every operation takes a
  session ID, runs against the live session through the Registry (single
  writer per session) and returns an immutable ProgressState or view.

  The Engine owns the only I/O of the workflow:
    - member listing at creation and integrity refresh
    - stage population reads (machine.go)
    - the commit transaction (commit.go)
  Everything else is delegated to pure session methods.

USAGE:
  eng := reconcile.NewEngine(store, sessions, reconcile.NewDateLocks(), reconcile.Options{}, logger)
  view, err := eng.CreateSession(ctx, "cal-1", "ops@example", items)
  progress, err := eng.ResolveMember(ctx, view.ID, 3, "m-42")
  progress, err = eng.Advance(ctx, view.ID)
  result, err := eng.Commit(ctx, view.ID, "ops@example")
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options tune engine behaviour.
type Options struct {
	// RequireExplicitReview stops over-allotted dates from resolving by default.
	RequireExplicitReview bool

	// ResolutionTimes feed the remaining-time estimate.
	ResolutionTimes ResolutionTimes

	// Concurrency bounds parallel store reads while loading a stage.
	Concurrency int
}

func (o Options) concurrency() int {
	if o.Concurrency <= 0 {
		return 8
	}
	return o.Concurrency
}

// Engine drives staged import sessions.
type Engine struct {
	store    TxStore
	sessions *Registry
	locks    *DateLocks
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires an engine. locks may be shared with other writers of the
// same store (the waitlist validator); logger may be nil.
func NewEngine(store TxStore, sessions SessionStore, locks *DateLocks, opts Options, logger *slog.Logger) *Engine {
	if locks == nil {
		locks = NewDateLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResolutionTimes == nil {
		opts.ResolutionTimes = DefaultResolutionTimes()
	}
	return &Engine{
		store:    store,
		sessions: NewRegistry(sessions),
		locks:    locks,
		opts:     opts,
		logger:   logger.With("component", "reconcile"),
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.sessions.SetClock(now)
}

// Locks exposes the date lock table for other writers.
func (e *Engine) Locks() *DateLocks { return e.locks }

// mutate runs fn as the session's writer and returns the resulting progress.
// On error the progress is still returned when the session exists, so the
// caller can render the current state next to the failure.
func (e *Engine) mutate(ctx context.Context, id SessionID, fn func(*Session) error) (ProgressState, error) {
	var progress ProgressState
	err := e.sessions.Do(ctx, id, func(s *Session) error {
		err := fn(s)
		progress = s.Progress()
		return err
	})
	return progress, err
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// SessionView is the read model of a session.
type SessionView struct {
	ID              SessionID        `json:"id"`
	CalendarID      CalendarID       `json:"calendar_id"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	LastModified    time.Time        `json:"last_modified"`
	Committed       bool             `json:"committed"`
	Items           []ImportItem     `json:"items"`
	Progress        ProgressState    `json:"progress"`
	IntegrityIssues []IntegrityIssue `json:"integrity_issues"`
}

func viewOf(s *Session) *SessionView {
	return &SessionView{
		ID:              s.id,
		CalendarID:      s.calendarID,
		CreatedBy:       s.createdBy,
		CreatedAt:       s.createdAt,
		LastModified:    s.lastModified,
		Committed:       s.Committed(),
		Items:           s.Items(),
		Progress:        s.Progress(),
		IntegrityIssues: s.IntegrityIssues(),
	}
}

// CreateSession freezes the items into a new session and populates the
// unmatched stage from the member list.
func (e *Engine) CreateSession(ctx context.Context, calendarID CalendarID, actor string, inputs []ItemInput) (*SessionView, error) {
	now := e.now()
	s, err := newSession(SessionID(uuid.Must(uuid.NewV7()).String()), calendarID, actor, inputs, now)
	if err != nil {
		return nil, err
	}
	s.SetClock(e.now)

	members, err := e.store.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	s.populateUnmatched(members)

	if err := e.sessions.Add(ctx, s); err != nil {
		return nil, err
	}
	required, _ := s.data.Unmatched.Counts()
	e.logger.Info("session created",
		"session", s.id, "calendar", calendarID, "items", len(s.items), "unmatched", required, "actor", actor)
	return viewOf(s), nil
}

// Get returns the read model of a session.
func (e *Engine) Get(ctx context.Context, id SessionID) (*SessionView, error) {
	var view *SessionView
	err := e.sessions.View(ctx, id, func(s *Session) error {
		view = viewOf(s)
		return nil
	})
	return view, err
}

// Discard cancels a session without touching the operational store.
func (e *Engine) Discard(ctx context.Context, id SessionID) error {
	if err := e.sessions.Discard(ctx, id); err != nil {
		return err
	}
	e.logger.Info("session discarded", "session", id)
	return nil
}

// Metrics computes progress metrics for display.
func (e *Engine) Metrics(ctx context.Context, id SessionID) (ProgressMetrics, error) {
	var m ProgressMetrics
	err := e.sessions.View(ctx, id, func(s *Session) error {
		m = CalculateProgressMetrics(s, e.opts.ResolutionTimes)
		return nil
	})
	return m, err
}

// PreviewCommit returns the batch Commit would apply right now.
func (e *Engine) PreviewCommit(ctx context.Context, id SessionID) (*CommitPlan, error) {
	var plan *CommitPlan
	err := e.sessions.View(ctx, id, func(s *Session) error {
		var err error
		plan, err = PlanCommit(s, e.now())
		return err
	})
	return plan, err
}

// =============================================================================
// STAGE MUTATIONS
// =============================================================================

// ResolveMember binds an unmatched item after checking the member exists.
func (e *Engine) ResolveMember(ctx context.Context, id SessionID, index int, member MemberID) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error {
		if err := s.editable(StageUnmatched); err != nil {
			return err
		}
		m, err := e.store.GetMember(ctx, member)
		if err != nil {
			return err
		}
		if m.Deleted {
			return fmt.Errorf("member %s: %w", member, ErrMemberNotFound)
		}
		return s.ResolveMember(index, member)
	})
}

func (e *Engine) SkipUnmatched(ctx context.Context, id SessionID, index int) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.SkipUnmatched(index) })
}

func (e *Engine) DecideDuplicate(ctx context.Context, id SessionID, index int, decision DuplicateDecision) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.DecideDuplicate(index, decision) })
}

func (e *Engine) AdjustAllotment(ctx context.Context, id SessionID, date Date, allotment int) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.AdjustAllotment(date, allotment) })
}

func (e *Engine) ClearAllotmentAdjustment(ctx context.Context, id SessionID, date Date) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.ClearAllotmentAdjustment(date) })
}

func (e *Engine) ReorderRequests(ctx context.Context, id SessionID, date Date, order []int) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.ReorderRequests(date, order) })
}

func (e *Engine) SkipRequest(ctx context.Context, id SessionID, index int) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.SkipRequest(index) })
}

func (e *Engine) RestoreRequest(ctx context.Context, id SessionID, index int) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.RestoreRequest(index) })
}

func (e *Engine) ResolveConflict(ctx context.Context, id SessionID, index int, action ResolutionAction) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error { return s.ResolveConflict(index, action) })
}
