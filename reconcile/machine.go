/*
machine.go - Stage state machine

PURPOSE:
  Sequences the five stages:

    unmatched -> duplicates -> over_allotment -> db_reconciliation -> final_review

TRANSITIONS:
  Advance   current -> next only. Requires the current stage complete and
            no open integrity issue. The next stage's data is loaded when
            it is not already loaded (the only I/O on this path).
  Navigate  to a completed stage at or before the current one. Changes
            CurrentStage only; the revisited stage is read-only.
  Rollback  to an earlier stage with the confirmation token of a
            RollbackPlan (see rollback.go).

  Each returns the updated immutable ProgressState.

INVARIANT:
  CompletedStages is always a prefix of the stage order: a stage is only
  appended when it is the first stage not yet completed.
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SESSION PRIMITIVES
// =============================================================================

func (s *Session) markAdvanced(next Stage) {
	if !s.isCompleted(s.current) {
		s.completed = append(s.completed, s.current)
	}
	s.current = next
	s.touch()
}

func (s *Session) navigate(target Stage) error {
	if s.Committed() {
		return ErrSessionCommitted
	}
	if !target.Valid() {
		return validationErr(ErrInvalidTransition, "unknown_stage", "unknown stage %q", target)
	}
	if target == s.current {
		return nil
	}
	if s.current.Before(target) || !s.isCompleted(target) {
		return validationErr(ErrInvalidTransition, "not_completed",
			"can only navigate to a completed stage at or before %s; use advance to move forward", s.current)
	}
	s.current = target
	s.touch()
	return nil
}

func (s *Session) markCommitted(at time.Time, actor string, summary ReviewSummary) {
	fr := s.data.FinalReview
	fr.Summary = summary
	fr.Committed = true
	fr.CommittedAt = &at
	fr.CommittedBy = actor
	fr.Attempts++
	fr.LastError = ""
	if !s.isCompleted(StageFinalReview) {
		s.completed = append(s.completed, StageFinalReview)
	}
	s.touch()
}

func (s *Session) recordCommitFailure(cause string) {
	s.data.FinalReview.Attempts++
	s.data.FinalReview.LastError = cause
	s.touch()
}

// =============================================================================
// ENGINE TRANSITIONS
// =============================================================================

// CheckTransition validates a move without applying it.
func (e *Engine) CheckTransition(ctx context.Context, id SessionID, target Stage) (TransitionCheck, error) {
	var check TransitionCheck
	err := e.sessions.View(ctx, id, func(s *Session) error {
		check = s.CheckTransition(target)
		return nil
	})
	return check, err
}

// Advance moves the session to the next stage.
func (e *Engine) Advance(ctx context.Context, id SessionID) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error {
		if s.Committed() {
			return ErrSessionCommitted
		}
		next, ok := s.current.Next()
		if !ok {
			return validationErr(ErrInvalidTransition, "no_next_stage", "%s is the last stage; commit instead", s.current)
		}
		if err := e.refreshIntegrity(ctx, s); err != nil {
			return err
		}

		check := s.CheckTransition(next)
		if !check.Allowed {
			return &ValidationError{
				Code:    "stage_incomplete",
				Message: fmt.Sprintf("cannot advance from %s to %s", s.current, next),
				Reasons: check.Blocking,
				Err:     ErrStageIncomplete,
			}
		}

		if !s.data.loaded(next) {
			if err := e.load(ctx, s, next); err != nil {
				return err
			}
			if len(s.issues) > 0 {
				// Loading found drift; the stage stays unentered.
				e.unload(s, next)
				s.touch()
				return &ValidationError{
					Code:    "integrity_issues",
					Message: fmt.Sprintf("store changed while the session was open; cannot enter %s", next),
					Reasons: s.issueReasons(),
					Err:     ErrStageIncomplete,
				}
			}
		}

		from := s.current
		s.markAdvanced(next)
		e.logger.Info("stage advanced",
			"session", s.id, "calendar", s.calendarID, "from", from, "to", next, "revision", s.revision)
		return nil
	})
}

// Navigate revisits a completed stage without discarding anything.
func (e *Engine) Navigate(ctx context.Context, id SessionID, target Stage) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error {
		return s.navigate(target)
	})
}

// PlanRollback describes what a rollback to target would discard.
func (e *Engine) PlanRollback(ctx context.Context, id SessionID, target Stage) (RollbackPlan, error) {
	var plan RollbackPlan
	err := e.sessions.View(ctx, id, func(s *Session) error {
		var err error
		plan, err = PlanRollback(s, target)
		return err
	})
	return plan, err
}

// Rollback applies a rollback confirmed with the plan's token. Rolling back
// to duplicates re-reads the store snapshots and re-runs detection.
func (e *Engine) Rollback(ctx context.Context, id SessionID, target Stage, confirmation string) (ProgressState, error) {
	return e.mutate(ctx, id, func(s *Session) error {
		plan, err := PlanRollback(s, target)
		if err != nil {
			return err
		}
		if confirmation != plan.ConfirmationToken {
			return &ValidationError{
				Code:    "confirmation_required",
				Message: fmt.Sprintf("confirm the rollback to %s with token %q", target, plan.ConfirmationToken),
				Reasons: summaryReasons(target, plan.Summary),
				Err:     ErrConfirmationRequired,
			}
		}

		var snapshots map[Date]*DateSnapshot
		if target == StageDuplicates {
			snapshots, err = e.loadSnapshots(ctx, s.calendarID, s.snapshotDates())
			if err != nil {
				return err
			}
		}

		s.applyRollback(target)
		if snapshots != nil {
			s.populateDuplicates(snapshots)
		}
		e.logger.Info("session rolled back",
			"session", s.id, "from", plan.From, "to", target, "discarded", len(plan.Discards))
		return nil
	})
}

func summaryReasons(stage Stage, lines []string) []Reason {
	out := make([]Reason, 0, len(lines))
	for _, l := range lines {
		out = append(out, Reason{Stage: stage, Code: "will_discard", Message: l})
	}
	return out
}

// =============================================================================
// STAGE LOADING (I/O)
// =============================================================================

func (e *Engine) load(ctx context.Context, s *Session, stage Stage) error {
	switch stage {
	case StageDuplicates:
		snapshots, err := e.loadSnapshots(ctx, s.calendarID, s.snapshotDates())
		if err != nil {
			return err
		}
		s.populateDuplicates(snapshots)

	case StageOverAllotment:
		s.populateOverAllotment(e.opts.RequireExplicitReview)

	case StageDbReconciliation:
		found, err := e.loadMatches(ctx, s)
		if err != nil {
			return err
		}
		s.populateDbReconciliation(found)

	case StageFinalReview:
		plan, err := PlanCommit(s, e.now())
		if err != nil {
			return err
		}
		s.populateFinalReview(plan)
	}
	return nil
}

func (e *Engine) unload(s *Session, stage Stage) {
	switch stage {
	case StageDuplicates:
		s.data.Duplicates = nil
	case StageOverAllotment:
		s.data.OverAllotment = nil
	case StageDbReconciliation:
		s.data.DbReconciliation = nil
	case StageFinalReview:
		s.data.FinalReview = nil
	}
}

// loadSnapshots reads every date concurrently. The result is all-or-nothing.
func (e *Engine) loadSnapshots(ctx context.Context, calendarID CalendarID, dates []Date) (map[Date]*DateSnapshot, error) {
	var mu sync.Mutex
	out := make(map[Date]*DateSnapshot, len(dates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.concurrency())
	for _, d := range dates {
		g.Go(func() error {
			reqs, err := e.store.ListRequestsByDate(gctx, calendarID, d)
			if err != nil {
				return fmt.Errorf("load requests for %s: %w", d, err)
			}
			allot, err := e.store.GetAllotment(gctx, calendarID, d)
			if err != nil {
				return fmt.Errorf("load allotment for %s: %w", d, err)
			}
			mu.Lock()
			out[d] = newDateSnapshot(d, allot, reqs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logger.Debug("snapshots loaded", "calendar", calendarID, "dates", len(dates))
	return out, nil
}

// loadMatches fetches the persisted counterpart of every item headed for the
// commit. Absent rows map to nil.
func (e *Engine) loadMatches(ctx context.Context, s *Session) (map[int]*LeaveRequest, error) {
	var mu sync.Mutex
	out := make(map[int]*LeaveRequest)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.concurrency())
	for _, idx := range s.dbCheckItems() {
		key, _ := s.activeKey(idx)
		g.Go(func() error {
			r, err := e.store.GetRequestByKey(gctx, s.calendarID, key)
			if err != nil {
				return fmt.Errorf("load request for item %d: %w", idx, err)
			}
			mu.Lock()
			out[idx] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// refreshIntegrity demotes items whose bound member was deleted since they
// were matched. Demotions are recorded as integrity issues.
func (e *Engine) refreshIntegrity(ctx context.Context, s *Session) error {
	if len(s.boundMemberIDs()) == 0 {
		return nil
	}
	members, err := e.store.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("refresh members: %w", err)
	}
	live := make(map[MemberID]bool, len(members))
	for _, m := range members {
		if !m.Deleted {
			live[m.ID] = true
		}
	}

	demoted := s.demoteMissingMembers(func(id MemberID) bool { return live[id] })
	if len(demoted) > 0 {
		s.touch()
		e.logger.Warn("matched members no longer exist",
			"session", s.id, "items", demoted)
	}
	return nil
}
