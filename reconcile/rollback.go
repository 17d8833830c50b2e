/*
rollback.go - Rollback controller

PURPOSE:
  Rollback returns the session to an earlier stage and discards operator
  decisions from that stage onward. It is split in two:

    PlanRollback  - pure; computes the blast radius as a RollbackPlan with a
                    human-readable summary and a confirmation token.
    applyRollback - the mutation; only runs with the token of a plan computed
                    against the current revision.

  A token is "<target>@<revision>". Any mutation after planning bumps the
  revision, so a stale confirmation is rejected instead of discarding
  decisions the operator never saw.

WHAT IS DISCARDED (rollback to S):
  - completedStages entries for S and every later stage
  - S's operator resolutions (its detection data is kept)
  - all data of stages after S (reloaded on the next advance)
  - integrity issues recorded against S or later

  Stages before S are never touched.

SEE ALSO:
  - machine.go: Engine.Rollback wires the I/O around applyRollback
*/
package reconcile

import (
	"fmt"
	"slices"
)

// StageDiscard describes what one stage loses.
type StageDiscard struct {
	Stage           Stage `json:"stage"`
	LosesCompletion bool  `json:"loses_completion"`
	ClearsData      bool  `json:"clears_data"`
	Resolutions     int   `json:"resolutions"`
}

// RollbackPlan is the description handed to the operator for confirmation.
type RollbackPlan struct {
	From              Stage          `json:"from"`
	To                Stage          `json:"to"`
	Revision          int            `json:"revision"`
	Discards          []StageDiscard `json:"discards"`
	Summary           []string       `json:"summary"`
	ConfirmationToken string         `json:"confirmation_token"`
}

// frontier is the furthest stage the session can work on: the first stage
// not yet completed.
func (s *Session) frontier() Stage {
	for _, st := range stageOrder {
		if !s.isCompleted(st) {
			return st
		}
	}
	return StageFinalReview
}

// resolutionCount is the number of operator decisions a stage holds.
func (s *Session) resolutionCount(stage Stage) int {
	switch stage {
	case StageUnmatched:
		if d := s.data.Unmatched; d != nil {
			_, resolved := d.Counts()
			return resolved
		}
	case StageDuplicates:
		if d := s.data.Duplicates; d != nil {
			return len(sortedKeys(d.SkipDuplicates)) + len(sortedKeys(d.ForceImport))
		}
	case StageOverAllotment:
		if d := s.data.OverAllotment; d != nil {
			return len(d.AllotmentAdjustments) + len(d.RequestOrdering) + len(sortedKeys(d.Skipped))
		}
	case StageDbReconciliation:
		if d := s.data.DbReconciliation; d != nil {
			_, resolved := d.Counts()
			return resolved
		}
	}
	return 0
}

// PlanRollback computes what rolling back to target would discard. It has
// no side effects.
func PlanRollback(s *Session, target Stage) (RollbackPlan, error) {
	if s.Committed() {
		return RollbackPlan{}, ErrSessionCommitted
	}
	if !target.Valid() {
		return RollbackPlan{}, validationErr(ErrInvalidTransition, "unknown_stage", "unknown stage %q", target)
	}
	frontier := s.frontier()
	if !target.Before(frontier) || s.current.Before(target) {
		return RollbackPlan{}, validationErr(ErrInvalidTransition, "not_earlier",
			"rollback target %s must be at or before %s and before the working stage %s", target, s.current, frontier)
	}

	plan := RollbackPlan{
		From:              s.current,
		To:                target,
		Revision:          s.revision,
		ConfirmationToken: fmt.Sprintf("%s@%d", target, s.revision),
	}

	for _, st := range stageOrder[target.Index():] {
		d := StageDiscard{
			Stage:           st,
			LosesCompletion: s.isCompleted(st),
			ClearsData:      st != target && s.data.loaded(st),
			Resolutions:     s.resolutionCount(st),
		}
		if !d.LosesCompletion && !d.ClearsData && d.Resolutions == 0 {
			continue
		}
		plan.Discards = append(plan.Discards, d)

		switch {
		case st == target && d.Resolutions > 0:
			plan.Summary = append(plan.Summary, fmt.Sprintf("%s: %d decision(s) will be reset to unresolved", st, d.Resolutions))
		case st == target:
			plan.Summary = append(plan.Summary, fmt.Sprintf("%s: stage will be reopened", st))
		case d.Resolutions > 0:
			plan.Summary = append(plan.Summary, fmt.Sprintf("%s: %d decision(s) and all stage data will be discarded", st, d.Resolutions))
		default:
			plan.Summary = append(plan.Summary, fmt.Sprintf("%s: stage data will be discarded", st))
		}
	}
	if target == StageDuplicates || target == StageUnmatched {
		plan.Summary = append(plan.Summary, "store snapshots will be re-read before duplicate detection runs again")
	}
	if n := len(s.issuesFrom(target)); n > 0 {
		plan.Summary = append(plan.Summary, fmt.Sprintf("%d integrity issue(s) will be cleared for re-resolution", n))
	}
	return plan, nil
}

func (s *Session) issuesFrom(target Stage) []IntegrityIssue {
	var out []IntegrityIssue
	for _, is := range s.issues {
		if !is.Stage.Before(target) {
			out = append(out, is)
		}
	}
	return out
}

// applyRollback performs the discard described by a plan. The caller must
// have verified the confirmation token.
func (s *Session) applyRollback(target Stage) {
	s.completed = slices.DeleteFunc(s.completed, func(st Stage) bool {
		return !st.Before(target)
	})
	s.current = target

	switch target {
	case StageUnmatched:
		s.data.Unmatched.clearResolutions()
	case StageDuplicates:
		s.data.Duplicates.clearResolutions()
	case StageOverAllotment:
		s.data.OverAllotment.clearResolutions()
		s.recomputeAssignments()
	case StageDbReconciliation:
		s.data.DbReconciliation.clearResolutions()
	}

	for _, st := range stageOrder[target.Index()+1:] {
		switch st {
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

	s.issues = slices.DeleteFunc(s.issues, func(is IntegrityIssue) bool {
		return !is.Stage.Before(target)
	})
	s.touch()
}
