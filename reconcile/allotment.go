/*
allotment.go - Position / waitlist assignment for one date

PURPOSE:
  Given the display order of a date's import requests and an effective
  capacity L, assign each active request a 1-based position. Positions 1..L
  are approved, the rest are waitlisted with waitlistPosition = position - L.

  Skipped requests keep their slot in the display order but get no position
  and are excluded from capacity accounting.

  EXAMPLE (L = 3):
    order:    #0  #1  #2(skipped)  #3  #4
    position:  1   2   -            3   4
    status:   ap  ap  skipped      ap  wl(1)

DETERMINISM:
  AssignPositions is pure: same order + same limit always yields the same
  positions and statuses. The stage display, database reconciliation and the
  commit planner all go through planDate below, so what the operator sees is
  exactly what gets persisted.

STICKY CHANGE FLAG:
  HasStatusChange is true when the computed status differs from the
  originally-stated status, and stays true once set, so the operator can see
  that an intermediate state touched the item.

SEE ALSO:
  - overallotment.go: owns ordering/adjustment decisions and calls this
  - commit.go: turns a datePlan into store writes
*/
package reconcile

import (
	"sort"
)

// AssignmentStatus is the computed outcome for one import request.
type AssignmentStatus string

const (
	AssignApproved   AssignmentStatus = "approved"
	AssignWaitlisted AssignmentStatus = "waitlisted"
	AssignSkipped    AssignmentStatus = "skipped"
)

// RequestStatus maps a computed status onto the persisted vocabulary.
func (a AssignmentStatus) RequestStatus() RequestStatus {
	switch a {
	case AssignApproved:
		return StatusApproved
	case AssignWaitlisted:
		return StatusWaitlisted
	}
	return ""
}

// PositionCandidate is one entry of a date's display order.
type PositionCandidate struct {
	Index          int
	OriginalStatus RequestStatus
	Skipped        bool
}

// Assignment is the computed position of one import request.
type Assignment struct {
	Index            int              `json:"index"`
	Date             Date             `json:"date"`
	Position         int              `json:"position,omitempty"`
	Status           AssignmentStatus `json:"status"`
	WaitlistPosition int              `json:"waitlist_position,omitempty"`
	HasStatusChange  bool             `json:"has_status_change"`
}

// AssignPositions computes assignments in display order. previous carries the
// last computed assignments (by index) for the sticky HasStatusChange flag;
// it may be nil.
func AssignPositions(date Date, candidates []PositionCandidate, limit int, previous map[int]Assignment) []Assignment {
	if limit < 0 {
		limit = 0
	}
	out := make([]Assignment, 0, len(candidates))
	position := 0
	for _, c := range candidates {
		prevChanged := previous[c.Index].HasStatusChange

		if c.Skipped {
			out = append(out, Assignment{
				Index:           c.Index,
				Date:            date,
				Status:          AssignSkipped,
				HasStatusChange: prevChanged,
			})
			continue
		}

		position++
		a := Assignment{Index: c.Index, Date: date, Position: position}
		if position <= limit {
			a.Status = AssignApproved
		} else {
			a.Status = AssignWaitlisted
			a.WaitlistPosition = position - limit
		}
		a.HasStatusChange = prevChanged || a.Status.RequestStatus() != c.OriginalStatus
		out = append(out, a)
	}
	return out
}

// =============================================================================
// DATE PLAN - capacity accounting shared by display, reconciliation, commit
// =============================================================================

// dateContext is the per-date input captured when over-allotment is entered.
type dateContext struct {
	Date               Date
	Limit              int            // effective allotment (override or current)
	ExistingApproved   []LeaveRequest // slot-holding rows not matched by an active import item
	ExistingWaitlisted []LeaveRequest
	Order              []PositionCandidate
}

// datePlan is the fully computed outcome for one date.
type datePlan struct {
	Date        Date
	Limit       int
	ImportLimit int

	// Existing waitlisted rows promoted because the limit now has room for them.
	Promoted []LeaveRequest

	// Existing waitlisted rows that stay waitlisted, with renumbered positions.
	Remaining []LeaveRequest

	Assignments []Assignment

	// StorePositions maps an import index to the waitlist position it would
	// hold in the store (after the remaining existing waitlist).
	StorePositions map[int]int
}

func planDate(ctx dateContext, previous map[int]Assignment) datePlan {
	waitlisted := append([]LeaveRequest(nil), ctx.ExistingWaitlisted...)
	sortByWaitlist(waitlisted)

	free := ctx.Limit - len(ctx.ExistingApproved)
	if free < 0 {
		// Existing approvals are never demoted by an import.
		free = 0
	}
	promote := min(free, len(waitlisted))

	plan := datePlan{
		Date:           ctx.Date,
		Limit:          ctx.Limit,
		ImportLimit:    max(0, free-len(waitlisted)),
		StorePositions: make(map[int]int),
	}
	plan.Promoted = waitlisted[:promote]
	for i, r := range waitlisted[promote:] {
		r.WaitlistPosition = i + 1
		plan.Remaining = append(plan.Remaining, r)
	}

	plan.Assignments = AssignPositions(ctx.Date, ctx.Order, plan.ImportLimit, previous)
	offset := len(plan.Remaining)
	for _, a := range plan.Assignments {
		if a.Status == AssignWaitlisted {
			plan.StorePositions[a.Index] = offset + a.WaitlistPosition
		}
	}
	return plan
}

func sortByWaitlist(reqs []LeaveRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].WaitlistPosition != reqs[j].WaitlistPosition {
			return reqs[i].WaitlistPosition < reqs[j].WaitlistPosition
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
