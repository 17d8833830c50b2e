package reconcile

import (
	"maps"
	"slices"
	"sort"
)

// =============================================================================
// DATABASE RECONCILIATION STAGE
// =============================================================================

type ConflictKind string

const (
	// ConflictStatus: the store's status differs from the import-implied one.
	ConflictStatus ConflictKind = "status"

	// ConflictOrdering: both waitlisted, at different ranks.
	ConflictOrdering ConflictKind = "ordering"
)

// ResolutionAction is the closed set of operator answers to a conflict.
type ResolutionAction string

const (
	ActionKeepExisting   ResolutionAction = "keep_existing"
	ActionSetApproved    ResolutionAction = "set_approved"
	ActionSetWaitlisted  ResolutionAction = "set_waitlisted"
	ActionSetCancelled   ResolutionAction = "set_cancelled"
	ActionSetTransferred ResolutionAction = "set_transferred"
)

// TargetStatus returns the status an overwrite action writes; ok is false
// for keep_existing and unknown actions.
func (a ResolutionAction) TargetStatus() (RequestStatus, bool) {
	switch a {
	case ActionSetApproved:
		return StatusApproved, true
	case ActionSetWaitlisted:
		return StatusWaitlisted, true
	case ActionSetCancelled:
		return StatusCancelled, true
	case ActionSetTransferred:
		return StatusTransferred, true
	}
	return "", false
}

func (a ResolutionAction) Valid() bool {
	_, overwrite := a.TargetStatus()
	return overwrite || a == ActionKeepExisting
}

type ReconciliationConflict struct {
	Index                    int              `json:"index"`
	ExistingRequestID        RequestID        `json:"existing_request_id"`
	Kind                     ConflictKind     `json:"kind"`
	ExistingStatus           RequestStatus    `json:"existing_status"`
	ExistingWaitlistPosition int              `json:"existing_waitlist_position,omitempty"`
	ImportStatus             RequestStatus    `json:"import_status"`
	ImportWaitlistPosition   int              `json:"import_waitlist_position,omitempty"`
	Resolution               ResolutionAction `json:"resolution,omitempty"`
}

// DbReconciliationStageData is complete iff every conflict has a resolution.
type DbReconciliationStageData struct {
	// Matches maps an import row to the persisted request with its key.
	Matches   map[int]LeaveRequest     `json:"matches"`
	Conflicts []ReconciliationConflict `json:"conflicts"`
}

// classifyPair compares a persisted request with what the import implies.
func classifyPair(existing LeaveRequest, importStatus RequestStatus, importPosition int) (ConflictKind, bool) {
	if existing.Status != importStatus {
		return ConflictStatus, true
	}
	if importStatus == StatusWaitlisted && existing.WaitlistPosition != importPosition {
		return ConflictOrdering, true
	}
	return "", false
}

func (d *DbReconciliationStageData) conflict(index int) *ReconciliationConflict {
	for i := range d.Conflicts {
		if d.Conflicts[i].Index == index {
			return &d.Conflicts[i]
		}
	}
	return nil
}

func (d *DbReconciliationStageData) Unresolved() []int {
	var out []int
	for _, c := range d.Conflicts {
		if c.Resolution == "" {
			out = append(out, c.Index)
		}
	}
	return out
}

func (d *DbReconciliationStageData) Counts() (required, resolved int) {
	required = len(d.Conflicts)
	return required, required - len(d.Unresolved())
}

func (d *DbReconciliationStageData) resolve(index int, action ResolutionAction) error {
	if !action.Valid() {
		return validationErr(ErrInvalidInput, "unknown_action", "unknown resolution action %q", action)
	}
	c := d.conflict(index)
	if c == nil {
		return validationErr(ErrItemNotFound, "no_conflict", "item %d has no database conflict", index)
	}
	c.Resolution = action
	return nil
}

func (d *DbReconciliationStageData) clearResolutions() (cleared int) {
	for i := range d.Conflicts {
		if d.Conflicts[i].Resolution != "" {
			cleared++
		}
		d.Conflicts[i].Resolution = ""
	}
	return cleared
}

func (d *DbReconciliationStageData) clone() *DbReconciliationStageData {
	if d == nil {
		return nil
	}
	out := &DbReconciliationStageData{
		Matches:   maps.Clone(d.Matches),
		Conflicts: slices.Clone(d.Conflicts),
	}
	if out.Matches == nil {
		out.Matches = map[int]LeaveRequest{}
	}
	return out
}

func sortConflicts(cs []ReconciliationConflict) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Index < cs[j].Index })
}
