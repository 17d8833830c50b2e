package reconcile

import (
	"maps"
	"slices"
)

// =============================================================================
// STAGES - fixed order
// =============================================================================

// Stage is one phase of the reconciliation workflow. Duplicates run before
// over-allotment so allotment math is not skewed by requests that will be
// skipped as duplicates.
type Stage string

const (
	StageUnmatched        Stage = "unmatched"
	StageDuplicates       Stage = "duplicates"
	StageOverAllotment    Stage = "over_allotment"
	StageDbReconciliation Stage = "db_reconciliation"
	StageFinalReview      Stage = "final_review"
)

var stageOrder = []Stage{
	StageUnmatched,
	StageDuplicates,
	StageOverAllotment,
	StageDbReconciliation,
	StageFinalReview,
}

// Stages returns the stage order.
func Stages() []Stage {
	return slices.Clone(stageOrder)
}

// Index returns the 0-based position of s, or -1 for an unknown stage.
func (s Stage) Index() int {
	return slices.Index(stageOrder, s)
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the following stage; ok is false for final_review.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// =============================================================================
// STAGE DATA - one record per stage
// =============================================================================

// StageData is nil for stages that have not been entered yet.
type StageData struct {
	Unmatched        *UnmatchedStageData        `json:"unmatched,omitempty"`
	Duplicates       *DuplicateStageData        `json:"duplicates,omitempty"`
	OverAllotment    *OverAllotmentStageData    `json:"over_allotment,omitempty"`
	DbReconciliation *DbReconciliationStageData `json:"db_reconciliation,omitempty"`
	FinalReview      *FinalReviewStageData      `json:"final_review,omitempty"`
}

func (d StageData) clone() StageData {
	return StageData{
		Unmatched:        d.Unmatched.clone(),
		Duplicates:       d.Duplicates.clone(),
		OverAllotment:    d.OverAllotment.clone(),
		DbReconciliation: d.DbReconciliation.clone(),
		FinalReview:      d.FinalReview.clone(),
	}
}

// loaded reports whether the stage's data has been populated.
func (d StageData) loaded(stage Stage) bool {
	switch stage {
	case StageUnmatched:
		return d.Unmatched != nil
	case StageDuplicates:
		return d.Duplicates != nil
	case StageOverAllotment:
		return d.OverAllotment != nil
	case StageDbReconciliation:
		return d.DbReconciliation != nil
	case StageFinalReview:
		return d.FinalReview != nil
	}
	return false
}

// =============================================================================
// PROGRESS STATE - immutable view handed to callers
// =============================================================================

// ProgressState is a deep copy of the session's workflow position.
// CanProgress is derived when the copy is made and is never persisted.
type ProgressState struct {
	CurrentStage    Stage     `json:"current_stage"`
	CompletedStages []Stage   `json:"completed_stages"`
	CanProgress     bool      `json:"can_progress"`
	StageData       StageData `json:"stage_data"`
	Revision        int       `json:"revision"`
}

func (p ProgressState) IsCompleted(stage Stage) bool {
	return slices.Contains(p.CompletedStages, stage)
}

// =============================================================================
// CLONE HELPERS
// =============================================================================

func cloneSet(m map[int]bool) map[int]bool {
	if m == nil {
		return map[int]bool{}
	}
	return maps.Clone(m)
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
