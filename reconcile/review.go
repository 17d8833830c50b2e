package reconcile

import (
	"slices"
	"time"
)

// =============================================================================
// FINAL REVIEW STAGE
// =============================================================================

type AllotmentDelta struct {
	Date Date `json:"date"`
	From int  `json:"from"`
	To   int  `json:"to"`
}

// ReviewSummary is derived from the commit plan, so it always describes
// exactly the batch that Commit would apply.
type ReviewSummary struct {
	TotalItems           int              `json:"total_items"`
	Approved             int              `json:"approved"`
	Waitlisted           int              `json:"waitlisted"`
	Skipped              int              `json:"skipped"`
	SkippedUnmatched     int              `json:"skipped_unmatched"`
	SkippedDuplicates    int              `json:"skipped_duplicates"`
	SkippedOverAllotment int              `json:"skipped_over_allotment"`
	KeptExisting         int              `json:"kept_existing"`
	NewRequests          int              `json:"new_requests"`
	UpdatedRequests      int              `json:"updated_requests"`
	Promotions           int              `json:"promotions"`
	ReconciliationWrites int              `json:"reconciliation_writes"`
	AllotmentDeltas      []AllotmentDelta `json:"allotment_deltas"`
	DefaultedDates       []Date           `json:"defaulted_dates"`
}

// FinalReviewStageData is terminal once Committed is true.
type FinalReviewStageData struct {
	Summary     ReviewSummary `json:"summary"`
	Committed   bool          `json:"committed"`
	CommittedAt *time.Time    `json:"committed_at,omitempty"`
	CommittedBy string        `json:"committed_by,omitempty"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
}

func (d *FinalReviewStageData) clone() *FinalReviewStageData {
	if d == nil {
		return nil
	}
	out := *d
	out.Summary.AllotmentDeltas = slices.Clone(d.Summary.AllotmentDeltas)
	out.Summary.DefaultedDates = slices.Clone(d.Summary.DefaultedDates)
	if d.CommittedAt != nil {
		t := *d.CommittedAt
		out.CommittedAt = &t
	}
	return &out
}
