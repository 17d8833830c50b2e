package reconcile

import (
	"maps"
	"slices"
)

// =============================================================================
// OVER-ALLOTMENT STAGE - per-date capacity decisions
// =============================================================================

// OverAllotmentDate is the capacity picture of one date carrying import rows.
// Counts are taken from the snapshot when the stage is entered.
type OverAllotmentDate struct {
	Date               Date  `json:"date"`
	CurrentAllotment   int   `json:"current_allotment"`
	ExistingRequests   int   `json:"existing_requests"`
	ExistingApproved   int   `json:"existing_approved"`
	ExistingWaitlisted int   `json:"existing_waitlisted"`
	ImportRequests     []int `json:"import_requests"`
	SuggestedAllotment int   `json:"suggested_allotment"`
	OverAllotmentCount int   `json:"over_allotment_count"`
}

func (d *OverAllotmentDate) OverAllotted() bool {
	return d.OverAllotmentCount > 0
}

// DateResolution names which rule resolved (or failed to resolve) a date.
type DateResolution string

const (
	ResolvedByDefault     DateResolution = "default"
	ResolvedExplicitly    DateResolution = "explicit"
	ResolvedZeroImpact    DateResolution = "zero_impact_adjustment"
	UnresolvedNeedsOrder  DateResolution = "adjusted_without_order"
	UnresolvedNeedsReview DateResolution = "explicit_review_required"
)

func (r DateResolution) Resolved() bool {
	return r == ResolvedByDefault || r == ResolvedExplicitly || r == ResolvedZeroImpact
}

// OverAllotmentStageData holds operator decisions and the assignments
// computed from them.
type OverAllotmentStageData struct {
	Dates                map[Date]*OverAllotmentDate `json:"dates"`
	AllotmentAdjustments map[Date]int                `json:"allotment_adjustments"`
	RequestOrdering      map[Date][]int              `json:"request_ordering"`
	Skipped              map[int]bool                `json:"skipped"`
	Assignments          map[int]Assignment          `json:"assignments"`

	// RequireExplicitReview disables the default rule for over-allotted dates.
	RequireExplicitReview bool `json:"require_explicit_review,omitempty"`
}

// Resolution is the per-date predicate:
//
//	neither ordering nor adjustment             -> resolved (default)
//	ordering, with or without adjustment        -> resolved (explicit)
//	adjustment only, and it changes nothing     -> resolved (zero impact)
//	adjustment only, and it moves the cut line  -> unresolved
func (d *OverAllotmentStageData) Resolution(date Date) DateResolution {
	info := d.Dates[date]
	_, ordered := d.RequestOrdering[date]
	adj, adjusted := d.AllotmentAdjustments[date]

	switch {
	case ordered:
		return ResolvedExplicitly
	case !adjusted:
		if d.RequireExplicitReview && info != nil && info.OverAllotted() {
			return UnresolvedNeedsReview
		}
		return ResolvedByDefault
	case info == nil:
		return ResolvedZeroImpact
	case adj == info.CurrentAllotment || adj >= info.SuggestedAllotment:
		return ResolvedZeroImpact
	default:
		return UnresolvedNeedsOrder
	}
}

func (d *OverAllotmentStageData) UnresolvedDates() []Date {
	var out []Date
	for date := range d.Dates {
		if !d.Resolution(date).Resolved() {
			out = append(out, date)
		}
	}
	SortDates(out)
	return out
}

func (d *OverAllotmentStageData) Counts() (required, resolved int) {
	required = len(d.Dates)
	return required, required - len(d.UnresolvedDates())
}

// DefaultedDates counts over-allotted dates that nobody reviewed.
func (d *OverAllotmentStageData) DefaultedDates() []Date {
	var out []Date
	for date, info := range d.Dates {
		if info.OverAllotted() && d.Resolution(date) == ResolvedByDefault {
			out = append(out, date)
		}
	}
	SortDates(out)
	return out
}

// SortedDates returns every date of the stage, earliest first.
func (d *OverAllotmentStageData) SortedDates() []Date {
	out := slices.Collect(maps.Keys(d.Dates))
	SortDates(out)
	return out
}

// EffectiveAllotment is the override if set, otherwise the current value.
func (d *OverAllotmentStageData) EffectiveAllotment(date Date) int {
	if adj, ok := d.AllotmentAdjustments[date]; ok {
		return adj
	}
	if info := d.Dates[date]; info != nil {
		return info.CurrentAllotment
	}
	return 0
}

// DisplayOrder is the explicit ordering if set, otherwise natural import order.
func (d *OverAllotmentStageData) DisplayOrder(date Date) []int {
	if order, ok := d.RequestOrdering[date]; ok {
		return slices.Clone(order)
	}
	if info := d.Dates[date]; info != nil {
		return slices.Clone(info.ImportRequests)
	}
	return nil
}

func (d *OverAllotmentStageData) adjust(date Date, allotment int) error {
	if _, ok := d.Dates[date]; !ok {
		return validationErr(ErrItemNotFound, "unknown_date", "no import requests on %s", date)
	}
	if allotment < 0 {
		return validationErr(ErrInvalidInput, "negative_allotment", "allotment for %s cannot be negative", date)
	}
	d.AllotmentAdjustments[date] = allotment
	return nil
}

func (d *OverAllotmentStageData) clearAdjustment(date Date) error {
	if _, ok := d.Dates[date]; !ok {
		return validationErr(ErrItemNotFound, "unknown_date", "no import requests on %s", date)
	}
	delete(d.AllotmentAdjustments, date)
	return nil
}

// reorder accepts only a permutation of the date's import requests.
func (d *OverAllotmentStageData) reorder(date Date, order []int) error {
	info, ok := d.Dates[date]
	if !ok {
		return validationErr(ErrItemNotFound, "unknown_date", "no import requests on %s", date)
	}
	want := slices.Clone(info.ImportRequests)
	got := slices.Clone(order)
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		return validationErr(ErrInvalidOrdering, "not_a_permutation",
			"ordering for %s must list each of the date's %d import requests exactly once", date, len(want))
	}
	d.RequestOrdering[date] = slices.Clone(order)
	return nil
}

func (d *OverAllotmentStageData) setSkipped(index int, skipped bool) error {
	if _, ok := d.Assignments[index]; !ok {
		return validationErr(ErrItemNotFound, "not_in_stage", "item %d has no over-allotment assignment", index)
	}
	if skipped {
		d.Skipped[index] = true
	} else {
		delete(d.Skipped, index)
	}
	return nil
}

func (d *OverAllotmentStageData) clearResolutions() (cleared int) {
	cleared = len(d.AllotmentAdjustments) + len(d.RequestOrdering) + len(sortedKeys(d.Skipped))
	d.AllotmentAdjustments = make(map[Date]int)
	d.RequestOrdering = make(map[Date][]int)
	d.Skipped = make(map[int]bool)
	d.Assignments = make(map[int]Assignment)
	return cleared
}

func (d *OverAllotmentStageData) clone() *OverAllotmentStageData {
	if d == nil {
		return nil
	}
	out := &OverAllotmentStageData{
		Dates:                 make(map[Date]*OverAllotmentDate, len(d.Dates)),
		AllotmentAdjustments:  maps.Clone(d.AllotmentAdjustments),
		RequestOrdering:       make(map[Date][]int, len(d.RequestOrdering)),
		Skipped:               cloneSet(d.Skipped),
		Assignments:           maps.Clone(d.Assignments),
		RequireExplicitReview: d.RequireExplicitReview,
	}
	if out.AllotmentAdjustments == nil {
		out.AllotmentAdjustments = map[Date]int{}
	}
	if out.Assignments == nil {
		out.Assignments = map[int]Assignment{}
	}
	for k, v := range d.Dates {
		cp := *v
		cp.ImportRequests = slices.Clone(v.ImportRequests)
		out.Dates[k] = &cp
	}
	for k, v := range d.RequestOrdering {
		out.RequestOrdering[k] = slices.Clone(v)
	}
	return out
}
