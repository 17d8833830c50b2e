/*
progress.go - Progress / validation engine

PURPOSE:
  Derives everything the caller needs to know about the workflow from the
  stage data alone: whether each stage is complete, why it is not, whether
  a requested transition is legal, and progress metrics for display.
  Nothing here mutates the session.

TRANSITION CHECKS:
  forward  - only to the next stage; blocked by the current stage's
             unresolved items and by any open integrity issue.
  backward - a rollback; always allowed before commit, with warnings that
             describe what will be discarded.
  lateral  - navigation to a completed stage; allowed iff completed.

  Illegal transitions are reported with reasons, never coerced.

METRICS:
  Percentages are decimal values rounded to one place so the numbers shown
  to an operator are stable across recalculations.

SEE ALSO:
  - machine.go: applies the transitions checked here
  - rollback.go: source of the backward warnings
*/
package reconcile

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STAGE COMPLETENESS
// =============================================================================

// stageReasons returns why a stage is not complete. An empty result means
// the stage's own predicate holds.
func (s *Session) stageReasons(stage Stage) []Reason {
	switch stage {
	case StageUnmatched:
		d := s.data.Unmatched
		if d == nil {
			return []Reason{notLoaded(stage)}
		}
		if idx := d.Unresolved(); len(idx) > 0 {
			return []Reason{{
				Stage:   stage,
				Code:    "unresolved_members",
				Message: fmt.Sprintf("%d item(s) need a member or must be skipped", len(idx)),
				Items:   idx,
			}}
		}

	case StageDuplicates:
		d := s.data.Duplicates
		if d == nil {
			return []Reason{notLoaded(stage)}
		}
		var out []Reason
		if idx := d.Undecided(); len(idx) > 0 {
			out = append(out, Reason{
				Stage:   stage,
				Code:    "undecided_duplicates",
				Message: fmt.Sprintf("%d likely duplicate(s) need a skip or import decision", len(idx)),
				Items:   idx,
			})
		}
		if idx := s.activeKeyCollisions(); len(idx) > 0 {
			out = append(out, Reason{
				Stage:   stage,
				Code:    "duplicate_keys_active",
				Message: fmt.Sprintf("%d item(s) would import the same member, date and leave type more than once", len(idx)),
				Items:   idx,
			})
		}
		return out

	case StageOverAllotment:
		d := s.data.OverAllotment
		if d == nil {
			return []Reason{notLoaded(stage)}
		}
		var needOrder, needReview []Date
		for _, date := range d.UnresolvedDates() {
			if d.Resolution(date) == UnresolvedNeedsReview {
				needReview = append(needReview, date)
			} else {
				needOrder = append(needOrder, date)
			}
		}
		var out []Reason
		if len(needOrder) > 0 {
			out = append(out, Reason{
				Stage:   stage,
				Code:    "order_not_confirmed",
				Message: fmt.Sprintf("allotment changed on %d date(s); confirm the waitlist order", len(needOrder)),
				Dates:   needOrder,
			})
		}
		if len(needReview) > 0 {
			out = append(out, Reason{
				Stage:   stage,
				Code:    "review_required",
				Message: fmt.Sprintf("%d over-allotted date(s) need an explicit ordering", len(needReview)),
				Dates:   needReview,
			})
		}
		return out

	case StageDbReconciliation:
		d := s.data.DbReconciliation
		if d == nil {
			return []Reason{notLoaded(stage)}
		}
		if idx := d.Unresolved(); len(idx) > 0 {
			return []Reason{{
				Stage:   stage,
				Code:    "unresolved_conflicts",
				Message: fmt.Sprintf("%d database conflict(s) need a resolution", len(idx)),
				Items:   idx,
			}}
		}
		plan, err := PlanCommit(s, time.Time{})
		if err != nil {
			return []Reason{{Stage: stage, Code: "not_ready", Message: err.Error()}}
		}
		return overrunReasons(stage, plan.Overruns)

	case StageFinalReview:
		if s.data.FinalReview == nil {
			return []Reason{notLoaded(stage)}
		}
	}
	return nil
}

// overrunReasons blocks a date whose resolved conflicts would approve more
// rows than its allotment.
func overrunReasons(stage Stage, overruns []CapacityOverrun) []Reason {
	out := make([]Reason, 0, len(overruns))
	for _, o := range overruns {
		out = append(out, Reason{
			Stage: stage,
			Code:  "over_capacity",
			Message: fmt.Sprintf("%s would have %d approved request(s) against an allotment of %d; resolve the listed conflicts to another status or roll back to %s",
				o.Date, o.Approved, o.Allotment, StageOverAllotment),
			Items: o.Items,
			Dates: []Date{o.Date},
		})
	}
	return out
}

func notLoaded(stage Stage) Reason {
	return Reason{Stage: stage, Code: "not_loaded", Message: fmt.Sprintf("%s has not been entered yet", stage)}
}

// activeKeyCollisions returns every active item that shares its request key
// with another active item.
func (s *Session) activeKeyCollisions() []int {
	byKey := make(map[RequestKey][]int)
	for i := range s.items {
		if key, ok := s.activeKey(i); ok {
			byKey[key] = append(byKey[key], i)
		}
	}
	var out []int
	for _, idx := range byKey {
		if len(idx) > 1 {
			out = append(out, idx...)
		}
	}
	slices.Sort(out)
	return out
}

// issueReasons turns open integrity issues into blocking reasons.
func (s *Session) issueReasons() []Reason {
	out := make([]Reason, 0, len(s.issues))
	for _, is := range s.issues {
		out = append(out, Reason{
			Stage:   is.Stage,
			Code:    is.Code,
			Message: is.Message + fmt.Sprintf(" (roll back to %s to re-resolve)", is.Stage),
			Items:   []int{is.Index},
		})
	}
	return out
}

// commitReasons is the readiness check of final_review.
func (s *Session) commitReasons() []Reason {
	var out []Reason
	for _, st := range stageOrder[:len(stageOrder)-1] {
		if !s.isCompleted(st) {
			out = append(out, Reason{Stage: st, Code: "stage_not_completed", Message: fmt.Sprintf("%s is not completed", st)})
		}
	}
	if s.current != StageFinalReview {
		out = append(out, Reason{Stage: s.current, Code: "not_in_final_review", Message: "commit is only possible from final_review"})
	}
	return append(out, s.issueReasons()...)
}

func (s *Session) canProgress() bool {
	if s.Committed() {
		return false
	}
	if s.current == StageFinalReview {
		return len(s.commitReasons()) == 0
	}
	next, _ := s.current.Next()
	return s.CheckTransition(next).Allowed
}

// =============================================================================
// TRANSITION VALIDATION
// =============================================================================

type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionLateral  Direction = "lateral"
	DirectionNone     Direction = "none"
)

// TransitionCheck is the outcome of validating a move to a target stage.
type TransitionCheck struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Allowed   bool      `json:"allowed"`
	Direction Direction `json:"direction"`
	Blocking  []Reason  `json:"blocking,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// CheckTransition validates moving the session to target.
//
// Forward targets the advance path. A backward target that is already
// completed is reported as lateral (navigation needs no discard); the
// rollback warnings are attached in both cases so the caller can offer either.
func (s *Session) CheckTransition(target Stage) TransitionCheck {
	check := TransitionCheck{From: s.current, To: target}

	switch {
	case !target.Valid():
		check.Direction = DirectionNone
		check.Blocking = []Reason{{Stage: target, Code: "unknown_stage", Message: fmt.Sprintf("unknown stage %q", target)}}
		return check
	case s.Committed():
		check.Direction = directionOf(s.current, target)
		check.Blocking = []Reason{{Stage: StageFinalReview, Code: "committed", Message: "session is committed and read-only"}}
		return check
	case target == s.current:
		check.Direction = DirectionNone
		check.Allowed = true
		return check
	}

	if s.current.Before(target) {
		check.Direction = DirectionForward
		if next, _ := s.current.Next(); next != target {
			check.Blocking = []Reason{{
				Stage:   target,
				Code:    "skips_stage",
				Message: fmt.Sprintf("cannot move from %s to %s; advance one stage at a time", s.current, target),
			}}
			return check
		}
		check.Blocking = append(s.stageReasons(s.current), s.issueReasons()...)
		check.Allowed = len(check.Blocking) == 0
		return check
	}

	check.Direction = DirectionBackward
	if s.isCompleted(target) {
		check.Direction = DirectionLateral
	}
	plan, err := PlanRollback(s, target)
	if err != nil {
		check.Blocking = []Reason{{Stage: target, Code: "rollback_not_allowed", Message: err.Error()}}
		return check
	}
	check.Warnings = plan.Summary
	check.Allowed = true
	return check
}

func directionOf(from, to Stage) Direction {
	switch {
	case from == to:
		return DirectionNone
	case from.Before(to):
		return DirectionForward
	default:
		return DirectionBackward
	}
}

// =============================================================================
// PROGRESS METRICS
// =============================================================================

// ResolutionTimes is the historical time an operator spends per unresolved
// unit in each stage.
type ResolutionTimes map[Stage]time.Duration

// DefaultResolutionTimes are used when configuration does not override them.
func DefaultResolutionTimes() ResolutionTimes {
	return ResolutionTimes{
		StageUnmatched:        45 * time.Second,
		StageDuplicates:       20 * time.Second,
		StageOverAllotment:    90 * time.Second,
		StageDbReconciliation: 30 * time.Second,
	}
}

type StageProgress struct {
	Stage      Stage           `json:"stage"`
	Required   int             `json:"required"`
	Resolved   int             `json:"resolved"`
	Percent    decimal.Decimal `json:"percent"`
	Completed  bool            `json:"completed"`
	Loaded     bool            `json:"loaded"`
	Unresolved int             `json:"unresolved"`
}

type ProgressMetrics struct {
	CompletedStages     int             `json:"completed_stages"`
	TotalStages         int             `json:"total_stages"`
	OverallPercent      decimal.Decimal `json:"overall_percent"`
	CurrentStagePercent decimal.Decimal `json:"current_stage_percent"`
	EstimatedRemaining  time.Duration   `json:"estimated_remaining_ns"`
	IntegrityScore      decimal.Decimal `json:"integrity_score"`
	FlaggedItems        int             `json:"flagged_items"`
	Stages              []StageProgress `json:"stages"`
}

var hundred = decimal.NewFromInt(100)

// percent returns part/whole as a percentage with one decimal place; an
// empty whole counts as done.
func percent(part, whole int) decimal.Decimal {
	if whole <= 0 {
		return hundred.Round(1)
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(whole))).Round(1)
}

// stageCounts returns required and resolved units of one stage.
func (s *Session) stageCounts(stage Stage) (required, resolved int) {
	switch stage {
	case StageUnmatched:
		if s.data.Unmatched != nil {
			return s.data.Unmatched.Counts()
		}
	case StageDuplicates:
		if s.data.Duplicates != nil {
			return s.data.Duplicates.Counts()
		}
	case StageOverAllotment:
		if s.data.OverAllotment != nil {
			return s.data.OverAllotment.Counts()
		}
	case StageDbReconciliation:
		if s.data.DbReconciliation != nil {
			return s.data.DbReconciliation.Counts()
		}
	case StageFinalReview:
		if s.data.FinalReview != nil {
			if s.data.FinalReview.Committed {
				return 1, 1
			}
			return 1, 0
		}
	}
	return 0, 0
}

// CalculateProgressMetrics derives display metrics from a session. Stages not
// yet entered contribute nothing to the time estimate.
func CalculateProgressMetrics(s *Session, times ResolutionTimes) ProgressMetrics {
	if times == nil {
		times = DefaultResolutionTimes()
	}
	m := ProgressMetrics{
		CompletedStages: len(s.completed),
		TotalStages:     len(stageOrder),
	}
	m.OverallPercent = percent(m.CompletedStages, m.TotalStages)

	for _, st := range stageOrder {
		required, resolved := s.stageCounts(st)
		sp := StageProgress{
			Stage:      st,
			Required:   required,
			Resolved:   resolved,
			Percent:    percent(resolved, required),
			Completed:  s.isCompleted(st),
			Loaded:     s.data.loaded(st),
			Unresolved: required - resolved,
		}
		if !sp.Loaded {
			sp.Percent = decimal.Zero
		}
		if st == s.current {
			m.CurrentStagePercent = sp.Percent
		}
		if !sp.Completed {
			m.EstimatedRemaining += time.Duration(sp.Unresolved) * times[st]
		}
		m.Stages = append(m.Stages, sp)
	}

	flagged := s.flaggedItems()
	m.FlaggedItems = len(flagged)
	m.IntegrityScore = percent(len(s.items)-len(flagged), len(s.items))
	return m
}

// flaggedItems is every item with an outstanding flag in any stage.
func (s *Session) flaggedItems() map[int]bool {
	out := make(map[int]bool)
	mark := func(idx []int) {
		for _, i := range idx {
			out[i] = true
		}
	}
	if d := s.data.Unmatched; d != nil {
		mark(d.Unresolved())
	}
	if d := s.data.Duplicates; d != nil {
		mark(d.Undecided())
		mark(s.activeKeyCollisions())
	}
	if d := s.data.OverAllotment; d != nil {
		for _, date := range d.UnresolvedDates() {
			mark(d.Dates[date].ImportRequests)
		}
	}
	if d := s.data.DbReconciliation; d != nil {
		mark(d.Unresolved())
	}
	for _, is := range s.issues {
		out[is.Index] = true
	}
	return out
}
