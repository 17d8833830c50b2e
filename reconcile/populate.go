package reconcile

import (
	"fmt"
	"maps"
	"slices"
)

// =============================================================================
// STAGE DATA POPULATION - pure half of every stage load
//
// The engine performs the store reads, then hands the results to these
// methods. They never fail, so a session is either fully loaded or untouched.
// =============================================================================

// populateUnmatched runs once at creation. Items naming a member that is not
// in the list, and items with no unique employee-number match, need an
// operator; unique employee-number matches are bound automatically.
func (s *Session) populateUnmatched(members []Member) {
	byID := make(map[MemberID]bool, len(members))
	for _, m := range members {
		if !m.Deleted {
			byID[m.ID] = true
		}
	}

	data := newUnmatchedStageData()
	for i := range s.items {
		it := &s.items[i]
		if it.MemberID != "" {
			if !byID[it.MemberID] {
				data.Items[i] = &UnmatchedItem{
					Index:      i,
					Candidates: MatchCandidates(*it, members),
					Note:       fmt.Sprintf("member %s not found", it.MemberID),
				}
			}
			continue
		}
		if id, ok := exactEmployeeMatch(*it, members); ok {
			it.MemberID = id
			continue
		}
		data.Items[i] = &UnmatchedItem{Index: i, Candidates: MatchCandidates(*it, members)}
	}
	s.data.Unmatched = data
}

// snapshotDates lists the dates of every item that survived unmatched.
func (s *Session) snapshotDates() []Date {
	seen := make(map[Date]bool)
	var out []Date
	for i := range s.items {
		key, ok := s.keyOf(i)
		if !ok || seen[key.Date] {
			continue
		}
		seen[key.Date] = true
		out = append(out, key.Date)
	}
	SortDates(out)
	return out
}

// populateDuplicates stores the snapshots and runs detection. Any earlier
// duplicate decisions are dropped.
func (s *Session) populateDuplicates(snapshots map[Date]*DateSnapshot) {
	s.data.Duplicates = &DuplicateStageData{
		Flags:          detectDuplicates(s.items, s.keyOf, snapshots),
		SkipDuplicates: make(map[int]bool),
		ForceImport:    make(map[int]bool),
		Snapshots:      snapshots,
	}
}

// matchedRows returns, per date, the IDs of persisted rows that an item
// headed for the commit will take over. Those rows are accounted as import
// rows, not existing. Rows matched by an over-allotment skip stay existing.
func (s *Session) matchedRows() map[Date]map[RequestID]bool {
	out := make(map[Date]map[RequestID]bool)
	if s.data.Duplicates == nil {
		return out
	}
	for i := range s.items {
		key, ok := s.activeKey(i)
		if !ok || s.SkipCauseOf(i) != SkipNone {
			continue
		}
		snap := s.data.Duplicates.Snapshots[key.Date]
		if snap == nil {
			continue
		}
		if r := snap.byKey(key); r != nil {
			if out[key.Date] == nil {
				out[key.Date] = make(map[RequestID]bool)
			}
			out[key.Date][r.ID] = true
		}
	}
	return out
}

// existingSlots splits a snapshot's unmatched slot-holding rows.
func existingSlots(snap *DateSnapshot, matched map[RequestID]bool) (approved, waitlisted, pending []LeaveRequest) {
	if snap == nil {
		return nil, nil, nil
	}
	for _, r := range snap.Requests {
		if matched[r.ID] {
			continue
		}
		switch r.Status {
		case StatusApproved:
			approved = append(approved, r)
		case StatusWaitlisted:
			waitlisted = append(waitlisted, r)
		case StatusPending:
			pending = append(pending, r)
		}
	}
	return approved, waitlisted, pending
}

// populateOverAllotment builds one entry per date carrying active items and
// computes the default assignments.
func (s *Session) populateOverAllotment(requireExplicitReview bool) {
	data := &OverAllotmentStageData{
		Dates:                 make(map[Date]*OverAllotmentDate),
		AllotmentAdjustments:  make(map[Date]int),
		RequestOrdering:       make(map[Date][]int),
		Skipped:               make(map[int]bool),
		Assignments:           make(map[int]Assignment),
		RequireExplicitReview: requireExplicitReview,
	}

	matched := s.matchedRows()
	for i := range s.items {
		key, ok := s.activeKey(i)
		if !ok {
			continue
		}
		info := data.Dates[key.Date]
		if info == nil {
			snap := s.data.Duplicates.Snapshots[key.Date]
			approved, waitlisted, pending := existingSlots(snap, matched[key.Date])
			info = &OverAllotmentDate{
				Date:               key.Date,
				ExistingApproved:   len(approved),
				ExistingWaitlisted: len(waitlisted),
				ExistingRequests:   len(approved) + len(waitlisted) + len(pending),
			}
			if snap != nil {
				info.CurrentAllotment = snap.Allotment.MaxAllotment
			}
			data.Dates[key.Date] = info
		}
		info.ImportRequests = append(info.ImportRequests, i)
	}
	for _, info := range data.Dates {
		info.SuggestedAllotment = info.ExistingApproved + info.ExistingWaitlisted + len(info.ImportRequests)
		info.OverAllotmentCount = max(0, info.SuggestedAllotment-info.CurrentAllotment)
	}

	s.data.OverAllotment = data
	s.recomputeAssignments()
}

// dateContext assembles the planDate input for one over-allotment date.
func (s *Session) dateContext(date Date, matched map[RequestID]bool) dateContext {
	oa := s.data.OverAllotment
	approved, waitlisted, _ := existingSlots(s.data.Duplicates.Snapshots[date], matched)

	ctx := dateContext{
		Date:               date,
		Limit:              oa.EffectiveAllotment(date),
		ExistingApproved:   approved,
		ExistingWaitlisted: waitlisted,
	}
	for _, idx := range oa.DisplayOrder(date) {
		ctx.Order = append(ctx.Order, PositionCandidate{
			Index:          idx,
			OriginalStatus: s.items[idx].OriginalStatus,
			Skipped:        oa.Skipped[idx],
		})
	}
	return ctx
}

// plans computes the capacity plan of every over-allotment date using the
// current assignments for the sticky change flag.
func (s *Session) plans() map[Date]datePlan {
	out := make(map[Date]datePlan)
	oa := s.data.OverAllotment
	if oa == nil {
		return out
	}
	matched := s.matchedRows()
	for date := range oa.Dates {
		out[date] = planDate(s.dateContext(date, matched[date]), oa.Assignments)
	}
	return out
}

func (s *Session) recomputeAssignments() {
	oa := s.data.OverAllotment
	next := make(map[int]Assignment, len(oa.Assignments))
	for _, plan := range s.plans() {
		for _, a := range plan.Assignments {
			next[a.Index] = a
		}
	}
	oa.Assignments = next
}

// dbCheckItems lists the items whose persisted counterpart must be loaded
// when database reconciliation is entered.
func (s *Session) dbCheckItems() []int {
	var out []int
	for i := range s.items {
		if s.SkipCauseOf(i) == SkipNone {
			out = append(out, i)
		}
	}
	return out
}

// populateDbReconciliation classifies every loaded pairing. A persisted row
// that differs from the duplicates snapshot means the store moved under the
// session; that is recorded as an integrity issue against duplicates.
func (s *Session) populateDbReconciliation(found map[int]*LeaveRequest) {
	data := &DbReconciliationStageData{Matches: make(map[int]LeaveRequest)}
	plans := s.plans()

	for _, idx := range slices.Sorted(maps.Keys(found)) {
		existing := found[idx]
		key, _ := s.activeKey(idx)
		snapRow := s.data.Duplicates.Snapshots[key.Date].byKey(key)

		if existing == nil {
			if snapRow != nil {
				s.addIssue(StageDuplicates, idx, "store_changed",
					fmt.Sprintf("request %s for item %d was removed from the store after duplicate detection", snapRow.ID, idx))
			}
			continue
		}
		if snapRow == nil || snapRow.ID != existing.ID || snapRow.Version != existing.Version {
			s.addIssue(StageDuplicates, idx, "store_changed",
				fmt.Sprintf("request %s for item %d changed in the store after duplicate detection", existing.ID, idx))
			continue
		}

		data.Matches[idx] = *existing
		a := s.data.OverAllotment.Assignments[idx]
		importStatus := a.Status.RequestStatus()
		importPos := plans[key.Date].StorePositions[idx]
		if kind, conflict := classifyPair(*existing, importStatus, importPos); conflict {
			data.Conflicts = append(data.Conflicts, ReconciliationConflict{
				Index:                    idx,
				ExistingRequestID:        existing.ID,
				Kind:                     kind,
				ExistingStatus:           existing.Status,
				ExistingWaitlistPosition: existing.WaitlistPosition,
				ImportStatus:             importStatus,
				ImportWaitlistPosition:   importPos,
			})
		}
	}
	sortConflicts(data.Conflicts)
	s.data.DbReconciliation = data
}

// populateFinalReview derives the summary from the commit plan.
func (s *Session) populateFinalReview(plan *CommitPlan) {
	s.data.FinalReview = &FinalReviewStageData{Summary: plan.Summary}
}

// =============================================================================
// INTEGRITY ISSUES
// =============================================================================

func (s *Session) addIssue(stage Stage, index int, code, message string) {
	for _, is := range s.issues {
		if is.Stage == stage && is.Index == index && is.Code == code {
			return
		}
	}
	s.issues = append(s.issues, IntegrityIssue{Stage: stage, Index: index, Code: code, Message: message})
}

func (s *Session) dropIssues(stage Stage, index int) {
	s.issues = slices.DeleteFunc(s.issues, func(is IntegrityIssue) bool {
		return is.Stage == stage && is.Index == index
	})
}

// demoteMissingMembers puts every item bound to a member that no longer
// exists back into unmatched. It returns the demoted indices.
func (s *Session) demoteMissingMembers(exists func(MemberID) bool) []int {
	if s.data.Unmatched == nil {
		return nil
	}
	var demoted []int
	for i := range s.items {
		if s.data.Unmatched.SkippedItems[i] {
			continue
		}
		member, ok := s.memberFor(i)
		if !ok || exists(member) {
			continue
		}
		note := fmt.Sprintf("member %s was deleted after being matched", member)
		s.data.Unmatched.demote(i, note)
		s.addIssue(StageUnmatched, i, "member_deleted", note)
		demoted = append(demoted, i)
	}
	return demoted
}

// boundMemberIDs is every member the session currently relies on.
func (s *Session) boundMemberIDs() []MemberID {
	seen := make(map[MemberID]bool)
	var out []MemberID
	for i := range s.items {
		if s.data.Unmatched != nil && s.data.Unmatched.SkippedItems[i] {
			continue
		}
		if m, ok := s.memberFor(i); ok && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}
