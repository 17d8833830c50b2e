/*
commit.go - Commit planner and executor

PURPOSE:
  Turns a fully resolved session into one ordered batch of store writes and
  applies it all-or-nothing.

PLANNING (pure):
  Per date, in date order:
    1. allotment override (if it differs from the snapshot)
    2. existing waitlisted rows promoted into freed capacity
    3. renumbering of the remaining existing waitlist
    4. import rows: new requests, or conflict overwrites of persisted rows
    5. waitlist compaction so the date's waitlist is contiguous from 1
  Every mutated row carries its before/after JSON for the audit log.

  New request IDs are UUIDv5(session, item index), so replaying a batch
  upserts the same rows instead of inserting twins.

EXECUTION:
  lock dates (sorted) -> WithTx {
      re-read each date, compare fingerprint with the staging snapshot
      apply writes + audit entries in order
  } -> mark committed | record failure

  On failure the transaction is rolled back, the session stays in
  final_review with LastError set and the caller gets a CommitError.

SEE ALSO:
  - lock.go: DateLocks
  - store.go: TxStore.WithTx contract
*/
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// requestNamespace scopes deterministic request IDs.
var requestNamespace = uuid.MustParse("6f1c3c5e-8f0b-4b7e-9a57-3a0f2f4c1d2e")

// RequestIDFor is the ID the commit gives the new request of an item.
func RequestIDFor(session SessionID, index int) RequestID {
	return RequestID(uuid.NewSHA1(requestNamespace, []byte(string(session)+"/"+strconv.Itoa(index))).String())
}

// PlannedWrite is one row of the commit batch.
type PlannedWrite struct {
	Table     string        `json:"table"`
	RowID     string        `json:"row_id"`
	Date      Date          `json:"date"`
	Action    AuditAction   `json:"action"`
	Request   *LeaveRequest `json:"request,omitempty"`
	Allotment *Allotment    `json:"allotment,omitempty"`
	Before    string        `json:"before,omitempty"`
	After     string        `json:"after"`
}

// CommitPlan is the complete batch for a session.
type CommitPlan struct {
	SessionID    SessionID         `json:"session_id"`
	CalendarID   CalendarID        `json:"calendar_id"`
	Dates        []Date            `json:"dates"`
	Fingerprints map[Date]string   `json:"fingerprints"`
	Writes       []PlannedWrite    `json:"writes"`
	Summary      ReviewSummary     `json:"summary"`
	Overruns     []CapacityOverrun `json:"overruns,omitempty"`
}

// CapacityOverrun is a date the batch would leave with more approved rows
// than its allotment allows. Approvals that were already over the allotment
// before the import are tolerated; only growth beyond them counts.
type CapacityOverrun struct {
	Date      Date  `json:"date"`
	Allotment int   `json:"allotment"`
	Before    int   `json:"before"`
	Approved  int   `json:"approved"`
	Items     []int `json:"items"`
}

// MustJSON renders a store record for the audit log.
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Store records are plain structs; this cannot fail.
		panic(err)
	}
	return string(b)
}

// tailPosition ranks a row after every planned waitlist position until
// compaction renumbers it.
const tailPosition = 1 << 30

// PlanCommit computes the batch. It reads only the session.
func PlanCommit(s *Session, now time.Time) (*CommitPlan, error) {
	dup, oa, db := s.data.Duplicates, s.data.OverAllotment, s.data.DbReconciliation
	if dup == nil || oa == nil || db == nil {
		return nil, validationErr(ErrStageIncomplete, "not_ready", "every stage before final_review must be loaded to plan a commit")
	}

	plan := &CommitPlan{
		SessionID:    s.id,
		CalendarID:   s.calendarID,
		Dates:        oa.SortedDates(),
		Fingerprints: make(map[Date]string),
	}
	sum := &plan.Summary
	sum.TotalItems = len(s.items)
	for i := range s.items {
		switch s.SkipCauseOf(i) {
		case SkipUnmatched:
			sum.SkippedUnmatched++
		case SkipDuplicate:
			sum.SkippedDuplicates++
		case SkipOverAllotment:
			sum.SkippedOverAllotment++
		}
	}
	sum.Skipped = sum.SkippedUnmatched + sum.SkippedDuplicates + sum.SkippedOverAllotment
	sum.DefaultedDates = oa.DefaultedDates()

	plans := s.plans()
	for _, date := range plan.Dates {
		snap := dup.Snapshots[date]
		if snap == nil {
			snap = newDateSnapshot(date, Allotment{CalendarID: s.calendarID, Date: date}, nil)
		}
		plan.Fingerprints[date] = snap.Fingerprint
		planDateWrites(s, plan, snap, plans[date], now)
	}
	return plan, nil
}

func planDateWrites(s *Session, plan *CommitPlan, snap *DateSnapshot, dp datePlan, now time.Time) {
	oa, db := s.data.OverAllotment, s.data.DbReconciliation
	sum := &plan.Summary
	date := dp.Date

	// 1. allotment override
	if adj, ok := oa.AllotmentAdjustments[date]; ok && adj != snap.Allotment.MaxAllotment {
		before := snap.Allotment
		after := Allotment{
			CalendarID:   s.calendarID,
			Date:         date,
			MaxAllotment: adj,
			Version:      before.Version + 1,
			UpdatedAt:    now,
		}
		w := PlannedWrite{
			Table:     TableAllotments,
			RowID:     string(s.calendarID) + "/" + date.String(),
			Date:      date,
			Action:    AuditUpdate,
			Allotment: &after,
			After:     MustJSON(after),
		}
		if before.Version == 0 {
			w.Action = AuditInsert
		} else {
			w.Before = MustJSON(before)
		}
		plan.Writes = append(plan.Writes, w)
		sum.AllotmentDeltas = append(sum.AllotmentDeltas, AllotmentDelta{Date: date, From: before.MaxAllotment, To: adj})
	}

	final := make(map[RequestID]LeaveRequest, len(snap.Requests))
	for _, r := range snap.Requests {
		final[r.ID] = r
	}

	// 2. promotions, 3. renumbering
	for _, r := range dp.Promoted {
		f := final[r.ID]
		f.Status = StatusApproved
		f.WaitlistPosition = 0
		final[r.ID] = f
	}
	sum.Promotions += len(dp.Promoted)
	for _, r := range dp.Remaining {
		f := final[r.ID]
		f.WaitlistPosition = r.WaitlistPosition
		final[r.ID] = f
	}

	// 4. import rows
	var inserts []LeaveRequest
	importRow := make(map[int]RequestID)
	for _, a := range dp.Assignments {
		if a.Status == AssignSkipped {
			continue
		}
		status := a.Status.RequestStatus()
		pos := dp.StorePositions[a.Index]

		if existing, matched := db.Matches[a.Index]; matched {
			importRow[a.Index] = existing.ID
			var target RequestStatus
			overwrite := false
			if c := db.conflict(a.Index); c != nil {
				target, overwrite = c.Resolution.TargetStatus()
			}
			if !overwrite {
				sum.KeptExisting++
				continue
			}
			f := final[existing.ID]
			f.Status = target
			f.WaitlistPosition = 0
			if target == StatusWaitlisted {
				f.WaitlistPosition = pos
				if status != StatusWaitlisted {
					f.WaitlistPosition = tailPosition + a.Index
				}
			}
			final[existing.ID] = f
			sum.ReconciliationWrites++
			continue
		}

		it := s.items[a.Index]
		member, _ := s.memberFor(a.Index)
		source := it.Source
		if source == "" {
			source = "import"
		}
		r := LeaveRequest{
			ID:               RequestIDFor(s.id, a.Index),
			CalendarID:       s.calendarID,
			MemberID:         member,
			Date:             date,
			LeaveType:        it.LeaveType,
			Status:           status,
			WaitlistPosition: pos,
			Source:           source,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		importRow[a.Index] = r.ID
		inserts = append(inserts, r)
	}

	// 5. compaction
	compactWaitlist(final, inserts)

	if o, over := capacityOverrun(dp, snap, final, inserts, db); over {
		plan.Overruns = append(plan.Overruns, o)
	}

	for _, r := range snap.Requests {
		f := final[r.ID]
		if f == r {
			continue
		}
		f.Version = r.Version + 1
		f.UpdatedAt = now
		final[r.ID] = f
		plan.Writes = append(plan.Writes, PlannedWrite{
			Table:   TableLeaveRequests,
			RowID:   string(f.ID),
			Date:    date,
			Action:  AuditUpdate,
			Request: &f,
			Before:  MustJSON(r),
			After:   MustJSON(f),
		})
		sum.UpdatedRequests++
	}
	for i := range inserts {
		r := inserts[i]
		plan.Writes = append(plan.Writes, PlannedWrite{
			Table:   TableLeaveRequests,
			RowID:   string(r.ID),
			Date:    date,
			Action:  AuditInsert,
			Request: &r,
			After:   MustJSON(r),
		})
		sum.NewRequests++
	}

	// outcome counts per import row
	inserted := make(map[RequestID]LeaveRequest, len(inserts))
	for _, r := range inserts {
		inserted[r.ID] = r
	}
	for _, id := range importRow {
		r, ok := inserted[id]
		if !ok {
			r = final[id]
		}
		switch r.Status {
		case StatusApproved:
			sum.Approved++
		case StatusWaitlisted:
			sum.Waitlisted++
		}
	}
}

// capacityOverrun compares the approved rows a date ends with against its
// effective allotment. Resolved conflicts decide the status of matched rows
// regardless of the slot the plan gave them, so they are the rows reported.
func capacityOverrun(dp datePlan, snap *DateSnapshot, final map[RequestID]LeaveRequest, inserts []LeaveRequest, db *DbReconciliationStageData) (CapacityOverrun, bool) {
	before := 0
	for _, r := range snap.Requests {
		if r.Status == StatusApproved {
			before++
		}
	}
	approved := 0
	for _, r := range final {
		if r.Status == StatusApproved {
			approved++
		}
	}
	for _, r := range inserts {
		if r.Status == StatusApproved {
			approved++
		}
	}
	if approved <= max(dp.Limit, before) {
		return CapacityOverrun{}, false
	}
	o := CapacityOverrun{Date: dp.Date, Allotment: dp.Limit, Before: before, Approved: approved}
	for _, a := range dp.Assignments {
		if a.Status == AssignSkipped {
			continue
		}
		if db.conflict(a.Index) != nil {
			o.Items = append(o.Items, a.Index)
		}
	}
	sort.Ints(o.Items)
	return o, true
}

// compactWaitlist renumbers every waitlisted row of a date 1..n, keeping the
// planned relative order. Ties go to the earlier-created row.
func compactWaitlist(final map[RequestID]LeaveRequest, inserts []LeaveRequest) {
	type entry struct {
		r      LeaveRequest
		insert int // index into inserts, -1 for existing rows
	}
	var list []entry
	for _, r := range final {
		if r.Status == StatusWaitlisted {
			list = append(list, entry{r: r, insert: -1})
		}
	}
	for i, r := range inserts {
		if r.Status == StatusWaitlisted {
			list = append(list, entry{r: r, insert: i})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].r, list[j].r
		if a.WaitlistPosition != b.WaitlistPosition {
			return a.WaitlistPosition < b.WaitlistPosition
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for pos, e := range list {
		if e.insert >= 0 {
			inserts[e.insert].WaitlistPosition = pos + 1
			continue
		}
		r := final[e.r.ID]
		r.WaitlistPosition = pos + 1
		final[e.r.ID] = r
	}
}

// =============================================================================
// EXECUTOR
// =============================================================================

// CommitResult is returned on success.
type CommitResult struct {
	SessionID   SessionID     `json:"session_id"`
	CommittedAt time.Time     `json:"committed_at"`
	CommittedBy string        `json:"committed_by"`
	Writes      int           `json:"writes"`
	Summary     ReviewSummary `json:"summary"`
	Progress    ProgressState `json:"progress"`
}

// Commit applies the session's resolved state to the store as one unit.
func (e *Engine) Commit(ctx context.Context, id SessionID, actor string) (*CommitResult, error) {
	var result *CommitResult
	_, err := e.mutate(ctx, id, func(s *Session) error {
		if s.Committed() {
			return ErrSessionCommitted
		}
		if err := e.refreshIntegrity(ctx, s); err != nil {
			return err
		}
		if reasons := s.commitReasons(); len(reasons) > 0 {
			return &ValidationError{
				Code:    "not_ready",
				Message: "session cannot be committed yet",
				Reasons: reasons,
				Err:     ErrStageIncomplete,
			}
		}

		now := e.now()
		plan, err := PlanCommit(s, now)
		if err != nil {
			return err
		}
		if reasons := overrunReasons(StageFinalReview, plan.Overruns); len(reasons) > 0 {
			return &ValidationError{
				Code:    "over_capacity",
				Message: "commit would approve more requests than the allotment allows",
				Reasons: reasons,
				Err:     ErrStageIncomplete,
			}
		}

		unlock, err := e.locks.Lock(ctx, s.calendarID, plan.Dates...)
		if err != nil {
			return fmt.Errorf("lock dates: %w", err)
		}
		defer unlock()

		err = e.store.WithTx(ctx, func(w Writer) error {
			return applyPlan(ctx, w, plan, actor, now)
		})
		if err != nil {
			cerr := asCommitError(s.id, err)
			s.recordCommitFailure(cerr.Error())
			e.logger.Error("commit failed",
				"session", s.id, "calendar", s.calendarID, "attempt", s.data.FinalReview.Attempts, "error", err)
			return cerr
		}

		s.markCommitted(now, actor, plan.Summary)
		e.logger.Info("session committed",
			"session", s.id, "calendar", s.calendarID, "writes", len(plan.Writes), "actor", actor)
		result = &CommitResult{
			SessionID:   s.id,
			CommittedAt: now,
			CommittedBy: actor,
			Writes:      len(plan.Writes),
			Summary:     plan.Summary,
			Progress:    s.Progress(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyPlan runs inside the store transaction.
func applyPlan(ctx context.Context, w Writer, plan *CommitPlan, actor string, now time.Time) error {
	var stale []RowFailure
	for _, date := range plan.Dates {
		reqs, err := w.ListRequestsByDate(ctx, plan.CalendarID, date)
		if err != nil {
			return fmt.Errorf("re-read requests for %s: %w", date, err)
		}
		allot, err := w.GetAllotment(ctx, plan.CalendarID, date)
		if err != nil {
			return fmt.Errorf("re-read allotment for %s: %w", date, err)
		}
		if Fingerprint(allot, reqs) != plan.Fingerprints[date] {
			stale = append(stale, RowFailure{
				Table: TableLeaveRequests,
				Date:  date,
				Cause: "date changed in the store since the session snapshot; roll back to duplicates to refresh",
			})
		}
	}
	if len(stale) > 0 {
		return &CommitError{Failures: stale, Err: ErrConcurrentModification}
	}

	for _, wr := range plan.Writes {
		var err error
		switch wr.Table {
		case TableAllotments:
			err = w.UpsertAllotment(ctx, *wr.Allotment)
		default:
			err = w.UpsertRequest(ctx, *wr.Request)
		}
		if err == nil {
			err = w.AppendAudit(ctx, AuditEntry{
				ID:        uuid.Must(uuid.NewV7()).String(),
				SessionID: plan.SessionID,
				ActorID:   actor,
				Timestamp: now,
				Table:     wr.Table,
				RowID:     wr.RowID,
				Action:    wr.Action,
				Before:    wr.Before,
				After:     wr.After,
			})
		}
		if err != nil {
			return &CommitError{
				Failures: []RowFailure{{Table: wr.Table, RowID: wr.RowID, Date: wr.Date, Cause: err.Error()}},
				Err:      err,
			}
		}
	}
	return nil
}

func asCommitError(id SessionID, err error) *CommitError {
	var cerr *CommitError
	if errors.As(err, &cerr) {
		cerr.SessionID = id
		return cerr
	}
	return &CommitError{SessionID: id, Err: err}
}
