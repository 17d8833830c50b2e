package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-import/reconcile"
	"github.com/warp/leave-import/reconcile/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

const cal reconcile.CalendarID = "cal-1"

var (
	day      = reconcile.NewDate(2025, time.April, 14)
	seedTime = time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	ctx context.Context
	mem *store.Memory
	eng *reconcile.Engine
}

func newFixture(t *testing.T, opts reconcile.Options) *fixture {
	t.Helper()
	mem := store.NewMemory()
	for _, m := range []reconcile.Member{
		{ID: "m-1", FirstName: "Amy", LastName: "Baker", EmployeeNumber: "1001"},
		{ID: "m-2", FirstName: "Ben", LastName: "Cole", EmployeeNumber: "1002"},
		{ID: "m-3", FirstName: "Cara", LastName: "Diaz", EmployeeNumber: "1003"},
		{ID: "m-4", FirstName: "Dan", LastName: "Evans", EmployeeNumber: "1004"},
		{ID: "m-5", FirstName: "Eve", LastName: "Fox", EmployeeNumber: "1005"},
		{ID: "m-6", FirstName: "Gia", LastName: "Hill"},
	} {
		mem.PutMember(m)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		ctx: context.Background(),
		mem: mem,
		eng: reconcile.NewEngine(mem, mem, nil, opts, logger),
	}
}

func existing(id reconcile.RequestID, member reconcile.MemberID, status reconcile.RequestStatus, pos, order int) reconcile.LeaveRequest {
	return reconcile.LeaveRequest{
		ID:               id,
		CalendarID:       cal,
		MemberID:         member,
		Date:             day,
		LeaveType:        reconcile.LeavePLD,
		Status:           status,
		WaitlistPosition: pos,
		Version:          1,
		CreatedAt:        seedTime.Add(time.Duration(order) * time.Hour),
		UpdatedAt:        seedTime.Add(time.Duration(order) * time.Hour),
	}
}

// seedHistory gives the day an allotment of 2 and four persisted rows.
func (f *fixture) seedHistory() {
	f.mem.PutAllotment(reconcile.Allotment{CalendarID: cal, Date: day, MaxAllotment: 2, Version: 1})
	f.mem.PutRequest(existing("req-1", "m-1", reconcile.StatusCancelled, 0, 1))
	f.mem.PutRequest(existing("req-2", "m-2", reconcile.StatusApproved, 0, 2))
	f.mem.PutRequest(existing("req-3", "m-3", reconcile.StatusWaitlisted, 1, 3))
	f.mem.PutRequest(existing("req-4", "m-4", reconcile.StatusWaitlisted, 2, 4))
}

func historyImport() []reconcile.ItemInput {
	pld := reconcile.LeavePLD
	return []reconcile.ItemInput{
		{MemberID: "m-1", Date: day, LeaveType: pld, Status: reconcile.StatusWaitlisted},
		{EmployeeNumber: "1003", FirstName: "Cara", LastName: "Diaz", Date: day, LeaveType: pld, Status: reconcile.StatusWaitlisted},
		{MemberID: "m-5", Date: day, LeaveType: pld, Status: reconcile.StatusApproved},
		{MemberID: "m-5", Date: day, LeaveType: pld, Status: reconcile.StatusApproved},
		{FirstName: "Gia", LastName: "Hill", Date: day, LeaveType: pld, Status: reconcile.StatusApproved},
	}
}

func (f *fixture) advance(t *testing.T, id reconcile.SessionID) reconcile.ProgressState {
	t.Helper()
	p, err := f.eng.Advance(f.ctx, id)
	require.NoError(t, err)
	return p
}

// driveToFinalReview runs the history import through every stage with the
// standard decisions.
func (f *fixture) driveToFinalReview(t *testing.T) reconcile.SessionID {
	t.Helper()
	f.seedHistory()
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", historyImport())
	require.NoError(t, err)
	id := view.ID

	_, err = f.eng.ResolveMember(f.ctx, id, 4, "m-6")
	require.NoError(t, err)
	f.advance(t, id)
	_, err = f.eng.DecideDuplicate(f.ctx, id, 3, reconcile.DecisionSkip)
	require.NoError(t, err)
	_, err = f.eng.DecideDuplicate(f.ctx, id, 1, reconcile.DecisionImport)
	require.NoError(t, err)
	f.advance(t, id)
	f.advance(t, id)
	_, err = f.eng.ResolveConflict(f.ctx, id, 0, reconcile.ActionKeepExisting)
	require.NoError(t, err)
	_, err = f.eng.ResolveConflict(f.ctx, id, 1, reconcile.ActionSetWaitlisted)
	require.NoError(t, err)
	f.advance(t, id)
	return id
}

func byID(reqs []reconcile.LeaveRequest) map[reconcile.RequestID]reconcile.LeaveRequest {
	out := make(map[reconcile.RequestID]reconcile.LeaveRequest, len(reqs))
	for _, r := range reqs {
		out[r.ID] = r
	}
	return out
}

// =============================================================================
// FULL WORKFLOW
// =============================================================================

func TestEngine_ConflictingHistoryWorkflow(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.seedHistory()

	// GIVEN: A five-row import against a day with prior history
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", historyImport())
	require.NoError(t, err)
	id := view.ID

	// THEN: The employee number binds automatically, the bare name does not
	assert.Equal(t, reconcile.StageUnmatched, view.Progress.CurrentStage)
	assert.Equal(t, []int{4}, view.Progress.StageData.Unmatched.Unresolved())
	assert.Equal(t, reconcile.MemberID("m-3"), view.Items[1].MemberID)
	assert.False(t, view.Progress.CanProgress)

	// WHEN: The operator binds the name and advances
	p, err := f.eng.ResolveMember(f.ctx, id, 4, "m-6")
	require.NoError(t, err)
	assert.True(t, p.CanProgress)
	p = f.advance(t, id)

	// THEN: One existing duplicate and one in-import duplicate are flagged
	require.Equal(t, reconcile.StageDuplicates, p.CurrentStage)
	flags := p.StageData.Duplicates.Flags
	require.Len(t, flags, 2)
	assert.Equal(t, reconcile.DuplicateOfExisting, flags[1].Kind)
	assert.Equal(t, reconcile.RequestID("req-3"), flags[1].ExistingRequestID)
	assert.Equal(t, reconcile.DuplicateInImport, flags[3].Kind)
	assert.Equal(t, 2, flags[3].DuplicateOf)

	_, err = f.eng.DecideDuplicate(f.ctx, id, 3, reconcile.DecisionSkip)
	require.NoError(t, err)
	_, err = f.eng.DecideDuplicate(f.ctx, id, 1, reconcile.DecisionImport)
	require.NoError(t, err)
	p = f.advance(t, id)

	// THEN: The day is over-allotted; the freed slot goes to the existing waitlist
	require.Equal(t, reconcile.StageOverAllotment, p.CurrentStage)
	info := p.StageData.OverAllotment.Dates[day]
	require.NotNil(t, info)
	assert.Equal(t, 2, info.CurrentAllotment)
	assert.Equal(t, 1, info.ExistingApproved)
	assert.Equal(t, 1, info.ExistingWaitlisted)
	assert.Equal(t, []int{0, 1, 2, 4}, info.ImportRequests)
	assert.Equal(t, 6, info.SuggestedAllotment)
	assert.Equal(t, 4, info.OverAllotmentCount)
	for _, idx := range info.ImportRequests {
		assert.Equal(t, reconcile.AssignWaitlisted, p.StageData.OverAllotment.Assignments[idx].Status)
	}
	assert.True(t, p.CanProgress, "an untouched date resolves by default")
	p = f.advance(t, id)

	// THEN: A status conflict and an ordering conflict are raised
	require.Equal(t, reconcile.StageDbReconciliation, p.CurrentStage)
	conflicts := p.StageData.DbReconciliation.Conflicts
	require.Len(t, conflicts, 2)
	assert.Equal(t, reconcile.ConflictStatus, conflicts[0].Kind)
	assert.Equal(t, reconcile.StatusCancelled, conflicts[0].ExistingStatus)
	assert.Equal(t, reconcile.StatusWaitlisted, conflicts[0].ImportStatus)
	assert.Equal(t, reconcile.ConflictOrdering, conflicts[1].Kind)
	assert.Equal(t, 1, conflicts[1].ExistingWaitlistPosition)
	assert.Equal(t, 2, conflicts[1].ImportWaitlistPosition)
	assert.False(t, p.CanProgress)

	_, err = f.eng.ResolveConflict(f.ctx, id, 0, reconcile.ActionKeepExisting)
	require.NoError(t, err)
	_, err = f.eng.ResolveConflict(f.ctx, id, 1, reconcile.ActionSetWaitlisted)
	require.NoError(t, err)
	p = f.advance(t, id)

	// THEN: The summary describes exactly the batch
	require.Equal(t, reconcile.StageFinalReview, p.CurrentStage)
	sum := p.StageData.FinalReview.Summary
	assert.Equal(t, 5, sum.TotalItems)
	assert.Equal(t, 1, sum.SkippedDuplicates)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.KeptExisting)
	assert.Equal(t, 1, sum.ReconciliationWrites)
	assert.Equal(t, 1, sum.Promotions)
	assert.Equal(t, 1, sum.UpdatedRequests)
	assert.Equal(t, 2, sum.NewRequests)
	assert.Equal(t, 0, sum.Approved)
	assert.Equal(t, 3, sum.Waitlisted)
	assert.Equal(t, []reconcile.Date{day}, sum.DefaultedDates)

	preview, err := f.eng.PreviewCommit(f.ctx, id)
	require.NoError(t, err)
	assert.Len(t, preview.Writes, 3)

	// WHEN: Committing
	result, err := f.eng.Commit(f.ctx, id, "ops")
	require.NoError(t, err)

	// THEN: Three rows are written and audited
	assert.Equal(t, 3, result.Writes)
	audit, err := f.mem.ListAudit(f.ctx, id)
	require.NoError(t, err)
	assert.Len(t, audit, 3)

	rows := byID(f.mem.Requests())
	require.Len(t, rows, 6)
	assert.Equal(t, reconcile.StatusApproved, rows["req-4"].Status)
	assert.Equal(t, 2, rows["req-4"].Version)
	assert.Equal(t, reconcile.StatusCancelled, rows["req-1"].Status)
	assert.Equal(t, 1, rows["req-3"].WaitlistPosition)
	assert.Equal(t, 1, rows["req-3"].Version)

	eve := rows[reconcile.RequestIDFor(id, 2)]
	assert.Equal(t, reconcile.MemberID("m-5"), eve.MemberID)
	assert.Equal(t, reconcile.StatusWaitlisted, eve.Status)
	assert.Equal(t, 2, eve.WaitlistPosition)
	assert.Equal(t, "import", eve.Source)
	gia := rows[reconcile.RequestIDFor(id, 4)]
	assert.Equal(t, reconcile.MemberID("m-6"), gia.MemberID)
	assert.Equal(t, 3, gia.WaitlistPosition)

	// THEN: The session is terminal
	got, err := f.eng.Get(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Committed)
	assert.False(t, got.Progress.CanProgress)
	_, err = f.eng.Commit(f.ctx, id, "ops")
	assert.ErrorIs(t, err, reconcile.ErrSessionCommitted)
	assert.ErrorIs(t, f.eng.Discard(f.ctx, id), reconcile.ErrSessionCommitted)
}

// =============================================================================
// COMMIT FAILURES
// =============================================================================

func TestEngine_CommitIsAllOrNothing(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	id := f.driveToFinalReview(t)
	before := f.mem.Requests()

	// GIVEN: The store fails on the third write of the batch
	errDisk := errors.New("disk full")
	f.mem.FailWritesAfter(2, errDisk)

	// WHEN: Committing
	_, err := f.eng.Commit(f.ctx, id, "ops")

	// THEN: Nothing is visible and the failure is recorded on the session
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrCommitFailed)
	assert.ErrorIs(t, err, errDisk)
	assert.True(t, reconcile.IsRetryable(err))
	assert.Equal(t, before, f.mem.Requests())
	audit, err := f.mem.ListAudit(f.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, audit)

	view, err := f.eng.Get(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, view.Committed)
	assert.Equal(t, reconcile.StageFinalReview, view.Progress.CurrentStage)
	assert.Equal(t, 1, view.Progress.StageData.FinalReview.Attempts)
	assert.Contains(t, view.Progress.StageData.FinalReview.LastError, "disk full")

	// WHEN: The store recovers
	f.mem.FailWritesAfter(-1, nil)
	result, err := f.eng.Commit(f.ctx, id, "ops")

	// THEN: The retry applies the same batch
	require.NoError(t, err)
	assert.Equal(t, 3, result.Writes)
	assert.Len(t, f.mem.Requests(), 6)
}

func TestEngine_CommitDetectsConcurrentModification(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	id := f.driveToFinalReview(t)

	// GIVEN: Someone books the day after the snapshot was taken
	f.mem.PutRequest(existing("req-5", "m-9", reconcile.StatusApproved, 0, 5))

	// WHEN: Committing
	_, err := f.eng.Commit(f.ctx, id, "ops")

	// THEN: The commit is refused and retryable
	require.ErrorIs(t, err, reconcile.ErrConcurrentModification)
	assert.True(t, reconcile.IsRetryable(err))
	var cerr *reconcile.CommitError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Failures, 1)
	assert.Equal(t, day, cerr.Failures[0].Date)
	assert.Equal(t, reconcile.StatusWaitlisted, byID(f.mem.Requests())["req-4"].Status)

	// WHEN: Rolling back to duplicates to refresh the snapshot
	plan, err := f.eng.PlanRollback(f.ctx, id, reconcile.StageDuplicates)
	require.NoError(t, err)
	p, err := f.eng.Rollback(f.ctx, id, reconcile.StageDuplicates, plan.ConfirmationToken)
	require.NoError(t, err)

	// THEN: The new row is in the snapshot and the decisions are reset
	assert.Equal(t, reconcile.StageDuplicates, p.CurrentStage)
	assert.Len(t, p.StageData.Duplicates.Snapshots[day].Requests, 5)
	assert.Equal(t, []int{1, 3}, p.StageData.Duplicates.Undecided())
	assert.Nil(t, p.StageData.OverAllotment)
	assert.Nil(t, p.StageData.FinalReview)
}

// =============================================================================
// NAVIGATION AND ROLLBACK
// =============================================================================

func TestEngine_NavigateIsReadOnly(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.seedHistory()
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", historyImport())
	require.NoError(t, err)
	id := view.ID
	_, err = f.eng.ResolveMember(f.ctx, id, 4, "m-6")
	require.NoError(t, err)
	f.advance(t, id)
	_, err = f.eng.DecideDuplicate(f.ctx, id, 3, reconcile.DecisionSkip)
	require.NoError(t, err)
	_, err = f.eng.DecideDuplicate(f.ctx, id, 1, reconcile.DecisionImport)
	require.NoError(t, err)
	f.advance(t, id)

	// WHEN: Revisiting duplicates
	p, err := f.eng.Navigate(f.ctx, id, reconcile.StageDuplicates)
	require.NoError(t, err)
	assert.Equal(t, reconcile.StageDuplicates, p.CurrentStage)

	// THEN: Its decisions cannot be changed
	_, err = f.eng.DecideDuplicate(f.ctx, id, 1, reconcile.DecisionSkip)
	assert.ErrorIs(t, err, reconcile.ErrStageLocked)

	// THEN: Forward navigation is not allowed, advancing returns to where we were
	_, err = f.eng.Navigate(f.ctx, id, reconcile.StageFinalReview)
	assert.ErrorIs(t, err, reconcile.ErrInvalidTransition)
	p = f.advance(t, id)
	assert.Equal(t, reconcile.StageOverAllotment, p.CurrentStage)
	assert.Equal(t, []reconcile.Stage{reconcile.StageUnmatched, reconcile.StageDuplicates}, p.CompletedStages)
}

func TestEngine_RollbackRequiresCurrentToken(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	id := f.driveToFinalReview(t)

	plan, err := f.eng.PlanRollback(f.ctx, id, reconcile.StageOverAllotment)
	require.NoError(t, err)
	assert.Equal(t, reconcile.StageFinalReview, plan.From)
	require.NotEmpty(t, plan.Discards)
	assert.NotEmpty(t, plan.Summary)

	// WHEN: Presenting a stale token
	_, err = f.eng.Rollback(f.ctx, id, reconcile.StageOverAllotment, "over_allotment@0")
	require.ErrorIs(t, err, reconcile.ErrConfirmationRequired)
	assert.True(t, reconcile.IsValidation(err))

	// WHEN: Presenting the planned token
	p, err := f.eng.Rollback(f.ctx, id, reconcile.StageOverAllotment, plan.ConfirmationToken)
	require.NoError(t, err)

	// THEN: Earlier stages survive, later data is discarded
	assert.Equal(t, reconcile.StageOverAllotment, p.CurrentStage)
	assert.Equal(t, []reconcile.Stage{reconcile.StageUnmatched, reconcile.StageDuplicates}, p.CompletedStages)
	assert.True(t, p.StageData.Duplicates.SkipDuplicates[3])
	assert.Nil(t, p.StageData.DbReconciliation)
	assert.Nil(t, p.StageData.FinalReview)
	assert.True(t, p.CanProgress)

	// THEN: The old token is spent
	_, err = f.eng.Rollback(f.ctx, id, reconcile.StageOverAllotment, plan.ConfirmationToken)
	assert.Error(t, err)
}

// =============================================================================
// INTEGRITY
// =============================================================================

func TestEngine_DeletedMemberDemotesItem(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", []reconcile.ItemInput{
		{MemberID: "m-1", Date: day, LeaveType: reconcile.LeavePLD, Status: reconcile.StatusApproved},
		{MemberID: "m-2", Date: day, LeaveType: reconcile.LeaveSDV, Status: reconcile.StatusApproved},
	})
	require.NoError(t, err)
	id := view.ID
	f.advance(t, id)

	// GIVEN: A matched member is deleted after matching
	f.mem.DeleteMember("m-2")

	// WHEN: Advancing
	_, err = f.eng.Advance(f.ctx, id)

	// THEN: The item is back in unmatched and advancing is blocked
	require.ErrorIs(t, err, reconcile.ErrStageIncomplete)
	got, err := f.eng.Get(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, got.IntegrityIssues, 1)
	assert.Equal(t, reconcile.StageUnmatched, got.IntegrityIssues[0].Stage)
	assert.Equal(t, 1, got.IntegrityIssues[0].Index)
	assert.Equal(t, "member_deleted", got.IntegrityIssues[0].Code)
	assert.Equal(t, []int{1}, got.Progress.StageData.Unmatched.Unresolved())

	// WHEN: Rolling back to unmatched and re-resolving
	plan, err := f.eng.PlanRollback(f.ctx, id, reconcile.StageUnmatched)
	require.NoError(t, err)
	_, err = f.eng.Rollback(f.ctx, id, reconcile.StageUnmatched, plan.ConfirmationToken)
	require.NoError(t, err)
	_, err = f.eng.ResolveMember(f.ctx, id, 1, "m-3")
	require.NoError(t, err)

	// THEN: The session moves on
	p := f.advance(t, id)
	assert.Equal(t, reconcile.StageDuplicates, p.CurrentStage)
	got, err = f.eng.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.IntegrityIssues)
}

func TestEngine_ResolveMemberRejectsDeletedMember(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", []reconcile.ItemInput{
		{FirstName: "Nobody", LastName: "Known", Date: day, LeaveType: reconcile.LeavePLD, Status: reconcile.StatusApproved},
	})
	require.NoError(t, err)
	f.mem.DeleteMember("m-4")

	_, err = f.eng.ResolveMember(f.ctx, view.ID, 0, "m-4")
	assert.ErrorIs(t, err, reconcile.ErrMemberNotFound)
	assert.True(t, reconcile.IsNotFound(err))

	_, err = f.eng.ResolveMember(f.ctx, view.ID, 0, "m-404")
	assert.ErrorIs(t, err, reconcile.ErrMemberNotFound)
}

// =============================================================================
// OVER-ALLOTMENT DECISIONS
// =============================================================================

func threeApproved() []reconcile.ItemInput {
	var out []reconcile.ItemInput
	for _, m := range []reconcile.MemberID{"m-1", "m-2", "m-3"} {
		out = append(out, reconcile.ItemInput{MemberID: m, Date: day, LeaveType: reconcile.LeaveSDV, Status: reconcile.StatusApproved})
	}
	return out
}

func TestEngine_AdjustmentNeedsOrdering(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.mem.SetYearlyAllotment(cal, 2025, 1)

	// GIVEN: Three approved imports on a day with a yearly allotment of 1
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", threeApproved())
	require.NoError(t, err)
	id := view.ID
	f.advance(t, id)
	f.advance(t, id)

	// WHEN: Raising the allotment to 2 without confirming an order
	p, err := f.eng.AdjustAllotment(f.ctx, id, day, 2)
	require.NoError(t, err)

	// THEN: The date is unresolved
	assert.False(t, p.CanProgress)
	assert.Equal(t, reconcile.UnresolvedNeedsOrder, p.StageData.OverAllotment.Resolution(day))

	_, err = f.eng.ReorderRequests(f.ctx, id, day, []int{2, 0})
	assert.ErrorIs(t, err, reconcile.ErrInvalidOrdering)
	_, err = f.eng.AdjustAllotment(f.ctx, id, day, -1)
	assert.ErrorIs(t, err, reconcile.ErrInvalidInput)

	// WHEN: Confirming an explicit order
	p, err = f.eng.ReorderRequests(f.ctx, id, day, []int{2, 0, 1})
	require.NoError(t, err)

	// THEN: The first two of the order are approved
	a := p.StageData.OverAllotment.Assignments
	assert.Equal(t, reconcile.AssignApproved, a[2].Status)
	assert.Equal(t, reconcile.AssignApproved, a[0].Status)
	assert.Equal(t, reconcile.AssignWaitlisted, a[1].Status)
	assert.Equal(t, 1, a[1].WaitlistPosition)
	assert.True(t, p.CanProgress)

	f.advance(t, id)
	p = f.advance(t, id)
	sum := p.StageData.FinalReview.Summary
	assert.Equal(t, []reconcile.AllotmentDelta{{Date: day, From: 1, To: 2}}, sum.AllotmentDeltas)
	assert.Empty(t, sum.DefaultedDates)
	assert.Equal(t, 2, sum.Approved)
	assert.Equal(t, 1, sum.Waitlisted)

	// WHEN: Committing
	_, err = f.eng.Commit(f.ctx, id, "ops")
	require.NoError(t, err)

	// THEN: The override is persisted as a new per-date row
	allot, err := f.mem.GetAllotment(f.ctx, cal, day)
	require.NoError(t, err)
	assert.Equal(t, 2, allot.MaxAllotment)
	assert.Equal(t, 1, allot.Version)
	audit, err := f.mem.ListAudit(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, audit, 4)
	assert.Equal(t, reconcile.TableAllotments, audit[0].Table)
	assert.Equal(t, reconcile.AuditInsert, audit[0].Action)
}

func TestEngine_SkippedRequestIsNotWritten(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.mem.SetYearlyAllotment(cal, 2025, 1)
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", threeApproved())
	require.NoError(t, err)
	id := view.ID
	f.advance(t, id)
	f.advance(t, id)

	// WHEN: Skipping the first request
	p, err := f.eng.SkipRequest(f.ctx, id, 0)
	require.NoError(t, err)

	// THEN: The next one takes the only slot
	a := p.StageData.OverAllotment.Assignments
	assert.Equal(t, reconcile.AssignSkipped, a[0].Status)
	assert.Equal(t, reconcile.AssignApproved, a[1].Status)
	assert.Equal(t, reconcile.AssignWaitlisted, a[2].Status)

	f.advance(t, id)
	p = f.advance(t, id)
	assert.Equal(t, 1, p.StageData.FinalReview.Summary.SkippedOverAllotment)

	_, err = f.eng.Commit(f.ctx, id, "ops")
	require.NoError(t, err)
	assert.Len(t, f.mem.Requests(), 2)
}

func TestEngine_RequireExplicitReview(t *testing.T) {
	f := newFixture(t, reconcile.Options{RequireExplicitReview: true})
	f.mem.SetYearlyAllotment(cal, 2025, 1)
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", threeApproved())
	require.NoError(t, err)
	id := view.ID
	f.advance(t, id)
	p := f.advance(t, id)

	// THEN: The over-allotted date does not resolve on its own
	assert.False(t, p.CanProgress)
	_, err = f.eng.Advance(f.ctx, id)
	var verr *reconcile.ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Reasons)
	assert.Equal(t, "review_required", verr.Reasons[0].Code)

	p, err = f.eng.ReorderRequests(f.ctx, id, day, []int{0, 1, 2})
	require.NoError(t, err)
	assert.True(t, p.CanProgress)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestEngine_CreateSessionValidation(t *testing.T) {
	f := newFixture(t, reconcile.Options{})

	_, err := f.eng.CreateSession(f.ctx, cal, "ops", nil)
	assert.ErrorIs(t, err, reconcile.ErrInvalidInput)

	_, err = f.eng.CreateSession(f.ctx, "", "ops", threeApproved())
	assert.ErrorIs(t, err, reconcile.ErrInvalidInput)

	_, err = f.eng.CreateSession(f.ctx, cal, "ops", []reconcile.ItemInput{
		{MemberID: "m-1", Date: day, LeaveType: "XYZ", Status: reconcile.StatusApproved},
	})
	var verr *reconcile.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Reasons, 1)
	assert.Equal(t, "invalid_leave_type", verr.Reasons[0].Code)
}

func TestEngine_SessionSurvivesRestart(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	id := f.driveToFinalReview(t)
	before, err := f.eng.Get(f.ctx, id)
	require.NoError(t, err)

	// GIVEN: A second engine over the same staging storage
	restarted := reconcile.NewEngine(f.mem, f.mem, nil, reconcile.Options{}, nil)

	// THEN: It sees the same session
	after, err := restarted.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Progress.CurrentStage, after.Progress.CurrentStage)
	assert.Equal(t, before.Progress.CompletedStages, after.Progress.CompletedStages)
	assert.Equal(t, before.Progress.Revision, after.Progress.Revision)
	assert.Equal(t, before.Progress.StageData.FinalReview.Summary, after.Progress.StageData.FinalReview.Summary)

	// THEN: And can finish it
	result, err := restarted.Commit(f.ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Writes)
}

func TestEngine_DiscardForgetsSession(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", threeApproved())
	require.NoError(t, err)

	require.NoError(t, f.eng.Discard(f.ctx, view.ID))
	require.NoError(t, f.eng.Discard(f.ctx, view.ID), "discard is idempotent")

	_, err = f.eng.Get(f.ctx, view.ID)
	assert.ErrorIs(t, err, reconcile.ErrSessionNotFound)
}

func TestEngine_CheckTransition(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", []reconcile.ItemInput{
		{FirstName: "Nobody", LastName: "Known", Date: day, LeaveType: reconcile.LeavePLD, Status: reconcile.StatusApproved},
	})
	require.NoError(t, err)

	check, err := f.eng.CheckTransition(f.ctx, view.ID, reconcile.StageDuplicates)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, reconcile.DirectionForward, check.Direction)
	require.Len(t, check.Blocking, 1)
	assert.Equal(t, "unresolved_members", check.Blocking[0].Code)
	assert.Equal(t, []int{0}, check.Blocking[0].Items)

	check, err = f.eng.CheckTransition(f.ctx, view.ID, reconcile.StageOverAllotment)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, "skips_stage", check.Blocking[0].Code)
}

func TestEngine_Metrics(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	inputs := threeApproved()
	inputs = append(inputs, reconcile.ItemInput{FirstName: "Nobody", LastName: "Known", Date: day, LeaveType: reconcile.LeavePLD, Status: reconcile.StatusApproved})
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", inputs)
	require.NoError(t, err)

	m, err := f.eng.Metrics(f.ctx, view.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, m.CompletedStages)
	assert.Equal(t, 5, m.TotalStages)
	assert.Equal(t, 1, m.FlaggedItems)
	assert.True(t, m.IntegrityScore.Equal(decimal.NewFromInt(75)), "got %s", m.IntegrityScore)
	assert.True(t, m.CurrentStagePercent.IsZero())
	assert.Equal(t, 45*time.Second, m.EstimatedRemaining)
	require.Len(t, m.Stages, 5)
	assert.Equal(t, 1, m.Stages[0].Unresolved)
	assert.False(t, m.Stages[1].Loaded)
}

// =============================================================================
// ITEM INDICES
// =============================================================================

func TestEngine_UnknownItemIndexRejected(t *testing.T) {
	tests := []struct {
		name     string
		advances int
		call     func(f *fixture, id reconcile.SessionID) error
	}{
		{"resolve member", 0, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.ResolveMember(f.ctx, id, 99, "m-1")
			return err
		}},
		{"skip unmatched", 0, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.SkipUnmatched(f.ctx, id, 99)
			return err
		}},
		{"decide duplicate past the end", 1, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.DecideDuplicate(f.ctx, id, 99, reconcile.DecisionSkip)
			return err
		}},
		{"decide duplicate at item count", 1, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.DecideDuplicate(f.ctx, id, 3, reconcile.DecisionImport)
			return err
		}},
		{"decide duplicate negative", 1, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.DecideDuplicate(f.ctx, id, -1, reconcile.DecisionSkip)
			return err
		}},
		{"skip request", 2, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.SkipRequest(f.ctx, id, 99)
			return err
		}},
		{"restore request", 2, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.RestoreRequest(f.ctx, id, 99)
			return err
		}},
		{"resolve conflict", 3, func(f *fixture, id reconcile.SessionID) error {
			_, err := f.eng.ResolveConflict(f.ctx, id, 99, reconcile.ActionKeepExisting)
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN: A three-item session at the stage the call belongs to
			f := newFixture(t, reconcile.Options{})
			f.mem.SetYearlyAllotment(cal, 2025, 1)
			view, err := f.eng.CreateSession(f.ctx, cal, "ops", threeApproved())
			require.NoError(t, err)
			for range tc.advances {
				f.advance(t, view.ID)
			}
			before, err := f.eng.Get(f.ctx, view.ID)
			require.NoError(t, err)

			// WHEN
			err = tc.call(f, view.ID)

			// THEN: A structured not-found error, and the session is unchanged
			require.ErrorIs(t, err, reconcile.ErrItemNotFound)
			assert.True(t, reconcile.IsNotFound(err))
			var verr *reconcile.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "unknown_item", verr.Code)

			after, err := f.eng.Get(f.ctx, view.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Progress.Revision, after.Progress.Revision)
		})
	}
}

// =============================================================================
// CAPACITY AFTER RECONCILIATION
// =============================================================================

// overlapSession imports m-1 and m-2 approved and m-3 waitlisted on a day with
// an allotment of 2 where m-3 already holds an approved row. The session is
// left in db_reconciliation with a status conflict on item 2.
func (f *fixture) overlapSession(t *testing.T) reconcile.SessionID {
	t.Helper()
	f.mem.PutAllotment(reconcile.Allotment{CalendarID: cal, Date: day, MaxAllotment: 2, Version: 1})
	f.mem.PutRequest(existing("req-3", "m-3", reconcile.StatusApproved, 0, 3))

	pld := reconcile.LeavePLD
	view, err := f.eng.CreateSession(f.ctx, cal, "ops", []reconcile.ItemInput{
		{MemberID: "m-1", Date: day, LeaveType: pld, Status: reconcile.StatusApproved},
		{MemberID: "m-2", Date: day, LeaveType: pld, Status: reconcile.StatusApproved},
		{MemberID: "m-3", Date: day, LeaveType: pld, Status: reconcile.StatusWaitlisted},
	})
	require.NoError(t, err)
	f.advance(t, view.ID)
	f.advance(t, view.ID)
	p := f.advance(t, view.ID)

	require.Equal(t, reconcile.StageDbReconciliation, p.CurrentStage)
	conflicts := p.StageData.DbReconciliation.Conflicts
	require.Len(t, conflicts, 1)
	require.Equal(t, 2, conflicts[0].Index)
	require.Equal(t, reconcile.ConflictStatus, conflicts[0].Kind)
	return view.ID
}

func approvedOn(rows []reconcile.LeaveRequest, date reconcile.Date) int {
	n := 0
	for _, r := range rows {
		if r.Date == date && r.Status == reconcile.StatusApproved {
			n++
		}
	}
	return n
}

func TestEngine_ResolutionsRespectAllotment(t *testing.T) {
	tests := []struct {
		action  reconcile.ResolutionAction
		blocked bool
	}{
		{reconcile.ActionKeepExisting, true},
		{reconcile.ActionSetApproved, true},
		{reconcile.ActionSetWaitlisted, false},
		{reconcile.ActionSetCancelled, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.action), func(t *testing.T) {
			f := newFixture(t, reconcile.Options{})
			id := f.overlapSession(t)

			// WHEN: Resolving the conflict
			p, err := f.eng.ResolveConflict(f.ctx, id, 2, tc.action)
			require.NoError(t, err)

			if tc.blocked {
				// THEN: A third approval would exceed the allotment, so final review is out of reach
				assert.False(t, p.CanProgress)
				_, err = f.eng.Advance(f.ctx, id)
				require.ErrorIs(t, err, reconcile.ErrStageIncomplete)
				var verr *reconcile.ValidationError
				require.ErrorAs(t, err, &verr)
				require.Len(t, verr.Reasons, 1)
				assert.Equal(t, "over_capacity", verr.Reasons[0].Code)
				assert.Equal(t, []int{2}, verr.Reasons[0].Items)
				assert.Equal(t, []reconcile.Date{day}, verr.Reasons[0].Dates)
				return
			}

			// THEN: The batch commits within the allotment
			assert.True(t, p.CanProgress)
			f.advance(t, id)
			_, err = f.eng.Commit(f.ctx, id, "ops")
			require.NoError(t, err)
			assert.Equal(t, 2, approvedOn(f.mem.Requests(), day))
		})
	}
}

func TestEngine_OverCapacityClearsWithAnotherResolution(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	id := f.overlapSession(t)

	// GIVEN: keep_existing blocked on capacity
	p, err := f.eng.ResolveConflict(f.ctx, id, 2, reconcile.ActionKeepExisting)
	require.NoError(t, err)
	require.False(t, p.CanProgress)

	// WHEN: The operator switches to waitlisting the persisted row
	p, err = f.eng.ResolveConflict(f.ctx, id, 2, reconcile.ActionSetWaitlisted)
	require.NoError(t, err)

	// THEN: The stage completes and the summary matches the store afterwards
	require.True(t, p.CanProgress)
	p = f.advance(t, id)
	sum := p.StageData.FinalReview.Summary
	assert.Equal(t, 2, sum.Approved)
	assert.Equal(t, 1, sum.Waitlisted)

	_, err = f.eng.Commit(f.ctx, id, "ops")
	require.NoError(t, err)
	rows := byID(f.mem.Requests())
	assert.Equal(t, reconcile.StatusWaitlisted, rows["req-3"].Status)
	assert.Equal(t, 1, rows["req-3"].WaitlistPosition)
	assert.Equal(t, 2, approvedOn(f.mem.Requests(), day))
}
