package reconcile

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = NewDate(2025, time.March, 10)

func candidates(n int, status RequestStatus) []PositionCandidate {
	out := make([]PositionCandidate, n)
	for i := range out {
		out[i] = PositionCandidate{Index: i, OriginalStatus: status}
	}
	return out
}

func byIndex(as []Assignment) map[int]Assignment {
	out := make(map[int]Assignment, len(as))
	for _, a := range as {
		out[a.Index] = a
	}
	return out
}

func countStatus(as []Assignment, status AssignmentStatus) int {
	n := 0
	for _, a := range as {
		if a.Status == status {
			n++
		}
	}
	return n
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAssignPositions_PositionsAndApprovedCount(t *testing.T) {
	for n := 0; n <= 6; n++ {
		for limit := 0; limit <= 7; limit++ {
			for skipMask := 0; skipMask < 1<<n; skipMask++ {
				cands := candidates(n, StatusApproved)
				active := 0
				for i := range cands {
					cands[i].Skipped = skipMask&(1<<i) != 0
					if !cands[i].Skipped {
						active++
					}
				}

				got := AssignPositions(testDate, cands, limit, nil)

				require.Len(t, got, n)
				next := 1
				for _, a := range got {
					if a.Status == AssignSkipped {
						assert.Zero(t, a.Position)
						continue
					}
					assert.Equal(t, next, a.Position, "positions increase by one per active item")
					if a.Status == AssignWaitlisted {
						assert.Equal(t, a.Position-limit, a.WaitlistPosition)
					}
					next++
				}
				assert.Equal(t, min(limit, active), countStatus(got, AssignApproved))
			}
		}
	}
}

func TestAssignPositions_Idempotent(t *testing.T) {
	cands := candidates(5, StatusApproved)
	cands[2].Skipped = true

	first := AssignPositions(testDate, cands, 2, nil)
	second := AssignPositions(testDate, cands, 2, nil)
	assert.Equal(t, first, second)

	// Feeding the result back as previous changes nothing either.
	third := AssignPositions(testDate, cands, 2, byIndex(first))
	assert.Equal(t, first, third)
}

func TestAssignPositions_ReorderThenReverseRestores(t *testing.T) {
	cands := candidates(5, StatusWaitlisted)
	original := AssignPositions(testDate, cands, 3, nil)

	reordered := slices.Clone(cands)
	slices.Reverse(reordered)
	AssignPositions(testDate, reordered, 3, nil)

	restored := AssignPositions(testDate, cands, 3, nil)
	assert.Equal(t, original, restored)
}

func TestAssignPositions_NegativeLimitApprovesNothing(t *testing.T) {
	got := AssignPositions(testDate, candidates(2, StatusApproved), -1, nil)
	assert.Equal(t, 0, countStatus(got, AssignApproved))
	assert.Equal(t, 1, got[0].WaitlistPosition)
}

// =============================================================================
// WORKED EXAMPLES
// =============================================================================

func TestAssignPositions_FiveRequestsThreeSlots(t *testing.T) {
	// GIVEN: 5 approved requests, allotment 3, no ordering or adjustment
	got := byIndex(AssignPositions(testDate, candidates(5, StatusApproved), 3, nil))

	// THEN: 1-3 approved, 4-5 waitlisted at 1-2
	for i := 0; i < 3; i++ {
		assert.Equal(t, AssignApproved, got[i].Status)
		assert.Equal(t, i+1, got[i].Position)
		assert.False(t, got[i].HasStatusChange)
	}
	assert.Equal(t, AssignWaitlisted, got[3].Status)
	assert.Equal(t, 1, got[3].WaitlistPosition)
	assert.Equal(t, AssignWaitlisted, got[4].Status)
	assert.Equal(t, 2, got[4].WaitlistPosition)
	assert.True(t, got[3].HasStatusChange)
	assert.True(t, got[4].HasStatusChange)
}

func TestAssignPositions_OverrideKeepsChangeFlag(t *testing.T) {
	// GIVEN: The five-request date computed at allotment 3
	cands := candidates(5, StatusApproved)
	first := AssignPositions(testDate, cands, 3, nil)

	// WHEN: The operator overrides the allotment to 5
	got := byIndex(AssignPositions(testDate, cands, 5, byIndex(first)))

	// THEN: All approved; items 4 and 5 keep their change flag
	for i := 0; i < 5; i++ {
		assert.Equal(t, AssignApproved, got[i].Status)
	}
	assert.False(t, got[0].HasStatusChange)
	assert.False(t, got[2].HasStatusChange)
	assert.True(t, got[3].HasStatusChange)
	assert.True(t, got[4].HasStatusChange)
}

func TestAssignPositions_SkipExcludedFromCapacity(t *testing.T) {
	// GIVEN: Five requests, allotment 3, the second one skipped
	cands := candidates(5, StatusApproved)
	cands[1].Skipped = true

	got := byIndex(AssignPositions(testDate, cands, 3, nil))

	// THEN: The other four renumber 1-4: three approved, one waitlisted
	assert.Equal(t, AssignSkipped, got[1].Status)
	assert.Equal(t, []int{1, 2, 3, 4}, []int{got[0].Position, got[2].Position, got[3].Position, got[4].Position})
	assert.Equal(t, AssignApproved, got[3].Status)
	assert.Equal(t, AssignWaitlisted, got[4].Status)
	assert.Equal(t, 1, got[4].WaitlistPosition)
}

// =============================================================================
// DATE PLAN
// =============================================================================

func TestPlanDate_PromotesExistingWaitlistFirst(t *testing.T) {
	// GIVEN: One existing approval, two existing waitlisted rows, limit 3
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := dateContext{
		Date:             testDate,
		Limit:            3,
		ExistingApproved: []LeaveRequest{{ID: "a", Status: StatusApproved}},
		ExistingWaitlisted: []LeaveRequest{
			{ID: "w2", Status: StatusWaitlisted, WaitlistPosition: 4, CreatedAt: created},
			{ID: "w1", Status: StatusWaitlisted, WaitlistPosition: 1, CreatedAt: created},
		},
		Order: candidates(2, StatusApproved),
	}

	plan := planDate(ctx, nil)

	// THEN: Both free slots go to the existing waitlist, imports queue behind it
	require.Len(t, plan.Promoted, 2)
	assert.Equal(t, RequestID("w1"), plan.Promoted[0].ID)
	assert.Equal(t, RequestID("w2"), plan.Promoted[1].ID)
	assert.Empty(t, plan.Remaining)
	assert.Equal(t, 0, plan.ImportLimit)
	assert.Equal(t, map[int]int{0: 1, 1: 2}, plan.StorePositions)
}

func TestPlanDate_NeverDemotesExistingApprovals(t *testing.T) {
	// GIVEN: Three existing approvals but a limit of 2
	ctx := dateContext{
		Date:  testDate,
		Limit: 2,
		ExistingApproved: []LeaveRequest{
			{ID: "a"}, {ID: "b"}, {ID: "c"},
		},
		ExistingWaitlisted: []LeaveRequest{{ID: "w", WaitlistPosition: 3}},
		Order:              candidates(1, StatusApproved),
	}

	plan := planDate(ctx, nil)

	// THEN: Nothing is promoted, the waitlist renumbers from 1, the import queues after it
	assert.Empty(t, plan.Promoted)
	require.Len(t, plan.Remaining, 1)
	assert.Equal(t, 1, plan.Remaining[0].WaitlistPosition)
	assert.Equal(t, AssignWaitlisted, plan.Assignments[0].Status)
	assert.Equal(t, 2, plan.StorePositions[0])
}
