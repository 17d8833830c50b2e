package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-import/reconcile"
)

var day = reconcile.NewDate(2025, time.March, 10)

func request(id reconcile.RequestID, member reconcile.MemberID, created time.Time) reconcile.LeaveRequest {
	return reconcile.LeaveRequest{
		ID:         id,
		CalendarID: "cal-1",
		MemberID:   member,
		Date:       day,
		LeaveType:  reconcile.LeavePLD,
		Status:     reconcile.StatusApproved,
		Version:    1,
		CreatedAt:  created,
	}
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutRequest(request("r-1", "m-1", time.Now()))

	// WHEN: The callback writes then fails
	errBoom := errors.New("boom")
	err := m.WithTx(ctx, func(w reconcile.Writer) error {
		require.NoError(t, w.UpsertRequest(ctx, request("r-2", "m-2", time.Now())))
		require.NoError(t, w.AppendAudit(ctx, reconcile.AuditEntry{ID: "a-1", RowID: "r-2"}))
		return errBoom
	})

	// THEN: Neither write is visible
	assert.ErrorIs(t, err, errBoom)
	assert.Len(t, m.Requests(), 1)
	audit, err := m.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestMemory_FailWritesAfter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	errFull := errors.New("full")
	m.FailWritesAfter(1, errFull)

	err := m.WithTx(ctx, func(w reconcile.Writer) error {
		if err := w.UpsertRequest(ctx, request("r-1", "m-1", time.Now())); err != nil {
			return err
		}
		return w.UpsertRequest(ctx, request("r-2", "m-2", time.Now()))
	})
	assert.ErrorIs(t, err, errFull)
	assert.Empty(t, m.Requests())

	m.FailWritesAfter(-1, nil)
	err = m.WithTx(ctx, func(w reconcile.Writer) error {
		return w.UpsertRequest(ctx, request("r-1", "m-1", time.Now()))
	})
	require.NoError(t, err)
	assert.Len(t, m.Requests(), 1)
}

func TestMemory_AllotmentFallsBackToYearlyDefault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetYearlyAllotment("cal-1", 2025, 4)

	a, err := m.GetAllotment(ctx, "cal-1", day)
	require.NoError(t, err)
	assert.Equal(t, 4, a.MaxAllotment)
	assert.Zero(t, a.Version)

	m.PutAllotment(reconcile.Allotment{CalendarID: "cal-1", Date: day, MaxAllotment: 6, Version: 3})
	a, err = m.GetAllotment(ctx, "cal-1", day)
	require.NoError(t, err)
	assert.Equal(t, 6, a.MaxAllotment)

	rows, err := m.ListAllotments(ctx, "cal-1", 2025)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMemory_GetRequestByKeyReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.PutRequest(request("r-old", "m-1", t0))
	m.PutRequest(request("r-new", "m-1", t0.Add(time.Hour)))

	got, err := m.GetRequestByKey(ctx, "cal-1", reconcile.RequestKey{MemberID: "m-1", Date: day, LeaveType: reconcile.LeavePLD})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, reconcile.RequestID("r-new"), got.ID)

	got, err = m.GetRequestByKey(ctx, "cal-1", reconcile.RequestKey{MemberID: "m-2", Date: day, LeaveType: reconcile.LeavePLD})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_DeletedMembersAreHidden(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutMember(reconcile.Member{ID: "m-1", FirstName: "Amy", LastName: "Baker"})
	m.PutMember(reconcile.Member{ID: "m-2", FirstName: "Ben", LastName: "Cole"})
	m.DeleteMember("m-2")

	members, err := m.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, reconcile.MemberID("m-1"), members[0].ID)

	_, err = m.GetMember(ctx, "m-2")
	assert.ErrorIs(t, err, reconcile.ErrMemberNotFound)
}

func TestMemory_MissingSession(t *testing.T) {
	m := NewMemory()
	_, err := m.LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, reconcile.ErrSessionNotFound)
	assert.NoError(t, m.DeleteSession(context.Background(), "nope"))
}
