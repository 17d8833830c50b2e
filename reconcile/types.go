/*
Package reconcile implements the staged leave-import reconciliation engine.

PURPOSE:
  A third-party calendar export (already normalized into item records) is
  walked through five stages before anything touches the operational store:

    unmatched -> duplicates -> over_allotment -> db_reconciliation -> final_review

  Each stage owns its resolution data. The session only commits when every
  stage is satisfied, either explicitly by the operator or by a well-defined
  default, and the commit is applied as one logical unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - ImportItem: one imported leave-day request, identified by OriginalIndex
  - Member, LeaveRequest, Allotment: operational store records
  - RequestKey: (member, date, leave type), the reconciliation key

DESIGN PRINCIPLES:
  1. Items are never removed from a session, only flagged (skipped).
  2. Everything except store fetches and the final commit is pure and
     synchronous, so recomputation in the UI never diverges from what the
     commit persists.
  3. Business conditions (over-allotment, duplicates, conflicts) are states,
     not errors.

SEE ALSO:
  - session.go: StagedSession aggregate root
  - allotment.go: position/waitlist algorithm
  - machine.go: stage transitions
  - commit.go: commit planner and executor
*/
package reconcile

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type CalendarID string
type SessionID string
type RequestID string

// =============================================================================
// LEAVE TYPES AND STATUSES
// =============================================================================

// LeaveType is the closed set of single-day leave types the calendar tracks.
type LeaveType string

const (
	LeavePLD LeaveType = "PLD" // personal leave day
	LeaveSDV LeaveType = "SDV" // single day vacation
)

func (t LeaveType) Valid() bool {
	return t == LeavePLD || t == LeaveSDV
}

// RequestStatus is shared by persisted requests and import-stated statuses.
type RequestStatus string

const (
	StatusPending     RequestStatus = "pending"
	StatusApproved    RequestStatus = "approved"
	StatusWaitlisted  RequestStatus = "waitlisted"
	StatusDenied      RequestStatus = "denied"
	StatusCancelled   RequestStatus = "cancelled"
	StatusTransferred RequestStatus = "transferred"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusWaitlisted, StatusDenied, StatusCancelled, StatusTransferred:
		return true
	}
	return false
}

// OccupiesSlot reports whether a persisted request counts against the allotment
// or holds a waitlist rank.
func (s RequestStatus) OccupiesSlot() bool {
	return s == StatusApproved || s == StatusWaitlisted
}

// =============================================================================
// OPERATIONAL STORE RECORDS
// =============================================================================

type Member struct {
	ID             MemberID  `json:"id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	EmployeeNumber string    `json:"employee_number,omitempty"`
	SeniorityDate  time.Time `json:"seniority_date"`
	Deleted        bool      `json:"deleted,omitempty"`
}

func (m Member) DisplayName() string {
	return m.LastName + ", " + m.FirstName
}

// RequestKey identifies "the same request" across the import and the store.
type RequestKey struct {
	MemberID  MemberID
	Date      Date
	LeaveType LeaveType
}

type LeaveRequest struct {
	ID               RequestID     `json:"id"`
	CalendarID       CalendarID    `json:"calendar_id"`
	MemberID         MemberID      `json:"member_id"`
	Date             Date          `json:"date"`
	LeaveType        LeaveType     `json:"leave_type"`
	Status           RequestStatus `json:"status"`
	WaitlistPosition int           `json:"waitlist_position,omitempty"`
	Source           string        `json:"source,omitempty"`
	Version          int           `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (r LeaveRequest) Key() RequestKey {
	return RequestKey{MemberID: r.MemberID, Date: r.Date, LeaveType: r.LeaveType}
}

// Allotment is the approval capacity for one calendar day. A Version of 0
// means the value is the calendar's yearly default and no per-date row exists.
type Allotment struct {
	CalendarID   CalendarID `json:"calendar_id"`
	Date         Date       `json:"date"`
	MaxAllotment int        `json:"max_allotment"`
	Version      int        `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// =============================================================================
// IMPORT ITEM
// =============================================================================

// ItemInput is one normalized record from the calendar export.
type ItemInput struct {
	MemberID       MemberID      `json:"member_id,omitempty" yaml:"member_id"`
	EmployeeNumber string        `json:"employee_number,omitempty" yaml:"employee_number"`
	FirstName      string        `json:"first_name,omitempty" yaml:"first_name"`
	LastName       string        `json:"last_name,omitempty" yaml:"last_name"`
	Date           Date          `json:"date" yaml:"date"`
	LeaveType      LeaveType     `json:"leave_type" yaml:"leave_type"`
	Status         RequestStatus `json:"status" yaml:"status"`
	Source         string        `json:"source,omitempty" yaml:"source"`
}

// ImportItem is an ItemInput frozen into a session. OriginalIndex is its
// identity for the lifetime of the session.
type ImportItem struct {
	OriginalIndex  int           `json:"original_index"`
	MemberID       MemberID      `json:"member_id,omitempty"`
	EmployeeNumber string        `json:"employee_number,omitempty"`
	FirstName      string        `json:"first_name,omitempty"`
	LastName       string        `json:"last_name,omitempty"`
	Date           Date          `json:"date"`
	LeaveType      LeaveType     `json:"leave_type"`
	OriginalStatus RequestStatus `json:"original_status"`
	Source         string        `json:"source,omitempty"`
}

func (it ImportItem) RawName() string {
	switch {
	case it.LastName != "" && it.FirstName != "":
		return it.LastName + ", " + it.FirstName
	case it.LastName != "":
		return it.LastName
	default:
		return it.FirstName
	}
}
