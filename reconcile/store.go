/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the engine and the durable store. The engine
  only reads while staging; it writes once, at commit time, inside WithTx.

KEY INTERFACES:
  MemberStore:    member lookup by identity and listing for fuzzy matching
  RequestStore:   leave requests by (calendar, date) and by reconciliation key
  AllotmentStore: capacity by (calendar, date) and by (calendar, year)
  Writer:         transactional upserts + audit append
  TxStore:        Store + WithTx (all-or-nothing)
  SessionStore:   durable staging storage for sessions

ATOMIC COMMIT:
  WithTx runs fn against a Writer. If fn returns an error nothing fn wrote is
  visible afterwards. Upserts are keyed by row identity (request ID,
  calendar+date) so a replayed batch converges to the same state.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - reconcile/store/memory.go: in-memory, snapshot + restore transactions

SEE ALSO:
  - commit.go: the only caller of WithTx in the engine
  - waitlist/validator.go: renumbering writes
*/
package reconcile

import (
	"context"
	"time"
)

// =============================================================================
// READ INTERFACES
// =============================================================================

type MemberStore interface {
	// GetMember returns ErrMemberNotFound if the member does not exist or was deleted.
	GetMember(ctx context.Context, id MemberID) (*Member, error)

	// ListMembers returns every non-deleted member.
	ListMembers(ctx context.Context) ([]Member, error)
}

type RequestStore interface {
	// ListRequestsByDate returns all persisted requests for a calendar day,
	// ordered by creation.
	ListRequestsByDate(ctx context.Context, calendarID CalendarID, date Date) ([]LeaveRequest, error)

	// GetRequestByKey returns the most recent request with the key, or nil.
	GetRequestByKey(ctx context.Context, calendarID CalendarID, key RequestKey) (*LeaveRequest, error)
}

type AllotmentStore interface {
	// GetAllotment falls back to the calendar's yearly default (Version 0).
	GetAllotment(ctx context.Context, calendarID CalendarID, date Date) (Allotment, error)

	// ListAllotments returns the per-date rows of one year.
	ListAllotments(ctx context.Context, calendarID CalendarID, year int) ([]Allotment, error)
}

// Store is everything the engine reads while staging.
type Store interface {
	MemberStore
	RequestStore
	AllotmentStore
}

// =============================================================================
// WRITE INTERFACES
// =============================================================================

// Writer is the transactional view handed to WithTx callbacks.
type Writer interface {
	RequestStore
	AllotmentStore

	// UpsertRequest inserts or replaces the row with r.ID.
	UpsertRequest(ctx context.Context, r LeaveRequest) error

	// UpsertAllotment inserts or replaces the (calendar, date) row.
	UpsertAllotment(ctx context.Context, a Allotment) error

	AppendAudit(ctx context.Context, e AuditEntry) error
}

type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Writer) error) error
}

// =============================================================================
// AUDIT LOG - one entry per mutated row
// =============================================================================

type AuditAction string

const (
	AuditInsert AuditAction = "insert"
	AuditUpdate AuditAction = "update"
)

const (
	TableLeaveRequests = "leave_requests"
	TableAllotments    = "allotments"
)

type AuditEntry struct {
	ID        string      `json:"id"`
	SessionID SessionID   `json:"session_id,omitempty"`
	ActorID   string      `json:"actor_id"`
	Timestamp time.Time   `json:"timestamp"`
	Table     string      `json:"table"`
	RowID     string      `json:"row_id"`
	Action    AuditAction `json:"action"`
	Before    string      `json:"before,omitempty"` // JSON document, empty on insert
	After     string      `json:"after"`
}

type AuditReader interface {
	ListAudit(ctx context.Context, sessionID SessionID) ([]AuditEntry, error)
}

// =============================================================================
// STAGING STORAGE
// =============================================================================

type SessionStore interface {
	SaveSession(ctx context.Context, s *Session) error

	// LoadSession returns ErrSessionNotFound when absent.
	LoadSession(ctx context.Context, id SessionID) (*Session, error)

	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, id SessionID) error
}
