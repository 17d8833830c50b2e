/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the reconciliation engine using
  SQLite. In production, the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

INTERFACES IMPLEMENTED:
  reconcile.TxStore:      members, leave requests, allotments + WithTx
  reconcile.Writer:       transactional upserts and audit append (inside WithTx)
  reconcile.SessionStore: staged sessions, stored as JSON documents
  reconcile.AuditReader:  audit log by session

KEY TABLES:
  members:           Operational member records (soft delete)
  leave_requests:    One row per leave-day request
  allotments:        Per-date capacity overrides
  yearly_allotments: Default capacity per calendar and year
  audit_log:         One row per mutated request/allotment row
  staged_sessions:   Import sessions until committed or discarded

INDEXES:
  - idx_leave_requests_calendar_date: stage population and commit re-read (hot path)
  - idx_leave_requests_key: database reconciliation lookups by request key
  - idx_audit_session: audit listing per import

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so
  ":memory:" databases are shared by every caller. In production with
  PostgreSQL, database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := reconcile.NewEngine(store, store, nil, reconcile.Options{}, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - reconcile/store.go: Interface definitions
  - reconcile/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/leave-import/reconcile"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		employee_number TEXT,
		seniority_date TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_employee_number
		ON members(employee_number) WHERE employee_number IS NOT NULL;

	-- Leave requests
	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		date TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		status TEXT NOT NULL,
		waitlist_position INTEGER NOT NULL DEFAULT 0,
		source TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_calendar_date
		ON leave_requests(calendar_id, date);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_key
		ON leave_requests(calendar_id, member_id, date, leave_type);

	-- Per-date allotments
	CREATE TABLE IF NOT EXISTS allotments (
		calendar_id TEXT NOT NULL,
		date TEXT NOT NULL,
		max_allotment INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (calendar_id, date)
	);

	-- Yearly default allotments
	CREATE TABLE IF NOT EXISTS yearly_allotments (
		calendar_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		max_allotment INTEGER NOT NULL,
		PRIMARY KEY (calendar_id, year)
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		actor_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		action TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session
		ON audit_log(session_id) WHERE session_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_row
		ON audit_log(table_name, row_id);

	-- Staged import sessions
	CREATE TABLE IF NOT EXISTS staged_sessions (
		id TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		revision INTEGER NOT NULL,
		committed INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_staged_sessions_calendar
		ON staged_sessions(calendar_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// =============================================================================
// MEMBER STORE (reconcile.MemberStore interface)
// =============================================================================

// SaveMember inserts or updates a member.
func (s *Store) SaveMember(ctx context.Context, m reconcile.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO members (id, first_name, last_name, employee_number, seniority_date, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			employee_number = excluded.employee_number,
			seniority_date = excluded.seniority_date,
			deleted = excluded.deleted
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.FirstName, m.LastName,
		nullString(m.EmployeeNumber),
		formatTime(m.SeniorityDate),
		m.Deleted,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// DeleteMember soft-deletes a member so historical requests keep their owner.
func (s *Store) DeleteMember(ctx context.Context, id reconcile.MemberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "UPDATE members SET deleted = 1 WHERE id = ?", id)
	return err
}

// GetMember retrieves a live member by ID.
func (s *Store) GetMember(ctx context.Context, id reconcile.MemberID) (*reconcile.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, employee_number, seniority_date, deleted
		FROM members WHERE id = ? AND deleted = 0`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", id, reconcile.ErrMemberNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers returns every live member ordered by name.
func (s *Store) ListMembers(ctx context.Context) ([]reconcile.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, employee_number, seniority_date, deleted
		FROM members WHERE deleted = 0
		ORDER BY last_name, first_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []reconcile.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (reconcile.Member, error) {
	var m reconcile.Member
	var empNo, seniority sql.NullString
	if err := row.Scan(&m.ID, &m.FirstName, &m.LastName, &empNo, &seniority, &m.Deleted); err != nil {
		return m, err
	}
	m.EmployeeNumber = empNo.String
	m.SeniorityDate = parseTime(seniority.String)
	return m, nil
}

// =============================================================================
// REQUEST STORE (reconcile.RequestStore interface)
// =============================================================================

const requestColumns = `id, calendar_id, member_id, date, leave_type, status,
	waitlist_position, source, version, created_at, updated_at`

// SaveRequest inserts or replaces a request outside any import (seeding, tools).
func (s *Store) SaveRequest(ctx context.Context, r reconcile.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertRequest(ctx, s.db, r)
}

func (s *Store) ListRequestsByDate(ctx context.Context, calendarID reconcile.CalendarID, date reconcile.Date) ([]reconcile.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRequestsByDate(ctx, s.db, calendarID, date)
}

func (s *Store) GetRequestByKey(ctx context.Context, calendarID reconcile.CalendarID, key reconcile.RequestKey) (*reconcile.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRequestByKey(ctx, s.db, calendarID, key)
}

func upsertRequest(ctx context.Context, q queryer, r reconcile.LeaveRequest) error {
	query := `
		INSERT INTO leave_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			waitlist_position = excluded.waitlist_position,
			source = excluded.source,
			version = excluded.version,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		r.ID, r.CalendarID, r.MemberID, r.Date.String(), r.LeaveType, r.Status,
		r.WaitlistPosition, nullString(r.Source), r.Version,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert request %s: %w", r.ID, err)
	}
	return nil
}

func listRequestsByDate(ctx context.Context, q queryer, calendarID reconcile.CalendarID, date reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return queryRequests(ctx, q, `
		SELECT `+requestColumns+`
		FROM leave_requests
		WHERE calendar_id = ? AND date = ?
		ORDER BY created_at, id`, calendarID, date.String())
}

func getRequestByKey(ctx context.Context, q queryer, calendarID reconcile.CalendarID, key reconcile.RequestKey) (*reconcile.LeaveRequest, error) {
	reqs, err := queryRequests(ctx, q, `
		SELECT `+requestColumns+`
		FROM leave_requests
		WHERE calendar_id = ? AND member_id = ? AND date = ? AND leave_type = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, calendarID, key.MemberID, key.Date.String(), key.LeaveType)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func queryRequests(ctx context.Context, q queryer, query string, args ...any) ([]reconcile.LeaveRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.LeaveRequest
	for rows.Next() {
		var r reconcile.LeaveRequest
		var date, createdAt, updatedAt string
		var source sql.NullString
		if err := rows.Scan(&r.ID, &r.CalendarID, &r.MemberID, &date, &r.LeaveType, &r.Status,
			&r.WaitlistPosition, &source, &r.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if r.Date, err = reconcile.ParseDate(date); err != nil {
			return nil, fmt.Errorf("request %s: %w", r.ID, err)
		}
		r.Source = source.String
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// ALLOTMENT STORE (reconcile.AllotmentStore interface)
// =============================================================================

// SetYearlyAllotment sets the default capacity for dates without their own row.
func (s *Store) SetYearlyAllotment(ctx context.Context, calendarID reconcile.CalendarID, year, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO yearly_allotments (calendar_id, year, max_allotment) VALUES (?, ?, ?)
		ON CONFLICT(calendar_id, year) DO UPDATE SET max_allotment = excluded.max_allotment`,
		calendarID, year, max)
	return err
}

// SaveAllotment writes a per-date row outside any import (seeding, tools).
func (s *Store) SaveAllotment(ctx context.Context, a reconcile.Allotment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertAllotment(ctx, s.db, a)
}

func (s *Store) GetAllotment(ctx context.Context, calendarID reconcile.CalendarID, date reconcile.Date) (reconcile.Allotment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAllotment(ctx, s.db, calendarID, date)
}

func (s *Store) ListAllotments(ctx context.Context, calendarID reconcile.CalendarID, year int) ([]reconcile.Allotment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAllotments(ctx, s.db, calendarID, year)
}

func upsertAllotment(ctx context.Context, q queryer, a reconcile.Allotment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO allotments (calendar_id, date, max_allotment, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(calendar_id, date) DO UPDATE SET
			max_allotment = excluded.max_allotment,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		a.CalendarID, a.Date.String(), a.MaxAllotment, a.Version, formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert allotment %s/%s: %w", a.CalendarID, a.Date, err)
	}
	return nil
}

func getAllotment(ctx context.Context, q queryer, calendarID reconcile.CalendarID, date reconcile.Date) (reconcile.Allotment, error) {
	a := reconcile.Allotment{CalendarID: calendarID, Date: date}
	var updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT max_allotment, version, updated_at FROM allotments
		WHERE calendar_id = ? AND date = ?`, calendarID, date.String(),
	).Scan(&a.MaxAllotment, &a.Version, &updatedAt)
	if err == nil {
		a.UpdatedAt = parseTime(updatedAt)
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return a, err
	}

	// Fall back to the yearly default (Version 0).
	err = q.QueryRowContext(ctx, `
		SELECT max_allotment FROM yearly_allotments
		WHERE calendar_id = ? AND year = ?`, calendarID, date.Year,
	).Scan(&a.MaxAllotment)
	if errors.Is(err, sql.ErrNoRows) {
		return a, nil
	}
	return a, err
}

func listAllotments(ctx context.Context, q queryer, calendarID reconcile.CalendarID, year int) ([]reconcile.Allotment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT date, max_allotment, version, updated_at FROM allotments
		WHERE calendar_id = ? AND date >= ? AND date < ?
		ORDER BY date`,
		calendarID, fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.Allotment
	for rows.Next() {
		a := reconcile.Allotment{CalendarID: calendarID}
		var date, updatedAt string
		if err := rows.Scan(&date, &a.MaxAllotment, &a.Version, &updatedAt); err != nil {
			return nil, err
		}
		if a.Date, err = reconcile.ParseDate(date); err != nil {
			return nil, err
		}
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (reconcile.AuditReader interface)
// =============================================================================

func appendAudit(ctx context.Context, q queryer, e reconcile.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, session_id, actor_id, timestamp, table_name, row_id, action, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(string(e.SessionID)), e.ActorID, formatTime(e.Timestamp),
		e.Table, e.RowID, e.Action, nullString(e.Before), e.After)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("audit entry %s already recorded: %w", e.ID, err)
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the audit entries of one import session, oldest first.
// An empty session ID lists every entry.
func (s *Store) ListAudit(ctx context.Context, sessionID reconcile.SessionID) ([]reconcile.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, session_id, actor_id, timestamp, table_name, row_id, action, before_json, after_json
		FROM audit_log`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY timestamp, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.AuditEntry
	for rows.Next() {
		var e reconcile.AuditEntry
		var session, before sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &session, &e.ActorID, &ts, &e.Table, &e.RowID, &e.Action, &before, &e.After); err != nil {
			return nil, err
		}
		e.SessionID = reconcile.SessionID(session.String)
		e.Before = before.String
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (reconcile.TxStore interface)
// =============================================================================

// WithTx executes fn within a transaction.
// If fn returns error, transaction is rolled back.
// If fn returns nil, transaction is committed.
func (s *Store) WithTx(ctx context.Context, fn func(w reconcile.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) ListRequestsByDate(ctx context.Context, calendarID reconcile.CalendarID, date reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return listRequestsByDate(ctx, ts.tx, calendarID, date)
}

func (ts *txStore) GetRequestByKey(ctx context.Context, calendarID reconcile.CalendarID, key reconcile.RequestKey) (*reconcile.LeaveRequest, error) {
	return getRequestByKey(ctx, ts.tx, calendarID, key)
}

func (ts *txStore) GetAllotment(ctx context.Context, calendarID reconcile.CalendarID, date reconcile.Date) (reconcile.Allotment, error) {
	return getAllotment(ctx, ts.tx, calendarID, date)
}

func (ts *txStore) ListAllotments(ctx context.Context, calendarID reconcile.CalendarID, year int) ([]reconcile.Allotment, error) {
	return listAllotments(ctx, ts.tx, calendarID, year)
}

func (ts *txStore) UpsertRequest(ctx context.Context, r reconcile.LeaveRequest) error {
	return upsertRequest(ctx, ts.tx, r)
}

func (ts *txStore) UpsertAllotment(ctx context.Context, a reconcile.Allotment) error {
	return upsertAllotment(ctx, ts.tx, a)
}

func (ts *txStore) AppendAudit(ctx context.Context, e reconcile.AuditEntry) error {
	return appendAudit(ctx, ts.tx, e)
}

// =============================================================================
// STAGING STORAGE (reconcile.SessionStore interface)
// =============================================================================

// SaveSession stores the full session document.
func (s *Store) SaveSession(ctx context.Context, sess *reconcile.Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO staged_sessions (id, calendar_id, current_stage, revision, committed, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_stage = excluded.current_stage,
			revision = excluded.revision,
			committed = excluded.committed,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		sess.ID(), sess.CalendarID(), sess.CurrentStage(), sess.Revision(), sess.Committed(),
		string(state), formatTime(sess.LastModified()))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession returns reconcile.ErrSessionNotFound when absent.
func (s *Store) LoadSession(ctx context.Context, id reconcile.SessionID) (*reconcile.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state string
	err := s.db.QueryRowContext(ctx, "SELECT state_json FROM staged_sessions WHERE id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, reconcile.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess reconcile.Session
	if err := json.Unmarshal([]byte(state), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// DeleteSession is idempotent.
func (s *Store) DeleteSession(ctx context.Context, id reconcile.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM staged_sessions WHERE id = ?", id)
	return err
}

// SessionSummary is one row of the staged session listing.
type SessionSummary struct {
	ID           reconcile.SessionID  `json:"id"`
	CalendarID   reconcile.CalendarID `json:"calendar_id"`
	CurrentStage reconcile.Stage      `json:"current_stage"`
	Revision     int                  `json:"revision"`
	Committed    bool                 `json:"committed"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// ListSessions returns staged sessions, most recently touched first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, calendar_id, current_stage, revision, committed, updated_at
		FROM staged_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var updatedAt string
		if err := rows.Scan(&sum.ID, &sum.CalendarID, &sum.CurrentStage, &sum.Revision, &sum.Committed, &updatedAt); err != nil {
			return nil, err
		}
		sum.UpdatedAt = parseTime(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "leave_requests", "allotments", "yearly_allotments", "members", "staged_sessions"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ reconcile.TxStore      = (*Store)(nil)
	_ reconcile.Writer       = (*txStore)(nil)
	_ reconcile.SessionStore = (*Store)(nil)
	_ reconcile.AuditReader  = (*Store)(nil)
)
