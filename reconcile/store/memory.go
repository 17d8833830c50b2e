// Package store provides an in-memory implementation of the reconcile store
// interfaces.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/warp/leave-import/reconcile"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	members    map[reconcile.MemberID]reconcile.Member
	requests   map[reconcile.RequestID]reconcile.LeaveRequest
	allotments map[allotmentKey]reconcile.Allotment
	defaults   map[yearKey]int
	audit      []reconcile.AuditEntry
	sessions   map[reconcile.SessionID][]byte

	// write fault injection (tests)
	failAfter int
	failErr   error
	writes    int
}

type allotmentKey struct {
	Calendar reconcile.CalendarID
	Date     reconcile.Date
}

type yearKey struct {
	Calendar reconcile.CalendarID
	Year     int
}

func NewMemory() *Memory {
	return &Memory{
		members:    make(map[reconcile.MemberID]reconcile.Member),
		requests:   make(map[reconcile.RequestID]reconcile.LeaveRequest),
		allotments: make(map[allotmentKey]reconcile.Allotment),
		defaults:   make(map[yearKey]int),
		sessions:   make(map[reconcile.SessionID][]byte),
		failAfter:  -1,
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutMember(mem reconcile.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[mem.ID] = mem
}

// DeleteMember soft-deletes a member.
func (m *Memory) DeleteMember(id reconcile.MemberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.members[id]; ok {
		mem.Deleted = true
		m.members[id] = mem
	}
}

func (m *Memory) PutRequest(r reconcile.LeaveRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
}

func (m *Memory) PutAllotment(a reconcile.Allotment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allotments[allotmentKey{a.CalendarID, a.Date}] = a
}

// SetYearlyAllotment sets the capacity used for dates without their own row.
func (m *Memory) SetYearlyAllotment(calendarID reconcile.CalendarID, year, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[yearKey{calendarID, year}] = max
}

// FailWritesAfter makes the (n+1)th write from now fail with err. n < 0
// disables injection.
func (m *Memory) FailWritesAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.failErr = err
	m.writes = 0
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id reconcile.MemberID) (*reconcile.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok || mem.Deleted {
		return nil, fmt.Errorf("member %s: %w", id, reconcile.ErrMemberNotFound)
	}
	return &mem, nil
}

func (m *Memory) ListMembers(_ context.Context) ([]reconcile.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconcile.Member
	for _, mem := range m.members {
		if !mem.Deleted {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListRequestsByDate(_ context.Context, calendarID reconcile.CalendarID, date reconcile.Date) ([]reconcile.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestsByDateLocked(calendarID, date), nil
}

func (m *Memory) requestsByDateLocked(calendarID reconcile.CalendarID, date reconcile.Date) []reconcile.LeaveRequest {
	var out []reconcile.LeaveRequest
	for _, r := range m.requests {
		if r.CalendarID == calendarID && r.Date == date {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out
}

func (m *Memory) GetRequestByKey(_ context.Context, calendarID reconcile.CalendarID, key reconcile.RequestKey) (*reconcile.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestByKeyLocked(calendarID, key), nil
}

func (m *Memory) requestByKeyLocked(calendarID reconcile.CalendarID, key reconcile.RequestKey) *reconcile.LeaveRequest {
	var found *reconcile.LeaveRequest
	for _, r := range m.requestsByDateLocked(calendarID, key.Date) {
		if r.Key() == key {
			found = &r
		}
	}
	return found
}

func (m *Memory) GetAllotment(_ context.Context, calendarID reconcile.CalendarID, date reconcile.Date) (reconcile.Allotment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allotmentLocked(calendarID, date), nil
}

func (m *Memory) allotmentLocked(calendarID reconcile.CalendarID, date reconcile.Date) reconcile.Allotment {
	if a, ok := m.allotments[allotmentKey{calendarID, date}]; ok {
		return a
	}
	return reconcile.Allotment{
		CalendarID:   calendarID,
		Date:         date,
		MaxAllotment: m.defaults[yearKey{calendarID, date.Year}],
	}
}

func (m *Memory) ListAllotments(_ context.Context, calendarID reconcile.CalendarID, year int) ([]reconcile.Allotment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconcile.Allotment
	for k, a := range m.allotments {
		if k.Calendar == calendarID && k.Date.Year == year {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) ListAudit(_ context.Context, sessionID reconcile.SessionID) ([]reconcile.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconcile.AuditEntry
	for _, e := range m.audit {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Requests returns every stored request ordered by date then creation (tests).
func (m *Memory) Requests() []reconcile.LeaveRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.requests))
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortByCreation(reqs []reconcile.LeaveRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// =============================================================================
// WRITES - only through WithTx
// =============================================================================

func (m *Memory) checkFaultLocked() error {
	if m.failAfter < 0 {
		return nil
	}
	if m.writes >= m.failAfter {
		return m.failErr
	}
	m.writes++
	return nil
}

func (m *Memory) upsertRequestLocked(r reconcile.LeaveRequest) error {
	if err := m.checkFaultLocked(); err != nil {
		return err
	}
	m.requests[r.ID] = r
	return nil
}

func (m *Memory) upsertAllotmentLocked(a reconcile.Allotment) error {
	if err := m.checkFaultLocked(); err != nil {
		return err
	}
	m.allotments[allotmentKey{a.CalendarID, a.Date}] = a
	return nil
}

func (m *Memory) appendAuditLocked(e reconcile.AuditEntry) error {
	if err := m.checkFaultLocked(); err != nil {
		return err
	}
	m.audit = append(m.audit, e)
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(reconcile.Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Snapshot current state
	snap := m.snapshot()

	if err := fn(&txView{parent: m}); err != nil {
		// Rollback
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	requests   map[reconcile.RequestID]reconcile.LeaveRequest
	allotments map[allotmentKey]reconcile.Allotment
	audit      []reconcile.AuditEntry
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		requests:   maps.Clone(m.requests),
		allotments: maps.Clone(m.allotments),
		audit:      slices.Clone(m.audit),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.requests = s.requests
	m.allotments = s.allotments
	m.audit = s.audit
}

// txView is the Writer handed to WithTx callbacks; the parent lock is held.
type txView struct {
	parent *Memory
}

func (tv *txView) ListRequestsByDate(_ context.Context, calendarID reconcile.CalendarID, date reconcile.Date) ([]reconcile.LeaveRequest, error) {
	return tv.parent.requestsByDateLocked(calendarID, date), nil
}

func (tv *txView) GetRequestByKey(_ context.Context, calendarID reconcile.CalendarID, key reconcile.RequestKey) (*reconcile.LeaveRequest, error) {
	return tv.parent.requestByKeyLocked(calendarID, key), nil
}

func (tv *txView) GetAllotment(_ context.Context, calendarID reconcile.CalendarID, date reconcile.Date) (reconcile.Allotment, error) {
	return tv.parent.allotmentLocked(calendarID, date), nil
}

func (tv *txView) ListAllotments(_ context.Context, calendarID reconcile.CalendarID, year int) ([]reconcile.Allotment, error) {
	var out []reconcile.Allotment
	for k, a := range tv.parent.allotments {
		if k.Calendar == calendarID && k.Date.Year == year {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (tv *txView) UpsertRequest(_ context.Context, r reconcile.LeaveRequest) error {
	return tv.parent.upsertRequestLocked(r)
}

func (tv *txView) UpsertAllotment(_ context.Context, a reconcile.Allotment) error {
	return tv.parent.upsertAllotmentLocked(a)
}

func (tv *txView) AppendAudit(_ context.Context, e reconcile.AuditEntry) error {
	return tv.parent.appendAuditLocked(e)
}

// =============================================================================
// STAGING STORAGE - sessions are kept as JSON, like the durable stores
// =============================================================================

func (m *Memory) SaveSession(_ context.Context, s *reconcile.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = b
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id reconcile.SessionID) (*reconcile.Session, error) {
	m.mu.RLock()
	b, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, reconcile.ErrSessionNotFound)
	}
	var s reconcile.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (m *Memory) DeleteSession(_ context.Context, id reconcile.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

var (
	_ reconcile.TxStore      = (*Memory)(nil)
	_ reconcile.SessionStore = (*Memory)(nil)
	_ reconcile.AuditReader  = (*Memory)(nil)
)
