/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	members, allotments and existing leave requests, and return the import
	payload that exercises them. The payload can be posted as-is to
	/api/sessions.

AVAILABLE SCENARIOS:

	basic-over-allotment: five approvals imported for a day with room for
	                      three, plus one record whose name needs matching
	conflicting-history:  an import that disagrees with what the store
	                      already holds (cancelled vs approved, waitlist
	                      ranks, a record listed twice)

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create members
 3. Set yearly and per-date allotments
 4. Add existing leave requests
 5. Return the import payload

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "conflicting-history"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: session endpoints the payload is meant for
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/leave-import/reconcile"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoCalendar reconcile.CalendarID = "cal-demo"

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler) ([]reconcile.ItemInput, error)
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "basic-over-allotment",
			Name:        "Basic Over-Allotment",
			Description: "Five approvals imported for a day with three slots, one unmatched name",
		},
		load: loadBasicOverAllotmentScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "conflicting-history",
			Name:        "Conflicting History",
			Description: "Import disagrees with stored statuses and waitlist ranks, one record listed twice",
		},
		load: loadConflictingHistoryScenario,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	items, err := s.load(ctx, h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = s.ID
	h.logger.Info("scenario loaded", "scenario", s.ID, "items", len(items))

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		Status:   "loaded",
		Scenario: s.ID,
		Import:   CreateSessionRequest{CalendarID: demoCalendar, Items: items},
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

var demoMembers = []reconcile.Member{
	{ID: "m-1001", FirstName: "Amy", LastName: "Baker", EmployeeNumber: "1001"},
	{ID: "m-1002", FirstName: "Ben", LastName: "Carter", EmployeeNumber: "1002"},
	{ID: "m-1003", FirstName: "Cleo", LastName: "Díaz", EmployeeNumber: "1003"},
	{ID: "m-1004", FirstName: "Dan", LastName: "Evans", EmployeeNumber: "1004"},
	{ID: "m-1005", FirstName: "Eve", LastName: "Fisher", EmployeeNumber: "1005"},
	{ID: "m-1006", FirstName: "John", LastName: "Smith", EmployeeNumber: "1006"},
}

var seededAt = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)

func (h *Handler) seedMembers(ctx context.Context) error {
	for i, m := range demoMembers {
		m.SeniorityDate = time.Date(2010+i, time.March, 1, 0, 0, 0, 0, time.UTC)
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) seedRequest(ctx context.Context, id string, member reconcile.MemberID, date reconcile.Date, lt reconcile.LeaveType, status reconcile.RequestStatus, pos int, offset time.Duration) error {
	created := seededAt.Add(offset)
	return h.Store.SaveRequest(ctx, reconcile.LeaveRequest{
		ID:               reconcile.RequestID(id),
		CalendarID:       demoCalendar,
		MemberID:         member,
		Date:             date,
		LeaveType:        lt,
		Status:           status,
		WaitlistPosition: pos,
		Source:           "manual",
		Version:          1,
		CreatedAt:        created,
		UpdatedAt:        created,
	})
}

func loadBasicOverAllotmentScenario(ctx context.Context, h *Handler) ([]reconcile.ItemInput, error) {
	if err := h.seedMembers(ctx); err != nil {
		return nil, err
	}
	if err := h.Store.SetYearlyAllotment(ctx, demoCalendar, 2025, 3); err != nil {
		return nil, err
	}

	march10 := reconcile.NewDate(2025, time.March, 10)
	var items []reconcile.ItemInput
	for _, m := range demoMembers[:5] {
		items = append(items, reconcile.ItemInput{
			EmployeeNumber: m.EmployeeNumber,
			FirstName:      m.FirstName,
			LastName:       m.LastName,
			Date:           march10,
			LeaveType:      reconcile.LeavePLD,
			Status:         reconcile.StatusApproved,
			Source:         "calendar-export",
		})
	}
	// Misspelled and without an employee number: needs the operator.
	items = append(items, reconcile.ItemInput{
		FirstName: "Jon",
		LastName:  "Smith",
		Date:      march10.AddDays(1),
		LeaveType: reconcile.LeaveSDV,
		Status:    reconcile.StatusApproved,
		Source:    "calendar-export",
	})
	return items, nil
}

func loadConflictingHistoryScenario(ctx context.Context, h *Handler) ([]reconcile.ItemInput, error) {
	if err := h.seedMembers(ctx); err != nil {
		return nil, err
	}
	if err := h.Store.SetYearlyAllotment(ctx, demoCalendar, 2025, 3); err != nil {
		return nil, err
	}

	april14 := reconcile.NewDate(2025, time.April, 14)
	if err := h.Store.SaveAllotment(ctx, reconcile.Allotment{
		CalendarID: demoCalendar, Date: april14, MaxAllotment: 2, Version: 1, UpdatedAt: seededAt,
	}); err != nil {
		return nil, err
	}

	existing := []struct {
		id     string
		member reconcile.MemberID
		lt     reconcile.LeaveType
		status reconcile.RequestStatus
		pos    int
	}{
		{"req-1", "m-1001", reconcile.LeavePLD, reconcile.StatusCancelled, 0},
		{"req-2", "m-1002", reconcile.LeavePLD, reconcile.StatusApproved, 0},
		{"req-3", "m-1003", reconcile.LeaveSDV, reconcile.StatusWaitlisted, 1},
		{"req-4", "m-1004", reconcile.LeaveSDV, reconcile.StatusWaitlisted, 2},
	}
	for i, e := range existing {
		if err := h.seedRequest(ctx, e.id, e.member, april14, e.lt, e.status, e.pos, time.Duration(i)*time.Hour); err != nil {
			return nil, err
		}
	}

	item := func(member reconcile.MemberID, lt reconcile.LeaveType, status reconcile.RequestStatus) reconcile.ItemInput {
		return reconcile.ItemInput{MemberID: member, Date: april14, LeaveType: lt, Status: status, Source: "calendar-export"}
	}
	return []reconcile.ItemInput{
		item("m-1001", reconcile.LeavePLD, reconcile.StatusApproved),   // store says cancelled
		item("m-1003", reconcile.LeaveSDV, reconcile.StatusWaitlisted), // already waitlisted
		item("m-1005", reconcile.LeavePLD, reconcile.StatusApproved),
		item("m-1005", reconcile.LeavePLD, reconcile.StatusApproved), // listed twice
		item("m-1006", reconcile.LeaveSDV, reconcile.StatusWaitlisted),
	}, nil
}
