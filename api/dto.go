/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Engine read models
  (reconcile.SessionView, reconcile.ProgressState, reconcile.CommitResult)
  already carry JSON tags and are returned as they are; this file holds the
  request bodies and the API-only wrappers.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Complex response wrappers
  - *DTO: Other response types

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/leave-import/reconcile"
	"github.com/warp/leave-import/waitlist"
)

// =============================================================================
// SESSION REQUESTS
// =============================================================================

// CreateSessionRequest starts an import session from normalized records.
type CreateSessionRequest struct {
	CalendarID reconcile.CalendarID  `json:"calendar_id"`
	Items      []reconcile.ItemInput `json:"items"`
}

type ResolveMemberRequest struct {
	MemberID reconcile.MemberID `json:"member_id"`
}

type DuplicateDecisionRequest struct {
	Decision reconcile.DuplicateDecision `json:"decision"`
}

type AdjustAllotmentRequest struct {
	Allotment *int `json:"allotment"`
}

// ReorderRequest is the full display order of a date's import requests,
// as item indices.
type ReorderRequest struct {
	Order []int `json:"order"`
}

type ResolveConflictRequest struct {
	Action reconcile.ResolutionAction `json:"action"`
}

type RollbackRequest struct {
	Target       reconcile.Stage `json:"target"`
	Confirmation string          `json:"confirmation"`
}

type NavigateRequest struct {
	Target reconcile.Stage `json:"target"`
}

// =============================================================================
// WAITLIST REQUESTS
// =============================================================================

type ValidateWaitlistRequest struct {
	Proposals []waitlist.Proposal `json:"proposals"`
}

type ResetWaitlistRequest struct {
	PreserveOrder bool `json:"preserve_order"`
}

type ResetWaitlistResponse struct {
	CalendarID reconcile.CalendarID `json:"calendar_id"`
	Date       reconcile.Date       `json:"date"`
	Updated    int                  `json:"updated"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse carries the import payload that goes with the
// seeded store, ready to POST to /api/sessions.
type LoadScenarioResponse struct {
	Status   string               `json:"status"`
	Scenario string               `json:"scenario"`
	Import   CreateSessionRequest `json:"import"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
