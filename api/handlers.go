/*
handlers.go - HTTP API handlers for the leave-import engine

PURPOSE:
  Exposes the staged reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to reconcile.Engine
  and waitlist.Validator.

ENDPOINTS:
  Sessions:
    POST   /api/sessions                              Create from normalized items
    GET    /api/sessions                              List staged sessions
    GET    /api/sessions/{id}                         Session view
    DELETE /api/sessions/{id}                         Discard (cancel)
    GET    /api/sessions/{id}/metrics                 Progress metrics
    GET    /api/sessions/{id}/audit                   Audit rows written by the commit

  Stage mutations (current stage only):
    POST   /api/sessions/{id}/unmatched/{index}/resolve   {member_id}
    POST   /api/sessions/{id}/unmatched/{index}/skip
    POST   /api/sessions/{id}/duplicates/{index}          {decision}
    PUT    /api/sessions/{id}/allotments/{date}           {allotment}
    DELETE /api/sessions/{id}/allotments/{date}
    PUT    /api/sessions/{id}/ordering/{date}             {order}
    POST   /api/sessions/{id}/requests/{index}/skip
    POST   /api/sessions/{id}/requests/{index}/restore
    POST   /api/sessions/{id}/conflicts/{index}           {action}

  Transitions:
    GET    /api/sessions/{id}/transitions/{stage}     Dry-run check
    POST   /api/sessions/{id}/advance
    GET    /api/sessions/{id}/rollback/{stage}        Rollback plan + token
    POST   /api/sessions/{id}/rollback                {target, confirmation}
    POST   /api/sessions/{id}/navigate                {target}
    GET    /api/sessions/{id}/commit/preview
    POST   /api/sessions/{id}/commit

  Waitlist tools:
    POST   /api/calendars/{id}/waitlist/{date}/validate   {proposals}
    POST   /api/calendars/{id}/waitlist/{date}/reset      {preserve_order}

ACTOR:
  Writes that end up in the audit log (create, commit, waitlist reset) need
  the X-Actor-ID header. Identity itself is the caller's concern.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Session, member or item not found
  - 409: State conflicts (stage incomplete, locked, committed,
         confirmation missing, concurrent modification)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/leave-import/reconcile"
	"github.com/warp/leave-import/store/sqlite"
	"github.com/warp/leave-import/waitlist"
)

// ActorHeader carries the operator identity used for audit attribution.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Engine   *reconcile.Engine
	Waitlist *waitlist.Validator
	logger   *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine and the waitlist validator over one store.
// Both share the date lock table so commits and resets of a day serialize.
func NewHandler(store *sqlite.Store, opts reconcile.Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	locks := reconcile.NewDateLocks()
	return &Handler{
		Store:    store,
		Engine:   reconcile.NewEngine(store, store, locks, opts, logger),
		Waitlist: waitlist.NewValidator(store, locks, logger),
		logger:   logger.With("component", "api"),
	}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// CreateSession starts an import session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CalendarID == "" {
		writeError(w, http.StatusBadRequest, "calendar_id is required", nil)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items must not be empty", nil)
		return
	}

	view, err := h.Engine.CreateSession(r.Context(), req.CalendarID, actor, req.Items)
	if err != nil {
		h.writeEngineError(w, "Failed to create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListSessions returns staged sessions, most recent first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []sqlite.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.Get(r.Context(), sessionID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DiscardSession cancels a session. Discarding twice is not an error.
func (h *Handler) DiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Discard(r.Context(), sessionID(r)); err != nil {
		h.writeEngineError(w, "Failed to discard session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.Engine.Metrics(r.Context(), sessionID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := h.Engine.Get(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to get session", err)
		return
	}
	entries, err := h.Store.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit log", err)
		return
	}
	if entries == nil {
		entries = []reconcile.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// STAGE MUTATION HANDLERS
// =============================================================================

func (h *Handler) ResolveMember(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	var req ResolveMemberRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required", nil)
		return
	}
	h.writeProgress(w, "Failed to resolve member")(h.Engine.ResolveMember(r.Context(), sessionID(r), index, req.MemberID))
}

func (h *Handler) SkipUnmatched(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	h.writeProgress(w, "Failed to skip item")(h.Engine.SkipUnmatched(r.Context(), sessionID(r), index))
}

func (h *Handler) DecideDuplicate(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	var req DuplicateDecisionRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeProgress(w, "Failed to record duplicate decision")(h.Engine.DecideDuplicate(r.Context(), sessionID(r), index, req.Decision))
}

func (h *Handler) AdjustAllotment(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	var req AdjustAllotmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Allotment == nil {
		writeError(w, http.StatusBadRequest, "allotment is required", nil)
		return
	}
	h.writeProgress(w, "Failed to adjust allotment")(h.Engine.AdjustAllotment(r.Context(), sessionID(r), date, *req.Allotment))
}

func (h *Handler) ClearAllotmentAdjustment(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	h.writeProgress(w, "Failed to clear allotment adjustment")(h.Engine.ClearAllotmentAdjustment(r.Context(), sessionID(r), date))
}

func (h *Handler) ReorderRequests(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	var req ReorderRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeProgress(w, "Failed to reorder requests")(h.Engine.ReorderRequests(r.Context(), sessionID(r), date, req.Order))
}

func (h *Handler) SkipRequest(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	h.writeProgress(w, "Failed to skip request")(h.Engine.SkipRequest(r.Context(), sessionID(r), index))
}

func (h *Handler) RestoreRequest(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	h.writeProgress(w, "Failed to restore request")(h.Engine.RestoreRequest(r.Context(), sessionID(r), index))
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	var req ResolveConflictRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeProgress(w, "Failed to resolve conflict")(h.Engine.ResolveConflict(r.Context(), sessionID(r), index, req.Action))
}

// =============================================================================
// TRANSITION HANDLERS
// =============================================================================

// CheckTransition reports whether a move to the stage is allowed, without
// making it.
func (h *Handler) CheckTransition(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	check, err := h.Engine.CheckTransition(r.Context(), sessionID(r), stage)
	if err != nil {
		h.writeEngineError(w, "Failed to check transition", err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	h.writeProgress(w, "Failed to advance")(h.Engine.Advance(r.Context(), sessionID(r)))
}

// PlanRollback describes what a rollback would discard and returns the
// confirmation token the rollback call must echo.
func (h *Handler) PlanRollback(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	plan, err := h.Engine.PlanRollback(r.Context(), sessionID(r), stage)
	if err != nil {
		h.writeEngineError(w, "Failed to plan rollback", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeProgress(w, "Failed to roll back")(h.Engine.Rollback(r.Context(), sessionID(r), req.Target, req.Confirmation))
}

func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req NavigateRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeProgress(w, "Failed to navigate")(h.Engine.Navigate(r.Context(), sessionID(r), req.Target))
}

func (h *Handler) PreviewCommit(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Engine.PreviewCommit(r.Context(), sessionID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to plan commit", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	result, err := h.Engine.Commit(r.Context(), sessionID(r), actor)
	if err != nil {
		h.writeEngineError(w, "Commit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// WAITLIST HANDLERS
// =============================================================================

func (h *Handler) ValidateWaitlist(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	var req ValidateWaitlistRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := h.Waitlist.Validate(r.Context(), calendarID(r), date, req.Proposals)
	if err != nil {
		h.writeEngineError(w, "Failed to validate waitlist", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ResetWaitlist(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	var req ResetWaitlistRequest
	if !decode(w, r, &req) {
		return
	}
	cal := calendarID(r)
	updated, err := h.Waitlist.Reset(r.Context(), cal, date, req.PreserveOrder, actor)
	if err != nil {
		h.writeEngineError(w, "Failed to reset waitlist", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetWaitlistResponse{CalendarID: cal, Date: date, Updated: updated})
}

// =============================================================================
// HELPERS
// =============================================================================

func sessionID(r *http.Request) reconcile.SessionID {
	return reconcile.SessionID(chi.URLParam(r, "id"))
}

func calendarID(r *http.Request) reconcile.CalendarID {
	return reconcile.CalendarID(chi.URLParam(r, "id"))
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusBadRequest, ActorHeader+" header is required", nil)
		return "", false
	}
	return actor, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "Invalid item index", err)
		return 0, false
	}
	return index, true
}

func dateParam(w http.ResponseWriter, r *http.Request) (reconcile.Date, bool) {
	date, err := reconcile.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return reconcile.Date{}, false
	}
	return date, true
}

func stageParam(w http.ResponseWriter, r *http.Request) (reconcile.Stage, bool) {
	stage := reconcile.Stage(chi.URLParam(r, "stage"))
	if !stage.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown stage", nil)
		return "", false
	}
	return stage, true
}

// writeProgress adapts an engine mutation result to a response.
func (h *Handler) writeProgress(w http.ResponseWriter, message string) func(reconcile.ProgressState, error) {
	return func(progress reconcile.ProgressState, err error) {
		if err != nil {
			h.writeEngineError(w, message, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	}
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrConcurrentModification),
		errors.Is(err, reconcile.ErrSessionCommitted),
		errors.Is(err, reconcile.ErrStageLocked),
		errors.Is(err, reconcile.ErrStageIncomplete),
		errors.Is(err, reconcile.ErrInvalidTransition),
		errors.Is(err, reconcile.ErrConfirmationRequired):
		return http.StatusConflict
	case reconcile.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrInvalidInput),
		errors.Is(err, reconcile.ErrInvalidOrdering),
		reconcile.IsValidation(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message}

	var verr *reconcile.ValidationError
	var cerr *reconcile.CommitError
	switch {
	case errors.As(err, &verr):
		resp.Code = verr.Code
		if len(verr.Reasons) > 0 {
			resp.Details = verr.Reasons
		} else {
			resp.Details = verr.Error()
		}
	case errors.As(err, &cerr):
		resp.Code = "commit_failed"
		if len(cerr.Failures) > 0 {
			resp.Details = cerr.Failures
		} else {
			resp.Details = cerr.Error()
		}
	default:
		resp.Details = err.Error()
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
