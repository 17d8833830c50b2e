/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps them onto HTTP statuses with the helpers at the bottom.

ERROR CATEGORIES:
  1. Validation errors - A transition or mutation violates a stage invariant.
     Always rejected synchronously with a structured reason.
  2. I/O errors - Store unreachable, concurrent write detected at commit.
     The session stays in its last valid state and the call can be retried.
  3. Data-integrity issues - A resolved item became invalid because upstream
     data changed (e.g. a matched member was deleted). These are recorded on
     the session as IntegrityIssue values and block advancing; they are not
     returned as errors by themselves.

  Over-allotment, duplicates and conflicts are NOT errors. They are stage
  states.

USAGE:
  if errors.Is(err, reconcile.ErrStageIncomplete) {
      var verr *reconcile.ValidationError
      errors.As(err, &verr) // verr.Reasons lists what is unresolved
  }

SEE ALSO:
  - progress.go: builds the Reason lists
  - commit.go: CommitError
*/
package reconcile

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSessionNotFound is returned when a session ID is unknown to the registry
	// and to staging storage.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionCommitted is returned for any mutation of a committed session.
	ErrSessionCommitted = errors.New("session already committed")

	// ErrInvalidTransition is returned when a stage move is not legal from the
	// current position (wrong direction, skipping, not yet completed).
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrStageIncomplete is returned when advancing or committing while a stage
	// still has unresolved items.
	ErrStageIncomplete = errors.New("stage incomplete")

	// ErrStageLocked is returned when mutating a stage that is not the current
	// working stage (revisited stages are read-only; roll back to edit).
	ErrStageLocked = errors.New("stage is not editable")

	// ErrConfirmationRequired is returned by Rollback when the caller did not
	// present the confirmation token of the current rollback plan.
	ErrConfirmationRequired = errors.New("rollback requires confirmation")

	// ErrMemberNotFound is returned when binding an item to a missing member.
	ErrMemberNotFound = errors.New("member not found")

	// ErrItemNotFound is returned for an unknown original index, or an index
	// that is not part of the addressed stage data.
	ErrItemNotFound = errors.New("item not found")

	// ErrInvalidOrdering is returned when a submitted ordering is not a
	// permutation of the date's import requests.
	ErrInvalidOrdering = errors.New("invalid request ordering")

	// ErrInvalidInput is returned for malformed operator input
	// (negative allotment, unknown action, bad item record).
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when the commit detects that a
	// date changed in the store since the session took its snapshot.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrCommitFailed wraps every failed commit attempt.
	ErrCommitFailed = errors.New("commit failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Reason is one actionable explanation of why something is blocked.
type Reason struct {
	Stage   Stage  `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Items   []int  `json:"items,omitempty"`
	Dates   []Date `json:"dates,omitempty"`
}

// ValidationError is a rejected transition or mutation.
type ValidationError struct {
	Code    string
	Message string
	Reasons []Reason
	Err     error // sentinel
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, r.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func validationErr(sentinel error, code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// RowFailure describes one write of a commit batch that could not be applied.
type RowFailure struct {
	Table string `json:"table"`
	RowID string `json:"row_id"`
	Date  Date   `json:"date"`
	Cause string `json:"cause"`
}

// CommitError is returned by the Commit Executor. The store is unchanged.
type CommitError struct {
	SessionID SessionID
	Failures  []RowFailure
	Err       error // underlying cause
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of session %s failed (%d rows): %v", e.SessionID, len(e.Failures), e.Err)
}

func (e *CommitError) Unwrap() []error {
	return []error{ErrCommitFailed, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is a synchronous invariant rejection.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsRetryable returns true if the same call might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrCommitFailed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrItemNotFound)
}
