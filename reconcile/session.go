/*
session.go - StagedSession aggregate root

PURPOSE:
  One Session per import run. It owns the ordered import items, the target
  calendar, the stage position and every stage's resolution data. All state
  is unexported; the only way to change it is through the methods below,
  each of which checks the relevant invariant before touching anything, so
  a rejected call leaves the session exactly as it was.

MUTATION RULES:
  - A committed session is terminal: every mutation returns ErrSessionCommitted.
  - Stage mutations apply to the current stage only.
  - A stage revisited with Navigate is read-only (ErrStageLocked); decisions
    there are changed by rolling back.
  - Every successful mutation bumps Revision and LastModified.

ITEM ACTIVITY:
  An item takes part in capacity accounting when it has a member, was not
  skipped in unmatched, and was not skipped as a duplicate. Over-allotment
  skips keep the item in the display order but outside capacity, and keep it
  out of the commit.

SEE ALSO:
  - machine.go: Advance / Navigate / Rollback
  - engine.go: I/O wrappers around these methods
*/
package reconcile

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// IntegrityIssue is a previously resolved item that became invalid because
// upstream data changed. It blocks advancing and committing until the stage
// it belongs to is rolled back and re-resolved.
type IntegrityIssue struct {
	Stage   Stage  `json:"stage"`
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SkipCause says why an item is excluded from the commit.
type SkipCause string

const (
	SkipNone          SkipCause = ""
	SkipUnmatched     SkipCause = "unmatched"
	SkipDuplicate     SkipCause = "duplicate"
	SkipOverAllotment SkipCause = "over_allotment"
)

// Session is the StagedSession aggregate.
type Session struct {
	id           SessionID
	calendarID   CalendarID
	items        []ImportItem
	createdBy    string
	createdAt    time.Time
	lastModified time.Time
	revision     int

	current   Stage
	completed []Stage
	data      StageData
	issues    []IntegrityIssue

	clock func() time.Time
}

// newSession validates inputs and freezes them into items. Stage data is
// populated by the engine, which needs the member list.
func newSession(id SessionID, calendarID CalendarID, actor string, inputs []ItemInput, now time.Time) (*Session, error) {
	if calendarID == "" {
		return nil, validationErr(ErrInvalidInput, "missing_calendar", "calendar id is required")
	}
	if len(inputs) == 0 {
		return nil, validationErr(ErrInvalidInput, "empty_import", "import contains no items")
	}

	items := make([]ImportItem, len(inputs))
	var reasons []Reason
	for i, in := range inputs {
		switch {
		case in.Date.IsZero():
			reasons = append(reasons, Reason{Code: "missing_date", Message: fmt.Sprintf("item %d has no date", i), Items: []int{i}})
		case !in.LeaveType.Valid():
			reasons = append(reasons, Reason{Code: "invalid_leave_type", Message: fmt.Sprintf("item %d has leave type %q", i, in.LeaveType), Items: []int{i}})
		case !in.Status.Valid():
			reasons = append(reasons, Reason{Code: "invalid_status", Message: fmt.Sprintf("item %d has status %q", i, in.Status), Items: []int{i}})
		}
		items[i] = ImportItem{
			OriginalIndex:  i,
			MemberID:       in.MemberID,
			EmployeeNumber: in.EmployeeNumber,
			FirstName:      in.FirstName,
			LastName:       in.LastName,
			Date:           in.Date,
			LeaveType:      in.LeaveType,
			OriginalStatus: in.Status,
			Source:         in.Source,
		}
	}
	if len(reasons) > 0 {
		return nil, &ValidationError{Code: "invalid_items", Message: "import contains malformed items", Reasons: reasons, Err: ErrInvalidInput}
	}

	return &Session{
		id:           id,
		calendarID:   calendarID,
		items:        items,
		createdBy:    actor,
		createdAt:    now,
		lastModified: now,
		current:      StageUnmatched,
		clock:        time.Now,
	}, nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (s *Session) ID() SessionID            { return s.id }
func (s *Session) CalendarID() CalendarID   { return s.calendarID }
func (s *Session) CreatedBy() string        { return s.createdBy }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) LastModified() time.Time  { return s.lastModified }
func (s *Session) Revision() int            { return s.revision }
func (s *Session) CurrentStage() Stage      { return s.current }
func (s *Session) Items() []ImportItem      { return slices.Clone(s.items) }
func (s *Session) CompletedStages() []Stage { return slices.Clone(s.completed) }

func (s *Session) IntegrityIssues() []IntegrityIssue {
	return slices.Clone(s.issues)
}

func (s *Session) Item(index int) (ImportItem, bool) {
	if index < 0 || index >= len(s.items) {
		return ImportItem{}, false
	}
	return s.items[index], true
}

// Committed reports whether the session is terminal.
func (s *Session) Committed() bool {
	return s.data.FinalReview != nil && s.data.FinalReview.Committed
}

func (s *Session) isCompleted(stage Stage) bool {
	return slices.Contains(s.completed, stage)
}

// Progress returns an immutable copy of the workflow state with CanProgress
// derived from the current data.
func (s *Session) Progress() ProgressState {
	return ProgressState{
		CurrentStage:    s.current,
		CompletedStages: slices.Clone(s.completed),
		CanProgress:     s.canProgress(),
		StageData:       s.data.clone(),
		Revision:        s.revision,
	}
}

// SetClock overrides the time source (tests, replay).
func (s *Session) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func (s *Session) touch() {
	s.revision++
	s.lastModified = s.clock()
}

// =============================================================================
// ITEM ACTIVITY
// =============================================================================

// memberFor returns the member an item is bound to, operator binding first.
func (s *Session) memberFor(index int) (MemberID, bool) {
	it, ok := s.Item(index)
	if !ok {
		return "", false
	}
	if u := s.data.Unmatched; u != nil {
		if um, ok := u.Items[index]; ok {
			return um.BoundMember, um.BoundMember != ""
		}
	}
	return it.MemberID, it.MemberID != ""
}

// keyOf is the request key of an item that survived the unmatched stage.
func (s *Session) keyOf(index int) (RequestKey, bool) {
	if u := s.data.Unmatched; u != nil && u.SkippedItems[index] {
		return RequestKey{}, false
	}
	member, ok := s.memberFor(index)
	if !ok {
		return RequestKey{}, false
	}
	it := s.items[index]
	return RequestKey{MemberID: member, Date: it.Date, LeaveType: it.LeaveType}, true
}

// activeKey is keyOf for items that are also not skipped as duplicates.
func (s *Session) activeKey(index int) (RequestKey, bool) {
	key, ok := s.keyOf(index)
	if !ok {
		return RequestKey{}, false
	}
	if d := s.data.Duplicates; d != nil && d.SkipDuplicates[index] {
		return RequestKey{}, false
	}
	return key, true
}

// SkipCauseOf reports why an item will not be written, or SkipNone.
func (s *Session) SkipCauseOf(index int) SkipCause {
	if _, ok := s.keyOf(index); !ok {
		return SkipUnmatched
	}
	if d := s.data.Duplicates; d != nil && d.SkipDuplicates[index] {
		return SkipDuplicate
	}
	if o := s.data.OverAllotment; o != nil && o.Skipped[index] {
		return SkipOverAllotment
	}
	return SkipNone
}

// =============================================================================
// MUTATION GUARD
// =============================================================================

// knownItem rejects an index outside the session's items.
func (s *Session) knownItem(index int) error {
	if _, ok := s.Item(index); !ok {
		return validationErr(ErrItemNotFound, "unknown_item", "no item %d", index)
	}
	return nil
}

func (s *Session) editable(stage Stage) error {
	if s.Committed() {
		return ErrSessionCommitted
	}
	if s.current != stage {
		return validationErr(ErrStageLocked, "not_current_stage",
			"%s decisions can only be changed while %s is the current stage (current: %s)", stage, stage, s.current)
	}
	if s.isCompleted(stage) {
		return validationErr(ErrStageLocked, "stage_completed",
			"%s is completed; roll back to change its decisions", stage)
	}
	if !s.data.loaded(stage) {
		return validationErr(ErrStageLocked, "stage_not_loaded", "%s data has not been loaded", stage)
	}
	return nil
}

// =============================================================================
// STAGE MUTATIONS
// =============================================================================

// ResolveMember binds an unmatched item. The engine verifies the member exists.
func (s *Session) ResolveMember(index int, member MemberID) error {
	if err := s.editable(StageUnmatched); err != nil {
		return err
	}
	if err := s.knownItem(index); err != nil {
		return err
	}
	if member == "" {
		return validationErr(ErrInvalidInput, "missing_member", "member id is required")
	}
	if err := s.data.Unmatched.bind(index, member); err != nil {
		return err
	}
	s.dropIssues(StageUnmatched, index)
	s.touch()
	return nil
}

// SkipUnmatched excludes an unmatched item from the import.
func (s *Session) SkipUnmatched(index int) error {
	if err := s.editable(StageUnmatched); err != nil {
		return err
	}
	if err := s.knownItem(index); err != nil {
		return err
	}
	if err := s.data.Unmatched.skip(index); err != nil {
		return err
	}
	s.dropIssues(StageUnmatched, index)
	s.touch()
	return nil
}

// DecideDuplicate records skip or force-import. Skipping an unflagged item
// flags it manually; importing a manual flag removes the flag.
func (s *Session) DecideDuplicate(index int, decision DuplicateDecision) error {
	if err := s.editable(StageDuplicates); err != nil {
		return err
	}
	if err := s.knownItem(index); err != nil {
		return err
	}
	if _, ok := s.keyOf(index); !ok {
		return validationErr(ErrItemNotFound, "inactive_item", "item %d was skipped or has no member", index)
	}
	if err := s.data.Duplicates.decide(index, decision); err != nil {
		return err
	}
	s.touch()
	return nil
}

// AdjustAllotment overrides the capacity of a date and recomputes positions.
func (s *Session) AdjustAllotment(date Date, allotment int) error {
	if err := s.editable(StageOverAllotment); err != nil {
		return err
	}
	if err := s.data.OverAllotment.adjust(date, allotment); err != nil {
		return err
	}
	s.recomputeAssignments()
	s.touch()
	return nil
}

// ClearAllotmentAdjustment drops an override.
func (s *Session) ClearAllotmentAdjustment(date Date) error {
	if err := s.editable(StageOverAllotment); err != nil {
		return err
	}
	if err := s.data.OverAllotment.clearAdjustment(date); err != nil {
		return err
	}
	s.recomputeAssignments()
	s.touch()
	return nil
}

// ReorderRequests submits an explicit full priority order for a date.
func (s *Session) ReorderRequests(date Date, order []int) error {
	if err := s.editable(StageOverAllotment); err != nil {
		return err
	}
	if err := s.data.OverAllotment.reorder(date, order); err != nil {
		return err
	}
	s.recomputeAssignments()
	s.touch()
	return nil
}

// SkipRequest keeps an item in the date's display order but outside capacity.
func (s *Session) SkipRequest(index int) error {
	return s.setOverAllotmentSkip(index, true)
}

// RestoreRequest undoes SkipRequest.
func (s *Session) RestoreRequest(index int) error {
	return s.setOverAllotmentSkip(index, false)
}

func (s *Session) setOverAllotmentSkip(index int, skipped bool) error {
	if err := s.editable(StageOverAllotment); err != nil {
		return err
	}
	if err := s.knownItem(index); err != nil {
		return err
	}
	if err := s.data.OverAllotment.setSkipped(index, skipped); err != nil {
		return err
	}
	s.recomputeAssignments()
	s.touch()
	return nil
}

// ResolveConflict records the operator's answer to a database conflict.
func (s *Session) ResolveConflict(index int, action ResolutionAction) error {
	if err := s.editable(StageDbReconciliation); err != nil {
		return err
	}
	if err := s.knownItem(index); err != nil {
		return err
	}
	if err := s.data.DbReconciliation.resolve(index, action); err != nil {
		return err
	}
	s.touch()
	return nil
}

// =============================================================================
// PERSISTENCE - JSON form used by staging storage
// =============================================================================

type sessionRecord struct {
	ID              SessionID        `json:"id"`
	CalendarID      CalendarID       `json:"calendar_id"`
	Items           []ImportItem     `json:"items"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	LastModified    time.Time        `json:"last_modified"`
	Revision        int              `json:"revision"`
	CurrentStage    Stage            `json:"current_stage"`
	CompletedStages []Stage          `json:"completed_stages"`
	StageData       StageData        `json:"stage_data"`
	IntegrityIssues []IntegrityIssue `json:"integrity_issues,omitempty"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionRecord{
		ID:              s.id,
		CalendarID:      s.calendarID,
		Items:           s.items,
		CreatedBy:       s.createdBy,
		CreatedAt:       s.createdAt,
		LastModified:    s.lastModified,
		Revision:        s.revision,
		CurrentStage:    s.current,
		CompletedStages: s.completed,
		StageData:       s.data,
		IntegrityIssues: s.issues,
	})
}

func (s *Session) UnmarshalJSON(b []byte) error {
	var rec sessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	if !rec.CurrentStage.Valid() {
		return fmt.Errorf("session %s: unknown stage %q", rec.ID, rec.CurrentStage)
	}
	*s = Session{
		id:           rec.ID,
		calendarID:   rec.CalendarID,
		items:        rec.Items,
		createdBy:    rec.CreatedBy,
		createdAt:    rec.CreatedAt,
		lastModified: rec.LastModified,
		revision:     rec.Revision,
		current:      rec.CurrentStage,
		completed:    rec.CompletedStages,
		data:         rec.StageData,
		issues:       rec.IntegrityIssues,
		clock:        time.Now,
	}
	return nil
}
