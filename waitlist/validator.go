/*
validator.go - Waitlist Position Validator

PURPOSE:
  Checks operator-proposed waitlist positions for one calendar day against
  the positions already persisted, and renumbers a day's persisted waitlist
  when it has drifted (gaps, duplicates, manual edits).

OPERATIONS:
  Validate: read-only. Reports conflicts (a proposal claims a position
            that is already taken), gaps (1,2,4 is missing 3) and a
            conflict-free remapping of every entry.
  Reset:    renumbers the waitlisted rows of a day 1..n in one transaction,
            one audit row per changed request. Returns the rows updated.

CONCURRENCY:
  Both operations hold the (calendar, date) lock of the shared
  reconcile.DateLocks table, the same table the commit executor uses, so a
  reset never interleaves with an import committing the same day.

SEE ALSO:
  - reconcile/lock.go: DateLocks
  - reconcile/commit.go: waitlist compaction at commit time
*/
package waitlist

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/warp/leave-import/reconcile"
)

// =============================================================================
// TYPES
// =============================================================================

// Proposal claims a waitlist position for an item that is not persisted yet.
type Proposal struct {
	ItemID   string `json:"item_id"`
	Position int    `json:"position"`
}

// Conflict is two entries claiming the same position. RequestID is set when
// the other claimant is a persisted row, OtherItemID when it is another
// proposal.
type Conflict struct {
	Position    int                 `json:"position"`
	ItemID      string              `json:"item_id"`
	RequestID   reconcile.RequestID `json:"request_id,omitempty"`
	OtherItemID string              `json:"other_item_id,omitempty"`
}

// Suggestion moves one entry to make the sequence contiguous and
// conflict-free. Exactly one of ItemID and RequestID is set.
type Suggestion struct {
	ItemID    string              `json:"item_id,omitempty"`
	RequestID reconcile.RequestID `json:"request_id,omitempty"`
	From      int                 `json:"from"`
	To        int                 `json:"to"`
}

type Report struct {
	CalendarID  reconcile.CalendarID `json:"calendar_id"`
	Date        reconcile.Date       `json:"date"`
	Conflicts   []Conflict           `json:"conflicts"`
	Gaps        []int                `json:"gaps"`
	Suggestions []Suggestion         `json:"suggestions"`
	Valid       bool                 `json:"valid"`
}

// =============================================================================
// VALIDATOR
// =============================================================================

type Validator struct {
	store  reconcile.TxStore
	locks  *reconcile.DateLocks
	logger *slog.Logger
	now    func() time.Time
}

// NewValidator shares locks with the engine so resets and commits of the
// same day are serialized. logger may be nil.
func NewValidator(store reconcile.TxStore, locks *reconcile.DateLocks, logger *slog.Logger) *Validator {
	if locks == nil {
		locks = reconcile.NewDateLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:  store,
		locks:  locks,
		logger: logger.With("component", "waitlist"),
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// entry is one claimant of a position, persisted or proposed.
type entry struct {
	itemID    string
	requestID reconcile.RequestID
	position  int
	created   time.Time
	order     int // input order of proposals
}

// Validate checks proposals against the persisted waitlist of the day.
func (v *Validator) Validate(ctx context.Context, calendarID reconcile.CalendarID, date reconcile.Date, proposals []Proposal) (*Report, error) {
	if err := checkProposals(proposals); err != nil {
		return nil, err
	}

	unlock, err := v.locks.Lock(ctx, calendarID, date)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := v.store.ListRequestsByDate(ctx, calendarID, date)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	existing := waitlisted(rows)

	report := &Report{
		CalendarID:  calendarID,
		Date:        date,
		Conflicts:   findConflicts(existing, proposals),
		Gaps:        findGaps(existing, proposals),
		Suggestions: suggest(existing, proposals),
	}
	report.Valid = len(report.Conflicts) == 0 && len(report.Gaps) == 0
	return report, nil
}

func checkProposals(proposals []Proposal) error {
	seen := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		if p.ItemID == "" {
			return &reconcile.ValidationError{Code: "invalid_proposal", Message: "proposal without item id", Err: reconcile.ErrInvalidInput}
		}
		if p.Position < 1 {
			return &reconcile.ValidationError{
				Code:    "invalid_proposal",
				Message: fmt.Sprintf("item %s: position %d must be at least 1", p.ItemID, p.Position),
				Err:     reconcile.ErrInvalidInput,
			}
		}
		if seen[p.ItemID] {
			return &reconcile.ValidationError{
				Code:    "invalid_proposal",
				Message: fmt.Sprintf("item %s proposed twice", p.ItemID),
				Err:     reconcile.ErrInvalidInput,
			}
		}
		seen[p.ItemID] = true
	}
	return nil
}

// waitlisted returns the rows holding a waitlist rank.
func waitlisted(rows []reconcile.LeaveRequest) []reconcile.LeaveRequest {
	var out []reconcile.LeaveRequest
	for _, r := range rows {
		if r.Status == reconcile.StatusWaitlisted {
			out = append(out, r)
		}
	}
	return out
}

func findConflicts(existing []reconcile.LeaveRequest, proposals []Proposal) []Conflict {
	byPosition := make(map[int]reconcile.RequestID, len(existing))
	for _, r := range existing {
		if _, taken := byPosition[r.WaitlistPosition]; !taken {
			byPosition[r.WaitlistPosition] = r.ID
		}
	}
	proposed := make(map[int]string, len(proposals))

	conflicts := []Conflict{}
	for _, p := range proposals {
		if id, ok := byPosition[p.Position]; ok {
			conflicts = append(conflicts, Conflict{Position: p.Position, ItemID: p.ItemID, RequestID: id})
		}
		if other, ok := proposed[p.Position]; ok {
			conflicts = append(conflicts, Conflict{Position: p.Position, ItemID: p.ItemID, OtherItemID: other})
			continue
		}
		proposed[p.Position] = p.ItemID
	}
	return conflicts
}

// findGaps lists the positions missing from 1..max over both sets.
func findGaps(existing []reconcile.LeaveRequest, proposals []Proposal) []int {
	taken := make(map[int]bool)
	highest := 0
	for _, r := range existing {
		if r.WaitlistPosition > 0 {
			taken[r.WaitlistPosition] = true
			highest = max(highest, r.WaitlistPosition)
		}
	}
	for _, p := range proposals {
		taken[p.Position] = true
		highest = max(highest, p.Position)
	}

	gaps := []int{}
	for pos := 1; pos <= highest; pos++ {
		if !taken[pos] {
			gaps = append(gaps, pos)
		}
	}
	return gaps
}

// suggest merges both sets by claimed position, persisted rows first on a
// tie, and numbers the result 1..n. Only moved entries are returned.
func suggest(existing []reconcile.LeaveRequest, proposals []Proposal) []Suggestion {
	entries := make([]entry, 0, len(existing)+len(proposals))
	for _, r := range existing {
		entries = append(entries, entry{requestID: r.ID, position: r.WaitlistPosition, created: r.CreatedAt})
	}
	for i, p := range proposals {
		entries = append(entries, entry{itemID: p.ItemID, position: p.Position, order: i})
	}
	slices.SortStableFunc(entries, compareEntries)

	suggestions := []Suggestion{}
	for i, e := range entries {
		to := i + 1
		if e.position == to {
			continue
		}
		suggestions = append(suggestions, Suggestion{ItemID: e.itemID, RequestID: e.requestID, From: e.position, To: to})
	}
	return suggestions
}

func compareEntries(a, b entry) int {
	// Unranked persisted rows (position 0) go last.
	pa, pb := a.position, b.position
	if pa == 0 {
		pa = math.MaxInt
	}
	if pb == 0 {
		pb = math.MaxInt
	}
	if c := cmp.Compare(pa, pb); c != 0 {
		return c
	}
	aProposed, bProposed := a.itemID != "", b.itemID != ""
	if aProposed != bProposed {
		if aProposed {
			return 1
		}
		return -1
	}
	if c := a.created.Compare(b.created); c != 0 {
		return c
	}
	if c := cmp.Compare(a.order, b.order); c != 0 {
		return c
	}
	return cmp.Compare(a.requestID, b.requestID)
}

// =============================================================================
// RESET
// =============================================================================

// Reset renumbers the persisted waitlist of a day contiguously from 1. With
// preserveOrder the current relative order is kept (ties by creation);
// otherwise rows are ranked by creation time. Returns the rows updated.
func (v *Validator) Reset(ctx context.Context, calendarID reconcile.CalendarID, date reconcile.Date, preserveOrder bool, actor string) (int, error) {
	if actor == "" {
		return 0, &reconcile.ValidationError{Code: "missing_actor", Message: "an actor is required for audited writes", Err: reconcile.ErrInvalidInput}
	}

	unlock, err := v.locks.Lock(ctx, calendarID, date)
	if err != nil {
		return 0, err
	}
	defer unlock()

	now := v.now()
	updated := 0
	err = v.store.WithTx(ctx, func(w reconcile.Writer) error {
		rows, err := w.ListRequestsByDate(ctx, calendarID, date)
		if err != nil {
			return fmt.Errorf("list requests: %w", err)
		}
		queue := waitlisted(rows)
		rankOrder(queue, preserveOrder)

		for i, before := range queue {
			pos := i + 1
			if before.WaitlistPosition == pos {
				continue
			}
			after := before
			after.WaitlistPosition = pos
			after.Version++
			after.UpdatedAt = now

			if err := w.UpsertRequest(ctx, after); err != nil {
				return err
			}
			if err := w.AppendAudit(ctx, auditEntry(actor, now, before, after)); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset waitlist %s/%s: %w", calendarID, date, err)
	}

	v.logger.Info("waitlist reset",
		"calendar", calendarID, "date", date, "preserve_order", preserveOrder, "updated", updated, "actor", actor)
	return updated, nil
}

func rankOrder(queue []reconcile.LeaveRequest, preserveOrder bool) {
	slices.SortStableFunc(queue, func(a, b reconcile.LeaveRequest) int {
		if preserveOrder {
			pa, pb := a.WaitlistPosition, b.WaitlistPosition
			switch {
			case pa == 0 && pb != 0:
				return 1
			case pb == 0 && pa != 0:
				return -1
			case pa != pb:
				return cmp.Compare(pa, pb)
			}
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func auditEntry(actor string, at time.Time, before, after reconcile.LeaveRequest) reconcile.AuditEntry {
	return reconcile.AuditEntry{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ActorID:   actor,
		Timestamp: at,
		Table:     reconcile.TableLeaveRequests,
		RowID:     string(after.ID),
		Action:    reconcile.AuditUpdate,
		Before:    reconcile.MustJSON(before),
		After:     reconcile.MustJSON(after),
	}
}
