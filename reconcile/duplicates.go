package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// =============================================================================
// DATE SNAPSHOT - consistent view of one date, taken when duplicates is entered
// =============================================================================

// DateSnapshot is what the store held for a date when staging read it. The
// fingerprint is re-checked inside the commit transaction.
type DateSnapshot struct {
	Date        Date           `json:"date"`
	Allotment   Allotment      `json:"allotment"`
	Requests    []LeaveRequest `json:"requests"`
	Fingerprint string         `json:"fingerprint"`
}

func newDateSnapshot(date Date, allotment Allotment, requests []LeaveRequest) *DateSnapshot {
	return &DateSnapshot{
		Date:        date,
		Allotment:   allotment,
		Requests:    requests,
		Fingerprint: Fingerprint(allotment, requests),
	}
}

// Fingerprint hashes every field of a date that capacity accounting depends on.
func Fingerprint(allotment Allotment, requests []LeaveRequest) string {
	rows := slices.Clone(requests)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	h := sha256.New()
	fmt.Fprintf(h, "allotment:%d:%d\n", allotment.MaxAllotment, allotment.Version)
	for _, r := range rows {
		fmt.Fprintf(h, "%s:%s:%s:%s:%d:%d\n", r.ID, r.MemberID, r.LeaveType, r.Status, r.WaitlistPosition, r.Version)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// byKey returns the most recently created row with the key, or nil.
// A nil snapshot has no rows.
func (s *DateSnapshot) byKey(key RequestKey) *LeaveRequest {
	if s == nil {
		return nil
	}
	var found *LeaveRequest
	for i := range s.Requests {
		r := &s.Requests[i]
		if r.Key() == key && (found == nil || !r.CreatedAt.Before(found.CreatedAt)) {
			found = r
		}
	}
	return found
}

// =============================================================================
// DUPLICATES STAGE
// =============================================================================

type DuplicateKind string

const (
	// DuplicateInImport: an earlier import row has the same request key.
	DuplicateInImport DuplicateKind = "import"

	// DuplicateOfExisting: the store already holds the key with the same status.
	DuplicateOfExisting DuplicateKind = "existing"

	// DuplicateManual: flagged by the operator.
	DuplicateManual DuplicateKind = "manual"
)

type DuplicateFlag struct {
	Index             int           `json:"index"`
	Kind              DuplicateKind `json:"kind"`
	DuplicateOf       int           `json:"duplicate_of,omitempty"`
	ExistingRequestID RequestID     `json:"existing_request_id,omitempty"`
}

type DuplicateDecision string

const (
	DecisionSkip   DuplicateDecision = "skip"
	DecisionImport DuplicateDecision = "import"
)

// DuplicateStageData is complete iff every flag has a decision and no two
// active rows share a request key.
type DuplicateStageData struct {
	Flags          map[int]DuplicateFlag `json:"flags"`
	SkipDuplicates map[int]bool          `json:"skip_duplicates"`
	ForceImport    map[int]bool          `json:"force_import"`
	Snapshots      map[Date]*DateSnapshot `json:"snapshots"`
}

func (d *DuplicateStageData) IsResolved(index int) bool {
	if _, flagged := d.Flags[index]; !flagged {
		return true
	}
	return d.SkipDuplicates[index] || d.ForceImport[index]
}

func (d *DuplicateStageData) Undecided() []int {
	var out []int
	for idx := range d.Flags {
		if !d.IsResolved(idx) {
			out = append(out, idx)
		}
	}
	slices.Sort(out)
	return out
}

func (d *DuplicateStageData) Counts() (required, resolved int) {
	required = len(d.Flags)
	return required, required - len(d.Undecided())
}

func (d *DuplicateStageData) decide(index int, decision DuplicateDecision) error {
	_, flagged := d.Flags[index]
	switch decision {
	case DecisionSkip:
		if !flagged {
			d.Flags[index] = DuplicateFlag{Index: index, Kind: DuplicateManual}
		}
		d.SkipDuplicates[index] = true
		delete(d.ForceImport, index)
	case DecisionImport:
		if !flagged {
			return validationErr(ErrItemNotFound, "not_flagged", "item %d is not flagged as a duplicate", index)
		}
		if d.Flags[index].Kind == DuplicateManual {
			// Un-flagging a manual flag restores the row untouched.
			delete(d.Flags, index)
			delete(d.SkipDuplicates, index)
			return nil
		}
		d.ForceImport[index] = true
		delete(d.SkipDuplicates, index)
	default:
		return validationErr(ErrInvalidInput, "unknown_decision", "unknown duplicate decision %q", decision)
	}
	return nil
}

func (d *DuplicateStageData) clearResolutions() (cleared int) {
	cleared = len(sortedKeys(d.SkipDuplicates)) + len(sortedKeys(d.ForceImport))
	for idx, f := range d.Flags {
		if f.Kind == DuplicateManual {
			delete(d.Flags, idx)
		}
	}
	d.SkipDuplicates = make(map[int]bool)
	d.ForceImport = make(map[int]bool)
	return cleared
}

func (d *DuplicateStageData) clone() *DuplicateStageData {
	if d == nil {
		return nil
	}
	out := &DuplicateStageData{
		Flags:          maps.Clone(d.Flags),
		SkipDuplicates: cloneSet(d.SkipDuplicates),
		ForceImport:    cloneSet(d.ForceImport),
		Snapshots:      make(map[Date]*DateSnapshot, len(d.Snapshots)),
	}
	if out.Flags == nil {
		out.Flags = map[int]DuplicateFlag{}
	}
	for k, v := range d.Snapshots {
		cp := *v
		cp.Requests = slices.Clone(v.Requests)
		out.Snapshots[k] = &cp
	}
	return out
}

// detectDuplicates flags rows against earlier rows of the import and against
// the snapshots. keyOf returns false for rows that are not candidates
// (skipped or without a member).
func detectDuplicates(items []ImportItem, keyOf func(int) (RequestKey, bool), snapshots map[Date]*DateSnapshot) map[int]DuplicateFlag {
	flags := make(map[int]DuplicateFlag)
	seen := make(map[RequestKey]int)
	for _, it := range items {
		key, ok := keyOf(it.OriginalIndex)
		if !ok {
			continue
		}
		if first, dup := seen[key]; dup {
			flags[it.OriginalIndex] = DuplicateFlag{Index: it.OriginalIndex, Kind: DuplicateInImport, DuplicateOf: first}
			continue
		}
		seen[key] = it.OriginalIndex

		snap := snapshots[key.Date]
		if snap == nil {
			continue
		}
		if existing := snap.byKey(key); existing != nil && existing.Status == it.OriginalStatus {
			flags[it.OriginalIndex] = DuplicateFlag{
				Index:             it.OriginalIndex,
				Kind:              DuplicateOfExisting,
				ExistingRequestID: existing.ID,
			}
		}
	}
	return flags
}
