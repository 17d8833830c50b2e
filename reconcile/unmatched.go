package reconcile

import (
	"slices"
)

// =============================================================================
// UNMATCHED STAGE - bind import rows to members, or skip them
// =============================================================================

// UnmatchedItem is an import row whose member identity needs an operator.
type UnmatchedItem struct {
	Index       int               `json:"index"`
	Candidates  []MemberCandidate `json:"candidates"`
	BoundMember MemberID          `json:"bound_member,omitempty"`

	// Note explains why a previously bound row needs resolution again.
	Note string `json:"note,omitempty"`
}

// UnmatchedStageData is complete iff every item is bound or skipped.
type UnmatchedStageData struct {
	Items        map[int]*UnmatchedItem `json:"items"`
	SkippedItems map[int]bool           `json:"skipped_items"`
}

func newUnmatchedStageData() *UnmatchedStageData {
	return &UnmatchedStageData{
		Items:        make(map[int]*UnmatchedItem),
		SkippedItems: make(map[int]bool),
	}
}

// IsResolved is the stage predicate for one item.
func (d *UnmatchedStageData) IsResolved(index int) bool {
	it, ok := d.Items[index]
	if !ok {
		return true
	}
	return it.BoundMember != "" || d.SkippedItems[index]
}

// Unresolved returns the indices still waiting for a decision, ascending.
func (d *UnmatchedStageData) Unresolved() []int {
	var out []int
	for idx := range d.Items {
		if !d.IsResolved(idx) {
			out = append(out, idx)
		}
	}
	slices.Sort(out)
	return out
}

func (d *UnmatchedStageData) Counts() (required, resolved int) {
	required = len(d.Items)
	return required, required - len(d.Unresolved())
}

func (d *UnmatchedStageData) bind(index int, member MemberID) error {
	it, ok := d.Items[index]
	if !ok {
		return validationErr(ErrItemNotFound, "not_unmatched", "item %d does not need member resolution", index)
	}
	it.BoundMember = member
	it.Note = ""
	delete(d.SkippedItems, index)
	return nil
}

func (d *UnmatchedStageData) skip(index int) error {
	it, ok := d.Items[index]
	if !ok {
		return validationErr(ErrItemNotFound, "not_unmatched", "item %d does not need member resolution", index)
	}
	it.BoundMember = ""
	d.SkippedItems[index] = true
	return nil
}

// demote puts a previously bound (or pre-bound) row back to unresolved.
func (d *UnmatchedStageData) demote(index int, note string) {
	it, ok := d.Items[index]
	if !ok {
		it = &UnmatchedItem{Index: index}
		d.Items[index] = it
	}
	it.BoundMember = ""
	it.Note = note
}

// clearResolutions resets operator decisions, keeping candidates.
func (d *UnmatchedStageData) clearResolutions() (cleared int) {
	for idx, it := range d.Items {
		if it.BoundMember != "" || d.SkippedItems[idx] {
			cleared++
		}
		it.BoundMember = ""
	}
	d.SkippedItems = make(map[int]bool)
	return cleared
}

func (d *UnmatchedStageData) clone() *UnmatchedStageData {
	if d == nil {
		return nil
	}
	out := &UnmatchedStageData{
		Items:        make(map[int]*UnmatchedItem, len(d.Items)),
		SkippedItems: cloneSet(d.SkippedItems),
	}
	for k, v := range d.Items {
		cp := *v
		cp.Candidates = slices.Clone(v.Candidates)
		out.Items[k] = &cp
	}
	return out
}

// boundMembers lists every member an operator bound, for integrity checks.
func (d *UnmatchedStageData) boundMembers() map[int]MemberID {
	out := make(map[int]MemberID)
	for idx, it := range d.Items {
		if it.BoundMember != "" {
			out[idx] = it.BoundMember
		}
	}
	return out
}
