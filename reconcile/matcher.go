package reconcile

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// MEMBER MATCHING - candidate suggestions for unresolved items
// =============================================================================

// MemberCandidate is a suggested binding for an unresolved item.
type MemberCandidate struct {
	MemberID MemberID `json:"member_id"`
	Name     string   `json:"name"`
	Score    float64  `json:"score"`
	Reason   string   `json:"reason"`
}

const (
	scoreEmployeeNumber = 1.0
	scoreFullName       = 0.9
	scoreInitialLast    = 0.75
	scoreLastName       = 0.6

	maxCandidates = 5
)

// normalizeName strips accents, folds case and drops punctuation so
// "Émile O'Brien" and "emile obrien" compare equal.
func normalizeName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = cases.Fold().String(stripped)

	var b strings.Builder
	space := false
	for _, r := range stripped {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || r == '-':
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// MatchCandidates ranks members against an item's stated identity.
// Deleted members never match.
func MatchCandidates(item ImportItem, members []Member) []MemberCandidate {
	first := normalizeName(item.FirstName)
	last := normalizeName(item.LastName)
	empNo := strings.TrimSpace(item.EmployeeNumber)

	var out []MemberCandidate
	for _, m := range members {
		if m.Deleted {
			continue
		}
		score, reason := scoreMember(first, last, empNo, m)
		if score == 0 {
			continue
		}
		out = append(out, MemberCandidate{
			MemberID: m.ID,
			Name:     m.DisplayName(),
			Score:    score,
			Reason:   reason,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

func scoreMember(first, last, empNo string, m Member) (float64, string) {
	if empNo != "" && empNo == strings.TrimSpace(m.EmployeeNumber) {
		return scoreEmployeeNumber, "employee number"
	}
	if last == "" || normalizeName(m.LastName) != last {
		return 0, ""
	}
	mFirst := normalizeName(m.FirstName)
	switch {
	case first != "" && mFirst == first:
		return scoreFullName, "full name"
	case first != "" && mFirst != "" && []rune(mFirst)[0] == []rune(first)[0]:
		return scoreInitialLast, "first initial and last name"
	default:
		return scoreLastName, "last name"
	}
}

// exactEmployeeMatch returns the single member whose employee number equals
// the item's, if any.
func exactEmployeeMatch(item ImportItem, members []Member) (MemberID, bool) {
	empNo := strings.TrimSpace(item.EmployeeNumber)
	if empNo == "" {
		return "", false
	}
	var found MemberID
	n := 0
	for _, m := range members {
		if !m.Deleted && strings.TrimSpace(m.EmployeeNumber) == empNo {
			found = m.ID
			n++
		}
	}
	return found, n == 1
}
