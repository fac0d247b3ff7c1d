package matching

import (
	"strings"
	"time"
)

// Matcher decides whether two waiting users can meet and how good the pairing
// is. It holds only policy knobs and never touches pool or registry state, so
// it is safe to call repeatedly with the same inputs.
type Matcher struct {
	MinOverlap        time.Duration // shortest acceptable shared window
	TagWeight         float64       // score per shared tag
	SameBuildingBonus float64       // score when both named the same building
}

// DefaultMatcher returns the production matching policy.
func DefaultMatcher() Matcher {
	return Matcher{
		MinOverlap:        15 * time.Minute,
		TagWeight:         30,
		SameBuildingBonus: 10,
	}
}

// Evaluate checks the hard constraints between a and b and, when they hold,
// scores the pairing. Higher scores are better.
func (m Matcher) Evaluate(a, b WaitingEntry) (bool, float64) {
	if a.UserID == b.UserID {
		return false, 0
	}
	if !a.Params.Window.Valid() || !b.Params.Window.Valid() {
		return false, 0
	}

	overlap := a.Params.Window.Overlap(b.Params.Window)
	if overlap <= 0 || overlap < m.MinOverlap {
		return false, 0
	}

	sameBuilding := false
	if a.Params.Building != "" && b.Params.Building != "" {
		if !strings.EqualFold(a.Params.Building, b.Params.Building) {
			return false, 0
		}
		sameBuilding = true
	}

	score := overlap.Minutes()
	score += m.TagWeight * float64(len(SharedTags(a.Params.Tags, b.Params.Tags)))
	if sameBuilding {
		score += m.SameBuildingBonus
	}
	return true, score
}

// SelectPartner picks the best partner for self among candidates: highest
// score first, then the longest-waiting entry, then the lowest UserID. It
// returns false when no candidate is compatible.
func (m Matcher) SelectPartner(self WaitingEntry, candidates []WaitingEntry) (WaitingEntry, float64, bool) {
	var (
		best      WaitingEntry
		bestScore float64
		found     bool
	)
	for _, c := range candidates {
		ok, score := m.Evaluate(self, c)
		if !ok {
			continue
		}
		if !found || score > bestScore || (score == bestScore && waitsLonger(c, best)) {
			best, bestScore, found = c, score, true
		}
	}
	return best, bestScore, found
}

// SharedTags returns the tags present in both sorted, normalised lists.
func SharedTags(a, b []string) []string {
	var shared []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			shared = append(shared, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return shared
}
