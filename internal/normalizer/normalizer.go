// Package normalizer maps venue-specific outcome labels ("Yes", "No",
// "Over", "Under 50bp", ...) onto the canonical outcome set used by every
// other component: YES, NO, or OTHER.
package normalizer

import (
	"strings"
	"sync"

	"github.com/aristath/arbiter/internal/domain"
)

// defaultYes are exact (lowercased) labels recognized as YES.
var defaultYes = map[string]bool{
	"yes": true, "y": true, "true": true, "win": true, "wins": true,
	"happens": true, "occur": true, "occurs": true, "over": true,
	"above": true, "higher": true, "pass": true,
}

// defaultNo are exact (lowercased) labels recognized as NO.
var defaultNo = map[string]bool{
	"no": true, "n": true, "false": true, "lose": true, "loses": true,
	"does not happen": true, "doesn't happen": true, "under": true,
	"below": true, "lower": true, "fail": true,
}

// inversePrefixes flip the match they would otherwise produce: "Not Yes"
// normalizes to NO, "Not No" normalizes to YES.
var inversePrefixes = []string{"not ", "non-", "anti-", "inverse "}

// Normalizer normalizes venue outcome labels and maintains a set of
// user-supplied aliases that take priority over the default tables.
type Normalizer struct {
	mu       sync.RWMutex
	yesAlias map[string]bool
	noAlias  map[string]bool
}

// New creates an empty Normalizer (no custom aliases).
func New() *Normalizer {
	return &Normalizer{
		yesAlias: make(map[string]bool),
		noAlias:  make(map[string]bool),
	}
}

// AddAlias registers a custom label as meaning YES (isYes=true) or NO
// (isYes=false). Aliases take priority over the built-in tables.
func (n *Normalizer) AddAlias(label string, isYes bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(label))
	if isYes {
		n.yesAlias[key] = true
	} else {
		n.noAlias[key] = true
	}
}

// Normalize maps a single label onto the canonical outcome set.
func (n *Normalizer) Normalize(label string) domain.NormalizedOutcome {
	clean := strings.ToLower(strings.TrimSpace(label))

	isInverse := false
	for _, prefix := range inversePrefixes {
		if strings.HasPrefix(clean, prefix) {
			isInverse = true
			clean = strings.TrimPrefix(clean, prefix)
			break
		}
	}

	n.mu.RLock()
	isYesAlias := n.yesAlias[clean]
	isNoAlias := n.noAlias[clean]
	n.mu.RUnlock()

	var side domain.OutcomeSide
	var confidence float64

	switch {
	case isYesAlias:
		side, confidence = domain.SideYes, 1.0
	case isNoAlias:
		side, confidence = domain.SideNo, 1.0
	case defaultYes[clean]:
		side, confidence = domain.SideYes, 0.95
	case defaultNo[clean]:
		side, confidence = domain.SideNo, 0.95
	default:
		side, confidence = domain.SideOther, 0.5
	}

	if isInverse && side != domain.SideOther {
		side = flip(side)
	}

	return domain.NormalizedOutcome{Side: side, IsInverse: isInverse, Confidence: confidence}
}

func flip(side domain.OutcomeSide) domain.OutcomeSide {
	if side == domain.SideYes {
		return domain.SideNo
	}
	return domain.SideYes
}

// FindYes locates the YES outcome among a market's outcomes.
// It tries, in order: a high-confidence YES match, any YES match, then
// (for binary markets only) outcome[0].
func (n *Normalizer) FindYes(outcomes []domain.Outcome) (domain.Outcome, bool) {
	return n.find(outcomes, domain.SideYes, 0)
}

// FindNo is the symmetric counterpart of FindYes, falling back to
// outcome[1] on binary markets.
func (n *Normalizer) FindNo(outcomes []domain.Outcome) (domain.Outcome, bool) {
	return n.find(outcomes, domain.SideNo, 1)
}

func (n *Normalizer) find(outcomes []domain.Outcome, want domain.OutcomeSide, fallbackIndex int) (domain.Outcome, bool) {
	var bestAny *domain.Outcome
	for i := range outcomes {
		norm := n.Normalize(outcomes[i].Name)
		if norm.Side != want {
			continue
		}
		if norm.Confidence >= 0.9 {
			return outcomes[i], true
		}
		if bestAny == nil {
			o := outcomes[i]
			bestAny = &o
		}
	}
	if bestAny != nil {
		return *bestAny, true
	}
	if len(outcomes) == 2 && fallbackIndex < len(outcomes) {
		return outcomes[fallbackIndex], true
	}
	var zero domain.Outcome
	return zero, false
}

// AreEquivalent reports whether two labels denote the same canonical
// outcome. Non-binary or non-matching labels are compared by
// case-insensitive equality.
func (n *Normalizer) AreEquivalent(a, b string) bool {
	na, nb := n.Normalize(a), n.Normalize(b)
	if na.Side == domain.SideOther || nb.Side == domain.SideOther {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return na.Side == nb.Side
}

// AreInverse reports whether two labels denote opposite canonical
// outcomes (YES vs NO).
func (n *Normalizer) AreInverse(a, b string) bool {
	na, nb := n.Normalize(a), n.Normalize(b)
	if na.Side == domain.SideOther || nb.Side == domain.SideOther {
		return false
	}
	return na.Side != nb.Side
}

// ImpliedProbability returns the price as an implied probability — prices
// in this domain already live in (0,1), so this is the identity function
// kept for call-site clarity (mirrors the overround helper below).
func ImpliedProbability(price float64) float64 {
	return price
}

// Overround returns the amount by which a binary market's YES+NO prices
// exceed 1.0 (the vig/juice). A negative value means an internal-arbitrage
// opportunity exists before fees.
func Overround(yesPrice, noPrice float64) float64 {
	return (yesPrice + noPrice) - 1.0
}
