// Package scorer computes a per-opportunity score, liquidity-adjusted edge,
// slippage estimate, Kelly fraction, and execution plan (C5
// OpportunityScorer).
package scorer

import (
	"math"

	"github.com/aristath/arbiter/internal/domain"
)

// VenueFactors holds the per-venue constants the scorer and slippage model
// consult. Callers own the concrete table (internal/config ships defaults).
type VenueFactors struct {
	Reliability map[string]float64 // 0..1, default 0.9 if absent
	Slippage    map[string]float64 // multiplier, default 1.0 if absent
}

func (f VenueFactors) reliability(venue string) float64 {
	if v, ok := f.Reliability[venue]; ok {
		return v
	}
	return 0.9
}

func (f VenueFactors) slippageFactor(venue string) float64 {
	if v, ok := f.Slippage[venue]; ok {
		return v
	}
	return 1.0
}

// Weights are the scoring component weights; DefaultWeights matches spec's
// defaults and should be used unless a caller has a specific reason not to.
type Weights struct {
	Edge       float64
	Liquidity  float64
	Confidence float64
	Execution  float64
}

// DefaultWeights returns the documented default component weights.
func DefaultWeights() Weights {
	return Weights{Edge: 40, Liquidity: 25, Confidence: 25, Execution: 10}
}

// Scorer implements OpportunityScorer.
type Scorer struct {
	weights      Weights
	factors      VenueFactors
	minLiquidity float64
}

// New builds a Scorer with the given weights, per-venue factor tables, and
// the configured liquidity floor the low-liquidity penalty scales against.
// minLiquidity <= 0 falls back to 500.
func New(weights Weights, factors VenueFactors, minLiquidity float64) *Scorer {
	if minLiquidity <= 0 {
		minLiquidity = 500
	}
	return &Scorer{weights: weights, factors: factors, minLiquidity: minLiquidity}
}

// Score computes the opportunity's score in [0,100], mutating a copy of the
// opportunity (the caller's original is left untouched) and returning it.
func (s *Scorer) Score(opp domain.Opportunity) domain.Opportunity {
	edgeScore := clamp(opp.EdgePct/10, 0, 1) * s.weights.Edge
	liquidityScore := clamp(opp.TotalLiquidity/50_000, 0, 1) * s.weights.Liquidity
	confidenceScore := opp.Confidence * s.weights.Confidence
	executionScore := s.executionScore(opp)

	total := edgeScore + liquidityScore + confidenceScore + executionScore
	total -= s.penalties(opp)

	opp.Score = clamp(total, 0, 100)
	opp.EstimatedSlippage = s.estimateSlippageForOpportunity(opp)
	opp.KellyFraction = s.CalculateKelly(opp.EdgePct/100, opp.Confidence, 0)
	return opp
}

// ScoreWithImbalance is Score, additionally nudging confidence by an
// order-book imbalance signal in [-1,1] (positive favors the opportunity's
// first leg's action) before scoring. A zero imbalance is a no-op.
func (s *Scorer) ScoreWithImbalance(opp domain.Opportunity, imbalance float64) domain.Opportunity {
	adjusted := opp
	adjusted.Confidence = clamp(opp.Confidence+imbalance*0.05, 0, 1)
	return s.Score(adjusted)
}

func (s *Scorer) executionScore(opp domain.Opportunity) float64 {
	score := s.weights.Execution
	anySell := false
	for _, leg := range opp.Markets {
		score *= s.factors.reliability(leg.Market.Venue())
		if leg.Action == domain.ActionSell {
			anySell = true
		}
	}
	if anySell {
		score *= 0.9
	}
	return score
}

// penalties aggregates the fixed penalty table from spec §4.5.
func (s *Scorer) penalties(opp domain.Opportunity) float64 {
	var penalty float64

	// Low-liquidity penalty triggers when total liquidity sits below 5x the
	// configured minimum liquidity floor.
	floor := 5 * s.minLiquidity
	if opp.TotalLiquidity < floor && opp.TotalLiquidity > 0 {
		penalty += 5 * (1 - clamp(opp.TotalLiquidity/floor, 0, 1))
	}

	venues := opp.Venues()
	if len(venues) > 1 {
		penalty += float64(len(venues)-1) * 3
	}

	slippageAt100 := s.EstimateSlippage(opp.TotalLiquidity, 100, 0)
	if slippageAt100 > 0.02 {
		over := (slippageAt100 - 0.02) / 0.02
		penalty += clamp(over*5, 0, 5)
	}

	if opp.Type == domain.OpportunityEdge && opp.Confidence < 0.7 {
		penalty += clamp((0.7-opp.Confidence)*5/0.7, 0, 5)
	}

	return penalty
}

// EstimateSlippage implements the fixed slippage model:
// sqrt(size/liquidity) * 2 + spread/2, clamped to <=50%.
func (s *Scorer) EstimateSlippage(liquidity, size, spread float64) float64 {
	if liquidity <= 0 {
		return 0.5
	}
	base := math.Sqrt(size/liquidity)*2 + spread/2
	return clamp(base, 0, 0.5)
}

func (s *Scorer) estimateSlippageForOpportunity(opp domain.Opportunity) float64 {
	if len(opp.Markets) == 0 {
		return 0
	}
	var total float64
	for _, leg := range opp.Markets {
		base := s.EstimateSlippage(leg.Liquidity, leg.RecommendedSize, 0)
		total += base * s.factors.slippageFactor(leg.Market.Venue())
	}
	return total / float64(len(opp.Markets))
}

// EstimateExecution builds an ExecutionPlan for the given opportunity at
// the given total size, splitting proportionally to each leg's recommended
// size (or evenly if none are set).
func (s *Scorer) EstimateExecution(opp domain.Opportunity, size float64) domain.ExecutionPlan {
	plan := domain.ExecutionPlan{}
	var totalCost, totalRecommended float64
	for _, leg := range opp.Markets {
		if leg.RecommendedSize > 0 {
			totalRecommended += leg.RecommendedSize
		}
	}
	for i, leg := range opp.Markets {
		legSize := size / float64(max(len(opp.Markets), 1))
		if totalRecommended > 0 {
			legSize = 0
			if leg.RecommendedSize > 0 {
				legSize = size * leg.RecommendedSize / totalRecommended
			}
		}
		step := domain.ExecutionStep{
			Leg:             leg,
			SequenceIndex:   i,
			EstimatedFillMs: 200 + 150*i,
		}
		plan.Steps = append(plan.Steps, step)
		totalCost += legSize * leg.Price
	}
	plan.TotalCost = totalCost
	plan.EstimatedProfit = totalCost * (opp.EdgePct / 100)
	plan.TimeSensitivitySec = 30
	plan.RiskClass = riskClassFor(opp)
	if len(opp.Venues()) > 1 {
		plan.Warnings = append(plan.Warnings, "multi-venue execution: legs may fill at different times")
	}
	return plan
}

func riskClassFor(opp domain.Opportunity) string {
	switch {
	case opp.Confidence >= 0.85 && opp.EdgePct >= 2:
		return "low"
	case opp.Confidence >= 0.6:
		return "medium"
	default:
		return "high"
	}
}

// CalculateKelly computes the safety-scaled Kelly fraction. winRate, if
// nonzero, overrides the edge/confidence-derived win-probability estimate.
func (s *Scorer) CalculateKelly(edge, confidence, winRate float64) float64 {
	p := winRate
	if p <= 0 {
		p = 0.5 + (edge*confidence)/2
	}
	p = clamp(p, 0, 1)
	fullKelly := 2*p - 1
	if fullKelly < 0 {
		fullKelly = 0
	}
	safety := 0.25 * confidence
	fraction := fullKelly * safety
	return clamp(fraction, 0, 0.25)
}

// GetOptimalSize returns the position size respecting every sizing
// constraint: the Kelly-implied size, a 5% liquidity cap, the largest size
// whose average slippage stays under 2%, and a 10% bankroll cap.
func (s *Scorer) GetOptimalSize(opp domain.Opportunity, bankroll float64) float64 {
	kelly := s.CalculateKelly(opp.EdgePct/100, opp.Confidence, 0)
	kellySize := kelly * bankroll

	liquidityCap := opp.TotalLiquidity * 0.05
	slippageMax := s.maxSizeUnderSlippage(opp.TotalLiquidity, 0.02)
	bankrollCap := bankroll * 0.10

	return min4(kellySize, liquidityCap, slippageMax, bankrollCap)
}

// maxSizeUnderSlippage binary-searches for the largest size whose
// estimated slippage (at zero spread) stays under the given ceiling.
func (s *Scorer) maxSizeUnderSlippage(liquidity, ceiling float64) float64 {
	if liquidity <= 0 {
		return 0
	}
	lo, hi := 0.0, liquidity
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if s.EstimateSlippage(liquidity, mid, 0) <= ceiling {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min4(a, b, c, d float64) float64 {
	m := a
	for _, v := range []float64{b, c, d} {
		if v < m {
			m = v
		}
	}
	if m < 0 {
		return 0
	}
	return m
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
