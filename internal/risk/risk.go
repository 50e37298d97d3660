// Package risk computes per-opportunity execution, timing, platform,
// liquidity and correlation risk, and position-size limits (C6 RiskModeler).
package risk

import (
	"math"
	"sort"

	"github.com/aristath/arbiter/internal/domain"
)

// Level buckets an aggregate risk score.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelExtreme Level = "extreme"
)

func levelFor(score float64) Level {
	switch {
	case score < 20:
		return LevelLow
	case score < 40:
		return LevelMedium
	case score < 60:
		return LevelHigh
	default:
		return LevelExtreme
	}
}

// Weights are the aggregate weighting of the five risk dimensions.
type Weights struct {
	Execution   float64
	Timing      float64
	Platform    float64
	Liquidity   float64
	Correlation float64
}

// DefaultWeights are the built-in risk-component weights.
func DefaultWeights() Weights {
	return Weights{Execution: 0.30, Timing: 0.20, Platform: 0.15, Liquidity: 0.25, Correlation: 0.10}
}

// VenuePlatformRisk holds per-venue platform-risk constants.
type VenuePlatformRisk struct {
	BaseRisk         map[string]float64 // 0-100, default 20 if absent
	WithdrawalRisk   map[string]float64 // 0-100, default 10 if absent
	CounterpartyRisk map[string]float64 // 0-100, default 10 if absent
}

func (v VenuePlatformRisk) base(venue string) float64 {
	if r, ok := v.BaseRisk[venue]; ok {
		return r
	}
	return 20
}

func (v VenuePlatformRisk) withdrawal(venue string) float64 {
	if r, ok := v.WithdrawalRisk[venue]; ok {
		return r
	}
	return 10
}

func (v VenuePlatformRisk) counterparty(venue string) float64 {
	if r, ok := v.CounterpartyRisk[venue]; ok {
		return r
	}
	return 10
}

// CorrelationRule is a pluggable predicate deciding the correlation
// coefficient between two legs of the same opportunity. Rules are tried in
// order; the first matching rule wins. This replaces a hard-coded regex
// rule table with a small, testable, ordered list (Open Question decision).
type CorrelationRule struct {
	Name    string
	Matches func(a, b domain.Leg) bool
	Value   float64
}

// DefaultCorrelationRules implements the fixed coefficients from spec §4.6.
func DefaultCorrelationRules() []CorrelationRule {
	return []CorrelationRule{
		{
			Name:  "same_event_same_direction",
			Value: 0.8,
			Matches: func(a, b domain.Leg) bool {
				return a.Market == b.Market && a.Normalized.Side == b.Normalized.Side
			},
		},
		{
			Name:  "same_event_opposite_outcome",
			Value: -0.95,
			Matches: func(a, b domain.Leg) bool {
				return a.Market == b.Market && a.Normalized.Side != b.Normalized.Side &&
					a.Normalized.Side != domain.SideOther && b.Normalized.Side != domain.SideOther
			},
		},
		{
			Name:  "same_question_cross_venue",
			Value: 0.7,
			Matches: func(a, b domain.Leg) bool {
				return a.Market.Venue() != b.Market.Venue() && a.Normalized.Side == b.Normalized.Side
			},
		},
	}
}

func defaultCorrelation() float64 { return 0.3 }

// Input carries everything ModelRisk needs about one opportunity.
type Input struct {
	Legs              []domain.Leg
	AvgExecTimeMs     float64
	Spread            float64
	LiquidityAtPrice  map[domain.MarketKey]float64 // optional, falls back to leg.Liquidity
}

// Assessment is the aggregated output of ModelRisk.
type Assessment struct {
	Execution   float64
	Timing      float64
	Platform    float64
	Liquidity   float64
	Correlation float64
	Aggregate   float64
	Level       Level
}

// Modeler implements RiskModeler.
type Modeler struct {
	weights  Weights
	platform VenuePlatformRisk
	rules    []CorrelationRule
}

// New builds a Modeler. rules may be nil, in which case DefaultCorrelationRules applies.
func New(weights Weights, platform VenuePlatformRisk, rules []CorrelationRule) *Modeler {
	if rules == nil {
		rules = DefaultCorrelationRules()
	}
	return &Modeler{weights: weights, platform: platform, rules: rules}
}

// fillProbability is min(1, liquidity/size) with side/price adjustments.
func fillProbability(leg domain.Leg, size float64) float64 {
	if size <= 0 {
		return 1
	}
	p := leg.Liquidity / size
	if p > 1 {
		p = 1
	}
	if leg.Price < 0.05 || leg.Price > 0.95 {
		p *= 0.85
	}
	if leg.Action == domain.ActionSell {
		p *= 0.95
	}
	if p < 0 {
		p = 0
	}
	return p
}

// CalculateFillProbability returns the per-leg fill probabilities, each at
// that leg's own RecommendedSize. A leg with no size set reports 1, with no
// price or side adjustment applied.
func (m *Modeler) CalculateFillProbability(legs []domain.Leg) []float64 {
	out := make([]float64, len(legs))
	for i, leg := range legs {
		out[i] = fillProbability(leg, leg.RecommendedSize)
	}
	return out
}

func (m *Modeler) executionRisk(legs []domain.Leg) float64 {
	if len(legs) == 0 {
		return 0
	}
	probs := m.CalculateFillProbability(legs)

	productAll := 1.0
	for _, p := range probs {
		productAll *= p
	}

	var partial float64
	for i, pi := range probs {
		prodOthers := 1.0
		for j, pj := range probs {
			if i == j {
				continue
			}
			prodOthers *= pj
		}
		partial += prodOthers * (1 - pi)
	}

	combined := (1-productAll)*50 + partial*30
	return clamp(combined, 0, 100)
}

func (m *Modeler) timingRisk(legs []domain.Leg, avgExecTimeMs, spread float64) float64 {
	if len(legs) == 0 {
		return 0
	}
	var totalSlip, maxSlip float64
	for _, leg := range legs {
		slip := m.EstimateSlippage(leg, leg.RecommendedSize)
		totalSlip += slip
		if slip > maxSlip {
			maxSlip = slip
		}
	}
	avgSlip := totalSlip / float64(len(legs))
	volatility := math.Sqrt(avgExecTimeMs/1000) * 0.005
	score := avgSlip*200 + volatility*100
	return clamp(score, 0, 100)
}

// EstimateSlippage is the leg-level slippage model shared with timingRisk:
// sqrt(size/liquidity)*2, clamped to 50%.
func (m *Modeler) EstimateSlippage(leg domain.Leg, size float64) float64 {
	if leg.Liquidity <= 0 {
		return 0.5
	}
	return clamp(math.Sqrt(size/leg.Liquidity)*2, 0, 0.5)
}

func (m *Modeler) platformRisk(legs []domain.Leg) float64 {
	if len(legs) == 0 {
		return 0
	}
	var total float64
	for _, leg := range legs {
		venue := leg.Market.Venue()
		total += m.platform.base(venue) + m.platform.withdrawal(venue)*0.3 + m.platform.counterparty(venue)*0.3
	}
	return clamp(total/float64(len(legs)), 0, 100)
}

func (m *Modeler) liquidityRisk(legs []domain.Leg, liquidityAtPrice map[domain.MarketKey]float64) float64 {
	if len(legs) == 0 {
		return 0
	}
	var worst float64
	for _, leg := range legs {
		avail := leg.Liquidity
		if liquidityAtPrice != nil {
			if v, ok := liquidityAtPrice[leg.Market]; ok {
				avail = v
			}
		}
		ratio := 10.0 // no size committed: treat as deep liquidity headroom
		if leg.RecommendedSize > 0 {
			ratio = avail / leg.RecommendedSize
		}
		bucketRisk := bucketLiquidityRisk(ratio)
		if bucketRisk > worst {
			worst = bucketRisk
		}
	}
	return worst
}

func bucketLiquidityRisk(ratio float64) float64 {
	switch {
	case ratio >= 10:
		return 5
	case ratio >= 5:
		return 20
	case ratio >= 2:
		return 45
	case ratio >= 1:
		return 70
	default:
		return 95
	}
}

func (m *Modeler) correlationRisk(legs []domain.Leg) float64 {
	if len(legs) < 2 {
		return 0
	}
	var worst float64
	for i := 0; i < len(legs); i++ {
		for j := i + 1; j < len(legs); j++ {
			c := m.correlationFor(legs[i], legs[j])
			// A strongly negative correlation (hedge) is low risk; a
			// strongly positive correlation (concentrated exposure) is
			// high risk. Map [-1,1] onto a 0-100 risk score.
			risk := (c + 1) / 2 * 100
			if c < 0 {
				risk = (1 + c) * 20 // hedges compress toward low risk
			}
			if risk > worst {
				worst = risk
			}
		}
	}
	return clamp(worst, 0, 100)
}

func (m *Modeler) correlationFor(a, b domain.Leg) float64 {
	for _, rule := range m.rules {
		if rule.Matches(a, b) {
			return rule.Value
		}
	}
	return defaultCorrelation()
}

// ModelRisk computes the five risk dimensions and their weighted aggregate.
func (m *Modeler) ModelRisk(input Input) Assessment {
	exec := m.executionRisk(input.Legs)
	timing := m.timingRisk(input.Legs, input.AvgExecTimeMs, input.Spread)
	platform := m.platformRisk(input.Legs)
	liquidity := m.liquidityRisk(input.Legs, input.LiquidityAtPrice)
	correlation := m.correlationRisk(input.Legs)

	aggregate := exec*m.weights.Execution + timing*m.weights.Timing + platform*m.weights.Platform +
		liquidity*m.weights.Liquidity + correlation*m.weights.Correlation

	return Assessment{
		Execution:   exec,
		Timing:      timing,
		Platform:    platform,
		Liquidity:   liquidity,
		Correlation: correlation,
		Aggregate:   aggregate,
		Level:       levelFor(aggregate),
	}
}

// CalculatePositionLimit binary-searches [0,balance] for the largest size
// whose aggregate risk (re-evaluated with each leg's RecommendedSize scaled
// to the candidate total) stays at or below maxRisk.
func (m *Modeler) CalculatePositionLimit(legs []domain.Leg, maxRisk float64, balance float64) float64 {
	if balance <= 0 || len(legs) == 0 {
		return 0
	}

	riskAt := func(size float64) float64 {
		scaled := make([]domain.Leg, len(legs))
		copy(scaled, legs)
		for i := range scaled {
			scaled[i].RecommendedSize = size / float64(len(scaled))
		}
		return m.ModelRisk(Input{Legs: scaled}).Aggregate
	}

	lo, hi := 0.0, balance
	if riskAt(hi) <= maxRisk {
		return hi
	}
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if riskAt(mid) <= maxRisk {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// OptimizeSequence returns a permutation of [0, len(legs)) placing every buy
// before every sell, and within each side ordering legs by descending
// liquidity ratio (liquidity/size) then ascending slippage.
func (m *Modeler) OptimizeSequence(legs []domain.Leg) []int {
	type scored struct {
		idx            int
		liquidityRatio float64
		slippage       float64
		isSell         bool
	}

	rows := make([]scored, len(legs))
	for i, leg := range legs {
		ratio := 0.0
		if leg.RecommendedSize > 0 {
			ratio = leg.Liquidity / leg.RecommendedSize
		}
		rows[i] = scored{
			idx:            i,
			liquidityRatio: ratio,
			slippage:       m.EstimateSlippage(leg, leg.RecommendedSize),
			isSell:         leg.Action == domain.ActionSell,
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].isSell != rows[j].isSell {
			return !rows[i].isSell
		}
		if rows[i].liquidityRatio != rows[j].liquidityRatio {
			return rows[i].liquidityRatio > rows[j].liquidityRatio
		}
		return rows[i].slippage < rows[j].slippage
	})

	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.idx
	}
	return out
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
