package risk

import (
	"testing"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legFor(venue, id string, price, liquidity, size float64, action domain.Action, side domain.OutcomeSide) domain.Leg {
	return domain.Leg{
		Market:          domain.NewMarketKey(venue, id),
		Action:          action,
		Price:           price,
		Liquidity:       liquidity,
		RecommendedSize: size,
		Normalized:      domain.NormalizedOutcome{Side: side, Confidence: 1},
	}
}

func TestModelRiskAggregateWithinBounds(t *testing.T) {
	m := New(DefaultWeights(), VenuePlatformRisk{}, nil)
	legs := []domain.Leg{
		legFor("v1", "1", 0.48, 2000, 100, domain.ActionBuy, domain.SideYes),
		legFor("v1", "1", 0.50, 2000, 100, domain.ActionBuy, domain.SideNo),
	}

	assessment := m.ModelRisk(Input{Legs: legs, AvgExecTimeMs: 500})
	assert.GreaterOrEqual(t, assessment.Aggregate, 0.0)
	assert.LessOrEqual(t, assessment.Aggregate, 100.0)
	assert.NotEmpty(t, assessment.Level)
}

func TestHedgeCorrelationIsLowerRiskThanConcentration(t *testing.T) {
	m := New(DefaultWeights(), VenuePlatformRisk{}, nil)

	hedge := []domain.Leg{
		legFor("v1", "1", 0.48, 2000, 100, domain.ActionBuy, domain.SideYes),
		legFor("v1", "1", 0.50, 2000, 100, domain.ActionBuy, domain.SideNo),
	}
	concentrated := []domain.Leg{
		legFor("v1", "1", 0.48, 2000, 100, domain.ActionBuy, domain.SideYes),
		legFor("v1", "1", 0.48, 2000, 100, domain.ActionBuy, domain.SideYes),
	}

	hedgeRisk := m.ModelRisk(Input{Legs: hedge}).Correlation
	concentratedRisk := m.ModelRisk(Input{Legs: concentrated}).Correlation
	assert.Less(t, hedgeRisk, concentratedRisk)
}

func TestOptimizeSequenceIsPermutation(t *testing.T) {
	m := New(DefaultWeights(), VenuePlatformRisk{}, nil)
	legs := []domain.Leg{
		legFor("v1", "1", 0.5, 500, 100, domain.ActionSell, domain.SideYes),
		legFor("v2", "2", 0.5, 5000, 100, domain.ActionBuy, domain.SideYes),
		legFor("v3", "3", 0.5, 1000, 100, domain.ActionBuy, domain.SideNo),
	}

	order := m.OptimizeSequence(legs)
	require.Len(t, order, len(legs))

	seen := make(map[int]bool)
	for _, idx := range order {
		assert.False(t, seen[idx], "index %d repeated", idx)
		seen[idx] = true
		assert.True(t, idx >= 0 && idx < len(legs))
	}

	// buys must precede the sell
	sellPos := -1
	for i, idx := range order {
		if legs[idx].Action == domain.ActionSell {
			sellPos = i
		}
	}
	assert.Equal(t, len(order)-1, sellPos)
}

func TestCalculatePositionLimitRespectsBound(t *testing.T) {
	m := New(DefaultWeights(), VenuePlatformRisk{}, nil)
	legs := []domain.Leg{
		legFor("v1", "1", 0.5, 1000, 0, domain.ActionBuy, domain.SideYes),
	}

	limit := m.CalculatePositionLimit(legs, 25, 10000)
	assert.GreaterOrEqual(t, limit, 0.0)
	assert.LessOrEqual(t, limit, 10000.0)

	scaled := make([]domain.Leg, len(legs))
	copy(scaled, legs)
	scaled[0].RecommendedSize = limit
	assessment := m.ModelRisk(Input{Legs: scaled})
	assert.LessOrEqual(t, assessment.Aggregate, 25.5)
}

func TestCalculateFillProbabilityPenalizesExtremePrices(t *testing.T) {
	m := New(DefaultWeights(), VenuePlatformRisk{}, nil)
	legs := []domain.Leg{
		legFor("v1", "1", 0.5, 1000, 100, domain.ActionBuy, domain.SideYes),
		legFor("v1", "2", 0.02, 1000, 100, domain.ActionBuy, domain.SideYes),
	}
	probs := m.CalculateFillProbability(legs)
	assert.Less(t, probs[1], probs[0])
}
