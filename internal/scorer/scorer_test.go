package scorer

import (
	"testing"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/stretchr/testify/assert"
)

func sampleOpportunity() domain.Opportunity {
	return domain.Opportunity{
		Type:           domain.OpportunityInternal,
		EdgePct:        2.0,
		Confidence:     0.9,
		TotalLiquidity: 2000,
		Markets: []domain.Leg{
			{Market: domain.NewMarketKey("v1", "1"), Action: domain.ActionBuy, Price: 0.48, Liquidity: 2000, RecommendedSize: 100},
			{Market: domain.NewMarketKey("v1", "1"), Action: domain.ActionBuy, Price: 0.50, Liquidity: 2000, RecommendedSize: 100},
		},
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)
	opp := sampleOpportunity()

	first := s.Score(opp)
	second := s.Score(opp)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.KellyFraction, second.KellyFraction)
}

func TestScoreClampedToRange(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)
	opp := sampleOpportunity()
	opp.EdgePct = 1000
	opp.TotalLiquidity = 10_000_000
	opp.Confidence = 1.0

	scored := s.Score(opp)
	assert.LessOrEqual(t, scored.Score, 100.0)
	assert.GreaterOrEqual(t, scored.Score, 0.0)
}

func TestEstimateSlippageClampedAndMonotonic(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)
	small := s.EstimateSlippage(10_000, 100, 0)
	large := s.EstimateSlippage(10_000, 5_000, 0)
	assert.Less(t, small, large)
	assert.LessOrEqual(t, large, 0.5)

	assert.Equal(t, 0.5, s.EstimateSlippage(0, 100, 0))
}

func TestCalculateKellyBounds(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)

	assert.Equal(t, 0.0, s.CalculateKelly(0, 0.5, 0))
	assert.LessOrEqual(t, s.CalculateKelly(1.0, 1.0, 0), 0.25)
	assert.GreaterOrEqual(t, s.CalculateKelly(1.0, 1.0, 0), 0.0)
}

func TestGetOptimalSizeRespectsAllCaps(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)
	opp := sampleOpportunity()

	size := s.GetOptimalSize(opp, 1000)
	assert.LessOrEqual(t, size, opp.TotalLiquidity*0.05)
	assert.LessOrEqual(t, size, 1000*0.10)
	assert.GreaterOrEqual(t, size, 0.0)
}

func TestEstimateExecutionBuildsOrderedSteps(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)
	opp := sampleOpportunity()
	opp.EdgePct = 2.0

	plan := s.EstimateExecution(opp, 200)
	assert.Len(t, plan.Steps, 2)
	assert.Equal(t, 0, plan.Steps[0].SequenceIndex)
	assert.Equal(t, 1, plan.Steps[1].SequenceIndex)
	assert.Greater(t, plan.TotalCost, 0.0)
}

func TestMultiVenuePenaltyLowersScore(t *testing.T) {
	s := New(DefaultWeights(), VenueFactors{}, 500)
	single := sampleOpportunity()

	multi := sampleOpportunity()
	multi.Markets[1].Market = domain.NewMarketKey("v2", "2")

	scoredSingle := s.Score(single)
	scoredMulti := s.Score(multi)
	assert.Less(t, scoredMulti.Score, scoredSingle.Score)
}
