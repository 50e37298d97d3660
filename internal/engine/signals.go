package engine

import (
	"github.com/aristath/arbiter/internal/breaker"
	"github.com/aristath/arbiter/internal/feature"
)

// FeatureSignalSource adapts a *feature.Engine into a breaker.SignalSource,
// translating the rolling-window indicators it derives per market into the
// volatility, liquidity, and spread observations the circuit breaker's
// monitoring loop polls on a fixed cadence.
type FeatureSignalSource struct {
	Features *feature.Engine
}

// Scopes returns every (venue, marketID) the FeatureEngine has recorded a
// tick for.
func (f FeatureSignalSource) Scopes() []breaker.Scope {
	markets := f.Features.KnownMarkets()
	scopes := make([]breaker.Scope, len(markets))
	for i, m := range markets {
		scopes[i] = breaker.Scope{Venue: m.Venue, MarketID: m.MarketID}
	}
	return scopes
}

// Observe derives volatility, liquidity, and spread from the market's
// current signal bundle. Volatility is the complement of LiquidityScore
// (itself a price-stability surrogate, so 1 minus it reads as instability);
// liquidity is the last recorded order book's combined bid/ask depth;
// spread comes straight off the order book when bid/ask prices are known.
// ok is false until at least one tick has been recorded for the scope.
func (f FeatureSignalSource) Observe(scope breaker.Scope) (volatility, liquidity, spread float64, ok bool) {
	feats := f.Features.GetFeatures(scope.Venue, scope.MarketID, "")
	if feats.Tick == nil {
		return 0, 0, 0, false
	}
	volatility = 1 - feats.Signals.LiquidityScore
	liquidity = feats.Signals.LiquidityDepth
	spread = feats.Signals.Spread
	return volatility, liquidity, spread, true
}
