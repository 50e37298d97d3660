package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/arbiter/internal/breaker"
	"github.com/aristath/arbiter/internal/feature"
)

func TestFeatureSignalSourceScopesKnownMarkets(t *testing.T) {
	feat := feature.New(16)
	feat.RecordTick("polymarket", "1", "Yes", 0.5, time.Unix(1000, 0))

	src := FeatureSignalSource{Features: feat}
	scopes := src.Scopes()

	assert.Equal(t, []breaker.Scope{{Venue: "polymarket", MarketID: "1"}}, scopes)
}

func TestFeatureSignalSourceObserveRequiresATick(t *testing.T) {
	feat := feature.New(16)
	src := FeatureSignalSource{Features: feat}

	_, _, _, ok := src.Observe(breaker.Scope{Venue: "polymarket", MarketID: "1"})
	assert.False(t, ok)

	feat.RecordTick("polymarket", "1", "", 0.5, time.Unix(1000, 0))
	feat.RecordOrderBook("polymarket", "1", "", feature.OrderBook{BidVolume: 40, AskVolume: 60, BidPrice: 0.48, AskPrice: 0.52})

	volatility, liquidity, spread, ok := src.Observe(breaker.Scope{Venue: "polymarket", MarketID: "1"})
	assert.True(t, ok)
	assert.InDelta(t, 100, liquidity, 1e-9)
	assert.InDelta(t, 0.08, spread, 1e-9)
	assert.GreaterOrEqual(t, volatility, 0.0)
}
