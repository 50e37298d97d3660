package feature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFeaturesNoDataNeverBlocks(t *testing.T) {
	e := New(32)
	f := e.GetFeatures("polymarket", "missing", "")
	assert.Nil(t, f.Tick)
	assert.Nil(t, f.OrderBook)
	assert.Equal(t, 0.0, f.Signals.TrendStrength)
	assert.Equal(t, 0.0, f.Signals.LiquidityScore)
}

func TestRecordTickPopulatesLastTick(t *testing.T) {
	e := New(32)
	now := time.Unix(1000, 0)
	e.RecordTick("polymarket", "1", "Yes", 0.5, now)

	f := e.GetFeatures("polymarket", "1", "Yes")
	assert.NotNil(t, f.Tick)
	assert.Equal(t, 0.5, f.Tick.Price)
}

func TestOrderBookPressureSignals(t *testing.T) {
	e := New(32)
	e.RecordOrderBook("polymarket", "1", "Yes", OrderBook{BidVolume: 75, AskVolume: 25})

	f := e.GetFeatures("polymarket", "1", "Yes")
	assert.InDelta(t, 0.75, f.Signals.BuyPressure, 1e-9)
	assert.InDelta(t, 0.25, f.Signals.SellPressure, 1e-9)
	assert.InDelta(t, 100, f.Signals.LiquidityDepth, 1e-9)
}

func TestOrderBookSpreadRequiresBothPrices(t *testing.T) {
	e := New(32)
	e.RecordOrderBook("polymarket", "1", "Yes", OrderBook{BidVolume: 10, AskVolume: 10})
	assert.Zero(t, e.GetFeatures("polymarket", "1", "Yes").Signals.Spread)

	e.RecordOrderBook("polymarket", "1", "Yes", OrderBook{BidVolume: 10, AskVolume: 10, BidPrice: 0.48, AskPrice: 0.52})
	assert.InDelta(t, 0.08, e.GetFeatures("polymarket", "1", "Yes").Signals.Spread, 1e-9)
}

func TestKnownMarketsDedupesAcrossOutcomes(t *testing.T) {
	e := New(32)
	now := time.Unix(1000, 0)
	e.RecordTick("polymarket", "1", "Yes", 0.5, now)
	e.RecordTick("polymarket", "1", "No", 0.5, now)
	e.RecordTick("kalshi", "2", "", 0.3, now)

	markets := e.KnownMarkets()
	assert.Len(t, markets, 2)
	assert.Contains(t, markets, MarketScope{Venue: "polymarket", MarketID: "1"})
	assert.Contains(t, markets, MarketScope{Venue: "kalshi", MarketID: "2"})
}

func TestLiquidityScoreHigherForStablePrices(t *testing.T) {
	e := New(32)
	now := time.Unix(1000, 0)
	for i := 0; i < 20; i++ {
		e.RecordTick("stable", "1", "Yes", 0.5, now)
	}
	for i := 0; i < 20; i++ {
		price := 0.5
		if i%2 == 0 {
			price = 0.1
		} else {
			price = 0.9
		}
		e.RecordTick("volatile", "1", "Yes", price, now)
	}

	stable := e.GetFeatures("stable", "1", "Yes")
	volatile := e.GetFeatures("volatile", "1", "Yes")
	assert.Greater(t, stable.Signals.LiquidityScore, volatile.Signals.LiquidityScore)
}

func TestWindowBounded(t *testing.T) {
	e := New(5)
	now := time.Unix(1000, 0)
	for i := 0; i < 20; i++ {
		e.RecordTick("v", "1", "Yes", float64(i), now)
	}
	e.mu.RLock()
	h := e.history[key("v", "1", "Yes")]
	e.mu.RUnlock()
	assert.Len(t, h, 5)
}
