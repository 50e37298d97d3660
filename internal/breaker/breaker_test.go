package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxLossPctDaily:        3,
		MaxConsecutiveFailures: 1000, // disabled for this test
		CooldownMs:             50,
		AutoReset:              true,
	}
}

// TestDailyLossTrip covers scenario 6: four recordings of -1, -1, -0.5, -0.7
// percent PnL against a 3% daily loss ceiling. After the third, CanTrade is
// still true; after the fourth, false with category loss; after cooldown
// with AutoReset, true again.
func TestDailyLossTrip(t *testing.T) {
	b := New(testConfig(), zerolog.Nop())

	b.RecordTrade(Global, TradeResult{PnLPct: -1})
	b.RecordTrade(Global, TradeResult{PnLPct: -1})
	b.RecordTrade(Global, TradeResult{PnLPct: -0.5})
	ok, _ := b.CanTrade(Global)
	assert.True(t, ok, "cumulative loss 2.5%% should not yet trip the 3%% daily ceiling")

	b.RecordTrade(Global, TradeResult{PnLPct: -0.7})
	ok, ev := b.CanTrade(Global)
	require.False(t, ok)
	require.NotNil(t, ev)
	assert.Equal(t, ConditionLossWindow, ev.Condition)

	time.Sleep(60 * time.Millisecond)
	ok, _ = b.CanTrade(Global)
	assert.True(t, ok, "auto-reset after cooldown should re-close the breaker")
}

func TestConsecutiveFailuresTrip(t *testing.T) {
	cfg := Config{MaxConsecutiveFailures: 3, CooldownMs: 10_000, AutoReset: false}
	b := New(cfg, zerolog.Nop())

	b.RecordTrade(Global, TradeResult{Success: false})
	b.RecordTrade(Global, TradeResult{Success: false})
	ok, _ := b.CanTrade(Global)
	assert.True(t, ok)

	b.RecordTrade(Global, TradeResult{Success: false})
	ok, ev := b.CanTrade(Global)
	require.False(t, ok)
	assert.Equal(t, ConditionConsecutive, ev.Condition)

	b.RecordTrade(Global, TradeResult{Success: true})
	ok, _ = b.CanTrade(Global)
	assert.False(t, ok, "without AutoReset, a success alone does not close the breaker")
}

func TestMarketScopedTripDoesNotBlockOtherMarkets(t *testing.T) {
	b := New(Config{MaxConsecutiveFailures: 1, CooldownMs: 10_000, AutoReset: false}, zerolog.Nop())
	scopeA := Scope{Venue: "polymarket", MarketID: "1"}
	scopeB := Scope{Venue: "polymarket", MarketID: "2"}

	b.RecordTrade(scopeA, TradeResult{Success: false})
	okA, _ := b.CanTrade(scopeA)
	okB, _ := b.CanTrade(scopeB)
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestGlobalTripBlocksEverything(t *testing.T) {
	b := New(Config{CooldownMs: 10_000, AutoReset: false}, zerolog.Nop())
	b.Trip(Global, ConditionManual, "operator halt")

	scoped := Scope{Venue: "polymarket", MarketID: "1"}
	ok, _ := b.CanTrade(scoped)
	assert.False(t, ok)
}

func TestResetForceClosesRegardlessOfAutoReset(t *testing.T) {
	b := New(Config{CooldownMs: 10_000, AutoReset: false}, zerolog.Nop())
	b.Trip(Global, ConditionManual, "halt")
	ok, _ := b.CanTrade(Global)
	require.False(t, ok)

	b.Reset(Global)
	ok, _ = b.CanTrade(Global)
	assert.True(t, ok)
}

func TestStartStopMonitoringReleasesGoroutine(t *testing.T) {
	b := New(Moderate(), zerolog.Nop())
	b.hostPressureFn = func() (float64, error) { return 10, nil }
	b.StartMonitoring(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	b.StopMonitoring()
}

type fakeSignalSource struct {
	scope                         Scope
	volatility, liquidity, spread float64
	ok                            bool
}

func (f fakeSignalSource) Scopes() []Scope { return []Scope{f.scope} }

func (f fakeSignalSource) Observe(scope Scope) (float64, float64, float64, bool) {
	if scope != f.scope {
		return 0, 0, 0, false
	}
	return f.volatility, f.liquidity, f.spread, f.ok
}

func TestMonitoringPollsSignalSourceAndTripsScopedMarket(t *testing.T) {
	scope := Scope{Venue: "polymarket", MarketID: "1"}
	b := New(Config{MaxVolatility: 0.10, MinLiquidity: 500, MaxSpread: 0.05, CooldownMs: 10_000}, zerolog.Nop())
	b.hostPressureFn = func() (float64, error) { return 0, nil }
	b.SetSignalSource(fakeSignalSource{scope: scope, volatility: 0.5, liquidity: 1000, spread: 0.01, ok: true})

	b.StartMonitoring(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	b.StopMonitoring()

	ok, ev := b.CanTrade(scope)
	require.False(t, ok, "volatility above MaxVolatility should trip the signal's own scope")
	require.NotNil(t, ev)
	assert.Equal(t, ConditionVolatility, ev.Condition)

	okGlobal, _ := b.CanTrade(Global)
	assert.True(t, okGlobal, "a scoped signal trip must not block the global gate")
}

func TestMonitoringIgnoresSignalSourceWithoutObservation(t *testing.T) {
	scope := Scope{Venue: "polymarket", MarketID: "1"}
	b := New(Config{MaxVolatility: 0.10, CooldownMs: 10_000}, zerolog.Nop())
	b.hostPressureFn = func() (float64, error) { return 0, nil }
	b.SetSignalSource(fakeSignalSource{scope: scope, ok: false})

	b.StartMonitoring(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	b.StopMonitoring()

	ok, _ := b.CanTrade(scope)
	assert.True(t, ok, "no observation yet should never trip")
}
