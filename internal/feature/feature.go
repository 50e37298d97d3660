// Package feature implements the optional FeatureEngine collaborator:
// rolling tick/order-book indicators that feed scoring, imbalance, and the
// circuit breaker. Absent data never blocks a caller — every lookup
// degrades to a "no signal" zero-value rather than an error.
package feature

import (
	"math"
	"sync"
	"time"

	"github.com/aristath/arbiter/internal/domain"
	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Tick is one historical price observation fed into the rolling window.
type Tick struct {
	Price     float64
	Timestamp time.Time
}

// OrderBook is an optional snapshot used to derive buy/sell pressure,
// liquidity depth, and bid/ask spread. BidPrice/AskPrice may be left zero
// if the caller only has volumes; Spread then stays unset.
type OrderBook struct {
	BidVolume float64
	AskVolume float64
	BidPrice  float64
	AskPrice  float64
}

// Signals is the derived indicator bundle consumed by scoring and the
// breaker. All fields default to zero ("no signal") when data is thin.
type Signals struct {
	LiquidityScore float64
	TrendStrength  float64
	BuyPressure    float64
	SellPressure   float64
	LiquidityDepth float64 // BidVolume+AskVolume, the breaker's liquidity-condition input
	Spread         float64 // (AskPrice-BidPrice)/mid, the breaker's spread-condition input
}

// MarketScope identifies a (venue, marketID) the engine has recorded at
// least one tick for, independent of outcome.
type MarketScope struct {
	Venue    string
	MarketID string
}

// Features is the full response for one (venue, marketID, outcome).
type Features struct {
	Tick      *Tick
	OrderBook *OrderBook
	Signals   Signals
}

// Engine implements FeatureEngine. It keeps a bounded rolling tick window
// per (venue, marketID, outcome) key, and derives indicators from it using
// go-talib (RSI-style momentum) and gonum/stat (volatility).
type Engine struct {
	mu         sync.RWMutex
	windowSize int
	history    map[string][]float64
	books      map[string]OrderBook
	lastTick   map[string]Tick
	scopes     map[string]MarketScope
}

// New creates an Engine retaining the last windowSize ticks per key.
func New(windowSize int) *Engine {
	if windowSize <= 0 {
		windowSize = 64
	}
	return &Engine{
		windowSize: windowSize,
		history:    make(map[string][]float64),
		books:      make(map[string]OrderBook),
		lastTick:   make(map[string]Tick),
		scopes:     make(map[string]MarketScope),
	}
}

func key(venue, marketID, outcome string) string {
	return venue + ":" + marketID + ":" + outcome
}

// RecordTick appends a price observation to the rolling window for a key.
func (e *Engine) RecordTick(venue, marketID, outcome string, price float64, at time.Time) {
	k := key(venue, marketID, outcome)
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[k]
	h = append(h, price)
	if len(h) > e.windowSize {
		h = h[len(h)-e.windowSize:]
	}
	e.history[k] = h
	e.lastTick[k] = Tick{Price: price, Timestamp: at}
	e.scopes[venue+":"+marketID] = MarketScope{Venue: venue, MarketID: marketID}
}

// KnownMarkets returns the distinct (venue, marketID) pairs with at least
// one recorded tick, for callers that poll signals across every market the
// engine has seen rather than one at a time.
func (e *Engine) KnownMarkets() []MarketScope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]MarketScope, 0, len(e.scopes))
	for _, s := range e.scopes {
		out = append(out, s)
	}
	return out
}

// RecordOrderBook stores the latest order-book snapshot for a key.
func (e *Engine) RecordOrderBook(venue, marketID, outcome string, book OrderBook) {
	k := key(venue, marketID, outcome)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[k] = book
}

// GetFeatures returns whatever is known about (venue, marketID, outcome).
// outcome may be empty to address the market generally.
func (e *Engine) GetFeatures(venue, marketID, outcome string) Features {
	k := key(venue, marketID, outcome)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out Features
	if tick, ok := e.lastTick[k]; ok {
		t := tick
		out.Tick = &t
	}
	if book, ok := e.books[k]; ok {
		b := book
		out.OrderBook = &b
		total := book.BidVolume + book.AskVolume
		out.Signals.LiquidityDepth = total
		if total > 0 {
			out.Signals.BuyPressure = book.BidVolume / total
			out.Signals.SellPressure = book.AskVolume / total
		}
		if book.BidPrice > 0 && book.AskPrice > 0 {
			mid := (book.BidPrice + book.AskPrice) / 2
			out.Signals.Spread = (book.AskPrice - book.BidPrice) / mid
		}
	}

	hist := e.history[k]
	out.Signals.TrendStrength = trendStrength(hist)
	out.Signals.LiquidityScore = liquidityScore(hist)
	return out
}

// trendStrength derives a momentum surrogate from an RSI-style indicator:
// the distance of the latest RSI reading from the neutral midpoint (50),
// normalized to [0,1]. Too few points yields zero (no signal).
func trendStrength(prices []float64) float64 {
	const period = 14
	if len(prices) < period+1 {
		return 0
	}
	rsi := talib.Rsi(prices, period)
	last := rsi[len(rsi)-1]
	if math.IsNaN(last) {
		return 0
	}
	return math.Abs(last-50) / 50
}

// liquidityScore derives a stability surrogate from price volatility: a
// lower standard deviation relative to the mean yields a higher score.
// Too few points yields zero (no signal).
func liquidityScore(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	mean := stat.Mean(prices, nil)
	if mean == 0 {
		return 0
	}
	sd := stat.StdDev(prices, nil)
	coefficientOfVariation := sd / mean
	score := 1 - math.Min(coefficientOfVariation*5, 1)
	if score < 0 {
		return 0
	}
	return score
}

// AssignedOutcome returns the name of m's first outcome, or "" when m has
// no outcomes. Market-level features are the ones keyed by "" (see
// GetFeatures), so a non-empty result addresses one specific outcome.
func AssignedOutcome(m domain.Market) string {
	if len(m.Outcomes) == 0 {
		return ""
	}
	return m.Outcomes[0].Name
}
