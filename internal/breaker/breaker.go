// Package breaker implements the layered circuit breaker (C7): a global and
// per-market gate between opportunity emission and execution, tripped by
// volatility, liquidity, spread, loss-window, consecutive-failure, or
// manual conditions.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// ConditionKind is one of the trip categories.
type ConditionKind string

const (
	ConditionVolatility   ConditionKind = "volatility"
	ConditionLiquidity    ConditionKind = "liquidity"
	ConditionSpread       ConditionKind = "spread"
	ConditionLossWindow   ConditionKind = "loss"
	ConditionConsecutive  ConditionKind = "consecutive_failures"
	ConditionManual       ConditionKind = "manual"
	ConditionHostPressure ConditionKind = "host_pressure"
)

// State is the two-state machine per scope.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// TripEvent records why and when a scope was opened.
type TripEvent struct {
	Condition ConditionKind
	Reason    string
	At        time.Time
}

// Config controls thresholds and cooldown behavior. Three presets are
// provided below (conservative/moderate/aggressive) as example
// configurations.
type Config struct {
	MaxVolatility          float64 // fraction, e.g. 0.10 = 10%
	MinLiquidity           float64
	MaxSpread              float64
	MaxLossPctHourly       float64
	MaxLossPctDaily        float64
	MaxLossPctWeekly       float64
	MaxConsecutiveFailures int
	CooldownMs             int64
	AutoReset              bool
	MaxHostMemoryPercent   float64 // 0 disables the host-pressure condition
}

// Conservative is a tight preset favoring safety over trade volume.
func Conservative() Config {
	return Config{
		MaxVolatility: 0.05, MinLiquidity: 1000, MaxSpread: 0.03,
		MaxLossPctHourly: 1, MaxLossPctDaily: 2, MaxLossPctWeekly: 5,
		MaxConsecutiveFailures: 3, CooldownMs: 30 * 60 * 1000, AutoReset: true,
		MaxHostMemoryPercent: 85,
	}
}

// Moderate is the default preset.
func Moderate() Config {
	return Config{
		MaxVolatility: 0.10, MinLiquidity: 500, MaxSpread: 0.05,
		MaxLossPctHourly: 2, MaxLossPctDaily: 3, MaxLossPctWeekly: 8,
		MaxConsecutiveFailures: 5, CooldownMs: 15 * 60 * 1000, AutoReset: true,
		MaxHostMemoryPercent: 90,
	}
}

// Aggressive favors trade volume over safety.
func Aggressive() Config {
	return Config{
		MaxVolatility: 0.20, MinLiquidity: 100, MaxSpread: 0.10,
		MaxLossPctHourly: 5, MaxLossPctDaily: 8, MaxLossPctWeekly: 15,
		MaxConsecutiveFailures: 10, CooldownMs: 5 * 60 * 1000, AutoReset: true,
		MaxHostMemoryPercent: 95,
	}
}

// TradeResult is what RecordTrade ingests per completed trade.
type TradeResult struct {
	Success bool
	PnLPct  float64 // percent of bankroll, negative on loss
}

type lossWindow struct {
	bucketStart time.Time
	period      time.Duration
	lossPct     float64
}

func (w *lossWindow) record(now time.Time, pnlPct float64) {
	if now.Sub(w.bucketStart) >= w.period {
		w.bucketStart = bucketStartFor(now, w.period)
		w.lossPct = 0
	}
	if pnlPct < 0 {
		w.lossPct += -pnlPct
	}
}

func bucketStartFor(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period)
}

type scopeState struct {
	state                 State
	history               []TripEvent
	consecutiveFailures   int
	hourly, daily, weekly lossWindow
	openedAt              time.Time
}

func newScopeState(now time.Time) *scopeState {
	return &scopeState{
		state:  StateClosed,
		hourly: lossWindow{bucketStart: bucketStartFor(now, time.Hour), period: time.Hour},
		daily:  lossWindow{bucketStart: bucketStartFor(now, 24*time.Hour), period: 24 * time.Hour},
		weekly: lossWindow{bucketStart: bucketStartFor(now, 7*24*time.Hour), period: 7 * 24 * time.Hour},
	}
}

// Scope identifies a breaker gate: either the global scope, or one scoped
// to a specific (venue, market).
type Scope struct {
	Venue    string
	MarketID string
}

// Global is the zero-value Scope, the engine-wide gate.
var Global = Scope{}

func (s Scope) isGlobal() bool { return s.Venue == "" && s.MarketID == "" }

// SignalSource supplies the live per-scope observations StartMonitoring
// polls to drive the volatility, liquidity, and spread conditions, on top
// of host pressure. internal/feature.Engine is adapted to this interface
// by the caller that owns both components; a Breaker with no signal source
// attached still polls host pressure alone.
type SignalSource interface {
	// Scopes returns the (venue, market) scopes currently worth polling.
	Scopes() []Scope
	// Observe returns the latest volatility, liquidity, and spread
	// observations for scope. ok is false when no observation is available
	// yet (e.g. not enough ticks recorded), in which case the caller skips
	// the scope rather than tripping on a zero value.
	Observe(scope Scope) (volatility, liquidity, spread float64, ok bool)
}

// Breaker implements CircuitBreaker.
type Breaker struct {
	cfg    Config
	log    zerolog.Logger
	mu     sync.Mutex
	scopes map[Scope]*scopeState

	stopCh chan struct{}
	doneCh chan struct{}

	hostPressureFn func() (float64, error) // overridable for tests
	signals        SignalSource            // optional, set via SetSignalSource
}

// New builds a Breaker with the given config.
func New(cfg Config, log zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:            cfg,
		log:            log.With().Str("component", "breaker").Logger(),
		scopes:         make(map[Scope]*scopeState),
		hostPressureFn: defaultHostPressure,
	}
}

// SetSignalSource attaches the source StartMonitoring polls for the
// volatility/liquidity/spread conditions. Passing nil reverts to polling
// host pressure only.
func (b *Breaker) SetSignalSource(src SignalSource) {
	b.mu.Lock()
	b.signals = src
	b.mu.Unlock()
}

func defaultHostPressure() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

func (b *Breaker) scopeLocked(scope Scope, now time.Time) *scopeState {
	s, ok := b.scopes[scope]
	if !ok {
		s = newScopeState(now)
		b.scopes[scope] = s
	}
	return s
}

// CanTrade reports whether trading is currently permitted for the given
// scope, re-evaluating cooldown/auto-reset on demand. An empty Scope
// queries the global gate only; any scoped trip is additionally checked
// when venue/marketID are non-empty.
func (b *Breaker) CanTrade(scope Scope) (bool, *TripEvent) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, ev := b.evaluateScopeLocked(Global, now); !ok {
		return false, ev
	}
	if scope.isGlobal() {
		return true, nil
	}
	return b.evaluateScopeLocked(scope, now)
}

func (b *Breaker) evaluateScopeLocked(scope Scope, now time.Time) (bool, *TripEvent) {
	s := b.scopeLocked(scope, now)
	if s.state == StateClosed {
		return true, nil
	}
	if b.cfg.AutoReset && now.Sub(s.openedAt).Milliseconds() >= b.cfg.CooldownMs {
		s.state = StateClosed
		s.consecutiveFailures = 0
		return true, nil
	}
	var last *TripEvent
	if len(s.history) > 0 {
		ev := s.history[len(s.history)-1]
		last = &ev
	}
	return false, last
}

// Trip opens the given scope for the given reason.
func (b *Breaker) Trip(scope Scope, condition ConditionKind, reason string) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.scopeLocked(scope, now)
	s.state = StateOpen
	s.openedAt = now
	s.history = append(s.history, TripEvent{Condition: condition, Reason: reason, At: now})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	b.log.Warn().Str("scope_venue", scope.Venue).Str("scope_market", scope.MarketID).
		Str("condition", string(condition)).Str("reason", reason).Msg("circuit breaker tripped")
}

// Reset force-closes a scope regardless of AutoReset.
func (b *Breaker) Reset(scope Scope) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.scopeLocked(scope, now)
	s.state = StateClosed
	s.consecutiveFailures = 0
}

// GetState returns the current state and trip history for a scope.
func (b *Breaker) GetState(scope Scope) (State, []TripEvent) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.scopeLocked(scope, now)
	hist := make([]TripEvent, len(s.history))
	copy(hist, s.history)
	return s.state, hist
}

// RecordTrade ingests a trade outcome for a scope, updating loss-window
// counters and the consecutive-failure streak, tripping the scope if any
// threshold is now breached.
func (b *Breaker) RecordTrade(scope Scope, result TradeResult) {
	now := time.Now()
	b.mu.Lock()
	s := b.scopeLocked(scope, now)

	if result.Success {
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
	}

	s.hourly.record(now, result.PnLPct)
	s.daily.record(now, result.PnLPct)
	s.weekly.record(now, result.PnLPct)

	var tripCondition ConditionKind
	var reason string
	switch {
	case b.cfg.MaxConsecutiveFailures > 0 && s.consecutiveFailures >= b.cfg.MaxConsecutiveFailures:
		tripCondition, reason = ConditionConsecutive, "consecutive failure limit reached"
	case b.cfg.MaxLossPctHourly > 0 && s.hourly.lossPct >= b.cfg.MaxLossPctHourly:
		tripCondition, reason = ConditionLossWindow, "hourly loss limit reached"
	case b.cfg.MaxLossPctDaily > 0 && s.daily.lossPct >= b.cfg.MaxLossPctDaily:
		tripCondition, reason = ConditionLossWindow, "daily loss limit reached"
	case b.cfg.MaxLossPctWeekly > 0 && s.weekly.lossPct >= b.cfg.MaxLossPctWeekly:
		tripCondition, reason = ConditionLossWindow, "weekly loss limit reached"
	}
	b.mu.Unlock()

	if tripCondition != "" {
		b.Trip(scope, tripCondition, reason)
	}
}

// CheckCondition evaluates a single condition against the supplied
// observation and trips the global scope if breached. Returns whether the
// condition currently passes.
func (b *Breaker) CheckCondition(kind ConditionKind, observed float64) bool {
	return b.checkScopedCondition(Global, kind, observed)
}

// checkScopedCondition is CheckCondition tripping the given scope instead
// of always tripping Global, used by the monitoring loop to gate individual
// markets on their own volatility/liquidity/spread observations.
func (b *Breaker) checkScopedCondition(scope Scope, kind ConditionKind, observed float64) bool {
	var limit float64
	var ok bool
	switch kind {
	case ConditionVolatility:
		limit, ok = b.cfg.MaxVolatility, observed <= b.cfg.MaxVolatility
	case ConditionLiquidity:
		limit, ok = b.cfg.MinLiquidity, observed >= b.cfg.MinLiquidity
	case ConditionSpread:
		limit, ok = b.cfg.MaxSpread, observed <= b.cfg.MaxSpread
	case ConditionHostPressure:
		limit, ok = b.cfg.MaxHostMemoryPercent, b.cfg.MaxHostMemoryPercent <= 0 || observed <= b.cfg.MaxHostMemoryPercent
	default:
		return true
	}
	if !ok {
		b.Trip(scope, kind, "observed value breached configured limit")
		b.log.Debug().Str("scope_venue", scope.Venue).Str("scope_market", scope.MarketID).
			Float64("observed", observed).Float64("limit", limit).Msg("condition breached")
	}
	return ok
}

// StartMonitoring runs condition polling on its own schedule, independent
// of the CanTrade request path. It returns immediately; call
// StopMonitoring to release the goroutine.
func (b *Breaker) StartMonitoring(interval time.Duration) {
	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stopCh := b.stopCh
	doneCh := b.doneCh
	b.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				b.pollHostPressure()
				b.pollSignals()
			}
		}
	}()
}

func (b *Breaker) pollHostPressure() {
	if b.cfg.MaxHostMemoryPercent <= 0 || b.hostPressureFn == nil {
		return
	}
	used, err := b.hostPressureFn()
	if err != nil {
		b.log.Debug().Err(err).Msg("host pressure poll failed")
		return
	}
	b.CheckCondition(ConditionHostPressure, used)
}

// pollSignals evaluates the volatility/liquidity/spread conditions for
// every scope the attached SignalSource reports, scoping each trip to its
// own market rather than the global gate. A nil source (the default) makes
// this a no-op, so monitoring still runs with host pressure alone.
func (b *Breaker) pollSignals() {
	b.mu.Lock()
	src := b.signals
	b.mu.Unlock()
	if src == nil {
		return
	}
	for _, scope := range src.Scopes() {
		volatility, liquidity, spread, ok := src.Observe(scope)
		if !ok {
			continue
		}
		b.checkScopedCondition(scope, ConditionVolatility, volatility)
		if liquidity > 0 { // no order book recorded yet reads as 0, not "empty"
			b.checkScopedCondition(scope, ConditionLiquidity, liquidity)
		}
		b.checkScopedCondition(scope, ConditionSpread, spread)
	}
}

// StopMonitoring stops the monitoring goroutine and waits for it to exit.
func (b *Breaker) StopMonitoring() {
	b.mu.Lock()
	stopCh := b.stopCh
	doneCh := b.doneCh
	b.stopCh = nil
	b.doneCh = nil
	b.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
