// Package engine implements the OpportunityEngine (C8): it fans out market
// fetches per venue, runs the three discovery families, scores and merges
// results into an active set, and maintains that set against both
// wall-clock expiry and live price updates.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/arbiter/internal/breaker"
	"github.com/aristath/arbiter/internal/domain"
	"github.com/aristath/arbiter/internal/events"
	"github.com/aristath/arbiter/internal/feature"
	"github.com/aristath/arbiter/internal/normalizer"
	"github.com/aristath/arbiter/internal/risk"
	"github.com/aristath/arbiter/internal/store"
)

// MarketFeed is the venue data collaborator.
type MarketFeed interface {
	SearchMarkets(ctx context.Context, query, venue string, deadline time.Time) ([]domain.Market, error)
	Subscribe(ctx context.Context, venues []string) (<-chan domain.PriceUpdate, error)
}

// Matcher groups markets believed to represent the same event.
type Matcher interface {
	FindMatches(ctx context.Context, markets []domain.Market) []domain.MatchGroup
}

// Scorer attaches a score, slippage estimate, and execution plan to an
// Opportunity.
type Scorer interface {
	Score(opp domain.Opportunity) domain.Opportunity
	EstimateExecution(opp domain.Opportunity, size float64) domain.ExecutionPlan
}

// ImbalanceScorer is an optional extension of Scorer consulted when a
// FeatureEngine is attached and has order-book signal for an opportunity's
// first leg. Scorers that don't implement it still work via plain Score.
type ImbalanceScorer interface {
	ScoreWithImbalance(opp domain.Opportunity, imbalance float64) domain.Opportunity
}

// FeatureEngine is the optional rolling tick/order-book signal collaborator
// (internal/feature.Engine). A nil FeatureEngine disables imbalance-aware
// scoring; Score is used in its place.
type FeatureEngine interface {
	GetFeatures(venue, marketID, outcome string) feature.Features
	RecordTick(venue, marketID, outcome string, price float64, at time.Time)
}

// RiskModeler computes the aggregate risk assessment for an opportunity's
// legs.
type RiskModeler interface {
	ModelRisk(input risk.Input) risk.Assessment
}

// Breaker gates execution; the engine itself never calls CanTrade during a
// scan, only on behalf of a downstream caller asking to act.
type Breaker interface {
	CanTrade(scope breaker.Scope) (bool, *breaker.TripEvent)
}

// Linker is the subset of MarketLinker the engine exposes pass-through
// operations for.
type Linker interface {
	Link(ctx context.Context, a, b domain.MarketKey, confidence float64, source domain.LinkProvenance) (domain.Link, error)
	Unlink(ctx context.Context, a, b domain.MarketKey) error
	GetLinks(k domain.MarketKey) []domain.Link
}

// Analytics is the subset of C10 the engine writes discovery/lifecycle
// events to and reads aggregate stats from.
type Analytics interface {
	RecordDiscovery(ctx context.Context, opp domain.Opportunity)
	RecordTaken(ctx context.Context, id string, at time.Time)
	RecordExpiry(ctx context.Context, id string, at time.Time)
	RecordOutcome(ctx context.Context, id string, outcome domain.TradeOutcome)
	GetOpportunity(ctx context.Context, id string) (domain.Opportunity, bool)
	GetStats(ctx context.Context, window time.Duration) store.Stats
	GetPlatformPairs(ctx context.Context) []store.PlatformPairStats
}

// FairValueProvider is the optional lookup backing the edge-vs-fair-value
// discovery family. A nil provider makes that family inert.
type FairValueProvider interface {
	GetFairValue(ctx context.Context, market domain.Market) (domain.FairValueEstimate, bool)
}

// Config controls the engine's discovery thresholds and feature toggles.
type Config struct {
	MinEdgePct      float64
	MinLiquidity    float64
	Venues          []string
	OpportunityTTL  time.Duration
	IncludeInternal bool
	IncludeCross    bool
	IncludeEdge     bool
	FeeRates        map[string]float64
}

// ScanOptions controls a single Scan invocation.
type ScanOptions struct {
	SortBy string // "score" (default), "edge", or "liquidity"
}

const venueFetchTimeout = 10 * time.Second

// Engine implements the OpportunityEngine. It owns the active-opportunity
// set; every external reader gets a defensive copy.
type Engine struct {
	cfg         Config
	feed        MarketFeed
	matcher     Matcher
	normalizer  *normalizer.Normalizer
	linker      Linker
	scorer      Scorer
	riskModeler RiskModeler
	breaker     Breaker
	analytics   Analytics
	fairValue   FairValueProvider
	features    FeatureEngine
	bus         *events.Bus
	log         zerolog.Logger

	scanMu sync.Mutex // at most one Scan cycle in flight

	mu           sync.RWMutex
	active       map[string]domain.Opportunity
	byContentKey map[string]string // contentKey -> opportunity ID, for scan-to-scan identity

	realtimeCancel context.CancelFunc
	realtimeDone   chan struct{}
}

// New builds an Engine from its collaborators. fairValue and features may
// both be nil; each disables the optional family/enrichment it backs.
func New(
	cfg Config,
	feed MarketFeed,
	matcher Matcher,
	norm *normalizer.Normalizer,
	lk Linker,
	sc Scorer,
	rm RiskModeler,
	br Breaker,
	an Analytics,
	fv FairValueProvider,
	features FeatureEngine,
	bus *events.Bus,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:          cfg,
		feed:         feed,
		matcher:      matcher,
		normalizer:   norm,
		linker:       lk,
		scorer:       sc,
		riskModeler:  rm,
		breaker:      br,
		analytics:    an,
		fairValue:    fv,
		features:     features,
		bus:          bus,
		log:          log.With().Str("component", "engine").Logger(),
		active:       make(map[string]domain.Opportunity),
		byContentKey: make(map[string]string),
	}
}

// scoreOpportunity scores opp, enriching with order-book imbalance from the
// attached FeatureEngine when both it and the scorer support it. Falls back
// to plain Score when either collaborator is absent or no signal exists yet
// for the opportunity's first leg.
func (e *Engine) scoreOpportunity(opp domain.Opportunity) domain.Opportunity {
	imbalanceScorer, ok := e.scorer.(ImbalanceScorer)
	if !ok || e.features == nil || len(opp.Markets) == 0 {
		return e.scorer.Score(opp)
	}
	leg := opp.Markets[0]
	feats := e.features.GetFeatures(leg.Market.Venue(), leg.Market.MarketID(), leg.OutcomeLabel)
	if feats.OrderBook == nil {
		return e.scorer.Score(opp)
	}
	imbalance := feats.Signals.BuyPressure - feats.Signals.SellPressure
	return imbalanceScorer.ScoreWithImbalance(opp, imbalance)
}

// contentKey identifies an opportunity by its type and the (market, action)
// pairs of its legs, independent of score or discovery time, so repeated
// scans update the same opportunity instead of emitting duplicates.
func contentKey(opp domain.Opportunity) string {
	parts := make([]string, len(opp.Markets))
	for i, leg := range opp.Markets {
		parts[i] = string(leg.Market) + "|" + string(leg.Action)
	}
	sort.Strings(parts)
	return string(opp.Type) + "::" + strings.Join(parts, ",")
}

func (e *Engine) feeRate(venue string) float64 {
	if r, ok := e.cfg.FeeRates[venue]; ok {
		return r
	}
	return 0
}

// Scan runs one full discovery cycle: fetch, discover, score, merge into
// the active set, and expire anything past its TTL. Only one Scan runs at
// a time per Engine.
func (e *Engine) Scan(ctx context.Context, opts ScanOptions) []domain.Opportunity {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	markets := e.fetchMarkets(ctx)

	byKey := make(map[domain.MarketKey]domain.Market, len(markets))
	for _, m := range markets {
		byKey[m.Key()] = m
	}

	var discovered []domain.Opportunity
	if e.cfg.IncludeInternal {
		discovered = append(discovered, e.discoverInternal(markets)...)
	}
	if e.cfg.IncludeCross {
		groups := e.matcher.FindMatches(ctx, markets)
		discovered = append(discovered, e.discoverCrossPlatform(groups, byKey)...)
	}
	if e.cfg.IncludeEdge && e.fairValue != nil {
		discovered = append(discovered, e.discoverEdge(ctx, markets)...)
	}

	scored := make([]domain.Opportunity, 0, len(discovered))
	for _, opp := range discovered {
		scored = append(scored, e.scoreOpportunity(opp))
	}
	sortOpportunities(scored, opts.SortBy)

	e.mergeActive(ctx, scored)
	e.expireStale(ctx, time.Now())

	return e.GetActive()
}

func sortOpportunities(opps []domain.Opportunity, sortBy string) {
	sort.SliceStable(opps, func(i, j int) bool {
		switch sortBy {
		case "edge":
			return opps[i].EdgePct > opps[j].EdgePct
		case "liquidity":
			return opps[i].TotalLiquidity > opps[j].TotalLiquidity
		default:
			return opps[i].Score > opps[j].Score
		}
	})
}

func (e *Engine) fetchMarkets(ctx context.Context) []domain.Market {
	results := make([][]domain.Market, len(e.cfg.Venues))
	var wg sync.WaitGroup
	for i, venue := range e.cfg.Venues {
		wg.Add(1)
		go func(i int, venue string) {
			defer wg.Done()
			deadline := time.Now().Add(venueFetchTimeout)
			fetchCtx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()

			markets, err := e.feed.SearchMarkets(fetchCtx, "", venue, deadline)
			if err != nil {
				e.log.Warn().Err(err).Str("venue", venue).Msg("venue fetch failed, treating as empty for this cycle")
				return
			}
			valid := make([]domain.Market, 0, len(markets))
			for _, m := range markets {
				if m.Valid() {
					valid = append(valid, m)
				}
			}
			results[i] = valid
		}(i, venue)
	}
	wg.Wait()

	var all []domain.Market
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// mergeActive folds scored opportunities into the active set, reusing the
// existing ID (and discovery time) for anything matching a previously
// discovered contentKey. Only genuinely new opportunities are persisted
// and emitted as "discovered" — the I/O runs after the lock is released.
func (e *Engine) mergeActive(ctx context.Context, scored []domain.Opportunity) {
	now := time.Now()
	var discovered []domain.Opportunity

	e.mu.Lock()
	for _, opp := range scored {
		key := contentKey(opp)
		if id, ok := e.byContentKey[key]; ok {
			existing := e.active[id]
			opp.ID = id
			opp.DiscoveredAt = existing.DiscoveredAt
			opp.Status = domain.StatusActive
			opp.ExpiresAt = now.Add(e.cfg.OpportunityTTL)
			e.active[id] = opp
			continue
		}
		id := uuid.NewString()
		opp.ID = id
		opp.DiscoveredAt = now
		opp.ExpiresAt = now.Add(e.cfg.OpportunityTTL)
		opp.Status = domain.StatusActive
		e.active[id] = opp
		e.byContentKey[key] = id
		discovered = append(discovered, opp)
	}
	e.mu.Unlock()

	for _, opp := range discovered {
		e.analytics.RecordDiscovery(ctx, opp)
		e.bus.Emit(events.NewOpportunityData(events.OpportunityDiscovered, opp.ID, string(opp.Type), opp.EdgePct, opp.Score, string(opp.Status)))
	}
}

func (e *Engine) removeActiveLocked(id string) {
	if opp, ok := e.active[id]; ok {
		delete(e.active, id)
		delete(e.byContentKey, contentKey(opp))
	}
}

// expireStale removes every active opportunity past its ExpiresAt and
// reports the transition to Analytics and the event bus.
func (e *Engine) expireStale(ctx context.Context, now time.Time) {
	var expired []domain.Opportunity

	e.mu.Lock()
	for id, opp := range e.active {
		if opp.Expired(now) {
			expired = append(expired, opp)
			e.removeActiveLocked(id)
		}
	}
	e.mu.Unlock()

	for _, opp := range expired {
		e.analytics.RecordExpiry(ctx, opp.ID, now)
		e.bus.Emit(events.NewOpportunityData(events.OpportunityExpired, opp.ID, string(opp.Type), opp.EdgePct, opp.Score, string(domain.StatusExpired)))
	}
}

// GetActive returns a snapshot of every currently active opportunity,
// sorted by score descending.
func (e *Engine) GetActive() []domain.Opportunity {
	e.mu.RLock()
	out := make([]domain.Opportunity, 0, len(e.active))
	for _, opp := range e.active {
		out = append(out, opp)
	}
	e.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Get returns an opportunity by ID, checking the active set first and
// falling back to Analytics for anything already taken/expired/closed.
func (e *Engine) Get(ctx context.Context, id string) (domain.Opportunity, bool) {
	e.mu.RLock()
	opp, ok := e.active[id]
	e.mu.RUnlock()
	if ok {
		return opp, true
	}
	return e.analytics.GetOpportunity(ctx, id)
}

// MarkTaken transitions an active opportunity to taken, removing it from
// the active set and recording the transition in Analytics.
func (e *Engine) MarkTaken(ctx context.Context, id string, at time.Time) error {
	e.mu.Lock()
	opp, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: no active opportunity %s", id)
	}
	if !opp.Status.CanTransitionTo(domain.StatusTaken) {
		e.mu.Unlock()
		return fmt.Errorf("engine: opportunity %s cannot transition from %s to taken", id, opp.Status)
	}
	e.removeActiveLocked(id)
	e.mu.Unlock()

	e.analytics.RecordTaken(ctx, id, at)
	e.bus.Emit(events.NewOpportunityData(events.OpportunityTaken, id, string(opp.Type), opp.EdgePct, opp.Score, string(domain.StatusTaken)))
	return nil
}

// RecordOutcome forwards a trade outcome to Analytics and emits a closed
// event. The opportunity is not required to still be in the active set:
// this is the channel an Executor reports fills through, typically well
// after MarkTaken has already removed it.
func (e *Engine) RecordOutcome(ctx context.Context, id string, outcome domain.TradeOutcome) {
	e.analytics.RecordOutcome(ctx, id, outcome)
	e.bus.Emit(events.NewOpportunityData(events.OpportunityClosed, id, "", outcome.RealizedPnL, 0, string(domain.StatusClosed)))
}

// LinkMarkets records a manual equivalence between two markets.
func (e *Engine) LinkMarkets(ctx context.Context, a, b domain.MarketKey, confidence float64) (domain.Link, error) {
	return e.linker.Link(ctx, a, b, confidence, domain.ProvenanceManual)
}

// UnlinkMarkets removes a direct link between two markets.
func (e *Engine) UnlinkMarkets(ctx context.Context, a, b domain.MarketKey) error {
	return e.linker.Unlink(ctx, a, b)
}

// GetLinkedMarkets returns every link directly incident to k.
func (e *Engine) GetLinkedMarkets(k domain.MarketKey) []domain.Link {
	return e.linker.GetLinks(k)
}

// GetAnalytics returns the aggregate stats for the given trailing window.
func (e *Engine) GetAnalytics(ctx context.Context, window time.Duration) store.Stats {
	return e.analytics.GetStats(ctx, window)
}

// GetPlatformPairs returns cumulative per-venue-pair statistics.
func (e *Engine) GetPlatformPairs(ctx context.Context) []store.PlatformPairStats {
	return e.analytics.GetPlatformPairs(ctx)
}

// EstimateExecution builds an execution plan for an opportunity at a given
// size, delegating to the scorer.
func (e *Engine) EstimateExecution(opp domain.Opportunity, size float64) domain.ExecutionPlan {
	return e.scorer.EstimateExecution(opp, size)
}

// ModelRisk computes the aggregate risk assessment for a set of legs.
func (e *Engine) ModelRisk(input risk.Input) risk.Assessment {
	return e.riskModeler.ModelRisk(input)
}

// CanTrade is a pass-through to the circuit breaker, for use by a
// downstream Executor before it acts on an opportunity. The engine itself
// never calls this during a scan.
func (e *Engine) CanTrade(scope breaker.Scope) (bool, *breaker.TripEvent) {
	return e.breaker.CanTrade(scope)
}
