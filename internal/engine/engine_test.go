package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arbiter/internal/breaker"
	"github.com/aristath/arbiter/internal/domain"
	"github.com/aristath/arbiter/internal/events"
	"github.com/aristath/arbiter/internal/feature"
	"github.com/aristath/arbiter/internal/normalizer"
	"github.com/aristath/arbiter/internal/risk"
	"github.com/aristath/arbiter/internal/store"
)

// fakeFeed serves a fixed set of markets per venue and never produces
// realtime updates unless a test wires pushUpdates.
type fakeFeed struct {
	byVenue map[string][]domain.Market
	updates chan domain.PriceUpdate
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{byVenue: make(map[string][]domain.Market), updates: make(chan domain.PriceUpdate, 16)}
}

func (f *fakeFeed) SearchMarkets(_ context.Context, _ string, venue string, _ time.Time) ([]domain.Market, error) {
	return f.byVenue[venue], nil
}

func (f *fakeFeed) Subscribe(ctx context.Context, _ []string) (<-chan domain.PriceUpdate, error) {
	out := make(chan domain.PriceUpdate, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case pu, ok := <-f.updates:
				if !ok {
					return
				}
				out <- pu
			}
		}
	}()
	return out, nil
}

// fakeMatcher returns whatever groups a test configures, bypassing the
// real similarity/verification pipeline so cross-platform discovery can
// be tested against exact, literal inputs.
type fakeMatcher struct {
	groups []domain.MatchGroup
}

func (m *fakeMatcher) FindMatches(_ context.Context, _ []domain.Market) []domain.MatchGroup {
	return m.groups
}

// passthroughScorer scores an opportunity by its edge alone, so tests can
// assert on deterministic ordering without pulling in the real weighted
// model.
type passthroughScorer struct{}

func (passthroughScorer) Score(opp domain.Opportunity) domain.Opportunity {
	opp.Score = opp.EdgePct
	return opp
}

func (passthroughScorer) EstimateExecution(_ domain.Opportunity, _ float64) domain.ExecutionPlan {
	return domain.ExecutionPlan{}
}

type noopRisk struct{}

func (noopRisk) ModelRisk(_ risk.Input) risk.Assessment { return risk.Assessment{} }

type openBreaker struct{}

func (openBreaker) CanTrade(_ breaker.Scope) (bool, *breaker.TripEvent) { return true, nil }

type noopLinker struct{}

func (noopLinker) Link(_ context.Context, _, _ domain.MarketKey, _ float64, _ domain.LinkProvenance) (domain.Link, error) {
	return domain.Link{}, nil
}
func (noopLinker) Unlink(_ context.Context, _, _ domain.MarketKey) error { return nil }
func (noopLinker) GetLinks(_ domain.MarketKey) []domain.Link             { return nil }

// fakeAnalytics records every call it receives so tests can assert on
// lifecycle notifications without a real store.
type fakeAnalytics struct {
	mu         sync.Mutex
	discovered []domain.Opportunity
	taken      []string
	expired    []string
	outcomes   []string
}

func (a *fakeAnalytics) RecordDiscovery(_ context.Context, opp domain.Opportunity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discovered = append(a.discovered, opp)
}
func (a *fakeAnalytics) RecordTaken(_ context.Context, id string, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taken = append(a.taken, id)
}
func (a *fakeAnalytics) RecordExpiry(_ context.Context, id string, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expired = append(a.expired, id)
}
func (a *fakeAnalytics) RecordOutcome(_ context.Context, id string, _ domain.TradeOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, id)
}
func (a *fakeAnalytics) GetOpportunity(_ context.Context, _ string) (domain.Opportunity, bool) {
	return domain.Opportunity{}, false
}
func (a *fakeAnalytics) GetStats(_ context.Context, _ time.Duration) store.Stats { return store.Stats{} }
func (a *fakeAnalytics) GetPlatformPairs(_ context.Context) []store.PlatformPairStats {
	return nil
}

func newTestEngine(feed *fakeFeed, matcher Matcher, cfg Config) (*Engine, *fakeAnalytics) {
	an := &fakeAnalytics{}
	cfg.Venues = venuesFromFeed(feed)
	eng := New(cfg, feed, matcher, normalizer.New(), noopLinker{}, passthroughScorer{}, noopRisk{}, openBreaker{}, an, nil, nil, events.NewBus(zerolog.Nop()), zerolog.Nop())
	return eng, an
}

func venuesFromFeed(f *fakeFeed) []string {
	venues := make([]string, 0, len(f.byVenue))
	for v := range f.byVenue {
		venues = append(venues, v)
	}
	return venues
}

func binaryMarket(venue, id string, yesPrice, noPrice, volume float64) domain.Market {
	return domain.Market{
		Venue:    venue,
		MarketID: id,
		Question: "Will the event happen?",
		Slug:     id,
		Outcomes: []domain.Outcome{
			{Name: "Yes", Price: yesPrice, Volume24h: volume},
			{Name: "No", Price: noPrice, Volume24h: volume},
		},
		Volume24h: volume,
		Liquidity: volume,
	}
}

// scenario 1: internal arbitrage with zero fees nets the full gross edge.
func TestScanInternalArbitrageZeroFee(t *testing.T) {
	feed := newFakeFeed()
	feed.byVenue["polymarket"] = []domain.Market{
		binaryMarket("polymarket", "m1", 0.48, 0.50, 2000),
	}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	eng, an := newTestEngine(feed, &fakeMatcher{}, cfg)

	active := eng.Scan(context.Background(), ScanOptions{})

	require.Len(t, active, 1)
	opp := active[0]
	assert.Equal(t, domain.OpportunityInternal, opp.Type)
	assert.InDelta(t, 2.0, opp.EdgePct, 1e-9)
	assert.InDelta(t, 2000, opp.TotalLiquidity, 1e-9)
	assert.InDelta(t, 0.9, opp.Confidence, 1e-9)
	require.Len(t, an.discovered, 1)
}

// imbalanceScorer records whether ScoreWithImbalance (rather than plain
// Score) was the call that produced each scored opportunity, so tests can
// assert the FeatureEngine enrichment path was actually taken.
type imbalanceScorer struct {
	lastImbalance float64
	viaImbalance  bool
}

func (s *imbalanceScorer) Score(opp domain.Opportunity) domain.Opportunity {
	opp.Score = opp.EdgePct
	return opp
}

func (s *imbalanceScorer) ScoreWithImbalance(opp domain.Opportunity, imbalance float64) domain.Opportunity {
	s.viaImbalance = true
	s.lastImbalance = imbalance
	return s.Score(opp)
}

func (s *imbalanceScorer) EstimateExecution(_ domain.Opportunity, _ float64) domain.ExecutionPlan {
	return domain.ExecutionPlan{}
}

// fakeFeatures is a minimal FeatureEngine stub returning a fixed order book
// for every lookup, so tests don't need the real rolling-window engine.
type fakeFeatures struct {
	book feature.OrderBook
}

func (f fakeFeatures) GetFeatures(_, _, _ string) feature.Features {
	total := f.book.BidVolume + f.book.AskVolume
	signals := feature.Signals{}
	if total > 0 {
		signals.BuyPressure = f.book.BidVolume / total
		signals.SellPressure = f.book.AskVolume / total
	}
	return feature.Features{OrderBook: &f.book, Signals: signals}
}

func (f fakeFeatures) RecordTick(_, _, _ string, _ float64, _ time.Time) {}

func TestScanUsesFeatureEngineImbalanceWhenScorerSupportsIt(t *testing.T) {
	feed := newFakeFeed()
	feed.byVenue["polymarket"] = []domain.Market{
		binaryMarket("polymarket", "m1", 0.48, 0.50, 2000),
	}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		Venues:          []string{"polymarket"},
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	sc := &imbalanceScorer{}
	eng := New(cfg, feed, &fakeMatcher{}, normalizer.New(), noopLinker{}, sc, noopRisk{}, openBreaker{},
		&fakeAnalytics{}, nil, fakeFeatures{book: feature.OrderBook{BidVolume: 70, AskVolume: 30}},
		events.NewBus(zerolog.Nop()), zerolog.Nop())

	active := eng.Scan(context.Background(), ScanOptions{})

	require.Len(t, active, 1)
	assert.True(t, sc.viaImbalance, "a scorer implementing ImbalanceScorer with order-book data available must be used")
	assert.InDelta(t, 0.4, sc.lastImbalance, 1e-9, "70/30 book yields a buy-pressure-minus-sell-pressure imbalance of 0.4")
}

func TestScanFallsBackToPlainScoreWithoutFeatureEngine(t *testing.T) {
	feed := newFakeFeed()
	feed.byVenue["polymarket"] = []domain.Market{
		binaryMarket("polymarket", "m1", 0.48, 0.50, 2000),
	}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		Venues:          []string{"polymarket"},
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	sc := &imbalanceScorer{}
	eng := New(cfg, feed, &fakeMatcher{}, normalizer.New(), noopLinker{}, sc, noopRisk{}, openBreaker{},
		&fakeAnalytics{}, nil, nil, events.NewBus(zerolog.Nop()), zerolog.Nop())

	active := eng.Scan(context.Background(), ScanOptions{})

	require.Len(t, active, 1)
	assert.False(t, sc.viaImbalance, "without a FeatureEngine, scoring must fall back to plain Score")
}

// scenario 2: outcomes summing to >= 1 have no arbitrage and yield zero
// opportunities.
func TestScanInternalArbitrageSumAtOrAboveOneYieldsNothing(t *testing.T) {
	feed := newFakeFeed()
	feed.byVenue["polymarket"] = []domain.Market{
		binaryMarket("polymarket", "m1", 0.52, 0.50, 2000),
	}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	eng, _ := newTestEngine(feed, &fakeMatcher{}, cfg)

	active := eng.Scan(context.Background(), ScanOptions{})

	assert.Empty(t, active)
}

// scenario 3: a verified two-venue match group where the hedge strategy
// (buy YES low, buy NO high) ties the YES-spread strategy; the hedge wins
// the tie and the edge nets to 15 points at zero fees.
func TestScanCrossPlatformVerifiedMatch(t *testing.T) {
	feed := newFakeFeed()
	v1 := binaryMarket("polymarket", "m1", 0.40, 0.60, 1000)
	v2 := binaryMarket("kalshi", "m2", 0.55, 0.45, 1000)
	feed.byVenue["polymarket"] = []domain.Market{v1}
	feed.byVenue["kalshi"] = []domain.Market{v2}

	group := domain.MatchGroup{
		CanonicalID:  "g1",
		Markets:      []domain.MarketKey{v1.Key(), v2.Key()},
		Method:       domain.MethodSemantic,
		Similarity:   0.92,
		Verification: &domain.VerificationReport{Verified: true, Confidence: 0.92},
		NeedsReview:  false,
	}

	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		OpportunityTTL:  time.Hour,
		IncludeInternal: false,
		IncludeCross:    true,
		FeeRates:        map[string]float64{},
	}
	eng, an := newTestEngine(feed, &fakeMatcher{groups: []domain.MatchGroup{group}}, cfg)

	active := eng.Scan(context.Background(), ScanOptions{})

	require.Len(t, active, 1)
	opp := active[0]
	assert.Equal(t, domain.OpportunityCrossPlatform, opp.Type)
	assert.InDelta(t, 15.0, opp.EdgePct, 1e-6)
	require.Len(t, opp.Markets, 2)
	// The YES-spread and buy-YES/buy-NO hedge strategies net the same
	// edge for a market whose NO price is exactly 1-YES; the leg on the
	// cheap venue is always buy-YES regardless of which one wins the tie.
	assert.Equal(t, v1.Key(), opp.Markets[0].Market)
	assert.Equal(t, domain.ActionBuy, opp.Markets[0].Action)
	assert.Equal(t, "Yes", opp.Markets[0].OutcomeLabel)
	assert.Equal(t, v2.Key(), opp.Markets[1].Market)
	require.Len(t, an.discovered, 1)
}

// scenario 4: a match group flagged needsReview (e.g. a year mismatch
// caught during verification) never produces a cross-platform opportunity.
func TestScanCrossPlatformNeedsReviewYieldsNothing(t *testing.T) {
	feed := newFakeFeed()
	v1 := binaryMarket("polymarket", "m1", 0.40, 0.60, 1000)
	v2 := binaryMarket("kalshi", "m2", 0.55, 0.45, 1000)
	feed.byVenue["polymarket"] = []domain.Market{v1}
	feed.byVenue["kalshi"] = []domain.Market{v2}

	group := domain.MatchGroup{
		CanonicalID: "g1",
		Markets:     []domain.MarketKey{v1.Key(), v2.Key()},
		Method:      domain.MethodText,
		Similarity:  0.9,
		Verification: &domain.VerificationReport{
			Verified: false,
			Warnings: []string{"year mismatch: 2028 vs 2024"},
		},
		NeedsReview: true,
	}

	cfg := Config{
		MinEdgePct:     1,
		MinLiquidity:   500,
		OpportunityTTL: time.Hour,
		IncludeCross:   true,
		FeeRates:       map[string]float64{},
	}
	eng, _ := newTestEngine(feed, &fakeMatcher{groups: []domain.MatchGroup{group}}, cfg)

	active := eng.Scan(context.Background(), ScanOptions{})

	assert.Empty(t, active)
}

func TestGetActiveExcludesTakenOpportunities(t *testing.T) {
	feed := newFakeFeed()
	feed.byVenue["polymarket"] = []domain.Market{
		binaryMarket("polymarket", "m1", 0.48, 0.50, 2000),
	}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	eng, an := newTestEngine(feed, &fakeMatcher{}, cfg)

	active := eng.Scan(context.Background(), ScanOptions{})
	require.Len(t, active, 1)
	id := active[0].ID

	require.NoError(t, eng.MarkTaken(context.Background(), id, time.Now()))

	assert.Empty(t, eng.GetActive())
	assert.Contains(t, an.taken, id)

	_, stillVisible := eng.Get(context.Background(), id)
	assert.False(t, stillVisible, "a taken opportunity falls back to Analytics, which the fake reports as not found")
}

func TestScanIsIdempotentAcrossRepeatedDiscovery(t *testing.T) {
	feed := newFakeFeed()
	feed.byVenue["polymarket"] = []domain.Market{
		binaryMarket("polymarket", "m1", 0.48, 0.50, 2000),
	}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	eng, an := newTestEngine(feed, &fakeMatcher{}, cfg)

	first := eng.Scan(context.Background(), ScanOptions{})
	second := eng.Scan(context.Background(), ScanOptions{})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "a rediscovered opportunity keeps its original ID")
	assert.Equal(t, first[0].DiscoveredAt, second[0].DiscoveredAt, "a rediscovered opportunity keeps its original discovery time")
	assert.Len(t, an.discovered, 1, "the second scan must not re-report a discovery")
}

func TestRealtimePriceUpdateExpiresOpportunityBelowEdgeFloor(t *testing.T) {
	feed := newFakeFeed()
	mkt := binaryMarket("polymarket", "m1", 0.48, 0.50, 2000)
	feed.byVenue["polymarket"] = []domain.Market{mkt}
	cfg := Config{
		MinEdgePct:      1,
		MinLiquidity:    500,
		OpportunityTTL:  time.Hour,
		IncludeInternal: true,
		FeeRates:        map[string]float64{},
	}
	eng, an := newTestEngine(feed, &fakeMatcher{}, cfg)

	active := eng.Scan(context.Background(), ScanOptions{})
	require.Len(t, active, 1)
	id := active[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.StartRealtime(ctx))
	defer eng.StopRealtime()

	// Push YES up so yes+no exceeds 1 minus the edge floor: the tick
	// should drive this opportunity's edge under MinEdgePct and retire it.
	feed.updates <- domain.PriceUpdate{Venue: "polymarket", MarketID: "m1", OutcomeID: "Yes", Price: 0.60, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		an.mu.Lock()
		defer an.mu.Unlock()
		for _, expiredID := range an.expired {
			if expiredID == id {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, eng.GetActive())
}
