// Package analytics implements the C10 collaborator: it records discovery,
// take, expiry and outcome events for opportunities, and answers aggregate
// performance queries against the Store. Every write is best-effort: a
// persistence failure is logged and swallowed, never propagated to the
// caller, matching spec's "never block the hot path on bookkeeping" rule.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/aristath/arbiter/internal/store"
)

// Archiver uploads an archive blob before Cleanup deletes the corresponding
// rows locally. Concrete implementations live outside this package (an
// S3-compatible object-store client); nil is valid and simply skips
// archiving.
type Archiver interface {
	Archive(ctx context.Context, objectKey string, data []byte) error
}

// Analytics is the storage-backed implementation of opportunity
// recordkeeping and performance reporting.
type Analytics struct {
	store    store.Store
	log      zerolog.Logger
	archiver Archiver
}

// New creates an Analytics bound to a Store. archiver may be nil.
func New(s store.Store, log zerolog.Logger, archiver Archiver) *Analytics {
	return &Analytics{
		store:    s,
		log:      log.With().Str("component", "analytics").Logger(),
		archiver: archiver,
	}
}

func legsJSON(legs []domain.Leg) string {
	b, err := json.Marshal(legs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func fillPricesJSON(prices map[string]float64) string {
	if prices == nil {
		return "{}"
	}
	b, err := json.Marshal(prices)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func toRecord(opp domain.Opportunity) store.OpportunityRecord {
	rec := store.OpportunityRecord{
		ID:             opp.ID,
		Type:           opp.Type,
		MarketsJSON:    legsJSON(opp.Markets),
		EdgePct:        opp.EdgePct,
		ProfitPer100:   opp.ProfitPer100,
		Score:          opp.Score,
		Confidence:     opp.Confidence,
		TotalLiquidity: opp.TotalLiquidity,
		Status:         opp.Status,
		DiscoveredAt:   opp.DiscoveredAt,
		ExpiresAt:      opp.ExpiresAt,
		FillPricesJSON: "{}",
	}
	if opp.Outcome != nil {
		rec.Taken = opp.Outcome.Taken
		rec.FillPricesJSON = fillPricesJSON(opp.Outcome.FillPrices)
		rec.RealizedPnL = opp.Outcome.RealizedPnL
		rec.Notes = opp.Outcome.Notes
		if !opp.Outcome.ClosedAt.IsZero() {
			closed := opp.Outcome.ClosedAt
			rec.ClosedAt = &closed
		}
	}
	return rec
}

func fromRecord(rec store.OpportunityRecord) domain.Opportunity {
	var legs []domain.Leg
	_ = json.Unmarshal([]byte(rec.MarketsJSON), &legs)

	opp := domain.Opportunity{
		ID:             rec.ID,
		Type:           rec.Type,
		Markets:        legs,
		EdgePct:        rec.EdgePct,
		ProfitPer100:   rec.ProfitPer100,
		Score:          rec.Score,
		Confidence:     rec.Confidence,
		TotalLiquidity: rec.TotalLiquidity,
		Status:         rec.Status,
		DiscoveredAt:   rec.DiscoveredAt,
		ExpiresAt:      rec.ExpiresAt,
	}
	if rec.Taken || rec.RealizedPnL != 0 || rec.ClosedAt != nil {
		var prices map[string]float64
		_ = json.Unmarshal([]byte(rec.FillPricesJSON), &prices)
		outcome := &domain.TradeOutcome{
			Taken:       rec.Taken,
			FillPrices:  prices,
			RealizedPnL: rec.RealizedPnL,
			Notes:       rec.Notes,
		}
		if rec.ClosedAt != nil {
			outcome.ClosedAt = *rec.ClosedAt
		}
		opp.Outcome = outcome
	}
	return opp
}

// RecordDiscovery persists a newly discovered opportunity and increments
// the platform-pair counters for every venue pair it spans.
func (a *Analytics) RecordDiscovery(ctx context.Context, opp domain.Opportunity) {
	rec := toRecord(opp)
	if err := a.store.SaveOpportunity(ctx, rec); err != nil {
		a.log.Error().Err(err).Str("opportunity_id", opp.ID).Msg("failed to record discovery")
		return
	}

	venues := opp.Venues()
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			if err := a.store.IncrementPlatformPairStats(ctx, venues[i], venues[j], false, false, 0, opp.EdgePct); err != nil {
				a.log.Error().Err(err).Str("opportunity_id", opp.ID).Msg("failed to increment platform pair stats")
			}
		}
	}
}

// RecordTaken marks an opportunity as taken.
func (a *Analytics) RecordTaken(ctx context.Context, id string, at time.Time) {
	rec, ok, err := a.store.GetOpportunity(ctx, id)
	if err != nil {
		a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to load opportunity for RecordTaken")
		return
	}
	if !ok {
		a.log.Warn().Str("opportunity_id", id).Msg("RecordTaken for unknown opportunity")
		return
	}
	rec.Status = domain.StatusTaken
	rec.Taken = true
	if err := a.store.SaveOpportunity(ctx, rec); err != nil {
		a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to record taken")
		return
	}
	_ = a.saveAttribution(ctx, rec, nil, at)

	venues := opportunityVenuesFromJSON(rec.MarketsJSON)
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			if err := a.store.IncrementPlatformPairStats(ctx, venues[i], venues[j], true, false, 0, rec.EdgePct); err != nil {
				a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to increment platform pair stats on take")
			}
		}
	}
}

// RecordExpiry marks an opportunity as expired.
func (a *Analytics) RecordExpiry(ctx context.Context, id string, at time.Time) {
	rec, ok, err := a.store.GetOpportunity(ctx, id)
	if err != nil || !ok {
		if err != nil {
			a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to load opportunity for RecordExpiry")
		}
		return
	}
	rec.Status = domain.StatusExpired
	rec.ClosedAt = &at
	if err := a.store.SaveOpportunity(ctx, rec); err != nil {
		a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to record expiry")
	}
}

// RecordOutcome closes an opportunity with its realized trading result.
// This is the channel the Executor reports fills and PnL back through.
func (a *Analytics) RecordOutcome(ctx context.Context, id string, outcome domain.TradeOutcome) {
	rec, ok, err := a.store.GetOpportunity(ctx, id)
	if err != nil {
		a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to load opportunity for RecordOutcome")
		return
	}
	if !ok {
		a.log.Warn().Str("opportunity_id", id).Msg("RecordOutcome for unknown opportunity")
		return
	}

	rec.Status = domain.StatusClosed
	rec.Taken = outcome.Taken
	rec.FillPricesJSON = fillPricesJSON(outcome.FillPrices)
	rec.RealizedPnL = outcome.RealizedPnL
	rec.Notes = outcome.Notes
	closedAt := outcome.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	rec.ClosedAt = &closedAt

	if err := a.store.SaveOpportunity(ctx, rec); err != nil {
		a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to record outcome")
		return
	}

	win := outcome.RealizedPnL > 0
	venues := opportunityVenuesFromJSON(rec.MarketsJSON)
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			if err := a.store.IncrementPlatformPairStats(ctx, venues[i], venues[j], true, win, outcome.RealizedPnL, rec.EdgePct); err != nil {
				a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to increment platform pair stats on outcome")
			}
		}
	}

	_ = a.saveAttribution(ctx, rec, &closedAt, closedAt)
}

func (a *Analytics) saveAttribution(ctx context.Context, rec store.OpportunityRecord, closedAt *time.Time, executedAt time.Time) error {
	attr := store.Attribution{
		OpportunityID:    rec.ID,
		EdgeSource:       string(rec.Type),
		DiscoveredAt:     rec.DiscoveredAt,
		ExecutedAt:       &executedAt,
		ClosedAt:         closedAt,
		ActualSlippage:   0,
		ExpectedSlippage: 0,
		FillRate:         1,
	}
	if err := a.store.SaveAttribution(ctx, attr); err != nil {
		a.log.Error().Err(err).Str("opportunity_id", rec.ID).Msg("failed to save attribution")
		return err
	}
	return nil
}

func opportunityVenuesFromJSON(marketsJSON string) []string {
	var legs []domain.Leg
	if err := json.Unmarshal([]byte(marketsJSON), &legs); err != nil {
		return nil
	}
	seen := make(map[string]bool, len(legs))
	var venues []string
	for _, leg := range legs {
		v := leg.Market.Venue()
		if !seen[v] {
			seen[v] = true
			venues = append(venues, v)
		}
	}
	return venues
}

// GetOpportunity reads back one opportunity by ID.
func (a *Analytics) GetOpportunity(ctx context.Context, id string) (domain.Opportunity, bool) {
	rec, ok, err := a.store.GetOpportunity(ctx, id)
	if err != nil {
		a.log.Error().Err(err).Str("opportunity_id", id).Msg("failed to get opportunity")
		return domain.Opportunity{}, false
	}
	if !ok {
		return domain.Opportunity{}, false
	}
	return fromRecord(rec), true
}

// GetOpportunities reads back opportunities matching filter.
func (a *Analytics) GetOpportunities(ctx context.Context, filter store.OpportunityFilter) []domain.Opportunity {
	recs, err := a.store.GetOpportunities(ctx, filter)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to get opportunities")
		return nil
	}
	out := make([]domain.Opportunity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out
}

// GetPlatformPairs returns cumulative per-venue-pair statistics.
func (a *Analytics) GetPlatformPairs(ctx context.Context) []store.PlatformPairStats {
	pairs, err := a.store.GetPlatformPairs(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to get platform pairs")
		return nil
	}
	return pairs
}

// GetStats computes an aggregate window summary on demand; nothing in
// Analytics keeps an authoritative in-memory copy.
func (a *Analytics) GetStats(ctx context.Context, window time.Duration) store.Stats {
	since := time.Now().Add(-window)
	recs, err := a.store.GetOpportunities(ctx, store.OpportunityFilter{Since: since})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to compute stats")
		return store.Stats{}
	}

	var stats store.Stats
	var edgeSum, scoreSum float64
	for _, rec := range recs {
		stats.TotalOpportunities++
		edgeSum += rec.EdgePct
		scoreSum += rec.Score
		if rec.Taken {
			stats.TotalTaken++
			stats.TotalProfit += rec.RealizedPnL
			if rec.RealizedPnL > 0 {
				stats.TotalWins++
			}
		}
	}
	if stats.TotalOpportunities > 0 {
		stats.AvgEdge = edgeSum / float64(stats.TotalOpportunities)
		stats.AvgScore = scoreSum / float64(stats.TotalOpportunities)
	}
	if stats.TotalTaken > 0 {
		stats.WinRate = float64(stats.TotalWins) / float64(stats.TotalTaken)
	}
	return stats
}

// StrategyPerformance is one row of GetBestStrategies: an edge-source
// grouping with enough samples to be statistically meaningful.
type StrategyPerformance struct {
	EdgeSource string
	Samples    int
	WinRate    float64
	AvgProfit  float64
}

// GetBestStrategies ranks edge sources by average profit, dropping any
// group with fewer than minSamples observations in window.
func (a *Analytics) GetBestStrategies(ctx context.Context, window time.Duration, minSamples int) []StrategyPerformance {
	since := time.Now().Add(-window)
	rows, err := a.store.AttributionBreakdown(ctx, store.DimensionEdgeSource, since)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to compute best strategies")
		return nil
	}

	out := make([]StrategyPerformance, 0, len(rows))
	for _, row := range rows {
		if row.Samples < minSamples {
			continue
		}
		out = append(out, StrategyPerformance{
			EdgeSource: row.Key,
			Samples:    row.Samples,
			WinRate:    row.WinRate,
			AvgProfit:  row.AvgProfit,
		})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].AvgProfit > out[j-1].AvgProfit; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PerformanceByEdgeSource, PerformanceByHour, PerformanceByDay,
// PerformanceByEdgeBucket, PerformanceByLiquidityBucket and
// PerformanceByConfidenceBucket are the performance-attribution queries,
// one per supported grouping dimension.

func (a *Analytics) PerformanceByEdgeSource(ctx context.Context, since time.Time) []store.BucketStat {
	return a.breakdown(ctx, store.DimensionEdgeSource, since)
}

func (a *Analytics) PerformanceByHour(ctx context.Context, since time.Time) []store.BucketStat {
	return a.breakdown(ctx, store.DimensionHourOfDay, since)
}

func (a *Analytics) PerformanceByDay(ctx context.Context, since time.Time) []store.BucketStat {
	return a.breakdown(ctx, store.DimensionDayOfWeek, since)
}

func (a *Analytics) PerformanceByEdgeBucket(ctx context.Context, since time.Time) []store.BucketStat {
	return a.breakdown(ctx, store.DimensionEdgeBucket, since)
}

func (a *Analytics) PerformanceByLiquidityBucket(ctx context.Context, since time.Time) []store.BucketStat {
	return a.breakdown(ctx, store.DimensionLiquidityBucket, since)
}

func (a *Analytics) PerformanceByConfidenceBucket(ctx context.Context, since time.Time) []store.BucketStat {
	return a.breakdown(ctx, store.DimensionConfidenceBucket, since)
}

func (a *Analytics) breakdown(ctx context.Context, dim store.AttributionDimension, since time.Time) []store.BucketStat {
	rows, err := a.store.AttributionBreakdown(ctx, dim, since)
	if err != nil {
		a.log.Error().Err(err).Str("dimension", string(dim)).Msg("failed to compute performance breakdown")
		return nil
	}
	return rows
}

// DecayCurve returns profit bucketed by hold time, the "does this edge
// decay with time" curve.
func (a *Analytics) DecayCurve(ctx context.Context, since time.Time) []store.DecayPoint {
	points, err := a.store.DecayCurve(ctx, since)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to compute decay curve")
		return nil
	}
	return points
}

// Cleanup archives every opportunity row discovered more than olderThanDays
// ago, whatever its status, to the configured Archiver (if any) and then
// deletes them locally. A failed
// archive upload aborts the delete for that batch so rows are never lost
// silently.
func (a *Analytics) Cleanup(ctx context.Context, olderThanDays int) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	if a.archiver != nil {
		recs, err := a.store.GetOpportunities(ctx, store.OpportunityFilter{})
		if err != nil {
			a.log.Error().Err(err).Msg("failed to list opportunities for cleanup archive")
			return
		}
		var toArchive []store.OpportunityRecord
		for _, rec := range recs {
			if rec.DiscoveredAt.Before(cutoff) {
				toArchive = append(toArchive, rec)
			}
		}
		if len(toArchive) > 0 {
			data, err := json.Marshal(toArchive)
			if err != nil {
				a.log.Error().Err(err).Msg("failed to marshal cleanup archive batch")
				return
			}
			key := "opportunities-" + time.Now().UTC().Format("2006-01-02-150405") + ".json"
			if err := a.archiver.Archive(ctx, key, data); err != nil {
				a.log.Error().Err(err).Str("archive_key", key).Msg("failed to archive opportunities before cleanup, skipping delete")
				return
			}
		}
	}

	deleted, err := a.store.DeleteOpportunitiesOlderThan(ctx, cutoff)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to delete expired opportunities")
		return
	}
	a.log.Info().Int("deleted", len(deleted)).Time("cutoff", cutoff).Msg("cleanup completed")
}
