// Package store defines the small relational-style persistence interface
// used by the linker and analytics components. Concrete implementations
// live in subpackages (internal/store/sqlite).
package store

import (
	"context"
	"time"

	"github.com/aristath/arbiter/internal/domain"
)

// OpportunityRecord is the persisted shape of an Opportunity, with its
// legs and execution plan flattened to JSON the way the logical table
// shape in the external-interfaces section describes.
type OpportunityRecord struct {
	ID             string
	Type           domain.OpportunityType
	MarketsJSON    string
	EdgePct        float64
	ProfitPer100   float64
	Score          float64
	Confidence     float64
	TotalLiquidity float64
	Status         domain.OpportunityStatus
	DiscoveredAt   time.Time
	ExpiresAt      time.Time
	Taken          bool
	FillPricesJSON string
	RealizedPnL    float64
	ClosedAt       *time.Time
	Notes          string
}

// PlatformPairStats is one row of platform_pair_stats.
type PlatformPairStats struct {
	PlatformA          string
	PlatformB          string
	TotalOpportunities int
	Taken              int
	Wins               int
	TotalProfit        float64
	AvgEdge            float64
	LastUpdated        time.Time
}

// Attribution is one row of opportunity_attribution.
type Attribution struct {
	OpportunityID    string
	EdgeSource       string
	DiscoveredAt     time.Time
	ExecutedAt       *time.Time
	ClosedAt         *time.Time
	ExpectedSlippage float64
	ActualSlippage   float64
	FillRate         float64
	ExecutionTimeMs  int64
}

// CorrelationRuleRecord is one row of correlation_rules.
type CorrelationRuleRecord struct {
	ID          string
	PatternA    string
	PatternB    string
	Type        string
	Correlation float64
	Description string
	CreatedAt   time.Time
}

// OpportunityFilter narrows GetOpportunities.
type OpportunityFilter struct {
	Type   domain.OpportunityType
	Status domain.OpportunityStatus
	Since  time.Time
	Limit  int
}

// Stats is an aggregate window summary for GetStats.
type Stats struct {
	TotalOpportunities int
	TotalTaken         int
	TotalWins          int
	WinRate            float64
	TotalProfit        float64
	AvgEdge            float64
	AvgScore           float64
}

// AttributionDimension names one of the performance-breakdown groupings
// Analytics exposes over opportunity_attribution.
type AttributionDimension string

const (
	DimensionEdgeSource       AttributionDimension = "edge_source"
	DimensionHourOfDay        AttributionDimension = "hour"
	DimensionDayOfWeek        AttributionDimension = "day"
	DimensionEdgeBucket       AttributionDimension = "edge_bucket"
	DimensionLiquidityBucket  AttributionDimension = "liquidity_bucket"
	DimensionConfidenceBucket AttributionDimension = "confidence_bucket"
)

// BucketStat is one row of a performance breakdown: a grouping key (e.g.
// "cross_platform", "14", "edge_2-5pct") with aggregated outcomes.
type BucketStat struct {
	Key         string
	Samples     int
	WinRate     float64
	AvgProfit   float64
	AvgSlippage float64
}

// DecayPoint is one row of the profit-vs-hold-time decay curve: opportunities
// bucketed by how long they were held before closing.
type DecayPoint struct {
	HoldMinutesBucket int
	Samples           int
	AvgProfit         float64
}

// Store is the persistence capability consumed by MarketLinker and
// Analytics. Every write is expected to be cheap and best-effort from the
// caller's perspective; the Store itself should not silently drop writes,
// but callers (internal/analytics) are responsible for treating failures
// as non-fatal per spec.
type Store interface {
	// Links
	SaveLink(ctx context.Context, link domain.Link) error
	DeleteLink(ctx context.Context, id string) error
	AllLinks(ctx context.Context) ([]domain.Link, error)

	// Opportunities
	SaveOpportunity(ctx context.Context, rec OpportunityRecord) error
	GetOpportunity(ctx context.Context, id string) (OpportunityRecord, bool, error)
	GetOpportunities(ctx context.Context, filter OpportunityFilter) ([]OpportunityRecord, error)
	DeleteOpportunitiesOlderThan(ctx context.Context, cutoff time.Time) ([]OpportunityRecord, error)

	// Platform-pair stats
	IncrementPlatformPairStats(ctx context.Context, a, b string, taken, win bool, profit, edge float64) error
	GetPlatformPairs(ctx context.Context) ([]PlatformPairStats, error)

	// Attribution
	SaveAttribution(ctx context.Context, attr Attribution) error
	GetAttributions(ctx context.Context, since time.Time) ([]Attribution, error)

	// Correlation rules (persisted configuration, not evaluated here)
	SaveCorrelationRule(ctx context.Context, rule CorrelationRuleRecord) error
	AllCorrelationRules(ctx context.Context) ([]CorrelationRuleRecord, error)

	// Performance attribution: grouped aggregations over
	// opportunity_attribution joined with opportunities, used by Analytics.
	AttributionBreakdown(ctx context.Context, dim AttributionDimension, since time.Time) ([]BucketStat, error)
	DecayCurve(ctx context.Context, since time.Time) ([]DecayPoint, error)

	Close() error
}
