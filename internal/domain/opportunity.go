package domain

import "time"

// OpportunityType is one of the three discovery families.
type OpportunityType string

const (
	OpportunityInternal      OpportunityType = "internal"
	OpportunityCrossPlatform OpportunityType = "cross_platform"
	OpportunityEdge          OpportunityType = "edge"
)

// OpportunityStatus is the lifecycle state of an Opportunity.
type OpportunityStatus string

const (
	StatusActive  OpportunityStatus = "active"
	StatusTaken   OpportunityStatus = "taken"
	StatusExpired OpportunityStatus = "expired"
	StatusClosed  OpportunityStatus = "closed"
)

// CanTransitionTo enforces the opportunity lifecycle: active -> {taken,
// expired, closed}, taken -> closed, all else illegal.
func (s OpportunityStatus) CanTransitionTo(next OpportunityStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusTaken || next == StatusExpired || next == StatusClosed
	case StatusTaken:
		return next == StatusClosed
	default:
		return false
	}
}

// Action is the side of a leg's trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Leg is one priced, directional trade within an Opportunity.
type Leg struct {
	Market          MarketKey
	OutcomeLabel    string
	Normalized      NormalizedOutcome
	Action          Action
	Price           float64
	Liquidity       float64
	Volume24h       float64
	RecommendedSize float64
}

// ExecutionStep is one ordered step of an ExecutionPlan.
type ExecutionStep struct {
	Leg             Leg
	SequenceIndex   int
	EstimatedFillMs int
}

// ExecutionPlan is the scorer's estimate of how an Opportunity would be
// worked, independent of whether it is ever sent to an Executor.
type ExecutionPlan struct {
	Steps              []ExecutionStep
	TotalCost          float64
	EstimatedProfit    float64
	TimeSensitivitySec int
	RiskClass          string
	Warnings           []string
}

// TradeOutcome (of trading, not of a market) records what actually happened
// once an Opportunity left the active state via MarkTaken/RecordOutcome.
type TradeOutcome struct {
	Taken       bool
	FillPrices  map[string]float64
	RealizedPnL float64
	ClosedAt    time.Time
	Notes       string
}

// Opportunity is a fully-specified, time-bounded, priced arbitrage plan.
type Opportunity struct {
	ID                string
	Type              OpportunityType
	Markets           []Leg
	EdgePct           float64
	ProfitPer100      float64
	Score             float64
	Confidence        float64
	KellyFraction     float64
	EstimatedSlippage float64
	TotalLiquidity    float64
	Plan              ExecutionPlan
	DiscoveredAt      time.Time
	ExpiresAt         time.Time
	Status            OpportunityStatus
	Outcome           *TradeOutcome
	MatchVerification *VerificationReport
}

// Expired reports whether the opportunity's lifetime has elapsed as of now.
func (o Opportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Venues returns the distinct venues referenced by the opportunity's legs,
// in first-seen order.
func (o Opportunity) Venues() []string {
	seen := make(map[string]bool, len(o.Markets))
	venues := make([]string, 0, len(o.Markets))
	for _, leg := range o.Markets {
		v := leg.Market.Venue()
		if !seen[v] {
			seen[v] = true
			venues = append(venues, v)
		}
	}
	return venues
}
