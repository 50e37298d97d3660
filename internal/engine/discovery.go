package engine

import (
	"context"
	"math"
	"time"

	"github.com/aristath/arbiter/internal/domain"
)

// discoverInternal finds binary markets whose YES and NO outcomes sum to
// less than 1, net of the venue's fee rate.
func (e *Engine) discoverInternal(markets []domain.Market) []domain.Opportunity {
	now := time.Now()
	var out []domain.Opportunity

	for _, mkt := range markets {
		if !mkt.IsBinary() {
			continue
		}
		yes, okY := e.normalizer.FindYes(mkt.Outcomes)
		no, okN := e.normalizer.FindNo(mkt.Outcomes)
		if !okY || !okN {
			continue
		}
		sum := yes.Price + no.Price
		if sum >= 1 {
			continue
		}
		minLiquidity := math.Min(yes.Volume24h, no.Volume24h)
		if minLiquidity < e.cfg.MinLiquidity {
			continue
		}

		fee := e.feeRate(mkt.Venue)
		grossEdge := (1 - sum) * 100
		netEdge := grossEdge - sum*fee*100
		if netEdge < e.cfg.MinEdgePct {
			continue
		}

		// Leg order is fixed as [YES, NO] on the same market; recomputeEdge
		// relies on this order when a live price tick updates one leg.
		legs := []domain.Leg{
			{
				Market:       mkt.Key(),
				OutcomeLabel: yes.Name,
				Normalized:   domain.NormalizedOutcome{Side: domain.SideYes, Confidence: 1},
				Action:       domain.ActionBuy,
				Price:        yes.Price,
				Liquidity:    yes.Volume24h,
				Volume24h:    yes.Volume24h,
			},
			{
				Market:       mkt.Key(),
				OutcomeLabel: no.Name,
				Normalized:   domain.NormalizedOutcome{Side: domain.SideNo, Confidence: 1},
				Action:       domain.ActionBuy,
				Price:        no.Price,
				Liquidity:    no.Volume24h,
				Volume24h:    no.Volume24h,
			},
		}

		out = append(out, domain.Opportunity{
			Type:           domain.OpportunityInternal,
			Markets:        legs,
			EdgePct:        netEdge,
			ProfitPer100:   netEdge,
			Confidence:     0.9,
			TotalLiquidity: minLiquidity,
			DiscoveredAt:   now,
		})
	}

	return out
}

type venueQuote struct {
	market domain.Market
	yes    domain.Outcome
	no     domain.Outcome
}

// discoverCrossPlatform evaluates every verified, multi-venue match group
// for two candidate strategies — a YES/YES spread, and a YES+NO hedge —
// and keeps whichever nets the larger fee-adjusted edge.
func (e *Engine) discoverCrossPlatform(groups []domain.MatchGroup, byKey map[domain.MarketKey]domain.Market) []domain.Opportunity {
	now := time.Now()
	var out []domain.Opportunity

	for _, g := range groups {
		if g.NeedsReview || len(g.Venues()) < 2 {
			continue
		}

		var quotes []venueQuote
		for _, key := range g.Markets {
			mkt, ok := byKey[key]
			if !ok || !mkt.IsBinary() {
				continue
			}
			yes, okY := e.normalizer.FindYes(mkt.Outcomes)
			no, okN := e.normalizer.FindNo(mkt.Outcomes)
			if !okY || !okN {
				continue
			}
			quotes = append(quotes, venueQuote{market: mkt, yes: yes, no: no})
		}
		if len(quotes) < 2 {
			continue
		}

		low, high := quotes[0], quotes[0]
		for _, q := range quotes[1:] {
			if q.yes.Price < low.yes.Price {
				low = q
			}
			if q.yes.Price > high.yes.Price {
				high = q
			}
		}
		if low.market.Key() == high.market.Key() {
			continue
		}

		minLiquidity := math.Min(low.yes.Volume24h, high.yes.Volume24h)
		if minLiquidity < e.cfg.MinLiquidity {
			continue
		}

		feeSum := e.feeRate(low.market.Venue) + e.feeRate(high.market.Venue)

		spreadGross := (high.yes.Price - low.yes.Price) * 100
		spreadNet := spreadGross - feeSum*100

		combinedCost := low.yes.Price + high.no.Price
		hedgeGross := (1 - combinedCost) * 100
		hedgeNet := hedgeGross - feeSum*100

		var netEdge float64
		var legs []domain.Leg
		if hedgeNet >= spreadNet {
			netEdge = hedgeNet
			legs = []domain.Leg{
				{
					Market:       low.market.Key(),
					OutcomeLabel: low.yes.Name,
					Normalized:   domain.NormalizedOutcome{Side: domain.SideYes, Confidence: g.Similarity},
					Action:       domain.ActionBuy,
					Price:        low.yes.Price,
					Liquidity:    low.yes.Volume24h,
					Volume24h:    low.yes.Volume24h,
				},
				{
					Market:       high.market.Key(),
					OutcomeLabel: high.no.Name,
					Normalized:   domain.NormalizedOutcome{Side: domain.SideNo, Confidence: g.Similarity},
					Action:       domain.ActionBuy,
					Price:        high.no.Price,
					Liquidity:    high.no.Volume24h,
					Volume24h:    high.no.Volume24h,
				},
			}
		} else {
			netEdge = spreadNet
			legs = []domain.Leg{
				{
					Market:       low.market.Key(),
					OutcomeLabel: low.yes.Name,
					Normalized:   domain.NormalizedOutcome{Side: domain.SideYes, Confidence: g.Similarity},
					Action:       domain.ActionBuy,
					Price:        low.yes.Price,
					Liquidity:    low.yes.Volume24h,
					Volume24h:    low.yes.Volume24h,
				},
				{
					Market:       high.market.Key(),
					OutcomeLabel: high.yes.Name,
					Normalized:   domain.NormalizedOutcome{Side: domain.SideYes, Confidence: g.Similarity},
					Action:       domain.ActionSell,
					Price:        high.yes.Price,
					Liquidity:    high.yes.Volume24h,
					Volume24h:    high.yes.Volume24h,
				},
			}
		}

		if netEdge < e.cfg.MinEdgePct {
			continue
		}

		out = append(out, domain.Opportunity{
			Type:              domain.OpportunityCrossPlatform,
			Markets:           legs,
			EdgePct:           netEdge,
			ProfitPer100:      netEdge,
			Confidence:        g.Similarity,
			TotalLiquidity:    minLiquidity,
			DiscoveredAt:      now,
			MatchVerification: g.Verification,
		})
	}

	return out
}

// discoverEdge compares each market's YES price against a fair-value
// estimate from the optional FairValueProvider. It is a no-op when no
// provider is configured.
func (e *Engine) discoverEdge(ctx context.Context, markets []domain.Market) []domain.Opportunity {
	if e.fairValue == nil {
		return nil
	}

	now := time.Now()
	var out []domain.Opportunity

	for _, mkt := range markets {
		if !mkt.IsBinary() {
			continue
		}
		yes, okY := e.normalizer.FindYes(mkt.Outcomes)
		if !okY {
			continue
		}
		est, ok := e.fairValue.GetFairValue(ctx, mkt)
		if !ok {
			continue
		}

		diff := est.Fair - yes.Price
		edgePct := math.Abs(diff) * 100
		if edgePct < e.cfg.MinEdgePct {
			continue
		}
		if yes.Volume24h < e.cfg.MinLiquidity {
			continue
		}

		label := yes.Name
		price := yes.Price
		action := domain.ActionBuy
		side := domain.NormalizedOutcome{Side: domain.SideYes, Confidence: est.Confidence}
		if diff < 0 {
			no, okN := e.normalizer.FindNo(mkt.Outcomes)
			if !okN {
				continue
			}
			label = no.Name
			price = no.Price
			side = domain.NormalizedOutcome{Side: domain.SideNo, Confidence: est.Confidence}
		}

		leg := domain.Leg{
			Market:       mkt.Key(),
			OutcomeLabel: label,
			Normalized:   side,
			Action:       action,
			Price:        price,
			Liquidity:    yes.Volume24h,
			Volume24h:    yes.Volume24h,
		}

		out = append(out, domain.Opportunity{
			Type:           domain.OpportunityEdge,
			Markets:        []domain.Leg{leg},
			EdgePct:        edgePct,
			ProfitPer100:   edgePct,
			Confidence:     est.Confidence,
			TotalLiquidity: yes.Volume24h,
			DiscoveredAt:   now,
		})
	}

	return out
}
