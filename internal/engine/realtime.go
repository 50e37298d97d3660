package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/aristath/arbiter/internal/events"
)

// StartRealtime subscribes to price updates for the configured venues and
// rescores affected active opportunities as they arrive. It is idempotent:
// calling it while already running is a no-op.
func (e *Engine) StartRealtime(ctx context.Context) error {
	e.mu.Lock()
	if e.realtimeCancel != nil {
		e.mu.Unlock()
		return nil
	}
	rtCtx, cancel := context.WithCancel(ctx)
	e.realtimeCancel = cancel
	e.mu.Unlock()

	updates, err := e.feed.Subscribe(rtCtx, e.cfg.Venues)
	if err != nil {
		cancel()
		e.mu.Lock()
		e.realtimeCancel = nil
		e.mu.Unlock()
		return fmt.Errorf("engine: subscribe to price updates: %w", err)
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.realtimeDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-rtCtx.Done():
				return
			case pu, ok := <-updates:
				if !ok {
					return
				}
				e.handlePriceUpdate(rtCtx, pu)
			}
		}
	}()

	return nil
}

// StopRealtime cancels the price-update subscription and waits for the
// consumer goroutine to exit.
func (e *Engine) StopRealtime() {
	e.mu.Lock()
	cancel := e.realtimeCancel
	done := e.realtimeDone
	e.realtimeCancel = nil
	e.realtimeDone = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// handlePriceUpdate finds every active opportunity with a leg on the
// updated market and rescores each one. It is re-entrant and safe to run
// concurrently with a Scan cycle: it only ever touches the active-set
// lock, never the scan lock.
func (e *Engine) handlePriceUpdate(ctx context.Context, pu domain.PriceUpdate) {
	if e.features != nil {
		e.features.RecordTick(pu.Venue, pu.MarketID, pu.OutcomeID, pu.Price, pu.Timestamp)
	}

	e.mu.RLock()
	var affected []string
	for id, opp := range e.active {
		for _, leg := range opp.Markets {
			if legMatchesUpdate(leg, pu) {
				affected = append(affected, id)
				break
			}
		}
	}
	e.mu.RUnlock()

	for _, id := range affected {
		e.rescoreOne(ctx, id, pu)
	}
}

// legMatchesUpdate reports whether a price tick applies to a given leg. A
// tick with no OutcomeID (a feed that only reports market-level prices)
// matches any leg on that market; otherwise the outcome label must match
// too, since a market's legs can quote different outcomes of the same
// market (e.g. YES and NO) that must not be conflated.
func legMatchesUpdate(leg domain.Leg, pu domain.PriceUpdate) bool {
	if leg.Market != pu.Key() {
		return false
	}
	if pu.OutcomeID == "" {
		return true
	}
	return leg.OutcomeLabel == pu.OutcomeID
}

// rescoreOne applies a price tick to one active opportunity, rescores it,
// and either updates it in place or retires it if the edge has fallen
// below the configured floor. Analytics and event-bus calls — the only
// I/O in this path — happen after the lock is released.
func (e *Engine) rescoreOne(ctx context.Context, id string, pu domain.PriceUpdate) {
	e.mu.Lock()
	opp, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return
	}

	updated := opp
	updated.Markets = append([]domain.Leg(nil), opp.Markets...)
	for i := range updated.Markets {
		if legMatchesUpdate(updated.Markets[i], pu) {
			updated.Markets[i].Price = pu.Price
		}
	}
	updated = e.recomputeEdge(updated)
	updated = e.scoreOpportunity(updated)

	expire := updated.EdgePct < e.cfg.MinEdgePct
	if expire {
		e.removeActiveLocked(id)
	} else {
		e.active[id] = updated
	}
	e.mu.Unlock()

	if expire {
		e.analytics.RecordExpiry(ctx, id, time.Now())
		e.bus.Emit(events.NewOpportunityData(events.OpportunityExpired, id, string(updated.Type), updated.EdgePct, updated.Score, string(domain.StatusExpired)))
		return
	}
	e.bus.Emit(events.NewOpportunityData(events.OpportunityUpdated, id, string(updated.Type), updated.EdgePct, updated.Score, string(updated.Status)))
}

// recomputeEdge re-derives EdgePct from an opportunity's (already updated)
// leg prices, using the same fee model as the discovery family that
// originally produced it. Edge-vs-fair-value opportunities aren't
// re-derived from a single tick — they need a fresh fair-value lookup —
// so they keep the edge recorded at discovery time.
func (e *Engine) recomputeEdge(opp domain.Opportunity) domain.Opportunity {
	switch opp.Type {
	case domain.OpportunityInternal:
		if len(opp.Markets) != 2 {
			return opp
		}
		yes, no := opp.Markets[0], opp.Markets[1]
		sum := yes.Price + no.Price
		fee := e.feeRate(yes.Market.Venue())
		edge := (1 - sum) * 100
		opp.EdgePct = edge - sum*fee*100
		opp.ProfitPer100 = opp.EdgePct

	case domain.OpportunityCrossPlatform:
		if len(opp.Markets) != 2 {
			return opp
		}
		a, b := opp.Markets[0], opp.Markets[1]
		feeSum := e.feeRate(a.Market.Venue()) + e.feeRate(b.Market.Venue())
		if a.Action == b.Action {
			gross := (1 - (a.Price + b.Price)) * 100
			opp.EdgePct = gross - feeSum*100
		} else {
			buyPrice, sellPrice := a.Price, b.Price
			if a.Action != domain.ActionBuy {
				buyPrice, sellPrice = b.Price, a.Price
			}
			gross := (sellPrice - buyPrice) * 100
			opp.EdgePct = gross - feeSum*100
		}
		opp.ProfitPer100 = opp.EdgePct
	}

	return opp
}
