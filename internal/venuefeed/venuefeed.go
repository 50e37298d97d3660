// Package venuefeed is the thin external-collaborator boundary the engine
// talks to for market data. It is not a venue SDK: it expects every venue
// to expose a simple JSON market list behind a configured base URL, and
// derives realtime price updates by polling and diffing rather than by
// dialing a venue-specific websocket feed.
package venuefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arbiter/internal/domain"
)

// Client implements engine.MarketFeed against a configurable per-venue
// HTTP endpoint.
type Client struct {
	httpClient   *http.Client
	baseURLs     map[string]string
	pollInterval time.Duration
	log          zerolog.Logger
}

// New builds a Client. baseURLs maps a venue name to the base URL of its
// market-list endpoint (queried as "<base>?q=<query>").
func New(baseURLs map[string]string, pollInterval time.Duration, log zerolog.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		baseURLs:     baseURLs,
		pollInterval: pollInterval,
		log:          log.With().Str("client", "venuefeed").Logger(),
	}
}

// marketsResponse is the generic wire shape every venue endpoint is
// expected to return.
type marketsResponse struct {
	Markets []venueMarket `json:"markets"`
}

type venueMarket struct {
	MarketID  string         `json:"market_id"`
	Question  string         `json:"question"`
	Slug      string         `json:"slug"`
	Outcomes  []venueOutcome `json:"outcomes"`
	Volume24h float64        `json:"volume_24h"`
	Liquidity float64        `json:"liquidity"`
	EndDate   time.Time      `json:"end_date"`
}

type venueOutcome struct {
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Volume24h float64 `json:"volume_24h"`
}

// SearchMarkets fetches and converts one venue's market list.
func (c *Client) SearchMarkets(ctx context.Context, query, venue string, deadline time.Time) ([]domain.Market, error) {
	base, ok := c.baseURLs[venue]
	if !ok {
		return nil, fmt.Errorf("venuefeed: no endpoint configured for venue %q", venue)
	}

	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("venuefeed: invalid base URL for venue %q: %w", venue, err)
	}
	if query != "" {
		q := u.Query()
		q.Set("q", query)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("venuefeed: build request for venue %q: %w", venue, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("venuefeed: fetch markets for venue %q: %w", venue, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venuefeed: venue %q returned status %d", venue, resp.StatusCode)
	}

	var parsed marketsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("venuefeed: decode response for venue %q: %w", venue, err)
	}

	markets := make([]domain.Market, 0, len(parsed.Markets))
	for _, m := range parsed.Markets {
		outcomes := make([]domain.Outcome, 0, len(m.Outcomes))
		for _, o := range m.Outcomes {
			outcomes = append(outcomes, domain.Outcome{Name: o.Name, Price: o.Price, Volume24h: o.Volume24h})
		}
		markets = append(markets, domain.Market{
			Venue:     venue,
			MarketID:  m.MarketID,
			Question:  m.Question,
			Slug:      m.Slug,
			Outcomes:  outcomes,
			Volume24h: m.Volume24h,
			Liquidity: m.Liquidity,
			EndDate:   m.EndDate,
		})
	}

	return markets, nil
}

// Subscribe polls every configured venue at pollInterval and emits a
// PriceUpdate for every outcome whose price has changed since the last
// poll. It has no venue-specific websocket to dial, so polling-and-diffing
// is the realtime primitive this boundary offers.
func (c *Client) Subscribe(ctx context.Context, venues []string) (<-chan domain.PriceUpdate, error) {
	out := make(chan domain.PriceUpdate, 64)

	go func() {
		defer close(out)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		var mu sync.Mutex
		last := make(map[string]float64) // venue|marketID|outcome -> price

		poll := func() {
			deadline := time.Now().Add(c.pollInterval)
			for _, venue := range venues {
				markets, err := c.SearchMarkets(ctx, "", venue, deadline)
				if err != nil {
					c.log.Warn().Err(err).Str("venue", venue).Msg("poll failed, skipping this cycle")
					continue
				}
				for _, m := range markets {
					for _, o := range m.Outcomes {
						key := venue + "|" + m.MarketID + "|" + o.Name
						mu.Lock()
						prev, seen := last[key]
						last[key] = o.Price
						mu.Unlock()
						if seen && prev != o.Price {
							update := domain.PriceUpdate{
								Venue:     venue,
								MarketID:  m.MarketID,
								OutcomeID: o.Name,
								Price:     o.Price,
								Timestamp: time.Now(),
							}
							prevCopy := prev
							update.PreviousPrice = &prevCopy
							select {
							case out <- update:
							case <-ctx.Done():
								return
							}
						}
					}
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return out, nil
}
