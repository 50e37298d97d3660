// Package events implements the typed publish/subscribe surface the engine
// uses to announce opportunity lifecycle transitions and breaker trips.
// Subscribers receive read-only Event values over a channel; nothing here
// expects a receiver to mutate what it's handed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType names one kind of engine event.
type EventType string

const (
	OpportunityDiscovered EventType = "opportunity_discovered"
	OpportunityUpdated    EventType = "opportunity_updated"
	OpportunityExpired    EventType = "opportunity_expired"
	OpportunityTaken      EventType = "opportunity_taken"
	OpportunityClosed     EventType = "opportunity_closed"
	BreakerTripped        EventType = "breaker_tripped"
	BreakerReset          EventType = "breaker_reset"
	MatchNeedsReview      EventType = "match_needs_review"
)

// Data is the interface every typed event payload implements.
type Data interface {
	EventType() EventType
}

// OpportunityData carries the common shape for discovered/updated/expired/
// taken/closed opportunity events.
type OpportunityData struct {
	OpportunityID string  `json:"opportunity_id"`
	Type          string  `json:"type"`
	EdgePct       float64 `json:"edge_pct"`
	Score         float64 `json:"score"`
	Status        string  `json:"status"`
	kind          EventType
}

// NewOpportunityData builds an OpportunityData event payload tagged with
// the transition it represents.
func NewOpportunityData(kind EventType, id, oppType string, edgePct, score float64, status string) *OpportunityData {
	return &OpportunityData{
		OpportunityID: id,
		Type:          oppType,
		EdgePct:       edgePct,
		Score:         score,
		Status:        status,
		kind:          kind,
	}
}

func (d *OpportunityData) EventType() EventType { return d.kind }

// BreakerData carries the scope and reason for a breaker state transition.
type BreakerData struct {
	Venue     string `json:"venue,omitempty"`
	MarketID  string `json:"market_id,omitempty"`
	Condition string `json:"condition"`
	Reason    string `json:"reason"`
	kind      EventType
}

func (d *BreakerData) EventType() EventType { return d.kind }

// MatchReviewData flags a match group that needs human review.
type MatchReviewData struct {
	CanonicalID string   `json:"canonical_id"`
	Markets     []string `json:"markets"`
	Reason      string   `json:"reason"`
}

func (d *MatchReviewData) EventType() EventType { return MatchNeedsReview }

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
}

// subscriber is one registered channel and the buffer it was given.
type subscriber struct {
	id int
	ch chan Event
}

// Bus is a typed, channel-based publish/subscribe broadcaster. Slow
// subscribers never block emission: a full subscriber channel drops the
// event for that subscriber and logs once per drop.
type Bus struct {
	log   zerolog.Logger
	subs  map[int]subscriber
	next  int
	sub   chan subscriber
	unsub chan int
	pub   chan Event
	done  chan struct{}
}

// NewBus creates a Bus and starts its dispatch loop.
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		log:   log.With().Str("component", "events").Logger(),
		subs:  make(map[int]subscriber),
		sub:   make(chan subscriber),
		unsub: make(chan int),
		pub:   make(chan Event, 256),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case s := <-b.sub:
			b.subs[s.id] = s
		case id := <-b.unsub:
			if s, ok := b.subs[id]; ok {
				close(s.ch)
				delete(b.subs, id)
			}
		case ev := <-b.pub:
			for id, s := range b.subs {
				select {
				case s.ch <- ev:
				default:
					b.log.Warn().Int("subscriber_id", id).Str("event_type", string(ev.Type)).Msg("dropped event, subscriber channel full")
				}
			}
		case <-b.done:
			for _, s := range b.subs {
				close(s.ch)
			}
			return
		}
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed when unsubscribed or when
// the Bus is stopped.
func (b *Bus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.next++
	id := b.next
	s := subscriber{id: id, ch: make(chan Event, buffer)}

	select {
	case b.sub <- s:
	case <-b.done:
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	unsubscribe := func() {
		select {
		case b.unsub <- id:
		case <-b.done:
		}
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return s.ch, unsubscribe
}

// Emit publishes an event to all current subscribers. Never blocks the
// caller past the internal publish-queue buffer.
func (b *Bus) Emit(data Data) {
	ev := Event{Type: data.EventType(), Timestamp: time.Now(), Data: data}
	select {
	case b.pub <- ev:
	case <-b.done:
	}

	eventJSON, _ := json.Marshal(ev)
	b.log.Debug().Str("event_type", string(ev.Type)).RawJSON("event", eventJSON).Msg("event emitted")
}

// Stop shuts the Bus down, closing every subscriber channel.
func (b *Bus) Stop() {
	close(b.done)
}
