// Package linker maintains the persistent, undirected graph of hand-curated
// or discovered equivalences between markets, and answers transitive
// identity queries over it.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/google/uuid"
)

// Store is the subset of the persistence capability the linker needs.
// A concrete internal/store/sqlite.Store satisfies it.
type Store interface {
	SaveLink(ctx context.Context, link domain.Link) error
	DeleteLink(ctx context.Context, id string) error
	AllLinks(ctx context.Context) ([]domain.Link, error)
}

// Identity is the result of a transitive identity lookup: every market
// reachable from the queried key, ordered by confidence descending, with
// the highest-confidence member as primary.
type Identity struct {
	Primary domain.MarketKey
	Members []domain.MarketKey
}

// Stats summarizes the graph's size.
type Stats struct {
	Nodes int
	Edges int
}

// Linker is the in-memory adjacency cache backing MarketLinker (C4). It is
// the authoritative reader; the Store is the durable write-through log,
// rebuilt into this cache on startup via Load.
type Linker struct {
	mu    sync.RWMutex
	store Store

	links map[string]domain.Link              // link ID -> Link
	adj   map[domain.MarketKey]map[string]bool // market -> set of incident link IDs
}

func normalizeKey(k domain.MarketKey) domain.MarketKey {
	return domain.MarketKey(strings.ToLower(strings.TrimSpace(string(k))))
}

// linkID derives the stable, idempotent ID for an unordered (a,b) pair.
func linkID(a, b domain.MarketKey) string {
	sa, sb := string(a), string(b)
	if sa > sb {
		sa, sb = sb, sa
	}
	return sa + "|" + sb
}

// New creates an empty Linker. Call Load to populate it from the store.
func New(store Store) *Linker {
	return &Linker{
		store: store,
		links: make(map[string]domain.Link),
		adj:   make(map[domain.MarketKey]map[string]bool),
	}
}

// Load rebuilds the in-memory adjacency cache from the store. It should be
// called once at startup; the store is otherwise write-through only.
func (l *Linker) Load(ctx context.Context) error {
	all, err := l.store.AllLinks(ctx)
	if err != nil {
		return fmt.Errorf("linker: load: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links = make(map[string]domain.Link, len(all))
	l.adj = make(map[domain.MarketKey]map[string]bool)
	for _, link := range all {
		l.insertLocked(link)
	}
	return nil
}

func (l *Linker) insertLocked(link domain.Link) {
	l.links[link.ID] = link
	l.addAdjLocked(link.A, link.ID)
	l.addAdjLocked(link.B, link.ID)
}

func (l *Linker) addAdjLocked(k domain.MarketKey, id string) {
	if l.adj[k] == nil {
		l.adj[k] = make(map[string]bool)
	}
	l.adj[k][id] = true
}

// Link records an (a,b) equivalence. Calling Link again on the same pair is
// idempotent: the existing link's confidence and source are overwritten.
func (l *Linker) Link(ctx context.Context, a, b domain.MarketKey, confidence float64, source domain.LinkProvenance) (domain.Link, error) {
	a, b = normalizeKey(a), normalizeKey(b)
	id := linkID(a, b)

	l.mu.Lock()
	existing, exists := l.links[id]
	link := domain.Link{ID: id, A: a, B: b, Confidence: confidence, Source: source}
	if exists {
		link.Metadata = existing.Metadata
	} else {
		link.ID = id
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	l.insertLocked(link)
	l.mu.Unlock()

	if err := l.store.SaveLink(ctx, link); err != nil {
		return link, fmt.Errorf("linker: save: %w", err)
	}
	return link, nil
}

// Unlink removes the direct edge between a and b, if any.
func (l *Linker) Unlink(ctx context.Context, a, b domain.MarketKey) error {
	a, b = normalizeKey(a), normalizeKey(b)
	id := linkID(a, b)

	l.mu.Lock()
	_, exists := l.links[id]
	if exists {
		delete(l.links, id)
		l.removeAdjLocked(a, id)
		l.removeAdjLocked(b, id)
	}
	l.mu.Unlock()

	if !exists {
		return nil
	}
	if err := l.store.DeleteLink(ctx, id); err != nil {
		return fmt.Errorf("linker: delete: %w", err)
	}
	return nil
}

func (l *Linker) removeAdjLocked(k domain.MarketKey, id string) {
	if set, ok := l.adj[k]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(l.adj, k)
		}
	}
}

// GetLink returns the direct edge between a and b, if one exists.
func (l *Linker) GetLink(a, b domain.MarketKey) (domain.Link, bool) {
	a, b = normalizeKey(a), normalizeKey(b)
	l.mu.RLock()
	defer l.mu.RUnlock()
	link, ok := l.links[linkID(a, b)]
	return link, ok
}

// GetLinks returns every link directly incident to k.
func (l *Linker) GetLinks(k domain.MarketKey) []domain.Link {
	k = normalizeKey(k)
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.adj[k]
	out := make([]domain.Link, 0, len(ids))
	for id := range ids {
		out = append(out, l.links[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AreLinked reports whether a and b are in the same identity component,
// i.e. connected by a path of any length through the graph.
func (l *Linker) AreLinked(a, b domain.MarketKey) bool {
	a, b = normalizeKey(a), normalizeKey(b)
	if a == b {
		return true
	}
	identity := l.GetIdentity(a)
	for _, m := range identity.Members {
		if m == b {
			return true
		}
	}
	return false
}

// GetIdentity performs a BFS over the adjacency set starting at k and
// returns every reachable market, sorted by confidence descending (the
// confidence used for sorting is the member's best incident-edge
// confidence). The highest-confidence member becomes Primary; ties are
// broken by insertion order (BFS discovery order).
func (l *Linker) GetIdentity(k domain.MarketKey) Identity {
	k = normalizeKey(k)
	l.mu.RLock()
	defer l.mu.RUnlock()

	visited := map[domain.MarketKey]bool{k: true}
	order := []domain.MarketKey{k}
	bestConfidence := map[domain.MarketKey]float64{k: 0}

	queue := []domain.MarketKey{k}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for id := range l.adj[cur] {
			link := l.links[id]
			other := link.A
			if other == cur {
				other = link.B
			}
			if link.Confidence > bestConfidence[cur] {
				bestConfidence[cur] = link.Confidence
			}
			if !visited[other] {
				visited[other] = true
				order = append(order, other)
				queue = append(queue, other)
			}
			if link.Confidence > bestConfidence[other] {
				bestConfidence[other] = link.Confidence
			}
		}
	}

	members := make([]domain.MarketKey, len(order))
	copy(members, order)
	sort.SliceStable(members, func(i, j int) bool {
		return bestConfidence[members[i]] > bestConfidence[members[j]]
	})

	primary := k
	if len(members) > 0 {
		primary = members[0]
	}
	return Identity{Primary: primary, Members: members}
}

// UpdateConfidence changes the confidence of an existing direct edge.
func (l *Linker) UpdateConfidence(ctx context.Context, a, b domain.MarketKey, confidence float64) error {
	a, b = normalizeKey(a), normalizeKey(b)
	id := linkID(a, b)

	l.mu.Lock()
	link, ok := l.links[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("linker: no link between %s and %s", a, b)
	}
	link.Confidence = confidence
	l.links[id] = link
	l.mu.Unlock()

	if err := l.store.SaveLink(ctx, link); err != nil {
		return fmt.Errorf("linker: save: %w", err)
	}
	return nil
}

// Merge copies every edge incident to b's identity component onto a,
// effectively joining the two components. Existing edges are left intact;
// new edges are added so that every member of b's component gains a direct
// link to a.
func (l *Linker) Merge(ctx context.Context, a, b domain.MarketKey, confidence float64, source domain.LinkProvenance) error {
	identity := l.GetIdentity(b)
	for _, m := range identity.Members {
		if normalizeKey(m) == normalizeKey(a) {
			continue
		}
		if _, err := l.Link(ctx, a, m, confidence, source); err != nil {
			return err
		}
	}
	return nil
}

// GetAllLinks returns every link currently known to the in-memory cache.
func (l *Linker) GetAllLinks() []domain.Link {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Link, 0, len(l.links))
	for _, link := range l.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes the current graph.
func (l *Linker) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{Nodes: len(l.adj), Edges: len(l.links)}
}

// Export serializes every link to JSON.
func (l *Linker) Export() ([]byte, error) {
	return json.Marshal(l.GetAllLinks())
}

// Import loads links from a JSON export, writing each through to the store.
func (l *Linker) Import(ctx context.Context, data []byte) error {
	var links []domain.Link
	if err := json.Unmarshal(data, &links); err != nil {
		return fmt.Errorf("linker: import: %w", err)
	}
	for _, link := range links {
		if _, err := l.Link(ctx, link.A, link.B, link.Confidence, link.Source); err != nil {
			return err
		}
	}
	return nil
}
