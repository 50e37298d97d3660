// Package matcher decides whether markets on different venues (or the same
// venue) represent the same underlying event, producing MatchGroups that
// feed cross-platform arbitrage discovery.
package matcher

import (
	"context"
	"sort"
	"sync"

	"github.com/aristath/arbiter/internal/cache"
	"github.com/aristath/arbiter/internal/domain"
)

// EmbeddingsService is the optional external capability used for semantic
// matching. Absence is legal: the matcher falls back to Jaccard overlap.
type EmbeddingsService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config controls matching thresholds.
type Config struct {
	SimilarityThreshold float64 // semantic cosine-similarity acceptance floor
	JaccardThreshold    float64 // fallback token-overlap acceptance floor
}

// DefaultConfig returns sensible thresholds.
func DefaultConfig() Config {
	return Config{SimilarityThreshold: 0.85, JaccardThreshold: 0.6}
}

// MatchResult is the outcome of a pairwise AreMatching call.
type MatchResult struct {
	Matches      bool
	Similarity   float64
	Method       domain.MatchMethod
	Verification *domain.VerificationReport
}

// Matcher implements MarketMatcher (spec §4.3).
type Matcher struct {
	cfg        Config
	embeddings EmbeddingsService
	embedCache *cache.Cache[string, []float32]

	manualMu sync.RWMutex
	manual   map[pairKey]bool
}

type pairKey string

func makePairKey(a, b domain.MarketKey) pairKey {
	sa, sb := string(a), string(b)
	if sa > sb {
		sa, sb = sb, sa
	}
	return pairKey(sa + "|" + sb)
}

// New creates a Matcher. embeddings may be nil (semantic matching is then
// always skipped in favor of the Jaccard fallback).
func New(cfg Config, embeddings EmbeddingsService) *Matcher {
	return &Matcher{
		cfg:        cfg,
		embeddings: embeddings,
		embedCache: cache.New[string, []float32](4096, nil),
		manual:     make(map[pairKey]bool),
	}
}

// AddManualLink records a hand-curated equivalence the matcher should
// short-circuit to method=manual, similarity=1.0, no verification needed.
func (m *Matcher) AddManualLink(a, b domain.MarketKey) {
	m.manualMu.Lock()
	defer m.manualMu.Unlock()
	m.manual[makePairKey(a, b)] = true
}

// RemoveManualLink removes a previously added manual link.
func (m *Matcher) RemoveManualLink(a, b domain.MarketKey) {
	m.manualMu.Lock()
	defer m.manualMu.Unlock()
	delete(m.manual, makePairKey(a, b))
}

func (m *Matcher) hasManualLink(a, b domain.MarketKey) bool {
	m.manualMu.RLock()
	defer m.manualMu.RUnlock()
	return m.manual[makePairKey(a, b)]
}

// AreMatching runs the ordered pairwise-matching algorithm from spec §4.3
// step 5 against two markets.
func (m *Matcher) AreMatching(ctx context.Context, a, b domain.Market) MatchResult {
	// 5a. manual link
	if m.hasManualLink(a.Key(), b.Key()) {
		return MatchResult{Matches: true, Similarity: 1.0, Method: domain.MethodManual}
	}

	// 5b. identical non-empty slug
	if a.Slug != "" && a.Slug == b.Slug {
		return MatchResult{Matches: true, Similarity: 1.0, Method: domain.MethodSlug}
	}

	normA := normalizeQuestion(a.Question)
	normB := normalizeQuestion(b.Question)
	tokensA := tokenize(normA)
	tokensB := tokenize(normB)

	// 5c. semantic
	if m.embeddings != nil {
		vecA, errA := m.embedCached(ctx, a.Key().String(), normA)
		vecB, errB := m.embedCached(ctx, b.Key().String(), normB)
		if errA == nil && errB == nil {
			sim := cosineSimilarity(vecA, vecB)
			if sim >= m.cfg.SimilarityThreshold {
				report := m.VerifyMatch(a, b)
				if report.Verified {
					return MatchResult{Matches: true, Similarity: sim, Method: domain.MethodSemantic, Verification: &report}
				}
				// High textual similarity but entity verification failed:
				// fall through to the Jaccard path, which applies its own
				// (looser) acceptance rule instead of discarding the pair.
			}
		}
	}

	// 5d. Jaccard fallback
	sim := jaccardSimilarity(tokensA, tokensB)
	if sim < m.cfg.JaccardThreshold {
		return MatchResult{Matches: false, Similarity: sim, Method: domain.MethodText}
	}
	report := m.VerifyMatch(a, b)
	if report.Confidence < 0.5 {
		return MatchResult{Matches: false, Similarity: sim, Method: domain.MethodText, Verification: &report}
	}
	return MatchResult{Matches: true, Similarity: sim, Method: domain.MethodText, Verification: &report}
}

// VerifyMatch extracts entities from both markets' questions and compares
// them class by class.
func (m *Matcher) VerifyMatch(a, b domain.Market) domain.VerificationReport {
	entitiesA := extractEntities(normalizeQuestion(a.Question))
	entitiesB := extractEntities(normalizeQuestion(b.Question))
	return verify(entitiesA, entitiesB)
}

func (m *Matcher) embedCached(ctx context.Context, key, text string) ([]float32, error) {
	return m.embedCache.GetOrCompute(ctx, key, func(ctx context.Context) ([]float32, error) {
		return m.embeddings.Embed(ctx, text)
	}, 0)
}

// FindMatches groups markets into MatchGroups. A coarse bucket on the
// question's CanonicalID (its first 8 normalized tokens) narrows the
// O(n^2) pairwise comparison to plausible candidates (genuinely unrelated
// markets rarely share that much of their opening text); AreMatching then
// decides each candidate pair, and a union-find merges transitively
// matching markets — A~B and B~C yields one three-market group even though
// A and C were never compared directly — before a manual-link sweep picks
// up any pair the bucketing missed entirely.
func (m *Matcher) FindMatches(ctx context.Context, markets []domain.Market) []domain.MatchGroup {
	uf := newUnionFind(len(markets))
	buckets := make(map[string][]int)
	for i, mkt := range markets {
		tokens := tokenize(normalizeQuestion(mkt.Question))
		buckets[canonicalID(tokens)] = append(buckets[canonicalID(tokens)], i)
	}

	type pairInfo struct {
		similarity   float64
		verification *domain.VerificationReport
	}
	best := make(map[int]pairInfo) // root -> info merged into that root's group, updated on each union

	unite := func(i, j int) int {
		ri, rj := uf.find(i), uf.find(j)
		uf.union(i, j)
		root := uf.find(i)
		for _, old := range []int{ri, rj} {
			info, ok := best[old]
			if !ok || old == root {
				continue
			}
			delete(best, old)
			if cur, ok := best[root]; !ok || info.similarity < cur.similarity {
				best[root] = info
			}
		}
		return root
	}

	for _, idxs := range buckets {
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				i, j := idxs[a], idxs[b]
				res := m.AreMatching(ctx, markets[i], markets[j])
				if !res.Matches {
					continue
				}
				root := unite(i, j)
				cur, ok := best[root]
				if !ok || res.Similarity < cur.similarity {
					best[root] = pairInfo{similarity: res.Similarity, verification: res.Verification}
				}
			}
		}
	}

	byKey := indexByKey(markets)
	for _, p := range m.manualPairs() {
		i, okI := byKey[p.a]
		j, okJ := byKey[p.b]
		if !okI || !okJ {
			continue
		}
		root := unite(i, j)
		if _, ok := best[root]; !ok {
			best[root] = pairInfo{similarity: 1.0}
		}
	}

	membersByRoot := make(map[int][]int)
	for i := range markets {
		root := uf.find(i)
		membersByRoot[root] = append(membersByRoot[root], i)
	}

	roots := make([]int, 0, len(membersByRoot))
	for root := range membersByRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	groups := make([]domain.MatchGroup, 0, len(roots))
	for _, root := range roots {
		members := membersByRoot[root]
		sort.Ints(members)

		tokens := tokenize(normalizeQuestion(markets[members[0]].Question))
		group := domain.MatchGroup{
			CanonicalID: canonicalID(tokens),
			Method:      domain.MethodText,
			Similarity:  1.0,
		}
		for _, i := range members {
			group.Markets = append(group.Markets, markets[i].Key())
		}
		if info, ok := best[root]; ok {
			group.Similarity = info.similarity
			group.Verification = info.verification
			if info.verification != nil && !info.verification.Verified {
				group.NeedsReview = true
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func indexByKey(markets []domain.Market) map[domain.MarketKey]int {
	out := make(map[domain.MarketKey]int, len(markets))
	for i, mkt := range markets {
		out[mkt.Key()] = i
	}
	return out
}

// manualPairs returns the currently registered manual links as (a, b) pairs.
func (m *Matcher) manualPairs() []struct{ a, b domain.MarketKey } {
	m.manualMu.RLock()
	defer m.manualMu.RUnlock()
	pairs := make([]struct{ a, b domain.MarketKey }, 0, len(m.manual))
	for p := range m.manual {
		a, b := splitPairKey(p)
		pairs = append(pairs, struct{ a, b domain.MarketKey }{a, b})
	}
	return pairs
}

// unionFind is a small disjoint-set over market indices, used to collapse
// transitively matching pairs into single groups.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

func splitPairKey(p pairKey) (domain.MarketKey, domain.MarketKey) {
	s := string(p)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return domain.MarketKey(s[:i]), domain.MarketKey(s[i+1:])
		}
	}
	return domain.MarketKey(s), ""
}
