package linker

import (
	"context"
	"testing"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	links map[string]domain.Link
}

func newFakeStore() *fakeStore {
	return &fakeStore{links: make(map[string]domain.Link)}
}

func (s *fakeStore) SaveLink(_ context.Context, link domain.Link) error {
	s.links[link.ID] = link
	return nil
}

func (s *fakeStore) DeleteLink(_ context.Context, id string) error {
	delete(s.links, id)
	return nil
}

func (s *fakeStore) AllLinks(_ context.Context) ([]domain.Link, error) {
	out := make([]domain.Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out, nil
}

func TestLinkIsIdempotent(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()

	a, b := domain.MarketKey("v1:1"), domain.MarketKey("v2:2")
	first, err := l.Link(ctx, a, b, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)

	second, err := l.Link(ctx, a, b, 0.95, domain.ProvenanceManual)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.links, 1)
	assert.Equal(t, Stats{Nodes: 2, Edges: 1}, l.Stats())
}

// TestTransitivity covers the universal property: Link(a,b) and Link(b,c)
// implies AreLinked(a,c).
func TestTransitivity(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()

	a, b, c := domain.MarketKey("v1:1"), domain.MarketKey("v2:2"), domain.MarketKey("v3:3")
	_, err := l.Link(ctx, a, b, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)
	_, err = l.Link(ctx, b, c, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)

	assert.True(t, l.AreLinked(a, c))
}

func TestGetIdentityPrimaryIsHighestConfidence(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()

	a, b, c := domain.MarketKey("v1:1"), domain.MarketKey("v2:2"), domain.MarketKey("v3:3")
	_, err := l.Link(ctx, a, b, 0.6, domain.ProvenanceAuto)
	require.NoError(t, err)
	_, err = l.Link(ctx, b, c, 0.95, domain.ProvenanceManual)
	require.NoError(t, err)

	identity := l.GetIdentity(a)
	assert.Equal(t, domain.MarketKey("v2:2"), identity.Primary)
	assert.ElementsMatch(t, []domain.MarketKey{a, b, c}, identity.Members)
}

func TestUnlinkBreaksTransitivity(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()

	a, b, c := domain.MarketKey("v1:1"), domain.MarketKey("v2:2"), domain.MarketKey("v3:3")
	_, err := l.Link(ctx, a, b, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)
	_, err = l.Link(ctx, b, c, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)
	require.True(t, l.AreLinked(a, c))

	require.NoError(t, l.Unlink(ctx, a, b))
	assert.False(t, l.AreLinked(a, c))
	assert.True(t, l.AreLinked(b, c))
}

func TestMergeJoinsComponents(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()

	a, b := domain.MarketKey("v1:1"), domain.MarketKey("v2:2")
	c, d := domain.MarketKey("v3:3"), domain.MarketKey("v4:4")
	_, err := l.Link(ctx, a, b, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)
	_, err = l.Link(ctx, c, d, 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)
	require.False(t, l.AreLinked(a, c))

	require.NoError(t, l.Merge(ctx, a, c, 0.7, domain.ProvenanceAuto))
	assert.True(t, l.AreLinked(a, c))
	assert.True(t, l.AreLinked(a, d))
	assert.True(t, l.AreLinked(b, d))
}

func TestLoadRebuildsFromStore(t *testing.T) {
	store := newFakeStore()
	store.links["v1:1|v2:2"] = domain.Link{ID: "v1:1|v2:2", A: "v1:1", B: "v2:2", Confidence: 0.9, Source: domain.ProvenanceManual}

	l := New(store)
	require.NoError(t, l.Load(context.Background()))

	assert.True(t, l.AreLinked("v1:1", "v2:2"))
	assert.Equal(t, Stats{Nodes: 2, Edges: 1}, l.Stats())
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()
	_, err := l.Link(ctx, "v1:1", "v2:2", 0.8, domain.ProvenanceAuto)
	require.NoError(t, err)

	data, err := l.Export()
	require.NoError(t, err)

	store2 := newFakeStore()
	l2 := New(store2)
	require.NoError(t, l2.Import(ctx, data))
	assert.True(t, l2.AreLinked("v1:1", "v2:2"))
}
