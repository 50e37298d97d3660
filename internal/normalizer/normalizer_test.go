package normalizer

import (
	"testing"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBasics(t *testing.T) {
	n := New()

	yes := n.Normalize("Yes")
	assert.Equal(t, domain.SideYes, yes.Side)
	assert.False(t, yes.IsInverse)

	no := n.Normalize("No")
	assert.Equal(t, domain.SideNo, no.Side)

	other := n.Normalize("Maybe Later")
	assert.Equal(t, domain.SideOther, other.Side)
	assert.Equal(t, 0.5, other.Confidence)
}

func TestInversePrefixFlips(t *testing.T) {
	n := New()
	out := n.Normalize("Not Yes")
	assert.Equal(t, domain.SideNo, out.Side)
	assert.True(t, out.IsInverse)

	out2 := n.Normalize("Not No")
	assert.Equal(t, domain.SideYes, out2.Side)
}

func TestCustomAliasTakesPriority(t *testing.T) {
	n := New()
	n.AddAlias("Over 50", true)
	out := n.Normalize("Over 50")
	assert.Equal(t, domain.SideYes, out.Side)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestFindYesNoBinaryFallback(t *testing.T) {
	n := New()
	outcomes := []domain.Outcome{
		{Name: "Team A"},
		{Name: "Team B"},
	}
	yes, ok := n.FindYes(outcomes)
	require.True(t, ok)
	assert.Equal(t, "Team A", yes.Name)

	no, ok := n.FindNo(outcomes)
	require.True(t, ok)
	assert.Equal(t, "Team B", no.Name)
}

func TestFindYesPrefersHighConfidence(t *testing.T) {
	n := New()
	outcomes := []domain.Outcome{
		{Name: "Over"},
		{Name: "Yes"},
	}
	yes, ok := n.FindYes(outcomes)
	require.True(t, ok)
	assert.Equal(t, "Yes", yes.Name)
}

func TestAreEquivalentAndInverse(t *testing.T) {
	n := New()
	assert.True(t, n.AreEquivalent("Yes", "yes"))
	assert.True(t, n.AreInverse("Yes", "No"))
	assert.False(t, n.AreInverse("Yes", "Yes"))
	assert.True(t, n.AreEquivalent("Acme Corp", "Acme Corp"))
	assert.False(t, n.AreEquivalent("Acme Corp", "Other Corp"))
}

func TestOverround(t *testing.T) {
	assert.InDelta(t, 0.02, Overround(0.51, 0.51), 1e-9)
	assert.InDelta(t, -0.02, Overround(0.48, 0.50), 1e-9)
}
