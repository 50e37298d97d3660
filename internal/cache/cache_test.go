package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	// Scenario 5: capacity 3, insert A,B,C,D (D displaces A). Access B;
	// insert E; the evicted key is C (LRU after the access), not D.
	var evicted []string
	var mu sync.Mutex
	c := New[string, int](3, func(key string, value int, reason EvictReason) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	})

	c.Set("A", 1, 0)
	c.Set("B", 2, 0)
	c.Set("C", 3, 0)
	c.Set("D", 4, 0)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"A"}, evicted)
	mu.Unlock()

	_, ok := c.Get("B")
	require.True(t, ok)

	c.Set("E", 5, 0)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"A", "C"}, evicted)
}

func TestCapacityEvictionReason(t *testing.T) {
	var reasons []EvictReason
	var mu sync.Mutex
	c := New[int, int](2, func(key int, value int, reason EvictReason) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	c.Set(1, 1, 0)
	c.Set(2, 2, 0)
	c.Set(3, 3, 0)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonCapacity, reasons[0])
}

func TestExpiryIsAMiss(t *testing.T) {
	c := New[string, int](10, nil)
	c.Set("k", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size)
}

func TestNoExpiryWhenTTLZero(t *testing.T) {
	c := New[string, int](10, nil)
	c.Set("k", 1, 0)
	time.Sleep(5 * time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := New[string, int](10, nil)
	var calls int64

	const K = 20
	results := make([]int, K)
	var wg sync.WaitGroup
	wg.Add(K)
	for i := 0; i < K; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (int, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return 42, nil
			}, time.Minute)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}

func TestHitRate(t *testing.T) {
	c := New[string, int](10, nil)
	c.Set("k", 1, 0)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 1e-9)
}

func TestSweeperPrunesAndStops(t *testing.T) {
	c := New[string, int](10, nil)
	c.Set("k", 1, time.Millisecond)
	c.StartSweeper(2 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.StopSweeper()

	stats := c.Stats()
	assert.Equal(t, 0, stats.Size)
}

func TestEvictionCallbackFailureDoesNotCorruptCache(t *testing.T) {
	c := New[string, int](1, func(key string, value int, reason EvictReason) {
		panic("boom")
	})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0) // evicts a, callback panics but is recovered

	time.Sleep(10 * time.Millisecond)
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}
