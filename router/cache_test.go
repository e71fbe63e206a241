package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionCache_HitAndMiss(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache := newDecisionCache(10, time.Minute, func() time.Time { return now })

	_, ok := cache.get("k1")
	require.False(t, ok)

	cache.put("k1", Decision{ModelID: "m1"})

	got, ok := cache.get("k1")
	require.True(t, ok)
	assert.Equal(t, "m1", got.ModelID)
}

func TestDecisionCache_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache := newDecisionCache(10, time.Minute, func() time.Time { return now })

	cache.put("k1", Decision{ModelID: "m1"})

	now = now.Add(59 * time.Second)
	_, ok := cache.get("k1")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = cache.get("k1")
	require.False(t, ok)
	assert.Zero(t, cache.len())
}

func TestDecisionCache_EvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache := newDecisionCache(3, time.Hour, func() time.Time { return now })

	cache.put("a", Decision{ModelID: "a"})
	cache.put("b", Decision{ModelID: "b"})
	cache.put("c", Decision{ModelID: "c"})

	// Touch "a" so "b" becomes the least recently used.
	_, ok := cache.get("a")
	require.True(t, ok)

	cache.put("d", Decision{ModelID: "d"})

	_, ok = cache.get("b")
	assert.False(t, ok)

	for _, key := range []string{"a", "c", "d"} {
		_, ok = cache.get(key)
		assert.True(t, ok, "expected %q to survive eviction", key)
	}
}

func TestCacheKey_IgnoresRequestID(t *testing.T) {
	base := Request{
		RequestID:      "req-1",
		TenantID:       "t",
		WorkspaceID:    "w",
		PromptFeatures: []float64{0.1, 0.2},
	}

	other := base
	other.RequestID = "req-2"

	assert.Equal(t, cacheKey(base), cacheKey(other))

	other.Constraints.MinimizeCost = true
	assert.NotEqual(t, cacheKey(base), cacheKey(other))

	other = base
	other.PromptFeatures = []float64{0.1, 0.3}
	assert.NotEqual(t, cacheKey(base), cacheKey(other))
}
