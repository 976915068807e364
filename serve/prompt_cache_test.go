package serve

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPromptCacheConfig() PromptCacheConfig {
	return PromptCacheConfig{MaxSize: 100, MaxMemoryBytes: 1 << 30}
}

func TestPromptCache_HitAfterAdd(t *testing.T) {
	// GIVEN a cached prompt
	c := NewPromptCache(testPromptCacheConfig())
	c.Add("System: You are helpful.", 6, "")

	// WHEN looking it up
	cached := c.Get("System: You are helpful.")

	// THEN it hits and the use count increments
	require.NotNil(t, cached)
	assert.Equal(t, 1, cached.UseCount)
	assert.Equal(t, 6, cached.PromptTokens)

	metrics := c.Metrics()
	assert.Equal(t, int64(1), metrics["cache_hits"])
	assert.Equal(t, int64(0), metrics["cache_misses"])
}

func TestPromptCache_MissRecordsCounter(t *testing.T) {
	c := NewPromptCache(testPromptCacheConfig())
	assert.Nil(t, c.Get("unknown"))
	assert.Equal(t, int64(1), c.Metrics()["cache_misses"])
}

func TestPromptCache_ContainsDoesNotTouchCounters(t *testing.T) {
	c := NewPromptCache(testPromptCacheConfig())
	c.Add("prompt", 2, "")
	assert.True(t, c.Contains("prompt"))
	assert.False(t, c.Contains("other"))
	assert.Equal(t, int64(0), c.Metrics()["total_requests"])
}

func TestPromptCache_LRUEvictionAtCapacity(t *testing.T) {
	// GIVEN a cache of capacity 3 with entries touched in a known order
	cfg := PromptCacheConfig{MaxSize: 3, MaxMemoryBytes: 1 << 30}
	c := NewPromptCache(cfg)
	for i := 0; i < 3; i++ {
		c.Add(fmt.Sprintf("prompt-%d", i), 4, "")
		// Distinct LastUsed stamps so LRU selection is deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	c.Get("prompt-0") // refresh 0

	// WHEN a fourth entry arrives
	c.Add("prompt-3", 4, "")

	// THEN the least recently used (1) was evicted, not the oldest (0)
	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Contains("prompt-0"))
	assert.False(t, c.Contains("prompt-1"))
	assert.Equal(t, int64(1), c.Metrics()["eviction_count"])
}

func TestPromptCache_OversizeEntryReturnsSentinel(t *testing.T) {
	// GIVEN a tiny memory budget
	cfg := PromptCacheConfig{MaxSize: 10, MaxMemoryBytes: 64}
	c := NewPromptCache(cfg)

	// WHEN adding an entry that alone exceeds the budget
	cached := c.Add("a very long prompt whose accounting exceeds the budget", 1000, "")

	// THEN a non-cached sentinel comes back and the cache stays empty
	require.NotNil(t, cached)
	assert.False(t, cached.Cached)
	assert.Equal(t, 0, c.Len())
}

func TestPromptCache_ReplacingEntryKeepsAccountingExact(t *testing.T) {
	// GIVEN the same prompt added twice with different token counts
	c := NewPromptCache(testPromptCacheConfig())
	c.Add("prompt", 100, "")
	c.Add("prompt", 10, "")

	// THEN only the latest accounting remains
	assert.Equal(t, 1, c.Len())
	expected := int64(len("prompt"))*2 + 10*4
	assert.Equal(t, expected, c.totalMemoryBytes)
}

func TestPromptCache_Clear(t *testing.T) {
	c := NewPromptCache(testPromptCacheConfig())
	c.Add("one", 1, "")
	c.Add("two", 2, "")
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.totalMemoryBytes)
}
