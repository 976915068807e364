// PromptCache holds per-prompt processing metadata keyed by prompt hash. The
// cached object itself lives in the backend; this cache only tracks pointers
// and accounting, with the same LRU + memory-budget discipline as the KV pool.

package serve

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CachedPrompt records a previously processed prompt.
type CachedPrompt struct {
	PromptHash   string
	PromptLength int
	PromptTokens int
	CacheID      string
	CreatedAt    time.Time
	LastUsed     time.Time
	UseCount     int
	MemoryBytes  int64
	Cached       bool
}

// PromptCacheConfig bounds the prompt cache.
type PromptCacheConfig struct {
	MaxSize        int
	MaxMemoryBytes int64
}

// PromptCache is safe for concurrent use.
type PromptCache struct {
	cfg PromptCacheConfig

	mu               sync.Mutex
	entries          map[string]*CachedPrompt
	totalMemoryBytes int64

	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
	evictionCount int64
}

// NewPromptCache builds a cache bounded by entry count and memory.
func NewPromptCache(cfg PromptCacheConfig) *PromptCache {
	logrus.Infof("PromptCache initialized: max_size=%d, max_memory=%.2fGB",
		cfg.MaxSize, float64(cfg.MaxMemoryBytes)/(1<<30))
	return &PromptCache{
		cfg:     cfg,
		entries: make(map[string]*CachedPrompt),
	}
}

// PromptHash returns the cache key for a prompt.
func (c *PromptCache) PromptHash(prompt string) string {
	return promptHash(prompt)
}

// Contains reports whether a prompt is cached without touching hit counters.
func (c *PromptCache) Contains(prompt string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[promptHash(prompt)]
	return ok
}

// Get returns the cached record for a prompt, or nil on miss.
func (c *PromptCache) Get(prompt string) *CachedPrompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++

	hash := promptHash(prompt)
	if cached, ok := c.entries[hash]; ok {
		cached.LastUsed = time.Now()
		cached.UseCount++
		c.cacheHits++
		return cached
	}
	c.cacheMisses++
	return nil
}

// Add caches prompt metadata, evicting LRU entries until the size and memory
// budgets hold. When the single incoming entry exceeds the memory budget and
// the cache is empty, a sentinel with Cached=false is returned instead of
// looping on eviction.
func (c *PromptCache) Add(prompt string, promptTokens int, cacheID string) *CachedPrompt {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := promptHash(prompt)
	// 2 bytes per char plus 4 bytes per token of backend-side state.
	memoryBytes := int64(len(prompt))*2 + int64(promptTokens)*4

	if existing, ok := c.entries[hash]; ok {
		c.totalMemoryBytes -= existing.MemoryBytes
		delete(c.entries, hash)
	}

	for len(c.entries) >= c.cfg.MaxSize || c.totalMemoryBytes+memoryBytes > c.cfg.MaxMemoryBytes {
		if len(c.entries) == 0 {
			logrus.Warnf("Cannot cache prompt: memory requirement (%.1fMB) exceeds max cache memory (%.1fMB)",
				float64(memoryBytes)/(1<<20), float64(c.cfg.MaxMemoryBytes)/(1<<20))
			now := time.Now()
			return &CachedPrompt{
				PromptHash:   hash,
				PromptLength: len(prompt),
				PromptTokens: promptTokens,
				CreatedAt:    now,
				LastUsed:     now,
				Cached:       false,
			}
		}
		c.evictLRULocked()
	}

	now := time.Now()
	cached := &CachedPrompt{
		PromptHash:   hash,
		PromptLength: len(prompt),
		PromptTokens: promptTokens,
		CacheID:      cacheID,
		CreatedAt:    now,
		LastUsed:     now,
		MemoryBytes:  memoryBytes,
		Cached:       true,
	}
	c.entries[hash] = cached
	c.totalMemoryBytes += memoryBytes
	return cached
}

// evictLRULocked drops the entry with the oldest LastUsed.
func (c *PromptCache) evictLRULocked() {
	var lruHash string
	var lruTime time.Time
	first := true
	for hash, entry := range c.entries {
		if first || entry.LastUsed.Before(lruTime) {
			lruHash = hash
			lruTime = entry.LastUsed
			first = false
		}
	}
	if lruHash == "" {
		return
	}
	c.totalMemoryBytes -= c.entries[lruHash].MemoryBytes
	delete(c.entries, lruHash)
	c.evictionCount++
}

// Clear drops every cached prompt.
func (c *PromptCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.entries)
	c.entries = make(map[string]*CachedPrompt)
	c.totalMemoryBytes = 0
	logrus.Infof("prompt cache CLEAR: %d entries removed", count)
}

// Len returns the number of cached prompts.
func (c *PromptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Metrics reports cache statistics.
func (c *PromptCache) Metrics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if c.totalRequests > 0 {
		hitRate = float64(c.cacheHits) / float64(c.totalRequests)
	}

	var avgAgeMinutes, avgReuse float64
	if len(c.entries) > 0 {
		now := time.Now()
		for _, entry := range c.entries {
			avgAgeMinutes += now.Sub(entry.CreatedAt).Minutes()
			avgReuse += float64(entry.UseCount)
		}
		avgAgeMinutes /= float64(len(c.entries))
		avgReuse /= float64(len(c.entries))
	}

	memoryUtilization := 0.0
	if c.cfg.MaxMemoryBytes > 0 {
		memoryUtilization = float64(c.totalMemoryBytes) / float64(c.cfg.MaxMemoryBytes)
	}

	return map[string]any{
		"max_cache_size":      c.cfg.MaxSize,
		"max_cache_memory_gb": float64(c.cfg.MaxMemoryBytes) / (1 << 30),
		"cache_size":          len(c.entries),
		"total_memory_mb":     float64(c.totalMemoryBytes) / (1 << 20),
		"memory_utilization":  memoryUtilization,
		"total_requests":      c.totalRequests,
		"cache_hits":          c.cacheHits,
		"cache_misses":        c.cacheMisses,
		"hit_rate":            hitRate,
		"eviction_count":      c.evictionCount,
		"avg_age_minutes":     avgAgeMinutes,
		"avg_reuse_count":     avgReuse,
	}
}
