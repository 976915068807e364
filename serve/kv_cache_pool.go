// KVCachePool is a content-addressed cache of computed KV tensors with prefix
// sharing, LRU eviction and TTL expiry. Multi-turn conversations repeat long
// prefixes; reusing the KV state for a matching prefix cuts time-to-first-token
// dramatically.

package serve

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// KVCacheEntry is one pooled KV cache. KV is the opaque tensor blob owned by
// the backend. Cached is false for the sentinel returned when a single entry
// alone exceeds the memory budget and nothing could be evicted to admit it.
type KVCacheEntry struct {
	PromptHash   string
	PrefixHash   string
	KV           any
	PromptTokens int
	CreatedAt    time.Time
	LastUsed     time.Time
	UseCount     int
	MemoryBytes  int64
	Cached       bool
}

// kvPoolStats tracks hit/miss/eviction counters. LRU and TTL evictions are
// bookkept separately.
type kvPoolStats struct {
	totalRequests    int64
	cacheHits        int64
	prefixHits       int64
	cacheMisses      int64
	evictions        int64
	ttlEvictions     int64
	totalMemoryBytes int64
}

// KVCachePool maps prompt hashes to entries, with a secondary index from
// prefix hash to the prompt hashes sharing that prefix. The main map is used
// as an insertion-ordered LRU: reads move the entry to the recently-used end.
type KVCachePool struct {
	cfg KVCachePoolConfig

	mu          sync.Mutex
	entries     map[string]*list.Element // prompt hash -> element holding *KVCacheEntry
	order       *list.List               // front = least recently used
	prefixIndex map[string][]string      // prefix hash -> prompt hashes
	stats       kvPoolStats
	warnedOnce  bool

	now func() time.Time
}

// NewKVCachePool builds a pool from the kv_cache_pool configuration section.
func NewKVCachePool(cfg KVCachePoolConfig) *KVCachePool {
	logrus.Infof("KVCachePool initialized: max_size=%d, ttl=%.0fs, prefix_sharing=%t",
		cfg.MaxSize, cfg.TTLSeconds, cfg.EnablePrefixSharing)
	return &KVCachePool{
		cfg:         cfg,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		prefixIndex: make(map[string][]string),
		now:         time.Now,
	}
}

// promptHash is the first 16 hex characters of the SHA-256 of the prompt.
func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// prefixHash hashes the leading PrefixLengthRatio share of the prompt, or
// returns "" when sharing is disabled or the prefix is under 10 characters.
func (p *KVCachePool) prefixHash(prompt string) string {
	if !p.cfg.EnablePrefixSharing {
		return ""
	}
	prefixLength := int(float64(len(prompt)) * p.cfg.PrefixLengthRatio)
	if prefixLength < 10 {
		return ""
	}
	return promptHash(prompt[:prefixLength])
}

// estimateMemoryBytes is conservative: 8 bytes per prompt token (4 for K,
// 4 for V plus overhead).
func estimateMemoryBytes(promptTokens int) int64 {
	return int64(promptTokens) * 8
}

func (p *KVCachePool) isExpired(entry *KVCacheEntry) bool {
	return p.now().Sub(entry.CreatedAt).Seconds() > p.cfg.TTLSeconds
}

// Get returns the cached entry for a prompt, or nil on miss. An exact hit is
// tried first; on miss with prefix sharing enabled, the first live candidate
// sharing the prefix hash is returned.
func (p *KVCachePool) Get(prompt string) *KVCacheEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.totalRequests++

	hash := promptHash(prompt)
	if elem, ok := p.entries[hash]; ok {
		entry := elem.Value.(*KVCacheEntry)
		if p.isExpired(entry) {
			if p.cfg.LogOperations {
				logrus.Debugf("kv cache TTL expired: %s", hash)
			}
			p.removeLocked(hash)
			p.stats.ttlEvictions++
			p.stats.cacheMisses++
			return nil
		}
		p.order.MoveToBack(elem)
		entry.LastUsed = p.now()
		entry.UseCount++
		p.stats.cacheHits++
		return entry
	}

	if prefix := p.prefixHash(prompt); prefix != "" {
		for _, candidateHash := range p.prefixIndex[prefix] {
			elem, ok := p.entries[candidateHash]
			if !ok {
				continue
			}
			entry := elem.Value.(*KVCacheEntry)
			if p.isExpired(entry) {
				continue
			}
			p.order.MoveToBack(elem)
			entry.LastUsed = p.now()
			entry.UseCount++
			p.stats.prefixHits++
			return entry
		}
	}

	p.stats.cacheMisses++
	return nil
}

// Put stores a KV cache, evicting LRU entries until the size and memory
// budgets hold. When the single new entry alone exceeds the memory budget and
// the cache is already empty, the pool refuses to cache it and returns a
// sentinel entry with Cached=false; evicting further would loop forever.
func (p *KVCachePool) Put(prompt string, kv any, promptTokens int) *KVCacheEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := promptHash(prompt)
	prefix := p.prefixHash(prompt)
	memoryBytes := estimateMemoryBytes(promptTokens)
	maxMemoryBytes := p.cfg.MaxMemoryMB * 1024 * 1024

	// Replacing an existing entry must not double-count its memory.
	if _, ok := p.entries[hash]; ok {
		p.removeLocked(hash)
	}

	for len(p.entries) >= p.cfg.MaxSize ||
		(maxMemoryBytes > 0 && p.stats.totalMemoryBytes+memoryBytes > maxMemoryBytes) {
		if len(p.entries) == 0 {
			if !p.warnedOnce {
				logrus.Warnf("Cannot cache KV: entry memory (%d bytes) exceeds pool budget (%d bytes)",
					memoryBytes, maxMemoryBytes)
				p.warnedOnce = true
			}
			return &KVCacheEntry{
				PromptHash:   hash,
				PrefixHash:   prefix,
				PromptTokens: promptTokens,
				CreatedAt:    p.now(),
				LastUsed:     p.now(),
				Cached:       false,
			}
		}
		p.evictLRULocked()
	}

	entry := &KVCacheEntry{
		PromptHash:   hash,
		PrefixHash:   prefix,
		KV:           kv,
		PromptTokens: promptTokens,
		CreatedAt:    p.now(),
		LastUsed:     p.now(),
		MemoryBytes:  memoryBytes,
		Cached:       true,
	}
	p.entries[hash] = p.order.PushBack(entry)
	p.stats.totalMemoryBytes += memoryBytes
	if prefix != "" {
		p.prefixIndex[prefix] = append(p.prefixIndex[prefix], hash)
	}

	if p.cfg.LogOperations {
		logrus.Debugf("kv cache PUT: hash=%s, tokens=%d, memory=%.1fKB",
			hash, promptTokens, float64(memoryBytes)/1024)
	}
	return entry
}

// removeLocked deletes an entry from the main map, the LRU order and the
// prefix index. Removal from both structures is mandatory: a dangling prefix
// key would resurrect evicted entries.
func (p *KVCachePool) removeLocked(hash string) {
	elem, ok := p.entries[hash]
	if !ok {
		return
	}
	entry := elem.Value.(*KVCacheEntry)

	if entry.PrefixHash != "" {
		hashes := p.prefixIndex[entry.PrefixHash]
		for i, h := range hashes {
			if h == hash {
				p.prefixIndex[entry.PrefixHash] = append(hashes[:i], hashes[i+1:]...)
				break
			}
		}
		if len(p.prefixIndex[entry.PrefixHash]) == 0 {
			delete(p.prefixIndex, entry.PrefixHash)
		}
	}

	p.stats.totalMemoryBytes -= entry.MemoryBytes
	p.order.Remove(elem)
	delete(p.entries, hash)
}

// evictLRULocked drops the least recently used entry.
func (p *KVCachePool) evictLRULocked() {
	front := p.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*KVCacheEntry)
	if p.cfg.LogOperations {
		logrus.Debugf("kv cache EVICT LRU: hash=%s, age=%.1fmin, use_count=%d",
			entry.PromptHash, p.now().Sub(entry.CreatedAt).Minutes(), entry.UseCount)
	}
	p.removeLocked(entry.PromptHash)
	p.stats.evictions++
}

// CleanupExpired removes every TTL-expired entry and returns how many were
// dropped.
func (p *KVCachePool) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for hash, elem := range p.entries {
		if p.isExpired(elem.Value.(*KVCacheEntry)) {
			expired = append(expired, hash)
		}
	}
	for _, hash := range expired {
		p.removeLocked(hash)
		p.stats.ttlEvictions++
	}
	return len(expired)
}

// Clear drops every entry.
func (p *KVCachePool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := len(p.entries)
	p.entries = make(map[string]*list.Element)
	p.order.Init()
	p.prefixIndex = make(map[string][]string)
	p.stats.totalMemoryBytes = 0
	logrus.Infof("kv cache CLEAR: removed %d entries", count)
}

// Len returns the number of cached entries.
func (p *KVCachePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats reports pool statistics.
func (p *KVCachePool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	totalHits := p.stats.cacheHits + p.stats.prefixHits
	hitRate, prefixHitRate := 0.0, 0.0
	if p.stats.totalRequests > 0 {
		hitRate = float64(totalHits) / float64(p.stats.totalRequests)
		prefixHitRate = float64(p.stats.prefixHits) / float64(p.stats.totalRequests)
	}

	var avgAgeSeconds, avgUseCount float64
	if len(p.entries) > 0 {
		now := p.now()
		for _, elem := range p.entries {
			entry := elem.Value.(*KVCacheEntry)
			avgAgeSeconds += now.Sub(entry.CreatedAt).Seconds()
			avgUseCount += float64(entry.UseCount)
		}
		avgAgeSeconds /= float64(len(p.entries))
		avgUseCount /= float64(len(p.entries))
	}

	return map[string]any{
		"max_size":               p.cfg.MaxSize,
		"ttl_seconds":            p.cfg.TTLSeconds,
		"prefix_sharing_enabled": p.cfg.EnablePrefixSharing,
		"cache_size":             len(p.entries),
		"prefix_index_size":      len(p.prefixIndex),
		"total_memory_mb":        float64(p.stats.totalMemoryBytes) / (1 << 20),
		"total_requests":         p.stats.totalRequests,
		"cache_hits":             p.stats.cacheHits,
		"prefix_hits":            p.stats.prefixHits,
		"cache_misses":           p.stats.cacheMisses,
		"hit_rate":               hitRate,
		"prefix_hit_rate":        prefixHitRate,
		"evictions":              p.stats.evictions,
		"ttl_evictions":          p.stats.ttlEvictions,
		"avg_age_seconds":        avgAgeSeconds,
		"avg_use_count":          avgUseCount,
	}
}
