// Package cache provides the three in-process cache layers used by the query
// path: embedding vectors, query results, and patient index snapshots. Each
// layer is an independent TTL+LRU cache swept by a shared janitor.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// lruEntry is one cached item.
type lruEntry struct {
	key        string
	value      interface{}
	element    *list.Element
	createdAt  time.Time
	accessedAt time.Time
	hitCount   int64
}

// LRU is a thread-safe LRU cache with per-cache TTL. Access refreshes both
// the recency position and the hit count.
type LRU struct {
	mu        sync.Mutex
	entries   map[string]*lruEntry
	order     *list.List
	maxSize   int
	ttl       time.Duration
	hits      int64
	misses    int64
	evictions int64
}

// NewLRU creates a cache bounded to maxSize entries with the given TTL.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LRU{
		entries: make(map[string]*lruEntry),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached value and true on a hit. Expired entries are removed
// on read.
func (c *LRU) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.remove(entry)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(entry.element)
	entry.accessedAt = time.Now()
	entry.hitCount++
	c.hits++
	return entry.value, true
}

// Set stores a value, evicting the least recently used entries when full.
func (c *LRU) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.createdAt = now
		entry.accessedAt = now
		c.order.MoveToFront(entry.element)
		return
	}

	entry := &lruEntry{key: key, value: value, createdAt: now, accessedAt: now}
	entry.element = c.order.PushFront(entry)
	c.entries[key] = entry

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*lruEntry))
		c.evictions++
	}
}

// Delete removes a key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.remove(entry)
	}
}

// Clear drops every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*lruEntry)
	c.order = list.New()
}

// CleanExpired removes expired entries, returning how many were dropped.
func (c *LRU) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cleaned := 0
	// Walk oldest-first; creation times are not monotonic in list order after
	// updates, so scan the whole list.
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*lruEntry)
		if time.Since(entry.createdAt) > c.ttl {
			c.remove(entry)
			cleaned++
		}
		el = prev
	}
	return cleaned
}

// Len returns the number of live entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports cache performance counters.
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// GetStats returns a snapshot of the counters.
func (c *LRU) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *LRU) remove(entry *lruEntry) {
	delete(c.entries, entry.key)
	c.order.Remove(entry.element)
}
