package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type cacheEntry[V any] struct {
	key   string
	value V
}

// LRUCache is a fixed-size cache with least-recently-used eviction. A
// capacity of zero or less disables it: Put drops the value and Get always
// misses without touching the metrics.
type LRUCache[V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value V)
	onHit      func(key string)
	onMiss     func(key string)

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[[]byte] = (*LRUCache[[]byte])(nil)

// NewLRUCache creates an LRUCache. The callbacks are optional; onEvicted is
// invoked for every entry that leaves the cache, including on Clear.
func NewLRUCache[V any](capacity int, onEvicted func(key string, value V), onHit, onMiss func(key string)) *LRUCache[V] {
	return &LRUCache[V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
		onHit:      onHit,
		onMiss:     onMiss,
	}
}

// SetMetrics wires hit/miss counters, typically expvars published by the
// owning engine. Must be called before the cache is shared.
func (c *LRUCache[V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value and marks it most recently used.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return zero, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(key)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(key)
	}
	return zero, false
}

// Put inserts or updates a value, evicting the least recently used entry
// when the cache is full.
func (c *LRUCache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[V]).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	entry := &cacheEntry[V]{key: key, value: value}
	c.cacheItems[key] = c.lruList.PushFront(entry)
}

// Len returns the current number of entries.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used entry. Caller holds c.mu.
func (c *LRUCache[V]) evict() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	removed := c.lruList.Remove(elem).(*cacheEntry[V])
	delete(c.cacheItems, removed.key)
	if c.onEvicted != nil {
		c.onEvicted(removed.key, removed.value)
	}
}

// Clear drops every entry, invoking onEvicted for each, and resets the
// hit/miss counters.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry[V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate reports hits/(hits+misses), or zero before any lookup. Useful
// as an expvar.Func.
func (c *LRUCache[V]) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
