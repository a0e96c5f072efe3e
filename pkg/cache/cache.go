// Package cache implements the process-wide LLM response cache: a bounded LRU
// keyed by request fingerprint with TTL expiry.
//
// A single instance serves every model. The first model that enables caching
// fixes the global TTL and capacity; later models share them. This is a known
// limitation, surfaced through Stats so operators can see which configuration
// won.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is one cached response payload.
type Entry struct {
	Payload    []byte
	InsertedAt time.Time
}

// Stats is a point-in-time snapshot of cache behaviour.
type Stats struct {
	Hits    uint64        `json:"hits"`
	Misses  uint64        `json:"misses"`
	Size    int           `json:"size"`
	MaxSize int           `json:"max_size"`
	HitRate float64       `json:"hit_rate"`
	TTL     time.Duration `json:"ttl_seconds"`
}

// ResponseCache is a concurrency-safe TTL-expiring LRU.
type ResponseCache struct {
	lru *expirable.LRU[string, Entry]
	ttl time.Duration
	max int

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// New creates a cache with the given capacity and TTL. Eviction is strict LRU
// on size overflow; entries older than the TTL are treated as absent.
func New(capacity int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		lru: expirable.NewLRU[string, Entry](capacity, nil, ttl),
		ttl: ttl,
		max: capacity,
	}
}

// Get returns the payload for a fresh entry, or ok=false on miss or expiry.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	entry, ok := c.lru.Get(key)
	if ok && time.Since(entry.InsertedAt) >= c.ttl {
		// The LRU evicts on its own clock; this guard keeps the freshness
		// invariant exact at the read site.
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

// Put inserts a payload under the given fingerprint, evicting the least
// recently used entry on overflow.
func (c *ResponseCache) Put(key string, payload []byte) {
	c.lru.Add(key, Entry{Payload: payload, InsertedAt: time.Now()})
}

// Clear removes every entry. Hit/miss counters are retained.
func (c *ResponseCache) Clear() {
	c.lru.Purge()
}

// Stats returns a snapshot of cache behaviour.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    c.lru.Len(),
		MaxSize: c.max,
		HitRate: rate,
		TTL:     c.ttl,
	}
}
