// Package oracle – cache.go implements the response cache: formatted
// answer chunks keyed by a normalized query fingerprint, with TTL
// expiry and an oldest-first size bound.
package oracle

import (
	"strings"
	"sync"
	"time"
)

// CacheEntry is one cached answer: the full chunk sequence produced by
// the formatter for a query fingerprint. Chunks are stored after
// provenance tagging so a cache hit replays the exact frames the first
// asker saw.
type CacheEntry struct {
	Fingerprint string
	Chunks      []string
	CreatedAt   time.Time
}

// ResponseCache maps query fingerprints to chunk sequences. Expiry is
// lazy (checked on lookup); the entry count is bounded, evicting the
// oldest entries first.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*CacheEntry
	ttl        time.Duration
	maxEntries int

	now func() time.Time
}

// NewResponseCache creates a cache with the given entry TTL and size
// bound. maxEntries <= 0 disables the bound.
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	return &ResponseCache{
		entries:    make(map[string]*CacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Fingerprint derives the cache key from raw query text: case-folded
// and whitespace-collapsed, so trivial retypes of the same question
// hit the same entry. Exact-match only, no semantic normalization.
func Fingerprint(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Lookup returns the entry for a fingerprint, or false on a miss.
// Expired entries are removed on the way out.
func (c *ResponseCache) Lookup(fingerprint string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.CreatedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return entry, true
}

// Store saves a chunk sequence under a fingerprint, evicting the
// oldest entries when the cache grows past its bound.
func (c *ResponseCache) Store(fingerprint string, chunks []string) {
	if fingerprint == "" || len(chunks) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[fingerprint] = &CacheEntry{
		Fingerprint: fingerprint,
		Chunks:      chunks,
		CreatedAt:   c.now(),
	}

	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.CreatedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = e.CreatedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops an entry so the next identical query regenerates.
func (c *ResponseCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// Sweep reaps expired entries that no lookup has touched. Returns how
// many were removed.
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.now().Sub(entry.CreatedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count, counting not-yet-reaped
// expired entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
