// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides a TTL and byte-budget bounded result cache for
// idempotent metadata lookups (model catalog, per-model metadata).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry wraps a cached value with its insertion time, TTL, and byte size.
// Entries are immutable once inserted.
type Entry struct {
	Value      []byte
	InsertedAt time.Time
	TTL        time.Duration
	Size       int64
}

// Expired reports whether the entry is past its TTL at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Stats holds cache statistics.
type Stats struct {
	Hits       int
	Misses     int
	EntryCount int
	TotalSize  int64
	MaxSize    int64
	HitRate    float64
}

// =============================================================================
// CACHE
// =============================================================================

// DefaultSweepInterval is how often the background sweeper removes
// expired entries.
const DefaultSweepInterval = 30 * time.Second

// DefaultMaxBytes is the default soft memory budget. Cached values are
// small, short-lived catalog responses, so the budget is modest.
const DefaultMaxBytes = 4 * 1024 * 1024

// Cache is a key-value cache with per-entry TTL, lazy expiry on access,
// a periodic background sweep, and a soft total byte budget.
//
// Size accounting uses the serialized byte length of values, an estimate
// rather than exact memory usage. The cache is safe for concurrent use.
type Cache struct {
	mu           sync.Mutex
	entries      map[string]*Entry
	insertOrder  []string // oldest first, for coarse LRU eviction
	maxBytes     int64
	currentBytes int64

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once

	hits   int
	misses int
}

// New creates a cache with the given byte budget and sweep interval.
// Zero values select the defaults.
func New(maxBytes int64, sweepInterval time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Cache{
		entries:       make(map[string]*Entry),
		maxBytes:      maxBytes,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background sweeper. Call Stop to release it.
func (c *Cache) Start() {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Idempotent.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Get returns the cached value for key, or (nil, false) on miss.
// An expired entry is evicted on access and counts as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.Value, true
}

// Has reports whether a live (unexpired) entry exists for key.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.Expired(time.Now()) {
		c.removeLocked(key)
		return false
	}
	return true
}

// Set inserts a value under key with the given TTL, replacing any
// existing entry. Values larger than the whole budget are not cached.
// After Set returns, total cache size never exceeds the budget.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	size := int64(len(value))
	if size > c.maxBytes {
		return
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}

	// Over budget: evict the oldest 25% of entries by insertion time.
	// A coarse LRU approximation is acceptable for small catalog values.
	for c.currentBytes+size > c.maxBytes && len(c.insertOrder) > 0 {
		c.evictOldestQuarterLocked()
	}

	c.entries[key] = &Entry{
		Value:      value,
		InsertedAt: time.Now(),
		TTL:        ttl,
		Size:       size,
	}
	c.insertOrder = append(c.insertOrder, key)
	c.currentBytes += size
}

// Invalidate removes all entries whose key contains pattern and returns
// the number removed. Keys embed the request method and URL (see Key),
// so patterns like "/v1/models" target a whole endpoint.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		c.removeLocked(key)
	}
	return len(removed)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.insertOrder = c.insertOrder[:0]
	c.currentBytes = 0
}

// Sweep removes all expired entries. Called periodically by the
// background sweeper; exported for deterministic tests.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, entry := range c.entries {
		if entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key)
	}
	return len(expired)
}

// GetStats returns cache statistics.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		EntryCount: len(c.entries),
		TotalSize:  c.currentBytes,
		MaxSize:    c.maxBytes,
		HitRate:    hitRate,
	}
}

// =============================================================================
// INTERNAL
// =============================================================================

// removeLocked removes an entry (must hold lock).
func (c *Cache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.currentBytes -= entry.Size
	delete(c.entries, key)
	for i, k := range c.insertOrder {
		if k == key {
			c.insertOrder = append(c.insertOrder[:i], c.insertOrder[i+1:]...)
			break
		}
	}
}

// evictOldestQuarterLocked removes the oldest 25% of entries by
// insertion time, at least one (must hold lock).
func (c *Cache) evictOldestQuarterLocked() {
	n := len(c.insertOrder) / 4
	if n < 1 {
		n = 1
	}
	victims := make([]string, n)
	copy(victims, c.insertOrder[:n])
	for _, key := range victims {
		c.removeLocked(key)
	}
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

// Key derives a deterministic cache key from a request's method, URL,
// body, and the headers that affect the response. The method and URL
// stay readable so Invalidate patterns can target endpoints; the body
// and headers are folded into a hash suffix so differently-parameterized
// calls never collide.
func Key(method, url string, body []byte, headers map[string]string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write(body)

	// Headers hashed in sorted order for determinism.
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(headers[name]))
	}

	return method + " " + url + "#" + hex.EncodeToString(h.Sum(nil)[:12])
}
