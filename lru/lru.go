// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

// Package lru implements a capacity-bounded cache over an ordered map.
//
// A Cache is an [omap.Map] with an eviction hook on Set: when an insertion
// grows the cache past its limit, entries are evicted from the head of the
// order (the least recently used) until the size falls to the configured
// fraction of the limit. Get repositions the accessed entry as newest, Peek
// does not.
package lru

import (
	"fmt"
	"iter"
	"math"

	"github.com/microsoft/vscode-languageserver-node-sub009/omap"
)

// A Cache is a bounded associative container with least-recently-used
// eviction. It is not safe for concurrent use without external
// synchronization.
type Cache[K comparable, V any] struct {
	m     *omap.Map[K, V]
	limit int
	ratio float64
}

// New constructs an empty cache that holds at most limit entries.
// New panics if limit <= 0.
func New[K comparable, V any](limit int) *Cache[K, V] {
	return NewRatio[K, V](limit, 1)
}

// NewRatio constructs an empty cache that holds at most limit entries and,
// once the limit is exceeded, evicts down to ceil(limit*ratio) entries.
// NewRatio panics if limit <= 0 or ratio is outside (0, 1].
func NewRatio[K comparable, V any](limit int, ratio float64) *Cache[K, V] {
	if limit <= 0 {
		panic(fmt.Sprintf("lru: invalid limit %d", limit))
	}
	if ratio <= 0 || ratio > 1 {
		panic(fmt.Sprintf("lru: invalid eviction ratio %v", ratio))
	}
	return &Cache[K, V]{m: omap.New[K, V](), limit: limit, ratio: ratio}
}

// Len reports the number of entries in c.
func (c *Cache[K, V]) Len() int { return c.m.Len() }

// Limit reports the current capacity bound of c.
func (c *Cache[K, V]) Limit() int { return c.limit }

// Has reports whether key is present in c, without touching it.
func (c *Cache[K, V]) Has(key K) bool { return c.m.Has(key) }

// Get returns the value associated with key and marks it as the most
// recently used entry.
func (c *Cache[K, V]) Get(key K) (V, bool) { return c.m.GetTouch(key, omap.TouchAsNew) }

// Peek returns the value associated with key without changing its position.
func (c *Cache[K, V]) Peek(key K) (V, bool) { return c.m.Peek(key) }

// Set associates value with key. If the insertion grows c past its limit,
// the oldest entries are evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.m.SetTouch(key, value, omap.TouchAsNew)
	if c.m.Len() > c.limit {
		c.evictTo(int(math.Ceil(float64(c.limit) * c.ratio)))
	}
}

// Delete removes key from c and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool { return c.m.Delete(key) }

// Clear removes all entries from c.
func (c *Cache[K, V]) Clear() { c.m.Clear() }

// SetLimit changes the capacity bound of c, evicting immediately if the
// current size exceeds the new bound. SetLimit panics if limit <= 0.
func (c *Cache[K, V]) SetLimit(limit int) {
	if limit <= 0 {
		panic(fmt.Sprintf("lru: invalid limit %d", limit))
	}
	c.limit = limit
	if c.m.Len() > limit {
		c.evictTo(limit)
	}
}

// Keys returns an iterator over the keys of c from oldest to newest.
func (c *Cache[K, V]) Keys() iter.Seq[K] { return c.m.Keys() }

// Each calls f for each entry of c from oldest to newest, until f returns
// false or the entries are exhausted.
func (c *Cache[K, V]) Each(f func(key K, value V) bool) { c.m.Each(f) }

// evictTo removes entries from the head of the order until at most n remain.
func (c *Cache[K, V]) evictTo(n int) {
	for c.m.Len() > n {
		key, _, ok := c.m.First()
		if !ok {
			return
		}
		c.m.Delete(key)
	}
}
