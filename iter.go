package loadcache

import (
	"iter"
	"time"
)

type pair[K comparable, V any] struct {
	key   K
	value V
}

// snapshot copies the live entries under the lock so iteration never holds
// it while caller code runs.
func (c *Cache[K, V]) snapshot() []pair[K, V] {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pair[K, V], 0, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			out = append(out, pair[K, V]{key: k, value: e.value})
		}
	}
	return out
}

// All returns a sequence over the cache's live entries. Each range over the
// sequence takes a fresh snapshot; iterating does not count as an access and
// affects no timers. Order is unspecified.
func (c *Cache[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, p := range c.snapshot() {
			if !yield(p.key, p.value) {
				return
			}
		}
	}
}

// Keys returns a sequence over the keys of the cache's live entries.
func (c *Cache[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for _, p := range c.snapshot() {
			if !yield(p.key) {
				return
			}
		}
	}
}

// Values returns a sequence over the values of the cache's live entries.
func (c *Cache[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, p := range c.snapshot() {
			if !yield(p.value) {
				return
			}
		}
	}
}

// ForEach calls fn for every live entry in a snapshot of the cache.
func (c *Cache[K, V]) ForEach(fn func(key K, value V)) {
	for _, p := range c.snapshot() {
		fn(p.key, p.value)
	}
}
