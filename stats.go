package loadcache

import "sync/atomic"

// Stats is a point-in-time snapshot of cache activity counters.
type Stats struct {
	// Hits counts reads answered from a live entry.
	Hits uint64
	// Misses counts Gets that had to invoke the loader.
	Misses uint64
	// Loads counts loader invocations that succeeded on the Get path.
	Loads uint64
	// LoadFailures counts loader invocations that failed on the Get path.
	LoadFailures uint64
	// Refreshes counts background reloads that installed a fresh value.
	Refreshes uint64
	// RefreshFailures counts background reloads that failed and were dropped.
	RefreshFailures uint64
	// Expirations counts entries removed because a deadline elapsed.
	Expirations uint64
}

type statsCounters struct {
	hits            atomic.Uint64
	misses          atomic.Uint64
	loads           atomic.Uint64
	loadFailures    atomic.Uint64
	refreshes       atomic.Uint64
	refreshFailures atomic.Uint64
	expirations     atomic.Uint64
}

// Stats returns a snapshot of the cache's activity counters. The counters
// are updated atomically outside the cache lock, so the snapshot is
// internally consistent only in the sense that each field is a valid count
// at some recent instant.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:            c.stats.hits.Load(),
		Misses:          c.stats.misses.Load(),
		Loads:           c.stats.loads.Load(),
		LoadFailures:    c.stats.loadFailures.Load(),
		Refreshes:       c.stats.refreshes.Load(),
		RefreshFailures: c.stats.refreshFailures.Load(),
		Expirations:     c.stats.expirations.Load(),
	}
}
