// Package loadcache provides an in-process loading cache: a key-value table
// that populates itself through a caller-supplied loader on miss, so callers
// never handle "key absent" as a special case.
//
// # Loading
//
// A [Cache] is built from a [Loader] function:
//
//	c := loadcache.New(ctx, func(ctx context.Context, key string) (string, error) {
//	    return fetchFromBackend(ctx, key)
//	})
//	v, err := c.Get(ctx, "user:42")
//
// [Cache.Get] returns the live value when one exists and otherwise invokes
// the loader, installs the result, and returns it. A loader error is
// returned to the caller untouched and leaves the cache exactly as it was:
// no entry, no timers, no removal notification.
//
// By default concurrent Gets for the same missing key may each invoke the
// loader; whichever load completes last wins and the earlier value is
// reported as replaced. [WithSingleFlight] collapses such races into one
// shared loader call (via golang.org/x/sync/singleflight) at the cost of
// changing observable loader-call counts.
//
// # Entry lifecycle
//
// Three independent, per-entry timer roles drive the lifecycle, each enabled
// by its option:
//
//   - [WithExpireAfterAccess]: the entry expires a fixed duration after the
//     most recent read or write.
//   - [WithExpireAfterWrite]: the entry expires a fixed duration after the
//     most recent write, including writes performed by the loader.
//   - [WithRefreshAfterWrite]: the entry is reloaded in the background on a
//     fixed cadence after each write, without ever being removed in the
//     interim. A failed reload is logged and dropped; the existing value and
//     its expiry deadlines stay exactly as they were.
//
// At most one timer per role is armed for a key at any instant; every write
// rearms all three roles and every read rearms the access role. Expiry is
// enforced both by the timers and lazily: an entry whose deadline has passed
// is invisible to [Cache.Get], [Cache.Has], [Cache.Len], and iteration even
// if its timer has not fired yet.
//
// # Removal notifications
//
// [WithRemovalListener] registers a callback receiving the removed key, the
// removed value, and a [RemovalCause]: [CauseReplaced] for an overwritten
// live value, [CauseExplicit] for [Cache.Delete], and [CauseExpired] for a
// lapsed deadline. Exactly one notification is emitted per removal, after
// the table already reflects the new state, and never while the cache's
// internal lock is held, so the listener may call back into the cache.
// [Cache.Clear] and [Cache.Close] empty the table without notifying.
//
// # Concurrency
//
// All methods are safe for concurrent use. The loader and the removal
// listener are treated as untrusted: both run without internal locks held,
// so they may be slow or reentrant. Timer firings are validated against the
// entry identity and a per-role sequence number, so a firing that raced a
// rearm, delete, or Clear can never remove a legitimately newer entry or
// emit a spurious notification.
//
// The cache is unbounded: there is no size limit and no LRU/LFU eviction.
// Entries leave only by Delete, expiry, replacement, Clear, or Close.
package loadcache
