package loadcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Get after the cache has been closed.
var ErrClosed = errors.New("loadcache: cache is closed")

// Cache is a loading cache: a key-value table that populates itself through
// a caller-supplied Loader on miss. Entries live until explicitly deleted,
// expired by an access- or write-expiry deadline, or replaced by a newer
// write; every such removal is reported to the removal listener. All methods
// are safe for concurrent use.
type Cache[K comparable, V any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	loader Loader[K, V]
	cfg    config
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	entries map[K]*entry[V]
	closed  bool
	once    sync.Once

	stats statsCounters
}

// New returns a cache backed by loader. The parent context bounds the
// lifetime of background reloads; cancelling it has the same effect as Close
// on in-flight refresh loads. A nil loader panics.
//
// With no options the cache never expires or refreshes entries and reports
// removals to nobody, so New(ctx, loader) is the plain read-through case.
func New[K comparable, V any](ctx context.Context, loader Loader[K, V], opts ...Option) *Cache[K, V] {
	if loader == nil {
		panic("loadcache: nil loader")
	}
	cfg := applyOptions(opts)
	cctx, cancel := context.WithCancel(ctx)
	return &Cache[K, V]{
		ctx:     cctx,
		cancel:  cancel,
		loader:  loader,
		cfg:     cfg,
		logger:  cfg.logger,
		entries: make(map[K]*entry[V]),
	}
}

// Get returns the value for key, invoking the loader if no live entry
// exists. A hit counts as an access and pushes the access-expiry deadline
// forward. On a miss the loader runs without any internal lock held; its
// error is returned to the caller untouched and nothing is installed.
//
// Concurrent Gets for the same missing key each invoke the loader unless
// WithSingleFlight was set; the last completion wins and the earlier value
// is reported as replaced.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	if e, ok := c.entries[key]; ok && !e.expired(now) {
		value := e.value
		c.touchLocked(key, e, now)
		c.mu.Unlock()
		c.stats.hits.Add(1)
		return value, nil
	}
	expiredVal, wasExpired := c.sweepLocked(key, now)
	c.mu.Unlock()
	if wasExpired {
		c.stats.expirations.Add(1)
		c.notify(key, expiredVal, CauseExpired)
	}
	c.stats.misses.Add(1)
	return c.load(ctx, key)
}

// GetIfPresent returns the value for key without ever invoking the loader.
// A hit counts as an access, like Get.
func (c *Cache[K, V]) GetIfPresent(key K) (V, bool) {
	var zero V
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || c.closed || e.expired(now) {
		c.mu.Unlock()
		return zero, false
	}
	value := e.value
	c.touchLocked(key, e, now)
	c.mu.Unlock()
	c.stats.hits.Add(1)
	return value, true
}

// Set installs value for key and arms every configured timer from now. If a
// live value already existed it is reported to the removal listener as
// replaced, after the table reflects the new value.
func (c *Cache[K, V]) Set(key K, value V) {
	c.install(key, value)
}

// Delete removes the entry for key, reporting it as an explicit delete, and
// returns whether a live entry was removed. Deleting an absent key is a
// no-op returning false.
func (c *Cache[K, V]) Delete(key K) bool {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	value := e.value
	expired := e.expired(now)
	c.removeLocked(key, e)
	c.mu.Unlock()
	if expired {
		// The entry was already past its deadline, the timer just had
		// not fired yet. Report the expiry, not a delete.
		c.stats.expirations.Add(1)
		c.notify(key, value, CauseExpired)
		return false
	}
	c.notify(key, value, CauseExplicit)
	return true
}

// Has reports whether a live, unexpired entry exists for key. It is a pure
// probe: no loader call, no timer rearm, no removal.
func (c *Cache[K, V]) Has(key K) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !c.closed && !e.expired(now)
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Clear empties the table and cancels all armed timers. The removal listener
// is not invoked for any entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
}

// Close empties the table, cancels all timers and in-flight refreshes, and
// makes further Gets return ErrClosed. Like Clear it emits no removal
// notifications. Close is idempotent.
func (c *Cache[K, V]) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		c.clearLocked()
		c.mu.Unlock()
	})
	return nil
}

// load invokes the loader for key and installs the result on success.
func (c *Cache[K, V]) load(ctx context.Context, key K) (V, error) {
	var zero V
	if c.cfg.singleFlight {
		v, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
			value, err := c.loader(ctx, key)
			if err != nil {
				c.stats.loadFailures.Add(1)
				return nil, err
			}
			c.stats.loads.Add(1)
			c.install(key, value)
			return value, nil
		})
		if err != nil {
			return zero, err
		}
		return v.(V), nil
	}
	value, err := c.loader(ctx, key)
	if err != nil {
		c.stats.loadFailures.Add(1)
		return zero, err
	}
	c.stats.loads.Add(1)
	c.install(key, value)
	return value, nil
}

// install is the single write path shared by Set, loads, and refreshes.
func (c *Cache[K, V]) install(key K, value V) {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	expiredVal, wasExpired := c.sweepLocked(key, now)
	old, replaced := c.installLocked(key, value, now)
	c.mu.Unlock()
	if wasExpired {
		c.stats.expirations.Add(1)
		c.notify(key, expiredVal, CauseExpired)
	}
	if replaced {
		c.notify(key, old, CauseReplaced)
	}
}

// installLocked stores value for key and arms every configured timer to
// now + its duration. Returns the previous value and whether one existed.
func (c *Cache[K, V]) installLocked(key K, value V, now time.Time) (old V, replaced bool) {
	e, ok := c.entries[key]
	if ok {
		old, replaced = e.value, true
		e.value = value
	} else {
		e = &entry[V]{value: value}
		c.entries[key] = e
	}
	e.version++
	if d := c.cfg.expireAfterWrite; d > 0 {
		e.writeDeadline = now.Add(d)
		e.write.arm(d, func(seq uint64) { c.onExpire(key, e, roleWrite, seq) })
	}
	if d := c.cfg.expireAfterAccess; d > 0 {
		e.accessDeadline = now.Add(d)
		e.access.arm(d, func(seq uint64) { c.onExpire(key, e, roleAccess, seq) })
	}
	if d := c.cfg.refreshAfterWrite; d > 0 {
		e.refresh.arm(d, func(seq uint64) { c.onRefresh(key, e, seq) })
	}
	return old, replaced
}

// touchLocked rearms the access-expiry timer for a read.
func (c *Cache[K, V]) touchLocked(key K, e *entry[V], now time.Time) {
	if d := c.cfg.expireAfterAccess; d > 0 {
		e.accessDeadline = now.Add(d)
		e.access.arm(d, func(seq uint64) { c.onExpire(key, e, roleAccess, seq) })
	}
}

// sweepLocked removes key's entry if it is past an expiry deadline that the
// timer has not enforced yet. Returns the removed value and whether it did.
func (c *Cache[K, V]) sweepLocked(key K, now time.Time) (V, bool) {
	if e, ok := c.entries[key]; ok && e.expired(now) {
		value := e.value
		c.removeLocked(key, e)
		return value, true
	}
	var zero V
	return zero, false
}

// removeLocked drops the entry and cancels its timers. Stopping the slots
// also invalidates firings already past Stop, so a stale timer can never
// remove a later entry for the same key.
func (c *Cache[K, V]) removeLocked(key K, e *entry[V]) {
	e.access.stop()
	e.write.stop()
	e.refresh.stop()
	delete(c.entries, key)
}

func (c *Cache[K, V]) clearLocked() {
	for _, e := range c.entries {
		e.access.stop()
		e.write.stop()
		e.refresh.stop()
	}
	c.entries = make(map[K]*entry[V])
}

// notify invokes the removal listener outside the cache lock.
func (c *Cache[K, V]) notify(key K, value V, cause RemovalCause) {
	if c.cfg.onRemove != nil {
		c.cfg.onRemove(key, value, cause)
	}
}

// onExpire runs when an access- or write-expiry timer fires. The firing is
// honored only if the armed entry is still current for the key and the slot
// sequence matches, so firings that raced a rearm, delete, or Clear are
// no-ops.
func (c *Cache[K, V]) onExpire(key K, armed *entry[V], role timerRole, seq uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e, ok := c.entries[key]
	if !ok || e != armed || e.slot(role).seq != seq {
		c.mu.Unlock()
		return
	}
	value := e.value
	c.removeLocked(key, e)
	c.mu.Unlock()
	c.stats.expirations.Add(1)
	c.notify(key, value, CauseExpired)
}

// onRefresh runs when a refresh timer fires. It reloads the key off-lock and
// installs the result through the regular write path, which reports the old
// value as replaced and restarts all timers. A failed reload keeps the
// existing value and expiry deadlines and only rearms the refresh cadence.
func (c *Cache[K, V]) onRefresh(key K, armed *entry[V], seq uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e, ok := c.entries[key]
	if !ok || e != armed || e.refresh.seq != seq {
		c.mu.Unlock()
		return
	}
	version := e.version
	c.mu.Unlock()

	value, err := c.loader(c.ctx, key)
	if err != nil {
		c.stats.refreshFailures.Add(1)
		c.logger.Warn("loadcache: refresh failed",
			zap.Any("key", key),
			zap.Error(err))
		c.rearmRefresh(key, armed, seq)
		return
	}

	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cur, ok := c.entries[key]
	if !ok || cur != armed || cur.version != version || cur.expired(now) {
		// Deleted, rewritten, or expired while the reload was in
		// flight; drop this result rather than resurrect the entry.
		c.mu.Unlock()
		return
	}
	old, replaced := c.installLocked(key, value, now)
	c.mu.Unlock()
	c.stats.refreshes.Add(1)
	if replaced {
		c.notify(key, old, CauseReplaced)
	}
}

// rearmRefresh restarts only the refresh timer after a failed reload,
// provided the entry and schedule are still the ones that fired.
func (c *Cache[K, V]) rearmRefresh(key K, armed *entry[V], seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	e, ok := c.entries[key]
	if !ok || e != armed || e.refresh.seq != seq {
		return
	}
	if d := c.cfg.refreshAfterWrite; d > 0 {
		e.refresh.arm(d, func(s uint64) { c.onRefresh(key, e, s) })
	}
}
