package loadcache

import (
	"time"

	"go.uber.org/zap"
)

// config holds the resolved configuration for a Cache.
type config struct {
	expireAfterAccess time.Duration
	expireAfterWrite  time.Duration
	refreshAfterWrite time.Duration
	singleFlight      bool
	logger            *zap.Logger

	// onRemove is type-erased so the removal listener option does not force
	// callers to spell out the cache's type parameters. The wrapper created
	// by WithRemovalListener restores the concrete types.
	onRemove func(key, value any, cause RemovalCause)
}

// Option configures a Cache.
type Option func(*config)

func defaultConfig() config {
	return config{
		logger: zap.NewNop(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpireAfterAccess expires an entry once the given duration has elapsed
// since the entry was last read or written. Each read and each write pushes
// the deadline forward. Zero or negative disables access expiry (the default).
func WithExpireAfterAccess(d time.Duration) Option {
	return func(c *config) { c.expireAfterAccess = d }
}

// WithExpireAfterWrite expires an entry once the given duration has elapsed
// since the entry was last written, including writes performed by the loader.
// Reads do not push the deadline forward. Zero or negative disables write
// expiry (the default).
func WithExpireAfterWrite(d time.Duration) Option {
	return func(c *config) { c.expireAfterWrite = d }
}

// WithRefreshAfterWrite reloads an entry in the background once the given
// duration has elapsed since the entry was last written, and keeps reloading
// on that cadence until the entry is removed. The stale value remains
// readable while a reload is in flight. Zero or negative disables refresh
// (the default).
func WithRefreshAfterWrite(d time.Duration) Option {
	return func(c *config) { c.refreshAfterWrite = d }
}

// WithSingleFlight collapses concurrent loads for the same missing key into
// one loader invocation shared by all waiters. Without it, racing Get calls
// may each invoke the loader, with the last completion replacing the others.
func WithSingleFlight() Option {
	return func(c *config) { c.singleFlight = true }
}

// WithLogger sets the logger used for background events such as failed
// refresh attempts. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRemovalListener registers a callback invoked with the removed key,
// value, and cause whenever a live entry is removed, except removals caused
// by Clear or Close. The listener runs outside the cache's internal lock and
// may safely call back into the cache.
func WithRemovalListener[K comparable, V any](fn RemovalListener[K, V]) Option {
	return func(c *config) {
		if fn == nil {
			c.onRemove = nil
			return
		}
		c.onRemove = func(key, value any, cause RemovalCause) {
			fn(key.(K), value.(V), cause)
		}
	}
}
