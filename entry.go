package loadcache

import (
	"context"
	"time"
)

// Loader produces the value for a key on a cache miss or background refresh.
// It may block; the cache never invokes it while holding internal locks.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// RemovalCause explains why an entry was removed from the cache.
type RemovalCause int

const (
	// CauseReplaced means a write overwrote a live value for the key.
	CauseReplaced RemovalCause = iota
	// CauseExplicit means the caller deleted the entry.
	CauseExplicit
	// CauseExpired means an access- or write-expiry deadline elapsed.
	CauseExpired
)

func (c RemovalCause) String() string {
	switch c {
	case CauseReplaced:
		return "replaced"
	case CauseExplicit:
		return "explicit_delete"
	case CauseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RemovalListener receives the removed key/value pair and the removal cause.
type RemovalListener[K comparable, V any] func(key K, value V, cause RemovalCause)

// entry is the per-key record. It owns up to three timers, one per role, so
// the roles can never fall out of sync with each other or with the table.
// All fields are guarded by the cache mutex.
type entry[V any] struct {
	value V

	// version increments on every value install. A background refresh
	// captures it before loading and drops its result if a write landed
	// in the meantime.
	version uint64

	// Deadlines mirror the armed expiry timers so lookups can treat an
	// entry whose timer has not fired yet as already gone. Zero means the
	// role is not configured.
	accessDeadline time.Time
	writeDeadline  time.Time

	access  timerSlot
	write   timerSlot
	refresh timerSlot
}

// timerRole identifies which of the three timer slots fired.
type timerRole int

const (
	roleAccess timerRole = iota
	roleWrite
	roleRefresh
)

func (e *entry[V]) slot(role timerRole) *timerSlot {
	switch role {
	case roleAccess:
		return &e.access
	case roleWrite:
		return &e.write
	default:
		return &e.refresh
	}
}

// expired reports whether any configured expiry deadline has passed.
func (e *entry[V]) expired(now time.Time) bool {
	if !e.accessDeadline.IsZero() && !now.Before(e.accessDeadline) {
		return true
	}
	if !e.writeDeadline.IsZero() && !now.Before(e.writeDeadline) {
		return true
	}
	return false
}

// timerSlot holds the armed timer for one (key, role) pair. Arming always
// supersedes the previous timer: the old timer is stopped and the sequence
// number advances, so a firing that already slipped past Stop is recognized
// as stale and ignored.
type timerSlot struct {
	timer *time.Timer
	seq   uint64
}

// arm schedules fn after d, replacing any previously armed timer. fn receives
// the sequence number it was armed with and must compare it against the
// slot's current value under the cache mutex before acting.
func (s *timerSlot) arm(d time.Duration, fn func(seq uint64)) {
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
	}
	seq := s.seq
	s.timer = time.AfterFunc(d, func() { fn(seq) })
}

// stop cancels the armed timer, if any, and invalidates in-flight firings.
func (s *timerSlot) stop() {
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
