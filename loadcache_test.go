package loadcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type removalEvent struct {
	key   string
	value string
	cause RemovalCause
}

// recorder collects removal notifications from listener goroutines.
type recorder struct {
	mu     sync.Mutex
	events []removalEvent
}

func (r *recorder) listener() RemovalListener[string, string] {
	return func(key, value string, cause RemovalCause) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, removalEvent{key, value, cause})
	}
}

func (r *recorder) snapshot() []removalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]removalEvent(nil), r.events...)
}

func countingLoader(calls *atomic.Int64) Loader[string, string] {
	return func(_ context.Context, key string) (string, error) {
		calls.Add(1)
		return "value-of-" + key, nil
	}
}

func TestGetLoadsOnMiss(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New(ctx, countingLoader(&calls))
	defer c.Close()

	v, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "value-of-foo", v)
	assert.EqualValues(t, 1, calls.Load())

	// Second read is a hit, no load.
	v, err = c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "value-of-foo", v)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, c.Has("foo"))
	assert.Equal(t, 1, c.Len())
}

func TestSetOverridesLoadedValue(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New(ctx, countingLoader(&calls))
	defer c.Close()

	v, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "value-of-foo", v)

	c.Set("foo", "bar")
	v, err = c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReplaceNotification(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "loaded-" + key, nil },
		WithRemovalListener(rec.listener()))
	defer c.Close()

	c.Set("k", "v1")
	assert.Empty(t, rec.snapshot())

	c.Set("k", "v2")
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, removalEvent{"k", "v1", CauseReplaced}, events[0])
}

func TestListenerObservesNewValue(t *testing.T) {
	ctx := context.Background()
	var c *Cache[string, string]
	seen := make(chan string, 1)
	c = New(ctx,
		func(_ context.Context, key string) (string, error) { return "", errors.New("no loader") },
		WithRemovalListener(func(key, value string, cause RemovalCause) {
			// Reentrant read: the replacement must already be visible.
			if v, ok := c.GetIfPresent(key); ok {
				seen <- v
			}
		}))
	defer c.Close()

	c.Set("k", "old")
	c.Set("k", "new")
	select {
	case v := <-seen:
		assert.Equal(t, "new", v)
	case <-time.After(time.Second):
		t.Fatal("listener did not run")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "v", nil },
		WithRemovalListener(rec.listener()))
	defer c.Close()

	c.Set("k", "v")
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Has("k"))

	// Absent key: no-op, no notification.
	assert.False(t, c.Delete("k"))
	assert.False(t, c.Delete("never-existed"))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, removalEvent{"k", "v", CauseExplicit}, events[0])
}

func TestLoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	boom := errors.New("backend down")
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "", boom },
		WithRemovalListener(rec.listener()))
	defer c.Close()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, boom)

	// Nothing was installed and nobody was notified.
	assert.False(t, c.Has("k"))
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, rec.snapshot())
	assert.EqualValues(t, 1, c.Stats().LoadFailures)
}

func TestExpireAfterWrite(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "loaded", nil },
		WithExpireAfterWrite(100*time.Millisecond),
		WithRemovalListener(rec.listener()))
	defer c.Close()

	c.Set("k", "v")
	assert.True(t, c.Has("k"))

	// A fresh write resets the deadline.
	time.Sleep(60 * time.Millisecond)
	c.Set("k", "v2")
	time.Sleep(60 * time.Millisecond)
	assert.True(t, c.Has("k"), "rewrite should have pushed the deadline")

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Has("k"))
	assert.Equal(t, 0, c.Len())

	assert.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e.cause == CauseExpired && e.value == "v2" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestExpireAfterAccess(t *testing.T) {
	ctx := context.Background()
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "loaded", nil },
		WithExpireAfterAccess(120*time.Millisecond))
	defer c.Close()

	c.Set("k", "v")

	// Reads spaced under the window keep the entry alive well past it.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		v, ok := c.GetIfPresent("k")
		require.True(t, ok, "read %d should keep the entry alive", i)
		assert.Equal(t, "v", v)
	}

	// A gap past the window expires it.
	time.Sleep(200 * time.Millisecond)
	assert.False(t, c.Has("k"))
}

func TestRefreshAfterWrite(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New(ctx,
		func(_ context.Context, key string) (string, error) {
			return fmt.Sprintf("%s#%d", key, calls.Add(1)), nil
		},
		WithRefreshAfterWrite(50*time.Millisecond))
	defer c.Close()

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "k#1", v)

	// The loader keeps getting re-invoked on the refresh cadence, and reads
	// observe the fresh values without the entry ever disappearing.
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Has("k"))
	v, ok := c.GetIfPresent("k")
	require.True(t, ok)
	assert.NotEqual(t, "k#1", v)
	assert.GreaterOrEqual(t, c.Stats().Refreshes, uint64(2))
}

func TestSetResetsRefreshSchedule(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New(ctx,
		func(_ context.Context, key string) (string, error) {
			return fmt.Sprintf("r%d", calls.Add(1)), nil
		},
		WithRefreshAfterWrite(150*time.Millisecond))
	defer c.Close()

	c.Set("k", "manual")

	// Keep rewriting faster than the cadence: no refresh may fire.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		c.Set("k", "manual")
	}
	assert.EqualValues(t, 0, calls.Load())

	// Stop writing: the schedule runs from the last write.
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshFailureKeepsValue(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := New(ctx,
		func(_ context.Context, key string) (string, error) {
			if calls.Add(1) > 1 {
				return "", errors.New("backend flake")
			}
			return "good", nil
		},
		WithRefreshAfterWrite(40*time.Millisecond))
	defer c.Close()

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "good", v)

	// Refreshes fail from now on; the value must survive and the cadence
	// must keep retrying.
	assert.Eventually(t, func() bool { return c.Stats().RefreshFailures >= 2 }, 2*time.Second, 10*time.Millisecond)
	v, ok := c.GetIfPresent("k")
	require.True(t, ok)
	assert.Equal(t, "good", v)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "v", nil },
		WithRemovalListener(rec.listener()))
	defer c.Close()

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")
	require.Equal(t, 3, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.False(t, c.Has("c"))
	assert.Empty(t, rec.snapshot(), "Clear must not notify")
}

func TestClearThenReinsert(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "v", nil },
		WithExpireAfterWrite(80*time.Millisecond),
		WithRemovalListener(rec.listener()))
	defer c.Close()

	c.Set("k", "first")
	time.Sleep(30 * time.Millisecond)
	c.Clear()
	c.Set("k", "second")

	// The first entry's deadline passes here; the re-inserted entry must
	// not be touched by it.
	time.Sleep(60 * time.Millisecond)
	v, ok := c.GetIfPresent("k")
	require.True(t, ok)
	assert.Equal(t, "second", v)
	for _, e := range rec.snapshot() {
		assert.NotEqual(t, "second", e.value)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	c := New(ctx,
		func(_ context.Context, key string) (string, error) { return "v", nil })

	c.Set("k", "v")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, c.Has("k"))
	assert.Equal(t, 0, c.Len())

	// Mutations after Close are no-ops.
	c.Set("k", "again")
	assert.False(t, c.Has("k"))
	assert.False(t, c.Delete("k"))
}

func TestConcurrentLoadsNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	var started sync.WaitGroup
	started.Add(2)
	var calls atomic.Int64
	c := New(ctx,
		func(_ context.Context, key string) (string, error) {
			n := calls.Add(1)
			// Hold both loads open until the other has started, forcing
			// the race the default contract allows.
			started.Done()
			started.Wait()
			return fmt.Sprintf("load-%d", n), nil
		},
		WithRemovalListener(rec.listener()))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(ctx, "k")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, calls.Load())
	// The second completion replaced the first: exactly one notification.
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, CauseReplaced, rec.snapshot()[0].cause)
}

func TestSingleFlightCollapsesLoads(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	release := make(chan struct{})
	c := New(ctx,
		func(_ context.Context, key string) (string, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		},
		WithSingleFlight())
	defer c.Close()

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]string, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, "k")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let every waiter pile onto the in-flight load before releasing it.
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("nope")
	c := New(ctx, func(_ context.Context, key string) (string, error) {
		if key == "bad" {
			return "", boom
		}
		return "v", nil
	})
	defer c.Close()

	_, _ = c.Get(ctx, "a") // miss + load
	_, _ = c.Get(ctx, "a") // hit
	_, _ = c.Get(ctx, "bad")

	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 2, s.Misses)
	assert.EqualValues(t, 1, s.Loads)
	assert.EqualValues(t, 1, s.LoadFailures)
}

func TestRemovalCauseString(t *testing.T) {
	assert.Equal(t, "replaced", CauseReplaced.String())
	assert.Equal(t, "explicit_delete", CauseExplicit.String())
	assert.Equal(t, "expired", CauseExpired.String())
	assert.Equal(t, "unknown", RemovalCause(42).String())
}

func TestNilLoaderPanics(t *testing.T) {
	assert.Panics(t, func() {
		New[string, string](context.Background(), nil)
	})
}
