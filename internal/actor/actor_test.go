package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/platform/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T, cleanupAfter time.Duration) (*Host, *memstore.KVStore) {
	t.Helper()
	kv := memstore.NewKVStore()
	l, _ := logger.NewTestLogger(t)
	h := NewHost(Config{Kind: "test", CleanupAfter: cleanupAfter, Budget: time.Second}, kv, l, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h, kv
}

func TestDo_SerializesCallsPerKey(t *testing.T) {
	t.Parallel()

	h, _ := newTestHost(t, time.Minute)
	var running, maxRunning int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Do(context.Background(), "same", func(ctx context.Context, st *State) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestDo_DifferentKeysRunInParallel(t *testing.T) {
	t.Parallel()

	h, _ := newTestHost(t, time.Minute)
	a, b := make(chan struct{}), make(chan struct{})

	rendezvous := func(mine, theirs chan struct{}) Method {
		return func(ctx context.Context, st *State) error {
			close(mine)
			select {
			case <-theirs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	errs := make(chan error, 2)
	go func() { errs <- h.Do(context.Background(), "a", rendezvous(a, b)) }()
	go func() { errs <- h.Do(context.Background(), "b", rendezvous(b, a)) }()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestDo_CancelledCallerDoesNotRun(t *testing.T) {
	t.Parallel()

	h, kv := newTestHost(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := h.Do(ctx, "k", func(ctx context.Context, st *State) error {
		ran.Store(true)
		return st.Put(ctx, "v", []byte("x"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
	assert.Zero(t, h.Len())
	assert.Zero(t, kv.Len())
}

func TestCleanupErasesStateAndInstance(t *testing.T) {
	t.Parallel()

	h, kv := newTestHost(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, h.Do(ctx, "k1", func(ctx context.Context, st *State) error {
		return st.Put(ctx, "secret", []byte("hunter2"))
	}))
	assert.Equal(t, 1, kv.Len())
	assert.Equal(t, 1, h.Len())

	require.Eventually(t, func() bool {
		return kv.Len() == 0 && h.Len() == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Do(ctx, "k1", func(ctx context.Context, st *State) error {
		_, ok, err := st.Get(ctx, "secret")
		require.NoError(t, err)
		assert.False(t, ok, "a fresh instance starts with empty state")
		return nil
	}))
}

func TestCleanupIsPostponedByNewerCalls(t *testing.T) {
	t.Parallel()

	h, kv := newTestHost(t, 200*time.Millisecond)
	ctx := context.Background()
	put := func(ctx context.Context, st *State) error { return st.Put(ctx, "n", []byte("1")) }

	require.NoError(t, h.Do(ctx, "k", put))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, h.Do(ctx, "k", put))
	time.Sleep(120 * time.Millisecond)

	// Past the first call's deadline but not the second's: still alive.
	assert.Equal(t, 1, kv.Len())

	require.Eventually(t, func() bool { return kv.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDo_BudgetBoundsMethod(t *testing.T) {
	t.Parallel()

	kv := memstore.NewKVStore()
	h := NewHost(Config{Kind: "test", CleanupAfter: time.Minute, Budget: 20 * time.Millisecond}, kv, nil, nil)
	defer func() { _ = h.Close(context.Background()) }()

	err := h.Do(context.Background(), "slow", func(ctx context.Context, st *State) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_PanicBecomesError(t *testing.T) {
	t.Parallel()

	h, _ := newTestHost(t, time.Minute)
	err := h.Do(context.Background(), "p", func(ctx context.Context, st *State) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	assert.NoError(t, h.Do(context.Background(), "p", func(ctx context.Context, st *State) error { return nil }))
}

func TestClose_ErasesImmediately(t *testing.T) {
	t.Parallel()

	kv := memstore.NewKVStore()
	h := NewHost(Config{Kind: "test", CleanupAfter: time.Hour}, kv, nil, nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, h.Do(ctx, key, func(ctx context.Context, st *State) error {
			return st.PutJSON(ctx, "meta", map[string]string{"key": st.Key()})
		}))
	}
	require.Equal(t, 3, kv.Len())

	require.NoError(t, h.Close(ctx))
	assert.Equal(t, 0, kv.Len())
	assert.Equal(t, 0, h.Len())

	err := h.Do(ctx, "a", func(ctx context.Context, st *State) error { return nil })
	assert.True(t, errors.Is(err, ErrHostClosed))
}

func TestStateJSON(t *testing.T) {
	t.Parallel()

	h, _ := newTestHost(t, time.Minute)
	type window struct {
		Count int `json:"count"`
	}

	require.NoError(t, h.Do(context.Background(), "j", func(ctx context.Context, st *State) error {
		var w window
		ok, err := st.GetJSON(ctx, "window", &w)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, st.PutJSON(ctx, "window", window{Count: 3}))
		ok, err = st.GetJSON(ctx, "window", &w)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, w.Count)

		require.NoError(t, st.Delete(ctx, "window"))
		ok, err = st.GetJSON(ctx, "window", &w)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestScheduleCleanupExtendsDelay(t *testing.T) {
	t.Parallel()

	h, kv := newTestHost(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, h.Do(ctx, "window", func(ctx context.Context, st *State) error {
		st.ScheduleCleanup(250 * time.Millisecond)
		return st.Put(ctx, "w", []byte("1"))
	}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, kv.Len(), "extended alarm has not fired yet")

	require.Eventually(t, func() bool { return kv.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStateOfAbandonedHostExpiresAfterRestart(t *testing.T) {
	t.Parallel()

	clock := memstore.NewManualClock(time.Unix(1_700_000_000, 0))
	kv := memstore.NewKVStore(memstore.WithClock(clock.Now))
	l, _ := logger.NewTestLogger(t)
	cfg := Config{Kind: "hash", CleanupAfter: time.Hour, Budget: time.Second}
	ctx := context.Background()

	// The first host never closes and its alarm never fires, as after a crash.
	crashed := NewHost(cfg, kv, l, nil)
	require.NoError(t, crashed.Do(ctx, "k1", func(ctx context.Context, st *State) error {
		return st.Put(ctx, "secret", []byte("s3cr3t"))
	}))

	restarted := NewHost(cfg, kv, l, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = restarted.Close(ctx)
	})

	clock.Advance(cfg.CleanupAfter + time.Second)

	swept, err := kv.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Zero(t, kv.Len())

	require.NoError(t, restarted.Do(ctx, "k1", func(ctx context.Context, st *State) error {
		_, ok, err := st.Get(ctx, "secret")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestScheduleCleanupExtendsStoredExpiry(t *testing.T) {
	t.Parallel()

	clock := memstore.NewManualClock(time.Unix(1_700_000_000, 0))
	kv := memstore.NewKVStore(memstore.WithClock(clock.Now))
	l, _ := logger.NewTestLogger(t)
	h := NewHost(Config{Kind: "ratelimit", CleanupAfter: time.Minute, Budget: time.Second}, kv, l, nil)
	ctx := context.Background()

	require.NoError(t, h.Do(ctx, "window", func(ctx context.Context, st *State) error {
		if err := st.Put(ctx, "w", []byte("1")); err != nil {
			return err
		}
		st.ScheduleCleanup(time.Hour)
		return nil
	}))

	clock.Advance(30 * time.Minute)
	_, ok, err := kv.Get(ctx, "actor/ratelimit/window/w")
	require.NoError(t, err)
	assert.True(t, ok, "value outlives the default delay when cleanup is postponed")

	clock.Advance(31 * time.Minute)
	_, ok, err = kv.Get(ctx, "actor/ratelimit/window/w")
	require.NoError(t, err)
	assert.False(t, ok, "value expires with the extended deadline")
}
