package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/flare-worker/internal/actor"
	"github.com/phrazzld/flare-worker/internal/platform/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, clock *memstore.ManualClock) *Limiter {
	t.Helper()
	host := actor.NewHost(actor.Config{Kind: "ratelimit", CleanupAfter: time.Minute}, memstore.NewKVStore(), nil, nil)
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	return New(host, nil, WithClock(clock.Now))
}

func TestCheck_FixedWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := memstore.NewManualClock(start)
	l := newTestLimiter(t, clock)

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, "user:1", 5, 60)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, 5-i, d.Remaining)
		assert.True(t, start.Add(time.Minute).Equal(d.ResetAt))
		clock.Advance(time.Second)
	}

	d, err := l.Check(ctx, "user:1", 5, 60)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(time.Minute)
	d, err = l.Check(ctx, "user:1", 5, 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining, "counter resets at window rollover")
	assert.True(t, clock.Now().Add(time.Minute).Equal(d.ResetAt))
}

func TestCheckOnce_RepeatedTokenCountsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := memstore.NewManualClock(start)
	l := newTestLimiter(t, clock)

	tests := []struct {
		token     string
		allowed   bool
		remaining int
	}{
		{token: "m1", allowed: true, remaining: 1},
		{token: "m1", allowed: true, remaining: 1},
		{token: "m2", allowed: true, remaining: 0},
		{token: "m3", allowed: false, remaining: 0},
		{token: "m3", allowed: false, remaining: 0},
		{token: "m1", allowed: true, remaining: 0},
	}
	for i, tt := range tests {
		d, err := l.CheckOnce(ctx, "email:a@b.com", tt.token, 2, 60)
		require.NoError(t, err)
		assert.Equal(t, tt.allowed, d.Allowed, "call %d (%s)", i+1, tt.token)
		assert.Equal(t, tt.remaining, d.Remaining, "call %d (%s)", i+1, tt.token)
	}

	clock.Advance(time.Minute)
	d, err := l.CheckOnce(ctx, "email:a@b.com", "m3", 2, 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "tokens are forgotten at window rollover")
	assert.Equal(t, 1, d.Remaining)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLimiter(t, memstore.NewManualClock(time.Unix(0, 0)))

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "noisy", 1, 60)
		require.NoError(t, err)
	}

	d, err := l.Check(ctx, "quiet", 1, 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheck_ConcurrentCallsCountExactly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLimiter(t, memstore.NewManualClock(time.Unix(0, 0)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "burst", 10, 60)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestCheck_InvalidArguments(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, memstore.NewManualClock(time.Unix(0, 0)))
	_, err := l.Check(context.Background(), "k", 0, 60)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.Check(context.Background(), "k", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}
