package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_TTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := NewKVStore(WithClock(clock.Now))

	require.NoError(t, kv.Set(ctx, "short", []byte("a"), time.Minute))
	require.NoError(t, kv.Set(ctx, "forever", []byte("b"), 0))

	v, ok, err := kv.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	clock.Advance(time.Minute)

	_, ok, err = kv.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "entry should read as absent at its expiry instant")

	_, ok, _ = kv.Get(ctx, "forever")
	assert.True(t, ok)

	n, err := kv.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, kv.Len())
}

func TestKVStore_DeletePrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKVStore()

	for _, k := range []string{"actor/hash/1/state", "actor/hash/1/meta", "actor/hash/2/state", "cache:x"} {
		require.NoError(t, kv.Set(ctx, k, []byte("v"), 0))
	}

	n, err := kv.DeletePrefix(ctx, "actor/hash/1/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, kv.Len())

	require.NoError(t, kv.Delete(ctx, "missing"))
}

func TestKVStore_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKVStore()
	buf := []byte("original")
	require.NoError(t, kv.Set(ctx, "k", buf, 0))
	buf[0] = 'X'

	v, _, _ := kv.Get(ctx, "k")
	assert.Equal(t, "original", string(v))
}
