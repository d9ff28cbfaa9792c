package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStore_ClaimHidesUntilVisibilityTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	q := NewQueueStore(WithClock(clock.Now))

	id, err := q.Enqueue(ctx, []byte(`{"type":"EMAIL"}`))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := q.Claim(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	clock.Advance(30 * time.Second)
	again, err = q.Claim(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestQueueStore_RetryAndDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	q := NewQueueStore(WithClock(clock.Now))

	id, _ := q.Enqueue(ctx, []byte("body"))

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := q.Claim(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		dead, err := q.Retry(ctx, id, time.Second, 2, "send failed")
		require.NoError(t, err)
		assert.Equal(t, attempt == 2, dead)
		clock.Advance(time.Second)
	}

	msg, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, store.QueueMessageDead, msg.Status)
	assert.Equal(t, "send failed", msg.LastError)

	claimed, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead messages are never redelivered")
}

func TestQueueStore_AckUnknown(t *testing.T) {
	t.Parallel()

	q := NewQueueStore()
	err := q.Ack(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = q.Retry(context.Background(), uuid.New(), 0, 1, "")
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}
