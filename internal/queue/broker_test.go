package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/platform/memstore"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, maxAttempts int) (*Broker, *memstore.QueueStore, *memstore.ManualClock, *logger.TestLogBuffer) {
	t.Helper()
	clock := memstore.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	qs := memstore.NewQueueStore(memstore.WithClock(clock.Now))
	log, buf := logger.NewTestLogger(t)
	b := NewBroker(qs, BrokerConfig{
		Visibility:  time.Minute,
		RetryDelay:  5 * time.Second,
		MaxAttempts: maxAttempts,
	}, log, metrics.NewCollector())
	return b, qs, clock, buf
}

func TestBroker_SendReceiveAck(t *testing.T) {
	b, qs, _, _ := newTestBroker(t, 3)
	ctx := context.Background()

	id, err := b.Send(ctx, NewEmailMessage(EmailData{To: "a", Subject: "b", HTML: "c"}))
	require.NoError(t, err)

	batch, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Deliveries, 1)
	d := batch.Deliveries[0]
	assert.Equal(t, id, d.ID)
	assert.Equal(t, 1, d.Attempts)

	d.Ack()
	require.NoError(t, b.Settle(ctx, batch))

	_, ok := qs.Get(uuid.MustParse(id))
	assert.False(t, ok, "acked message is removed")
}

func TestBroker_RetryRedeliversAfterDelay(t *testing.T) {
	b, _, clock, _ := newTestBroker(t, 3)
	ctx := context.Background()

	_, err := b.SendRaw(ctx, []byte(validEmail))
	require.NoError(t, err)

	batch, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	batch.Deliveries[0].Retry("transient")
	require.NoError(t, b.Settle(ctx, batch))

	batch, err = b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Deliveries, "not visible before the retry delay")

	clock.Advance(5 * time.Second)
	batch, err = b.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Deliveries, 1)
	assert.Equal(t, 2, batch.Deliveries[0].Attempts)
}

func TestBroker_UnsettledIsRetried(t *testing.T) {
	b, qs, _, _ := newTestBroker(t, 3)
	ctx := context.Background()

	id, err := b.SendRaw(ctx, []byte(validEmail))
	require.NoError(t, err)
	batch, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, b.Settle(ctx, batch))

	msg, ok := qs.Get(uuid.MustParse(id))
	require.True(t, ok)
	assert.Equal(t, store.QueueMessagePending, msg.Status)
	assert.Equal(t, "not settled by consumer", msg.LastError)
}

func TestBroker_DeadLettersAfterMaxAttempts(t *testing.T) {
	b, qs, clock, buf := newTestBroker(t, 2)
	ctx := context.Background()

	id, err := b.SendRaw(ctx, []byte(validEmail))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		batch, err := b.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch.Deliveries, 1)
		batch.Deliveries[0].Retry("still failing")
		require.NoError(t, b.Settle(ctx, batch))
		clock.Advance(time.Minute)
	}

	msg, ok := qs.Get(uuid.MustParse(id))
	require.True(t, ok)
	assert.Equal(t, store.QueueMessageDead, msg.Status)
	assert.Equal(t, 1, buf.CountMessages("queue message moved to dead letter"))

	batch, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Deliveries)
}

func TestConsumer_RunDrainsQueue(t *testing.T) {
	b, _, clock, _ := newTestBroker(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &fakeEmailHandler{errs: []error{errors.New("first attempt fails")}}
	log, _ := logger.NewTestLogger(t)
	c := NewConsumer(b, Handlers{Email: h}, ConsumerConfig{BatchSize: 5, PollInterval: 10 * time.Millisecond}, log, nil)

	_, err := b.SendRaw(ctx, []byte(validEmail))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.calls) == 1
	}, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.calls) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
