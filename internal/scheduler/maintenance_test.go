package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/phrazzld/flare-worker/internal/platform/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequeuer struct {
	n   int
	err error
}

func (f fakeRequeuer) RequeueStale(context.Context) (int, error) { return f.n, f.err }

func TestMaintenanceJobs_SweepsExpiredEntries(t *testing.T) {
	clock := memstore.NewManualClock(time.Unix(1_700_000_000, 0))
	kv := memstore.NewKVStore(memstore.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "short", []byte("a"), time.Minute))
	require.NoError(t, kv.Set(ctx, "long", []byte("b"), time.Hour))
	clock.Advance(2 * time.Minute)

	log, buf := logger.NewTestLogger(t)
	jobs := MaintenanceJobs(fakeRequeuer{n: 2}, kv, log)
	require.Len(t, jobs, 2)

	for _, job := range jobs {
		require.NoError(t, job.Run(ctx), job.Name)
	}
	assert.Equal(t, 1, kv.Len())

	entry, ok := buf.FindMessage("swept expired entries")
	require.True(t, ok)
	assert.EqualValues(t, 1, entry["count"])
}

func TestMaintenanceJobs_WrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	jobs := MaintenanceJobs(fakeRequeuer{err: boom}, memstore.NewKVStore(), nil)

	err := jobs[0].Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "requeue stale workflows")
}

func TestScheduler_ScheduleRejectsBadExpression(t *testing.T) {
	s := New(nil)
	jobs := MaintenanceJobs(fakeRequeuer{}, memstore.NewKVStore(), nil)
	assert.NoError(t, s.Schedule("@every 5m", jobs...))
	assert.Error(t, s.Schedule("every five minutes", jobs...))
}
