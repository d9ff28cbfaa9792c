package scheduler

import (
	"context"
	"fmt"
	"log/slog"
)

// StaleRequeuer returns abandoned running workflow instances to the queue.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context) (int, error)
}

// ExpirySweeper removes expired key-value entries.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// MaintenanceJobs returns the periodic housekeeping jobs.
func MaintenanceJobs(workflows StaleRequeuer, kv ExpirySweeper, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}
	return []Job{
		{
			Name: "requeue-stale-workflows",
			Run: func(ctx context.Context) error {
				if _, err := workflows.RequeueStale(ctx); err != nil {
					return fmt.Errorf("requeue stale workflows: %w", err)
				}
				return nil
			},
		},
		{
			Name: "sweep-expired-kv",
			Run: func(ctx context.Context) error {
				n, err := kv.SweepExpired(ctx)
				if err != nil {
					return fmt.Errorf("sweep expired entries: %w", err)
				}
				if n > 0 {
					logger.DebugContext(ctx, "swept expired entries", "count", n)
				}
				return nil
			},
		},
	}
}

// Schedule adds every job under the same expression.
func (s *Scheduler) Schedule(expr string, jobs ...Job) error {
	for _, job := range jobs {
		if err := s.Add(expr, job); err != nil {
			return err
		}
	}
	return nil
}
