// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named maintenance task.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on cron expressions. Overlapping runs of the same job
// are skipped and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	// ctx is passed to every job run and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped Scheduler. Expressions use the standard five fields
// or descriptors such as "@every 5m".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, logger: logger, ctx: ctx, cancel: cancel}
}

// Add schedules job. It returns an error if the expression is invalid.
func (s *Scheduler) Add(expr string, job Job) error {
	if _, err := s.cron.AddFunc(expr, s.wrap(job)); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, job.Name, err)
	}
	s.logger.Info("job scheduled", "job", job.Name, "schedule", expr)
	return nil
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx := s.ctx
		start := time.Now()
		log := s.logger.With("job", job.Name)
		if err := job.Run(ctx); err != nil {
			log.ErrorContext(ctx, "maintenance job failed", "error", err, "duration", time.Since(start))
			return
		}
		log.DebugContext(ctx, "maintenance job finished", "duration", time.Since(start))
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the context passed to running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
