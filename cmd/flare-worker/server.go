package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/phrazzld/flare-worker/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// serve runs the ops server, queue consumer, workflow engine and maintenance
// scheduler until ctx is cancelled or one of them fails.
func (app *application) serve(ctx context.Context, ln net.Listener) error {
	sched := scheduler.New(app.logger)
	jobs := scheduler.MaintenanceJobs(app.engine, app.kv, app.logger)
	if err := sched.Schedule(app.config.Workflow.MaintenanceSchedule, jobs...); err != nil {
		return err
	}

	server := &http.Server{
		Handler:           app.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info("ops server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return app.consumer.Run(gctx) })
	g.Go(func() error { return app.engine.Run(gctx) })

	sched.Start()
	app.logger.Info("worker started", "backend", app.backend)

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if stopErr := sched.Stop(stopCtx); stopErr != nil {
		app.logger.Error("scheduler did not stop in time", "error", stopErr)
	}
	app.logger.Info("worker stopped")
	return err
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
