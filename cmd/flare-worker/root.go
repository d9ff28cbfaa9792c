package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/flare-worker/internal/config"
	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/spf13/cobra"
)

// cli carries state shared by subcommands.
type cli struct {
	load   func() (*config.Config, error)
	cfg    *config.Config
	logger *slog.Logger
}

// newRootCmd builds the command tree. load supplies the configuration.
func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	c := &cli{load: load}

	root := &cobra.Command{
		Use:          "flare-worker",
		Short:        "Background processing for the blog: email queue, workflows and maintenance",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger.SetupWriter(cfg.Server, cmd.ErrOrStderr())
			return nil
		},
	}

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.enqueueEmailCmd(),
		c.emailTestCmd(),
		c.emitCmd(),
		c.workflowCmd(),
		c.hashPasswordCmd(),
		c.versionCheckCmd(),
	)
	return root
}

// withApp builds the application for one command and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(app *application) error) error {
	app, err := newApplication(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(ctx); err != nil {
			c.logger.Error("shutdown incomplete", "error", err)
		}
	}()
	return fn(app)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue consumer, workflow engine, scheduler and ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, func(app *application) error {
				var lc net.ListenConfig
				ln, err := lc.Listen(ctx, "tcp", listenAddr(c.cfg.Server.Port))
				if err != nil {
					return fmt.Errorf("failed to listen on port %d: %w", c.cfg.Server.Port, err)
				}
				return app.serve(ctx, ln)
			})
		},
	}
}
