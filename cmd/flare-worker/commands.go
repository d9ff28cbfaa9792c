package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/phrazzld/flare-worker/internal/email"
	"github.com/phrazzld/flare-worker/internal/events"
	"github.com/phrazzld/flare-worker/internal/platform/postgres"
	"github.com/phrazzld/flare-worker/internal/queue"
	"github.com/phrazzld/flare-worker/internal/service/auth"
	"github.com/phrazzld/flare-worker/internal/workflow"
	"github.com/spf13/cobra"
)

// ErrUnsupportedBackend is returned by commands that need a specific backend.
var ErrUnsupportedBackend = errors.New("unsupported storage backend")

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [command] [args...]",
		Short: "Run goose migrations against PostgreSQL (default command: up)",
		Long: "Runs a goose command (up, down, status, version, redo, reset) against the\n" +
			"embedded PostgreSQL migrations. SQLite applies its schema on open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) > 0 {
				command, args = args[0], args[1:]
			}
			return c.withApp(cmd.Context(), func(app *application) error {
				if app.backend != backendPostgres {
					return fmt.Errorf("%w: migrate needs PostgreSQL, database.url selects %s",
						ErrUnsupportedBackend, app.backend)
				}
				return postgres.Migrate(cmd.Context(), app.db, command, args...)
			})
		},
	}
}

func (c *cli) enqueueEmailCmd() *cobra.Command {
	var (
		data    queue.EmailData
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue-email",
		Short: "Put an EMAIL message on the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			data.Headers = parsed

			return c.withApp(cmd.Context(), func(app *application) error {
				id, err := app.broker.Send(cmd.Context(), queue.NewEmailMessage(data))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&data.To, "to", "", "recipient address")
	cmd.Flags().StringVar(&data.Subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&data.HTML, "html", "", "HTML body")
	cmd.Flags().StringVar(&data.IdempotencyKey, "idempotency-key", "", "provider idempotency key (defaults to the message id)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "extra header as Name=Value (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("html")
	return cmd
}

func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want Name=Value", p)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

func (c *cli) emailTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "email-test",
		Short: "Send a probe email to the admin address with the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *application) error {
				res := app.email.TestConnection(cmd.Context(), email.ConnectionSettings{
					APIKey:        c.cfg.Email.APIKey,
					SenderAddress: c.cfg.Email.SenderAddress,
					SenderName:    c.cfg.Email.SenderName,
				})
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("email connection test failed: %s", res.Error)
				}
				return nil
			})
		},
	}
}

func (c *cli) emitCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "emit <event-type>",
		Short: "Publish a domain event to the workflow triggers",
		Long: "Publishes an event such as post.publish_state_changed, post.scheduled,\n" +
			"post.schedule_cancelled or comment.submitted with a JSON payload.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			ev, err := events.New(args[0], json.RawMessage(payload))
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(app *application) error {
				if err := app.bus.Emit(cmd.Context(), ev); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), ev.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "event payload as JSON")
	return cmd
}

func (c *cli) workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start, cancel or inspect workflow instances",
	}

	var (
		params string
		id     string
		at     string
	)
	start := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := workflow.StartOptions{ID: id}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				opts.StartAt = t
			}
			return c.withApp(cmd.Context(), func(app *application) error {
				instanceID, err := app.engine.Start(cmd.Context(), args[0], json.RawMessage(params), opts)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), instanceID)
				return err
			})
		},
	}
	start.Flags().StringVar(&params, "params", "{}", "workflow parameters as JSON")
	start.Flags().StringVar(&id, "id", "", "instance id (random when empty)")
	start.Flags().StringVar(&at, "at", "", "start time in RFC 3339 (now when empty)")

	cancel := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an instance that has not started yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *application) error {
				return app.engine.Cancel(cmd.Context(), args[0])
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Print an instance's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *application) error {
				inst, err := app.engine.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), inst)
			})
		},
	}

	cmd.AddCommand(start, cancel, status)
	return cmd
}

func (c *cli) hashPasswordCmd() *cobra.Command {
	var verify string
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin, or verify it against --verify",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(app *application) error {
				if verify == "" {
					credential, err := app.hasher.Hash(cmd.Context(), password)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), credential)
					return err
				}

				ok, err := app.hasher.Verify(cmd.Context(), verify, password)
				if err != nil {
					return err
				}
				if !ok {
					return auth.ErrPasswordMismatch
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "match")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&verify, "verify", "", "credential to verify the password against")
	return cmd
}

// readLine returns the first line of r without its line ending.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password on stdin")
	}
	return line, nil
}

func (c *cli) versionCheckCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "version-check",
		Short: "Check GitHub for a newer release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *application) error {
				res, err := app.versions.CheckForUpdate(cmd.Context(), force)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the cached result")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
