package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/flare-worker/internal/config"
	"github.com/phrazzld/flare-worker/internal/platform/logger"
	"github.com/stretchr/testify/require"
)

// testConfig is a valid in-memory configuration with fast polling.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Environment: "test", LogLevel: "error", Port: 8080},
		Queue: config.QueueConfig{
			BatchSize:         10,
			PollInterval:      10 * time.Millisecond,
			MaxAttempts:       3,
			RetryDelay:        10 * time.Millisecond,
			VisibilityTimeout: time.Minute,
		},
		Cache: config.CacheConfig{DefaultTTL: "1h"},
		Actor: config.ActorConfig{IdleTimeout: time.Second, Budget: 30 * time.Second},
		Workflow: config.WorkflowConfig{
			WorkerCount:         2,
			PollInterval:        10 * time.Millisecond,
			StepMaxAttempts:     3,
			RetryBaseDelay:      10 * time.Millisecond,
			StaleAfter:          time.Minute,
			MaintenanceSchedule: "@every 1m",
		},
		Email:   config.EmailConfig{RateLimit: 20, RateWindowSeconds: 60},
		LLM:     config.LLMConfig{ModelName: "gemini-2.0-flash"},
		Version: config.VersionConfig{Repository: "du2333/flare-stack-blog", Current: "v1.0.0"},
		Metrics: config.MetricsConfig{Enabled: true},
	}
}

// newTestApp wires an application on cfg and closes it when the test ends.
func newTestApp(t *testing.T, cfg *config.Config) *application {
	t.Helper()
	log, _ := logger.NewTestLogger(t)
	app, err := newApplication(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.close(context.Background()) })
	return app
}

// runCmd executes the command tree with args and returns stdout.
func runCmd(t *testing.T, cfg *config.Config, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func() (*config.Config, error) { return cfg, nil })

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}
