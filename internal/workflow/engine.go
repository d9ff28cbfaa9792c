package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/store"
	"github.com/sethvargo/go-retry"
)

// Config tunes the engine.
type Config struct {
	// WorkerCount bounds the number of instances executing concurrently.
	WorkerCount int
	// PollInterval is how often the engine looks for due instances.
	PollInterval time.Duration
	// StepMaxAttempts is the default attempt budget per step.
	StepMaxAttempts int
	// RetryBaseDelay is the first retry delay; later delays double up to MaxRetryDelay.
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	// StaleAfter is how long a running instance may go without a checkpoint
	// before it is considered abandoned.
	StaleAfter time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:     4,
		PollInterval:    time.Second,
		StepMaxAttempts: 5,
		RetryBaseDelay:  time.Second,
		MaxRetryDelay:   5 * time.Minute,
		StaleAfter:      10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StepMaxAttempts <= 0 {
		c.StepMaxAttempts = d.StepMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// StartOptions customise Start.
type StartOptions struct {
	// ID makes the instance id deterministic. A random id is used when empty.
	ID string
	// StartAt delays the first step. Zero means now.
	StartAt time.Time
}

// Engine runs registered workflows over a store.WorkflowStore.
type Engine struct {
	store   store.WorkflowStore
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu   sync.RWMutex
	defs map[string]Definition

	wake chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records step and instance outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(s store.WorkflowStore, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  s,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "workflow_engine"),
		now:    time.Now,
		defs:   make(map[string]Definition),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds workflow definitions. Names must be unique.
func (e *Engine) Register(defs ...Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range defs {
		if err := d.check(); err != nil {
			return err
		}
		if _, exists := e.defs[d.Name]; exists {
			return fmt.Errorf("workflow %s already registered", d.Name)
		}
		e.defs[d.Name] = d
	}
	return nil
}

func (e *Engine) definition(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[name]
	return d, ok
}

// Start creates a queued instance of the named workflow and returns its id.
// A duplicate opts.ID returns an error wrapping store.ErrInstanceExists.
func (e *Engine) Start(ctx context.Context, name string, params any, opts StartOptions) (string, error) {
	def, ok := e.definition(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params for %s: %w", name, err)
	}
	if def.Validate != nil {
		if err := def.Validate(raw); err != nil {
			return "", fmt.Errorf("invalid params for %s: %w", name, err)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	runAt := opts.StartAt
	if runAt.IsZero() {
		runAt = e.now()
	}

	inst := &store.WorkflowInstance{
		ID:       id,
		Workflow: name,
		Params:   raw,
		Status:   store.InstanceQueued,
		Outputs:  map[string]json.RawMessage{},
		RunAt:    runAt,
	}
	if err := e.store.Create(ctx, inst); err != nil {
		return "", fmt.Errorf("failed to create workflow instance: %w", err)
	}

	e.logger.InfoContext(ctx, "workflow instance created",
		"instance_id", id,
		"workflow", name,
		"run_at", runAt,
	)
	if !runAt.After(e.now()) {
		e.notify()
	}
	return id, nil
}

// Cancel stops an instance that has not started yet.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	err := e.store.Cancel(ctx, id)
	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "workflow instance cancelled", "instance_id", id)
		return nil
	case errors.Is(err, store.ErrInstanceNotFound):
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", ErrNotCancellable, id)
	default:
		return err
	}
}

// Status returns the current checkpoint of an instance.
func (e *Engine) Status(ctx context.Context, id string) (*store.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, err
}

// RequeueStale hands abandoned running instances back to the queue.
func (e *Engine) RequeueStale(ctx context.Context) (int, error) {
	n, err := e.store.RequeueStale(ctx, e.now().Add(-e.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale workflow instances: %w", err)
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "requeued stale workflow instances", "count", n)
		e.notify()
	}
	return n, nil
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RunDue claims up to limit due instances and executes them to their next
// stopping point on the calling goroutine.
func (e *Engine) RunDue(ctx context.Context, limit int) (int, error) {
	insts, err := e.store.ClaimDue(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim workflow instances: %w", err)
	}
	for _, inst := range insts {
		e.execute(ctx, inst)
	}
	return len(insts), nil
}

// Run executes due instances with up to WorkerCount running at once until
// ctx is cancelled, then waits for in-flight steps to finish.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.RequeueStale(ctx); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "workflow engine started",
		"worker_count", e.cfg.WorkerCount,
		"poll_interval", e.cfg.PollInterval,
	)

	var wg sync.WaitGroup
	slots := make(chan struct{}, e.cfg.WorkerCount)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		free := cap(slots) - len(slots)
		if free > 0 {
			insts, err := e.store.ClaimDue(ctx, e.now(), free)
			if err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "failed to claim workflow instances", "error", err)
			}
			for _, inst := range insts {
				slots <- struct{}{}
				wg.Add(1)
				go func(inst *store.WorkflowInstance) {
					defer func() {
						<-slots
						wg.Done()
						e.notify()
					}()
					e.execute(ctx, inst)
				}(inst)
			}
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			e.logger.InfoContext(context.WithoutCancel(ctx), "workflow engine stopped")
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// execute drives inst from its first incomplete step until it completes,
// fails, is rescheduled for a retry, or the engine shuts down.
func (e *Engine) execute(ctx context.Context, inst *store.WorkflowInstance) {
	log := e.logger.With("instance_id", inst.ID, "workflow", inst.Workflow)
	// Steps are never interrupted midway; shutdown is honoured between steps.
	stepCtx := context.WithoutCancel(ctx)

	def, ok := e.definition(inst.Workflow)
	if !ok {
		inst.Status = store.InstanceFailed
		inst.LastError = fmt.Sprintf("%s: %s", ErrUnknownWorkflow, inst.Workflow)
		log.ErrorContext(ctx, "workflow halted", "error", inst.LastError)
		e.checkpoint(stepCtx, log, inst)
		e.metrics.WorkflowFinished(inst.Workflow, string(inst.Status))
		return
	}
	if inst.Outputs == nil {
		inst.Outputs = map[string]json.RawMessage{}
	}

	for inst.StepIndex < len(def.Steps) {
		if ctx.Err() != nil {
			// Hand the instance back so the next process resumes it.
			inst.Status = store.InstanceQueued
			inst.RunAt = e.now()
			e.checkpoint(stepCtx, log, inst)
			return
		}

		step := def.Steps[inst.StepIndex]
		stepLog := log.With("step", step.Name, "attempt", inst.Attempt+1)

		out, err := e.runStep(stepCtx, stepLog, inst, step)
		if err == nil || errors.Is(err, ErrSkipRemaining) {
			encoded, encErr := json.Marshal(out)
			if encErr != nil {
				err = Fatal(fmt.Errorf("failed to encode output: %w", encErr))
			} else {
				skip := err != nil
				inst.Outputs[step.Name] = encoded
				inst.StepIndex++
				inst.Attempt = 0
				inst.LastError = ""
				if skip {
					inst.StepIndex = len(def.Steps)
					stepLog.InfoContext(ctx, "workflow step ended the instance early")
				}
				if inst.StepIndex == len(def.Steps) {
					inst.Status = store.InstanceCompleted
				}
				e.metrics.WorkflowStep(inst.Workflow, step.Name, "completed")
				stepLog.DebugContext(ctx, "workflow step completed")

				if !e.checkpoint(stepCtx, stepLog, inst) {
					return
				}
				continue
			}
		}

		inst.Attempt++
		inst.LastError = err.Error()
		maxAttempts := step.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = e.cfg.StepMaxAttempts
		}

		if IsFatal(err) || inst.Attempt >= maxAttempts {
			inst.Status = store.InstanceFailed
			e.metrics.WorkflowStep(inst.Workflow, step.Name, "failed")
			stepLog.ErrorContext(ctx, "workflow halted",
				"error", err,
				"fatal", IsFatal(err),
			)
			e.checkpoint(stepCtx, stepLog, inst)
			e.metrics.WorkflowFinished(inst.Workflow, string(inst.Status))
			return
		}

		delay := e.retryDelay(inst.Attempt)
		inst.Status = store.InstanceQueued
		inst.RunAt = e.now().Add(delay)
		e.metrics.WorkflowStep(inst.Workflow, step.Name, "retried")
		stepLog.WarnContext(ctx, "workflow step failed, retrying",
			"error", err,
			"retry_in", delay,
		)
		e.checkpoint(stepCtx, stepLog, inst)
		return
	}

	log.InfoContext(ctx, "workflow completed")
	e.metrics.WorkflowFinished(inst.Workflow, string(store.InstanceCompleted))
}

func (e *Engine) runStep(ctx context.Context, log *slog.Logger, inst *store.WorkflowInstance, step Step) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()

	sc := &StepContext{
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		Step:       step.Name,
		Attempt:    inst.Attempt + 1,
		Logger:     log,
		params:     inst.Params,
		outputs:    inst.Outputs,
	}
	return step.Run(ctx, sc)
}

// retryDelay returns the exponential, jittered, capped delay before the
// given attempt is retried.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := retry.NewExponential(e.cfg.RetryBaseDelay)
	b = retry.WithCappedDuration(e.cfg.MaxRetryDelay, b)
	b = retry.WithJitterPercent(10, b)

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// checkpoint persists inst, retrying briefly on store errors. On failure the
// instance stays running in the store and is picked up again by RequeueStale.
func (e *Engine) checkpoint(ctx context.Context, log *slog.Logger, inst *store.WorkflowInstance) bool {
	b := retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := e.store.Save(ctx, inst); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to checkpoint workflow instance", "error", err)
		return false
	}
	return true
}
