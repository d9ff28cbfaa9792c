package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrUnknownWorkflow is returned when starting a workflow that was never registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrNotCancellable is returned when cancelling an instance that already started.
	ErrNotCancellable = errors.New("workflow instance cannot be cancelled")

	// ErrInstanceNotFound is returned for an unknown instance id.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrSkipRemaining may be returned by a step, alone or wrapped, to record
	// its output and complete the instance without running later steps.
	ErrSkipRemaining = errors.New("skip remaining steps")
)

// FatalError halts an instance without further retries.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as unrecoverable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf is Fatal(fmt.Errorf(format, args...)).
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsFatal reports whether err or anything it wraps is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// StepFunc runs one step. The returned value is JSON-encoded and recorded as
// the step's output once the step succeeds.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// Step is one named unit of a workflow.
type Step struct {
	Name string
	Run  StepFunc
	// MaxAttempts overrides the engine default when positive.
	MaxAttempts int
}

// Definition is a named, ordered list of steps. Step order is fixed; an
// instance always resumes at its first incomplete step.
type Definition struct {
	Name  string
	Steps []Step
	// Validate checks start parameters. Optional.
	Validate func(params json.RawMessage) error
}

func (d Definition) check() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" || s.Run == nil {
			return fmt.Errorf("workflow %s has an incomplete step", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s has duplicate step %s", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// StepContext gives a step access to its instance.
type StepContext struct {
	InstanceID string
	Workflow   string
	Step       string
	// Attempt is 1 on the first try of this step.
	Attempt int
	Logger  *slog.Logger

	params  json.RawMessage
	outputs map[string]json.RawMessage
}

// Params decodes the instance parameters into v.
func (c *StepContext) Params(v any) error {
	if err := json.Unmarshal(c.params, v); err != nil {
		return Fatal(fmt.Errorf("failed to decode workflow params: %w", err))
	}
	return nil
}

// Output decodes the recorded output of an earlier step into v. It reports
// false when that step recorded nothing.
func (c *StepContext) Output(step string, v any) (bool, error) {
	raw, ok := c.outputs[step]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, Fatal(fmt.Errorf("failed to decode output of step %s: %w", step, err))
	}
	return true, nil
}

// ValidateParams returns a Definition.Validate func that decodes params into
// a fresh T and runs struct validation on it.
func ValidateParams[T any](validate func(any) error) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		return validate(p)
	}
}
