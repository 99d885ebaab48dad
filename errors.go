package duron

import (
	"errors"
	"fmt"
)

// === Retry classification ===

// NonRetriableError signals that retrying a step is futile. Wrap an error
// with NonRetriable() inside a step callback to fail the step immediately,
// skipping the backoff schedule. The marker is honored anywhere in the cause
// chain.
//
// Use for: validation failures, missing resources, business rule violations.
// Don't use for: network timeouts, lost connections, lock contention.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string {
	if e.Err == nil {
		return "non-retriable"
	}
	return e.Err.Error()
}

func (e *NonRetriableError) Unwrap() error { return e.Err }

// ErrorName is the serialized error name stored on failed steps and jobs.
func (e *NonRetriableError) ErrorName() string { return "NonRetriableError" }

// NonRetriable wraps an error so the step retry machinery will not retry it.
func NonRetriable(err error) error {
	return &NonRetriableError{Err: err}
}

// IsNonRetriable reports whether err carries a non-retriable marker anywhere
// in its cause chain.
func IsNonRetriable(err error) bool {
	var nr *NonRetriableError
	return errors.As(err, &nr)
}

// === Timeouts ===

// ActionTimeoutError is the cancellation cause when a job's timeout elapses.
// The job finalizes as failed with this error.
type ActionTimeoutError struct {
	JobID string
}

func (e *ActionTimeoutError) Error() string {
	return fmt.Sprintf("action timed out: job %s", e.JobID)
}

func (e *ActionTimeoutError) ErrorName() string { return "ActionTimeoutError" }

// IsActionTimeout reports whether err is an action-level timeout.
func IsActionTimeout(err error) bool {
	var te *ActionTimeoutError
	return errors.As(err, &te)
}

// StepTimeoutError is the cancellation cause when a single step's expire
// timer fires. Treated as non-retriable: no further attempts are made.
type StepTimeoutError struct {
	Step string
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step timed out: %s", e.Step)
}

func (e *StepTimeoutError) ErrorName() string { return "StepTimeoutError" }

// IsStepTimeout reports whether err is a step-level timeout.
func IsStepTimeout(err error) bool {
	var te *StepTimeoutError
	return errors.As(err, &te)
}

// === Cancellation ===

// ActionCancelError is the cancellation cause of an explicit cancel. The job
// and its in-flight steps finalize as cancelled.
type ActionCancelError struct{}

func (e *ActionCancelError) Error() string { return "action cancelled" }

func (e *ActionCancelError) ErrorName() string { return "ActionCancelError" }

// IsActionCancel reports whether err represents explicit cancellation.
func IsActionCancel(err error) bool {
	var ce *ActionCancelError
	return errors.As(err, &ce)
}

// === Programmer errors ===

// StepAlreadyExecutedError indicates a handler invoked the same step name
// twice within one run. Step names identify persisted step rows, so reuse
// within a run is always a bug in the handler.
type StepAlreadyExecutedError struct {
	Name string
}

func (e *StepAlreadyExecutedError) Error() string {
	return fmt.Sprintf("step already executed in this run: %s", e.Name)
}

func (e *StepAlreadyExecutedError) ErrorName() string { return "StepAlreadyExecutedError" }

// === Validation ===

// ValidationError indicates an input or output did not satisfy the action's
// schema. Non-retriable.
type ValidationError struct {
	Scope string // "input" or "output"
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %v", e.Scope, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) ErrorName() string { return "ValidationError" }

// isRetryBypassed reports whether the step retry wrapper must skip further
// attempts for err: explicit non-retriable markers, either timeout scope,
// cancellation, duplicate step names and validation failures.
func isRetryBypassed(err error) bool {
	if IsNonRetriable(err) || IsActionCancel(err) || IsActionTimeout(err) || IsStepTimeout(err) {
		return true
	}
	var dup *StepAlreadyExecutedError
	if errors.As(err, &dup) {
		return true
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}
