package duron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default tuning applied by normalize when an Action leaves a field zero.
const (
	DefaultJobExpire  = 15 * time.Minute
	DefaultStepExpire = 5 * time.Minute

	DefaultStepConcurrency = 10

	DefaultRetryLimit      = 4
	DefaultRetryFactor     = 2.0
	DefaultRetryMinTimeout = time.Second
	DefaultRetryMaxTimeout = 30 * time.Second
)

// Handler executes one job. The returned value is marshalled to JSON,
// validated against the action's output schema and stored as the job output.
type Handler func(ctx *ActionContext) (any, error)

// StepFunc is one step attempt. It must honor ctx: the engine cancels it on
// step timeout, job timeout and explicit job cancellation.
type StepFunc func(ctx context.Context) (any, error)

// RetryPolicy is a deterministic exponential backoff schedule. Attempt n
// (zero-based) waits min(MaxTimeout, MinTimeout * Factor^n) before retrying.
type RetryPolicy struct {
	Limit      int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// Delay returns the backoff before retrying after failed attempt number
// attempt (zero-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.MinTimeout)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxTimeout) {
			return p.MaxTimeout
		}
	}
	return min(time.Duration(d), p.MaxTimeout)
}

// StepSettings are the per-action defaults applied to every step the handler
// runs. Individual steps can override Expire and Retry via StepOptions.
type StepSettings struct {
	// Concurrency caps the number of step callbacks of one job running at
	// the same time.
	Concurrency int
	Retry       RetryPolicy
	// Expire bounds a single step attempt.
	Expire time.Duration
}

// GroupContext is what group resolution functions see at enqueue time.
type GroupContext struct {
	ActionName string
	Input      json.RawMessage
}

// ActionGroups routes jobs into serialization groups. GroupKey assigns the
// job's group from its input; Concurrency sets how many jobs of that group
// may be active at once across all workers. Nil functions fall back to the
// client defaults.
type ActionGroups struct {
	GroupKey    func(ctx *GroupContext) string
	Concurrency func(ctx *GroupContext) int
}

// Action declares a durable action: its identity, schemas, concurrency
// shape and handler. Register actions on a Client before Start.
type Action struct {
	Name    string
	Version string

	Input  *Schema
	Output *Schema

	Groups *ActionGroups
	Steps  StepSettings

	// Expire bounds the whole job run, steps included.
	Expire time.Duration

	Handler Handler
}

// normalize fills zero fields with defaults and validates the declaration.
func (a *Action) normalize() error {
	if a.Name == "" {
		return errors.New("action name is required")
	}
	if a.Handler == nil {
		return fmt.Errorf("action %s: handler is required", a.Name)
	}
	if a.Version == "" {
		a.Version = "1"
	}
	if a.Expire <= 0 {
		a.Expire = DefaultJobExpire
	}
	if a.Steps.Concurrency <= 0 {
		a.Steps.Concurrency = DefaultStepConcurrency
	}
	if a.Steps.Expire <= 0 {
		a.Steps.Expire = DefaultStepExpire
	}
	if a.Steps.Retry.Limit <= 0 {
		a.Steps.Retry.Limit = DefaultRetryLimit
	}
	if a.Steps.Retry.Factor <= 0 {
		a.Steps.Retry.Factor = DefaultRetryFactor
	}
	if a.Steps.Retry.MinTimeout <= 0 {
		a.Steps.Retry.MinTimeout = DefaultRetryMinTimeout
	}
	if a.Steps.Retry.MaxTimeout <= 0 {
		a.Steps.Retry.MaxTimeout = DefaultRetryMaxTimeout
	}
	return nil
}

// Checksum identifies this action's code version. Jobs store it at enqueue
// time; recovery purges step history when the stored checksum is no longer
// registered, since replaying steps across code versions is unsafe.
func (a *Action) Checksum() string {
	sum := sha256.Sum256([]byte(a.Name + "|" + a.Version))
	return hex.EncodeToString(sum[:])
}

// ActionContext is the handler's view of its running job.
type ActionContext struct {
	JobID    string
	GroupKey string
	Input    json.RawMessage
	// Vars carries client-wide dependencies (connections, clients) into
	// handlers, as configured on the Client.
	Vars   any
	Logger *slog.Logger

	ctx   context.Context
	steps *stepManager
}

// Context returns the job's run context. It is cancelled on job timeout and
// explicit cancellation; long-running non-step work in a handler should
// select on it.
func (c *ActionContext) Context() context.Context { return c.ctx }

// BindInput unmarshals the job input into v.
func (c *ActionContext) BindInput(v any) error {
	return json.Unmarshal(c.Input, v)
}

// Step runs fn as a durable step. If the step already completed in a prior
// run of this job, the stored output is returned and fn is not called.
// Failures are retried per the action's retry policy (or the step's own
// override) unless the error is non-retriable.
func (c *ActionContext) Step(name string, fn StepFunc, opts ...StepOption) (json.RawMessage, error) {
	return c.steps.run(c.ctx, name, fn, opts...)
}

// StepAs runs a durable step and decodes its output into T. Replayed steps
// decode the stored output the same way.
func StepAs[T any](c *ActionContext, name string, fn StepFunc, opts ...StepOption) (T, error) {
	var out T
	raw, err := c.Step(name, fn, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode output of step %s: %w", name, err)
	}
	return out, nil
}
