package duron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rezkam/duron/internal/domain"
)

// actionJob is one claimed job being executed by this worker.
type actionJob struct {
	job      *domain.Job
	action   *Action
	store    Store
	clientID string
	vars     any
	logger   *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	cancelled bool
	done      chan struct{}
}

func newActionJob(job *domain.Job, action *Action, store Store, clientID string, vars any, logger *slog.Logger) *actionJob {
	return &actionJob{
		job:      job,
		action:   action,
		store:    store,
		clientID: clientID,
		vars:     vars,
		logger: logger.With(
			"job_id", job.ID,
			"action", job.ActionName,
			"group_key", job.GroupKey,
		),
		done: make(chan struct{}),
	}
}

// Cancel aborts the run. The handler's context is cancelled with a
// cancellation cause, in-flight steps finalize as cancelled and the job
// record transitions to cancelled.
func (a *actionJob) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel(&ActionCancelError{})
	}
}

// Done is closed once the run has fully finalized: outcome persisted and all
// step writes drained.
func (a *actionJob) Done() <-chan struct{} { return a.done }

type handlerResult struct {
	output any
	err    error
}

// run executes the handler and persists the outcome. The job's remaining
// lease time bounds the run; expiry fails the job with an action timeout.
func (a *actionJob) run(ctx context.Context) error {
	defer close(a.done)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// A Cancel that raced job startup still has to win.
	a.mu.Lock()
	a.cancel = cancel
	pending := a.cancelled
	a.mu.Unlock()
	if pending {
		cancel(&ActionCancelError{})
	}

	timeout := time.Duration(a.job.TimeoutMs) * time.Millisecond
	if a.job.ExpiresAt != nil {
		// The lease started ticking at claim time, not handler start.
		if remaining := time.Until(*a.job.ExpiresAt); remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.AfterFunc(timeout, func() {
		cancel(&ActionTimeoutError{JobID: a.job.ID})
	})
	defer timer.Stop()

	steps := newStepManager(a.store, a.job.ID, a.action.Steps, a.logger)
	defer steps.drain()

	actx := &ActionContext{
		JobID:    a.job.ID,
		GroupKey: a.job.GroupKey,
		Input:    a.job.Input,
		Vars:     a.vars,
		Logger:   a.logger,
		ctx:      runCtx,
		steps:    steps,
	}

	results := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
				results <- handlerResult{err: NonRetriable(fmt.Errorf("handler panicked: %v", r))}
			}
		}()
		output, err := a.action.Handler(actx)
		results <- handlerResult{output: output, err: err}
	}()

	// The outcome is decided by whichever comes first. A handler that keeps
	// running past cancellation sees the dead context on its next step call.
	var res handlerResult
	select {
	case res = <-results:
	case <-runCtx.Done():
		res = handlerResult{err: context.Cause(runCtx)}
	}

	return a.finalize(ctx, res)
}

func (a *actionJob) finalize(ctx context.Context, res handlerResult) error {
	ctx = context.WithoutCancel(ctx)

	if res.err == nil {
		raw, err := a.marshalOutput(res.output)
		if err != nil {
			res.err = err
		} else {
			ok, err := a.store.CompleteJob(ctx, a.job.ID, a.clientID, raw)
			if err != nil {
				return fmt.Errorf("failed to complete job %s: %w", a.job.ID, err)
			}
			if !ok {
				// Lost the lease mid-run; whoever holds the job now owns
				// the outcome.
				a.logger.WarnContext(ctx, "job completion rejected, lease lost")
			}
			return nil
		}
	}

	if IsActionCancel(res.err) {
		if _, err := a.store.CancelJob(ctx, a.job.ID); err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", a.job.ID, err)
		}
		a.logger.InfoContext(ctx, "job cancelled")
		return res.err
	}

	ok, err := a.store.FailJob(ctx, a.job.ID, a.clientID, domain.SerializeError(res.err))
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", a.job.ID, err)
	}
	if !ok {
		a.logger.WarnContext(ctx, "job failure rejected, lease lost")
	}
	return res.err
}

// marshalOutput encodes and, when a schema is declared, validates the handler
// return value.
func (a *actionJob) marshalOutput(output any) (json.RawMessage, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, NonRetriable(fmt.Errorf("failed to marshal job output: %w", err))
	}
	if a.action.Output != nil {
		coerced, err := a.action.Output.Validate("output", raw)
		if err != nil {
			return nil, err
		}
		raw = coerced
	}
	return raw, nil
}
