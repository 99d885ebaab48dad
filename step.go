package duron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rezkam/duron/internal/domain"
)

// StepOption overrides per-step settings declared on the action.
type StepOption func(*stepConfig)

type stepConfig struct {
	expire time.Duration
	retry  RetryPolicy
}

// WithStepExpire overrides the timeout of a single step attempt.
func WithStepExpire(d time.Duration) StepOption {
	return func(c *stepConfig) { c.expire = d }
}

// WithStepRetry overrides the retry policy of a single step. Zero fields keep
// the action's values.
func WithStepRetry(p RetryPolicy) StepOption {
	return func(c *stepConfig) {
		if p.Limit > 0 {
			c.retry.Limit = p.Limit
		}
		if p.Factor > 0 {
			c.retry.Factor = p.Factor
		}
		if p.MinTimeout > 0 {
			c.retry.MinTimeout = p.MinTimeout
		}
		if p.MaxTimeout > 0 {
			c.retry.MaxTimeout = p.MaxTimeout
		}
	}
}

// errJobNotActive surfaces in step callbacks when the owning job is no longer
// active (lease expired, recovered by another worker, cancelled). There is
// nothing to retry: the run's fate has already been decided elsewhere.
var errJobNotActive = NonRetriable(errors.New("job is no longer active"))

// stepManager runs a single job's steps: persistence, replay, bounded
// concurrency, retries with backoff and timeout enforcement.
type stepManager struct {
	store    Store
	jobID    string
	settings StepSettings
	logger   *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	executed map[string]struct{}
}

func newStepManager(store Store, jobID string, settings StepSettings, logger *slog.Logger) *stepManager {
	return &stepManager{
		store:    store,
		jobID:    jobID,
		settings: settings,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(settings.Concurrency)),
		executed: make(map[string]struct{}),
	}
}

// drain waits for every in-flight step of this job to finish persisting.
func (m *stepManager) drain() { m.wg.Wait() }

func (m *stepManager) run(ctx context.Context, name string, fn StepFunc, opts ...StepOption) (json.RawMessage, error) {
	cfg := stepConfig{expire: m.settings.Expire, retry: m.settings.Retry}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Step names key persisted rows, so reuse within one run would silently
	// replay the first call's result.
	m.mu.Lock()
	if _, dup := m.executed[name]; dup {
		m.mu.Unlock()
		return nil, &StepAlreadyExecutedError{Name: name}
	}
	m.executed[name] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	defer m.wg.Done()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, m.runCause(ctx, err)
	}
	defer m.sem.Release(1)

	rec, err := m.store.CreateOrRecoverJobStep(ctx, domain.CreateOrRecoverStepParams{
		JobID:        m.jobID,
		Name:         name,
		TimeoutMs:    cfg.expire.Milliseconds(),
		RetriesLimit: cfg.retry.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist step %s: %w", name, err)
	}
	if rec == nil {
		return nil, errJobNotActive
	}

	switch rec.Status {
	case domain.StepStatusCompleted:
		// Replay: the callback already ran to completion in a prior life.
		return rec.Output, nil
	case domain.StepStatusFailed:
		err := error(rec.Error)
		if rec.Error == nil {
			err = fmt.Errorf("step %s previously failed", name)
		}
		return nil, NonRetriable(err)
	case domain.StepStatusCancelled:
		return nil, NonRetriable(fmt.Errorf("step %s was cancelled: %w", name, &ActionCancelError{}))
	}

	return m.attempt(ctx, rec, name, fn, cfg)
}

// attempt drives the retry loop of an active step row.
func (m *stepManager) attempt(ctx context.Context, rec *domain.StepRecovery, name string, fn StepFunc, cfg stepConfig) (json.RawMessage, error) {
	for tries := rec.RetriesCount; ; tries++ {
		out, err := m.invoke(ctx, name, fn, cfg.expire)
		if err == nil {
			raw, merr := json.Marshal(out)
			if merr != nil {
				err = NonRetriable(fmt.Errorf("failed to marshal output of step %s: %w", name, merr))
			} else {
				ok, serr := m.store.CompleteJobStep(ctx, rec.ID, raw)
				if serr != nil {
					return nil, fmt.Errorf("failed to complete step %s: %w", name, serr)
				}
				if !ok {
					// The guard did not match: the job lost its lease mid-run.
					return nil, errJobNotActive
				}
				return raw, nil
			}
		}

		if IsActionCancel(err) {
			if _, cerr := m.store.CancelJobStep(context.WithoutCancel(ctx), rec.ID); cerr != nil {
				m.logger.WarnContext(ctx, "failed to cancel step", "step", name, "error", cerr)
			}
			return nil, err
		}

		if !isRetryBypassed(err) && tries < cfg.retry.Limit {
			delay := cfg.retry.Delay(tries)
			ok, derr := m.store.DelayJobStep(ctx, rec.ID, domain.SerializeError(err), delay.Milliseconds())
			if derr != nil {
				return nil, fmt.Errorf("failed to delay step %s: %w", name, derr)
			}
			if !ok {
				// The guard did not match: the job lost its lease mid-run.
				return nil, errJobNotActive
			}
			m.logger.DebugContext(ctx, "retrying step",
				"step", name, "attempt", tries+1, "delay", delay, "error", err)
			if werr := sleepCtx(ctx, delay); werr != nil {
				// The job was cancelled or timed out mid-backoff.
				return nil, m.runCause(ctx, werr)
			}
			continue
		}

		if _, ferr := m.store.FailJobStep(context.WithoutCancel(ctx), rec.ID, domain.SerializeError(err)); ferr != nil {
			m.logger.WarnContext(ctx, "failed to persist step failure", "step", name, "error", ferr)
		}
		return nil, err
	}
}

// invoke runs one attempt under the step deadline, converting panics and
// context termination into classified errors.
func (m *stepManager) invoke(ctx context.Context, name string, fn StepFunc, expire time.Duration) (out any, err error) {
	stepCtx, cancel := context.WithTimeoutCause(ctx, expire, &StepTimeoutError{Step: name})
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = NonRetriable(fmt.Errorf("step %s panicked: %v", name, r))
			}
		}()
		out, err = fn(stepCtx)
	}()

	// A context error from inside the callback is reported as its cause, so
	// the retry wrapper can tell a step timeout from a job-level event.
	if err != nil && stepCtx.Err() != nil {
		if cause := context.Cause(stepCtx); cause != nil && errors.Is(err, stepCtx.Err()) {
			return nil, cause
		}
	}
	return out, err
}

// runCause maps a context error on the job's run context to its cancellation
// cause (cancel or job timeout).
func (m *stepManager) runCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// sleepCtx blocks for d or until ctx terminates.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
