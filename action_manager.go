package duron

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rezkam/duron/internal/domain"
)

// actionManager owns the local execution pool of one action: it caps
// concurrent handler runs and tracks them so cancellation can reach in-flight
// jobs without a database round trip.
type actionManager struct {
	action   *Action
	store    Store
	clientID string
	vars     any
	logger   *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[string]*actionJob
	stopped bool
}

func newActionManager(action *Action, store Store, clientID string, limit int, vars any, logger *slog.Logger) *actionManager {
	return &actionManager{
		action:   action,
		store:    store,
		clientID: clientID,
		vars:     vars,
		logger:   logger.With("action", action.Name),
		sem:      semaphore.NewWeighted(int64(limit)),
		running:  make(map[string]*actionJob),
	}
}

// Push schedules a claimed job for execution. The job queues behind the pool
// limit; Push itself returns immediately.
func (m *actionManager) Push(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("action manager is stopped")
	}
	aj := newActionJob(job, m.action, m.store, m.clientID, m.vars, m.logger)
	m.running[job.ID] = aj
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, job.ID)
			m.mu.Unlock()
		}()

		if err := m.sem.Acquire(ctx, 1); err != nil {
			// Worker shutting down before the job got a slot; the lease
			// expires and recovery re-admits it.
			return
		}
		defer m.sem.Release(1)

		// The run is detached from the sync-loop context: on shutdown Stop
		// cancels it explicitly so the outcome persists as cancelled rather
		// than failing on a dead context.
		if err := aj.run(context.WithoutCancel(ctx)); err != nil {
			m.logger.WarnContext(ctx, "job finished with error", "job_id", job.ID, "error", err)
		}
	}()
	return nil
}

// CancelJob cancels a locally running job. Returns false when this worker is
// not executing it.
func (m *actionManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	aj, ok := m.running[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	aj.Cancel()
	return true
}

// AbortAll cancels every running job of this action.
func (m *actionManager) AbortAll() {
	m.mu.Lock()
	jobs := make([]*actionJob, 0, len(m.running))
	for _, aj := range m.running {
		jobs = append(jobs, aj)
	}
	m.mu.Unlock()
	for _, aj := range jobs {
		aj.Cancel()
	}
}

// Stop refuses new pushes, aborts running jobs and waits for them to finish
// persisting their outcome.
func (m *actionManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.AbortAll()
	m.wg.Wait()
}
