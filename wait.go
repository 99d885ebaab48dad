package duron

import (
	"sync"

	"github.com/rezkam/duron/internal/domain"
)

// jobWaiters tracks WaitForJob callers by job ID so one status-change
// subscription serves all of them.
type jobWaiters struct {
	mu     sync.Mutex
	byJob  map[string]map[chan *domain.Job]struct{}
	closed bool
}

func newJobWaiters() *jobWaiters {
	return &jobWaiters{byJob: make(map[string]map[chan *domain.Job]struct{})}
}

// register adds a waiter for jobID. The channel receives the terminal job
// exactly once, or nil when the client stops first. The returned cancel is
// idempotent.
func (w *jobWaiters) register(jobID string) (<-chan *domain.Job, func()) {
	ch := make(chan *domain.Job, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		ch <- nil
		return ch, func() {}
	}
	if w.byJob[jobID] == nil {
		w.byJob[jobID] = make(map[chan *domain.Job]struct{})
	}
	w.byJob[jobID][ch] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if waiters, ok := w.byJob[jobID]; ok {
				delete(waiters, ch)
				if len(waiters) == 0 {
					delete(w.byJob, jobID)
				}
			}
		})
	}
	return ch, cancel
}

// waiting reports whether anyone waits on jobID, so the dispatcher can skip
// the job lookup otherwise.
func (w *jobWaiters) waiting(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byJob[jobID]) > 0
}

// resolve delivers the terminal job to every waiter of its ID.
func (w *jobWaiters) resolve(jobID string, job *domain.Job) {
	w.mu.Lock()
	waiters := w.byJob[jobID]
	delete(w.byJob, jobID)
	w.mu.Unlock()

	for ch := range waiters {
		ch <- job
	}
}

// closeAll resolves every outstanding waiter with nil. Used on client stop so
// callers unblock instead of hanging on a dead subscription.
func (w *jobWaiters) closeAll() {
	w.mu.Lock()
	all := w.byJob
	w.byJob = make(map[string]map[chan *domain.Job]struct{})
	w.closed = true
	w.mu.Unlock()

	for _, waiters := range all {
		for ch := range waiters {
			ch <- nil
		}
	}
}
