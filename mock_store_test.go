package duron

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rezkam/duron/internal/domain"
)

// mockStore implements Store with overridable function fields. Unset fields
// fall back to permissive defaults so tests only stub what they assert on.
type mockStore struct {
	mu sync.Mutex

	createJobFn       func(ctx context.Context, params domain.CreateJobParams) (string, error)
	fetchFn           func(ctx context.Context, clientID string, batch int) ([]*domain.Job, error)
	completeJobFn     func(ctx context.Context, jobID, clientID string, output []byte) (bool, error)
	failJobFn         func(ctx context.Context, jobID, clientID string, serr *domain.SerializedError) (bool, error)
	cancelJobFn       func(ctx context.Context, jobID string) (bool, error)
	retryJobFn        func(ctx context.Context, jobID string) (string, error)
	deleteJobFn       func(ctx context.Context, jobID string) (bool, error)
	deleteJobsFn      func(ctx context.Context, filters domain.JobFilters) (int64, error)
	recoverJobsFn     func(ctx context.Context, clientID string, params domain.RecoverJobsParams) (int64, error)
	createStepFn      func(ctx context.Context, params domain.CreateOrRecoverStepParams) (*domain.StepRecovery, error)
	completeStepFn    func(ctx context.Context, stepID string, output []byte) (bool, error)
	failStepFn        func(ctx context.Context, stepID string, serr *domain.SerializedError) (bool, error)
	cancelStepFn      func(ctx context.Context, stepID string) (bool, error)
	delayStepFn       func(ctx context.Context, stepID string, serr *domain.SerializedError, delayMs int64) (bool, error)
	getJobByIDFn      func(ctx context.Context, jobID string) (*domain.Job, error)
	getJobStatusFn    func(ctx context.Context, jobID string) (domain.JobStatus, error)
	getJobsFn         func(ctx context.Context, filters domain.JobFilters, page domain.Pagination, sort domain.SortOrder) ([]*domain.Job, error)
	getJobStepsFn     func(ctx context.Context, jobID string, page domain.Pagination, search domain.StepSearch) ([]*domain.JobStep, error)
	getStepByIDFn     func(ctx context.Context, stepID string) (*domain.JobStep, error)
	getStepStatusFn   func(ctx context.Context, stepID string) (domain.StepStatus, error)
	getActionsFn      func(ctx context.Context) ([]*domain.ActionStats, error)
	notifyFn          func(ctx context.Context, topic string, payload any) error
	subscribeOverride func(topic string) (<-chan json.RawMessage, func())

	subs map[string][]chan json.RawMessage
}

func newMockStore() *mockStore {
	return &mockStore{subs: make(map[string][]chan json.RawMessage)}
}

func (m *mockStore) Start(ctx context.Context) error { return nil }
func (m *mockStore) Stop()                           {}

func (m *mockStore) Notify(ctx context.Context, topic string, payload any) error {
	if m.notifyFn != nil {
		return m.notifyFn(ctx, topic, payload)
	}
	m.publish(topic, payload)
	return nil
}

// publish fans a payload out to local subscribers, like the real listener.
func (m *mockStore) publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	targets := append([]chan json.RawMessage(nil), m.subs[topic]...)
	m.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- raw:
		default:
		}
	}
}

func (m *mockStore) Subscribe(topic string) (<-chan json.RawMessage, func()) {
	if m.subscribeOverride != nil {
		return m.subscribeOverride(topic)
	}
	ch := make(chan json.RawMessage, 16)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()
	return ch, func() {}
}

func (m *mockStore) CreateJob(ctx context.Context, params domain.CreateJobParams) (string, error) {
	if m.createJobFn != nil {
		return m.createJobFn(ctx, params)
	}
	return "job-1", nil
}

func (m *mockStore) Fetch(ctx context.Context, clientID string, batch int) ([]*domain.Job, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, clientID, batch)
	}
	return nil, nil
}

func (m *mockStore) CompleteJob(ctx context.Context, jobID, clientID string, output []byte) (bool, error) {
	if m.completeJobFn != nil {
		return m.completeJobFn(ctx, jobID, clientID, output)
	}
	return true, nil
}

func (m *mockStore) FailJob(ctx context.Context, jobID, clientID string, serr *domain.SerializedError) (bool, error) {
	if m.failJobFn != nil {
		return m.failJobFn(ctx, jobID, clientID, serr)
	}
	return true, nil
}

func (m *mockStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	if m.cancelJobFn != nil {
		return m.cancelJobFn(ctx, jobID)
	}
	return true, nil
}

func (m *mockStore) RetryJob(ctx context.Context, jobID string) (string, error) {
	if m.retryJobFn != nil {
		return m.retryJobFn(ctx, jobID)
	}
	return "", nil
}

func (m *mockStore) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	if m.deleteJobFn != nil {
		return m.deleteJobFn(ctx, jobID)
	}
	return true, nil
}

func (m *mockStore) DeleteJobs(ctx context.Context, filters domain.JobFilters) (int64, error) {
	if m.deleteJobsFn != nil {
		return m.deleteJobsFn(ctx, filters)
	}
	return 0, nil
}

func (m *mockStore) RecoverJobs(ctx context.Context, clientID string, params domain.RecoverJobsParams) (int64, error) {
	if m.recoverJobsFn != nil {
		return m.recoverJobsFn(ctx, clientID, params)
	}
	return 0, nil
}

func (m *mockStore) CreateOrRecoverJobStep(ctx context.Context, params domain.CreateOrRecoverStepParams) (*domain.StepRecovery, error) {
	if m.createStepFn != nil {
		return m.createStepFn(ctx, params)
	}
	return &domain.StepRecovery{
		ID:           "step-" + params.Name,
		Status:       domain.StepStatusActive,
		RetriesLimit: params.RetriesLimit,
		TimeoutMs:    params.TimeoutMs,
		IsNew:        true,
	}, nil
}

func (m *mockStore) CompleteJobStep(ctx context.Context, stepID string, output []byte) (bool, error) {
	if m.completeStepFn != nil {
		return m.completeStepFn(ctx, stepID, output)
	}
	return true, nil
}

func (m *mockStore) FailJobStep(ctx context.Context, stepID string, serr *domain.SerializedError) (bool, error) {
	if m.failStepFn != nil {
		return m.failStepFn(ctx, stepID, serr)
	}
	return true, nil
}

func (m *mockStore) CancelJobStep(ctx context.Context, stepID string) (bool, error) {
	if m.cancelStepFn != nil {
		return m.cancelStepFn(ctx, stepID)
	}
	return true, nil
}

func (m *mockStore) DelayJobStep(ctx context.Context, stepID string, serr *domain.SerializedError, delayMs int64) (bool, error) {
	if m.delayStepFn != nil {
		return m.delayStepFn(ctx, stepID, serr, delayMs)
	}
	return true, nil
}

func (m *mockStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if m.getJobByIDFn != nil {
		return m.getJobByIDFn(ctx, jobID)
	}
	return &domain.Job{ID: jobID, Status: domain.JobStatusCreated}, nil
}

func (m *mockStore) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	if m.getJobStatusFn != nil {
		return m.getJobStatusFn(ctx, jobID)
	}
	return domain.JobStatusCreated, nil
}

func (m *mockStore) GetJobs(ctx context.Context, filters domain.JobFilters, page domain.Pagination, sort domain.SortOrder) ([]*domain.Job, error) {
	if m.getJobsFn != nil {
		return m.getJobsFn(ctx, filters, page, sort)
	}
	return nil, nil
}

func (m *mockStore) GetJobSteps(ctx context.Context, jobID string, page domain.Pagination, search domain.StepSearch) ([]*domain.JobStep, error) {
	if m.getJobStepsFn != nil {
		return m.getJobStepsFn(ctx, jobID, page, search)
	}
	return nil, nil
}

func (m *mockStore) GetJobStepByID(ctx context.Context, stepID string) (*domain.JobStep, error) {
	if m.getStepByIDFn != nil {
		return m.getStepByIDFn(ctx, stepID)
	}
	return &domain.JobStep{ID: stepID}, nil
}

func (m *mockStore) GetJobStepStatus(ctx context.Context, stepID string) (domain.StepStatus, error) {
	if m.getStepStatusFn != nil {
		return m.getStepStatusFn(ctx, stepID)
	}
	return domain.StepStatusActive, nil
}

func (m *mockStore) GetActions(ctx context.Context) ([]*domain.ActionStats, error) {
	if m.getActionsFn != nil {
		return m.getActionsFn(ctx)
	}
	return nil, nil
}
