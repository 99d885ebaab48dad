// Package duron is a durable, type-safe job engine on PostgreSQL.
//
// Jobs are enqueued with RunAction, claimed by worker clients with a
// per-group concurrency admission check, and executed by registered action
// handlers. Handlers decompose their work into named steps; each step's
// result is persisted, so a crashed or restarted worker resumes a job by
// replaying completed steps from storage instead of re-executing them.
package duron

import (
	"context"
	"encoding/json"

	"github.com/rezkam/duron/internal/domain"
)

// Re-exported storage types. The engine and its callers share these; the
// postgres store implements against the same definitions.
type (
	Job        = domain.Job
	JobStep    = domain.JobStep
	JobStatus  = domain.JobStatus
	StepStatus = domain.StepStatus

	JobFilters  = domain.JobFilters
	Pagination  = domain.Pagination
	SortOrder   = domain.SortOrder
	StepSearch  = domain.StepSearch
	ActionStats = domain.ActionStats

	SerializedError = domain.SerializedError
)

const (
	JobStatusCreated   = domain.JobStatusCreated
	JobStatusActive    = domain.JobStatusActive
	JobStatusCompleted = domain.JobStatusCompleted
	JobStatusFailed    = domain.JobStatusFailed
	JobStatusCancelled = domain.JobStatusCancelled

	StepStatusActive    = domain.StepStatusActive
	StepStatusCompleted = domain.StepStatusCompleted
	StepStatusFailed    = domain.StepStatusFailed
	StepStatusCancelled = domain.StepStatusCancelled

	SortCreatedAsc  = domain.SortCreatedAsc
	SortCreatedDesc = domain.SortCreatedDesc
)

// Notifier publishes and subscribes to engine events. Topics multiplex over a
// single transport channel; payloads are JSON.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload any) error
	Subscribe(topic string) (<-chan json.RawMessage, func())
}

// Store is everything the engine needs from the durable backend. The
// postgres package provides the production implementation; tests substitute
// mocks.
type Store interface {
	Notifier

	Start(ctx context.Context) error
	Stop()

	CreateJob(ctx context.Context, params domain.CreateJobParams) (string, error)
	Fetch(ctx context.Context, clientID string, batch int) ([]*domain.Job, error)
	CompleteJob(ctx context.Context, jobID, clientID string, output []byte) (bool, error)
	FailJob(ctx context.Context, jobID, clientID string, serr *domain.SerializedError) (bool, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	RetryJob(ctx context.Context, jobID string) (string, error)
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	DeleteJobs(ctx context.Context, filters domain.JobFilters) (int64, error)
	RecoverJobs(ctx context.Context, clientID string, params domain.RecoverJobsParams) (int64, error)

	CreateOrRecoverJobStep(ctx context.Context, params domain.CreateOrRecoverStepParams) (*domain.StepRecovery, error)
	CompleteJobStep(ctx context.Context, stepID string, output []byte) (bool, error)
	FailJobStep(ctx context.Context, stepID string, serr *domain.SerializedError) (bool, error)
	CancelJobStep(ctx context.Context, stepID string) (bool, error)
	DelayJobStep(ctx context.Context, stepID string, serr *domain.SerializedError, delayMs int64) (bool, error)

	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
	GetJobs(ctx context.Context, filters domain.JobFilters, page domain.Pagination, sort domain.SortOrder) ([]*domain.Job, error)
	GetJobSteps(ctx context.Context, jobID string, page domain.Pagination, search domain.StepSearch) ([]*domain.JobStep, error)
	GetJobStepByID(ctx context.Context, stepID string) (*domain.JobStep, error)
	GetJobStepStatus(ctx context.Context, stepID string) (domain.StepStatus, error)
	GetActions(ctx context.Context) ([]*domain.ActionStats, error)
}
