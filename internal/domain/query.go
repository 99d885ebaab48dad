package domain

import "time"

// Pagination bounds a list query. Zero Limit falls back to the store default.
type Pagination struct {
	Limit  int
	Offset int
}

// SortOrder orders list results by creation time.
type SortOrder string

const (
	SortCreatedAsc  SortOrder = "createdAt:asc"
	SortCreatedDesc SortOrder = "createdAt:desc"
)

// JobFilters narrows job list and bulk-delete queries. Empty fields match
// everything; bulk deletes additionally always exclude active jobs.
type JobFilters struct {
	ActionNames   []string
	GroupKey      string
	Statuses      []JobStatus
	CreatedBefore *time.Time
}

// StepSearch narrows a job's step listing by name substring.
type StepSearch struct {
	Name string
}

// ActionStats aggregates per-action job counts for observability surfaces.
type ActionStats struct {
	ActionName    string
	CountByStatus map[JobStatus]int64
	LastCreatedAt *time.Time
}

// CreateJobParams carries everything createJob persists. ConcurrencyLimit is
// stored on the job itself and takes effect at admission time.
type CreateJobParams struct {
	ActionName       string
	GroupKey         string
	Input            []byte
	TimeoutMs        int64
	Checksum         string
	ConcurrencyLimit int
}

// CreateOrRecoverStepParams identifies the step row to create or resume.
type CreateOrRecoverStepParams struct {
	JobID        string
	Name         string
	TimeoutMs    int64
	RetriesLimit int
}

// RecoverJobsParams drives the orphaned-job recovery protocol.
type RecoverJobsParams struct {
	Checksums        []string
	MultiProcessMode bool
	ProcessTimeout   time.Duration
}
