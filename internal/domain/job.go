package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the closed job status enumeration.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusActive, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// created -> active, active -> terminal, and {created, active} -> cancelled.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusCreated:
		return next == JobStatusActive || next == JobStatusCancelled
	case JobStatusActive:
		return next.Terminal()
	}
	return false
}

// Job is one scheduled execution of an action with a specific input.
// While status is "active" the row is leased to ClientID until ExpiresAt.
type Job struct {
	ID               string
	ActionName       string
	GroupKey         string
	Status           JobStatus
	Checksum         string
	Input            json.RawMessage
	Output           json.RawMessage
	Error            *SerializedError
	TimeoutMs        int64
	ExpiresAt        *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ClientID         *string
	ConcurrencyLimit int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StepStatus is the lifecycle state of a job step. Steps have no "created"
// state: a row exists only once the callback is dispatched, and retries reset
// the same row back to active.
type StepStatus string

const (
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step reached a final state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusCancelled
}

// FailedAttempt is one retried failure recorded in a step's history, keyed by
// a monotonic millisecond time slot.
type FailedAttempt struct {
	FailedAt  time.Time        `json:"failedAt"`
	Error     *SerializedError `json:"error"`
	DelayedMs int64            `json:"delayedMs"`
}

// JobStep is a named, retryable, timeout-bound unit inside a job handler.
// (JobID, Name) is unique; recovery after a crash resumes by name.
type JobStep struct {
	ID                    string
	JobID                 string
	Name                  string
	Status                StepStatus
	Output                json.RawMessage
	Error                 *SerializedError
	StartedAt             *time.Time
	FinishedAt            *time.Time
	TimeoutMs             int64
	ExpiresAt             *time.Time
	RetriesLimit          int
	RetriesCount          int
	DelayedMs             *int64
	HistoryFailedAttempts map[string]FailedAttempt
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StepRecovery is the result of createOrRecoverJobStep: either a freshly
// inserted active row (IsNew), a reset previously-active row, or the existing
// terminal row untouched.
type StepRecovery struct {
	ID           string
	Status       StepStatus
	RetriesLimit int
	RetriesCount int
	TimeoutMs    int64
	Output       json.RawMessage
	Error        *SerializedError
	IsNew        bool
}
