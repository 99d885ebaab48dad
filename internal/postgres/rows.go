package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rezkam/duron/internal/domain"
)

const jobColumns = `id, action_name, group_key, status, checksum, input, output, error,
	timeout_ms, expires_at, started_at, finished_at, client_id, concurrency_limit,
	created_at, updated_at`

const stepColumns = `id, job_id, name, status, output, error, started_at, finished_at,
	timeout_ms, expires_at, retries_limit, retries_count, delayed_ms,
	history_failed_attempts, created_at, updated_at`

// stepListColumns omits output from step listings: step outputs can be large
// and the listing surface never renders them.
const stepListColumns = `id, job_id, name, status, NULL::jsonb, error, started_at, finished_at,
	timeout_ms, expires_at, retries_limit, retries_count, delayed_ms,
	history_failed_attempts, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		status     string
		errJSON    []byte
		expiresAt  pgtype.Timestamptz
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
		clientID   sql.Null[string]
	)

	err := row.Scan(
		&job.ID, &job.ActionName, &job.GroupKey, &status, &job.Checksum,
		&job.Input, &job.Output, &errJSON,
		&job.TimeoutMs, &expiresAt, &startedAt, &finishedAt, &clientID,
		&job.ConcurrencyLimit, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.ExpiresAt = timestamptzPtr(expiresAt)
	job.StartedAt = timestamptzPtr(startedAt)
	job.FinishedAt = timestamptzPtr(finishedAt)
	if clientID.Valid {
		job.ClientID = &clientID.V
	}
	if job.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}

	return &job, nil
}

func scanStep(row pgx.Row) (*domain.JobStep, error) {
	var (
		step        domain.JobStep
		status      string
		errJSON     []byte
		historyJSON []byte
		expiresAt   pgtype.Timestamptz
		startedAt   pgtype.Timestamptz
		finishedAt  pgtype.Timestamptz
		delayedMs   sql.Null[int64]
	)

	err := row.Scan(
		&step.ID, &step.JobID, &step.Name, &status, &step.Output, &errJSON,
		&startedAt, &finishedAt, &step.TimeoutMs, &expiresAt,
		&step.RetriesLimit, &step.RetriesCount, &delayedMs,
		&historyJSON, &step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Status = domain.StepStatus(status)
	step.ExpiresAt = timestamptzPtr(expiresAt)
	step.StartedAt = timestamptzPtr(startedAt)
	step.FinishedAt = timestamptzPtr(finishedAt)
	if delayedMs.Valid {
		step.DelayedMs = &delayedMs.V
	}
	if step.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &step.HistoryFailedAttempts); err != nil {
			return nil, fmt.Errorf("failed to decode failed-attempt history: %w", err)
		}
	}

	return &step, nil
}

func timestamptzPtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func unmarshalError(raw []byte) (*domain.SerializedError, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var se domain.SerializedError
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, fmt.Errorf("failed to decode serialized error: %w", err)
	}
	return &se, nil
}

// qualify prefixes every column in a column list with a table alias so it can
// be used in the RETURNING clause of an aliased UPDATE.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// appendJobFilters extends a WHERE-bearing query with the optional job
// filters, returning the query and its argument list.
func appendJobFilters(query string, args []any, filters domain.JobFilters) (string, []any) {
	if len(filters.ActionNames) > 0 {
		args = append(args, filters.ActionNames)
		query += ` AND action_name = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	if filters.GroupKey != "" {
		args = append(args, filters.GroupKey)
		query += ` AND group_key = $` + strconv.Itoa(len(args))
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, 0, len(filters.Statuses))
		for _, st := range filters.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		query += ` AND status = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	if filters.CreatedBefore != nil {
		args = append(args, *filters.CreatedBefore)
		query += ` AND created_at < $` + strconv.Itoa(len(args))
	}
	return query, args
}
