package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rezkam/duron/internal/domain"
)

// defaultPageSize bounds list queries when no limit is given.
const defaultPageSize = 50

// GetJobByID returns a full job record.
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetJobStatus returns only the status column.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return domain.JobStatus(status), nil
}

// GetJobs lists jobs matching the filters, paginated and sorted by creation
// time.
func (s *Store) GetJobs(ctx context.Context, filters domain.JobFilters, page domain.Pagination, sort domain.SortOrder) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE TRUE`
	var args []any
	query, args = appendJobFilters(query, args, filters)

	if sort == domain.SortCreatedDesc {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}

	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobSteps lists a job's steps in creation order. Outputs are omitted
// from the result; use GetJobStepByID for the full record.
func (s *Store) GetJobSteps(ctx context.Context, jobID string, page domain.Pagination, search domain.StepSearch) ([]*domain.JobStep, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}

	query := `SELECT ` + stepListColumns + ` FROM job_steps WHERE job_id = $1`
	args := []any{jobID}
	if search.Name != "" {
		args = append(args, "%"+search.Name+"%")
		query += ` AND name ILIKE $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.JobStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetJobStepByID returns a full step record including its output.
func (s *Store) GetJobStepByID(ctx context.Context, stepID string) (*domain.JobStep, error) {
	if _, err := uuid.Parse(stepID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}
	step, err := scanStep(s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM job_steps WHERE id = $1`, stepID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: step %s", domain.ErrStepNotFound, stepID)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// GetJobStepStatus returns only the status column of a step.
func (s *Store) GetJobStepStatus(ctx context.Context, stepID string) (domain.StepStatus, error) {
	if _, err := uuid.Parse(stepID); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM job_steps WHERE id = $1`, stepID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: step %s", domain.ErrStepNotFound, stepID)
		}
		return "", fmt.Errorf("failed to get step status: %w", err)
	}
	return domain.StepStatus(status), nil
}

// GetActions aggregates job counts by status per action, with the most
// recent creation time.
func (s *Store) GetActions(ctx context.Context) ([]*domain.ActionStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action_name, status, COUNT(*), MAX(created_at)
		FROM jobs
		GROUP BY action_name, status
		ORDER BY action_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate actions: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*domain.ActionStats)
	var order []string
	for rows.Next() {
		var (
			name, status string
			count        int64
			lastCreated  pgtype.Timestamptz
		)
		if err := rows.Scan(&name, &status, &count, &lastCreated); err != nil {
			return nil, fmt.Errorf("failed to scan action stats: %w", err)
		}

		stats, ok := byName[name]
		if !ok {
			stats = &domain.ActionStats{
				ActionName:    name,
				CountByStatus: make(map[domain.JobStatus]int64),
			}
			byName[name] = stats
			order = append(order, name)
		}
		stats.CountByStatus[domain.JobStatus(status)] = count
		if t := timestamptzPtr(lastCreated); t != nil {
			if stats.LastCreatedAt == nil || t.After(*stats.LastCreatedAt) {
				stats.LastCreatedAt = t
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.ActionStats, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}
