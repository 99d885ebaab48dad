package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rezkam/duron/internal/domain"
)

// CreateOrRecoverJobStep returns the step row for (jobID, name), creating it
// when absent.
//
//   - No row: a fresh active row is inserted (IsNew).
//   - Existing active row: the step was in flight when a worker crashed; it
//     is reset in place (new lease, zeroed retry counters, cleared history).
//   - Existing terminal row: returned unchanged, so recovery can short-circuit
//     completed steps and refuse re-entry into failed ones.
//
// Returns nil when the owning job is not active or its lease has expired; in
// that case nothing is written.
func (s *Store) CreateOrRecoverJobStep(ctx context.Context, params domain.CreateOrRecoverStepParams) (*domain.StepRecovery, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobOK bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM jobs
			WHERE id = $1 AND status = 'active' AND expires_at > NOW()
		)
	`, params.JobID).Scan(&jobOK)
	if err != nil {
		return nil, fmt.Errorf("failed to check owning job: %w", err)
	}
	if !jobOK {
		return nil, nil
	}

	stepID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate step ID: %w", err)
	}

	rec := &domain.StepRecovery{}
	var (
		status  string
		errJSON []byte
	)
	err = tx.QueryRow(ctx, `
		INSERT INTO job_steps (id, job_id, name, status, timeout_ms, expires_at, started_at, retries_limit)
		VALUES ($1, $2, $3, 'active', $4, NOW() + ($4 * INTERVAL '1 millisecond'), NOW(), $5)
		ON CONFLICT (job_id, name) DO NOTHING
		RETURNING id, status, retries_limit, retries_count, timeout_ms, output, error
	`, stepID.String(), params.JobID, params.Name, params.TimeoutMs, params.RetriesLimit).Scan(
		&rec.ID, &status, &rec.RetriesLimit, &rec.RetriesCount, &rec.TimeoutMs, &rec.Output, &errJSON)
	if err == nil {
		rec.Status = domain.StepStatus(status)
		rec.IsNew = true
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to insert step: %w", err)
	}

	// Conflict: the step already exists. Reset it if it was left active by a
	// crashed run, otherwise hand back the terminal row untouched.
	err = tx.QueryRow(ctx, `
		SELECT id, status, retries_limit, retries_count, timeout_ms, output, error
		FROM job_steps
		WHERE job_id = $1 AND name = $2
		FOR UPDATE
	`, params.JobID, params.Name).Scan(
		&rec.ID, &status, &rec.RetriesLimit, &rec.RetriesCount, &rec.TimeoutMs, &rec.Output, &errJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing step: %w", err)
	}
	rec.Status = domain.StepStatus(status)

	if rec.Status == domain.StepStatusActive {
		_, err = tx.Exec(ctx, `
			UPDATE job_steps
			SET retries_count = 0,
				delayed_ms = NULL,
				history_failed_attempts = '{}',
				started_at = NOW(),
				expires_at = NOW() + (timeout_ms * INTERVAL '1 millisecond'),
				updated_at = NOW()
			WHERE id = $1
		`, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reset recovered step: %w", err)
		}
		rec.RetriesCount = 0
	}

	if rec.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// CompleteJobStep finalizes an active step of an active job with its output.
func (s *Store) CompleteJobStep(ctx context.Context, stepID string, output []byte) (bool, error) {
	return s.finalizeStep(ctx, stepID, domain.StepStatusCompleted, nil, `
		UPDATE job_steps s
		SET status = 'completed', output = $2, finished_at = NOW(), updated_at = NOW()
		FROM jobs j
		WHERE s.id = $1 AND s.status = 'active'
		  AND j.id = s.job_id AND j.status = 'active'
		RETURNING s.job_id, COALESCE(j.client_id, '')
	`, stepID, output)
}

// FailJobStep finalizes an active step of an active job with a serialized
// error.
func (s *Store) FailJobStep(ctx context.Context, stepID string, serr *domain.SerializedError) (bool, error) {
	errJSON, err := json.Marshal(serr)
	if err != nil {
		return false, fmt.Errorf("failed to marshal error: %w", err)
	}
	return s.finalizeStep(ctx, stepID, domain.StepStatusFailed, serr, `
		UPDATE job_steps s
		SET status = 'failed', error = $2, finished_at = NOW(), updated_at = NOW()
		FROM jobs j
		WHERE s.id = $1 AND s.status = 'active'
		  AND j.id = s.job_id AND j.status = 'active'
		RETURNING s.job_id, COALESCE(j.client_id, '')
	`, stepID, errJSON)
}

// CancelJobStep marks an active step cancelled. The owning job may already be
// cancelled (job-level cancellation races its steps), so both job states are
// accepted.
func (s *Store) CancelJobStep(ctx context.Context, stepID string) (bool, error) {
	return s.finalizeStep(ctx, stepID, domain.StepStatusCancelled, nil, `
		UPDATE job_steps s
		SET status = 'cancelled', finished_at = NOW(), updated_at = NOW()
		FROM jobs j
		WHERE s.id = $1 AND s.status = 'active'
		  AND j.id = s.job_id AND j.status IN ('active', 'cancelled')
		RETURNING s.job_id, COALESCE(j.client_id, '')
	`, stepID)
}

// DelayJobStep records a failed attempt that will be retried: it increments
// the retry counter, appends the failure to the history keyed by a monotonic
// millisecond slot, and extends the step lease by timeout_ms + delayMs so a
// legitimately backing-off step cannot be mistaken for a crash.
func (s *Store) DelayJobStep(ctx context.Context, stepID string, serr *domain.SerializedError, delayMs int64) (bool, error) {
	slot := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	entry, err := json.Marshal(domain.FailedAttempt{
		FailedAt:  time.Now().UTC(),
		Error:     serr,
		DelayedMs: delayMs,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal failed attempt: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobID, clientID string
	err = tx.QueryRow(ctx, `
		UPDATE job_steps s
		SET retries_count = s.retries_count + 1,
			delayed_ms = $2,
			history_failed_attempts = s.history_failed_attempts || jsonb_build_object($3::text, $4::jsonb),
			expires_at = NOW() + ((s.timeout_ms + $2) * INTERVAL '1 millisecond'),
			updated_at = NOW()
		FROM jobs j
		WHERE s.id = $1 AND s.status = 'active'
		  AND j.id = s.job_id AND j.status = 'active'
		RETURNING s.job_id, COALESCE(j.client_id, '')
	`, stepID, delayMs, slot, entry).Scan(&jobID, &clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delay step: %w", err)
	}

	err = notifyTx(ctx, tx, domain.TopicStepDelayed, domain.StepDelayed{
		JobID:     jobID,
		StepID:    stepID,
		DelayedMs: delayMs,
		Error:     serr,
		ClientID:  clientID,
	})
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// finalizeStep runs a guarded terminal-status UPDATE on a step and emits
// step-status-changed when a row actually changed.
func (s *Store) finalizeStep(ctx context.Context, stepID string, status domain.StepStatus, serr *domain.SerializedError, query string, args ...any) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobID, clientID string
	if err := tx.QueryRow(ctx, query, args...).Scan(&jobID, &clientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark step as %s: %w", status, err)
	}

	err = notifyTx(ctx, tx, domain.TopicStepStatusChanged, domain.StepStatusChanged{
		JobID:    jobID,
		StepID:   stepID,
		Status:   status,
		Error:    serr,
		ClientID: clientID,
	})
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}
