// Package postgres implements the durable job store on PostgreSQL.
//
// All state transitions are guarded UPDATE statements keyed on the status
// column (and, for worker-owned transitions, on client_id), so concurrent
// workers can never double-apply a transition. Multi-statement operations
// (fetch-and-admit, retry, recovery, step create-or-recover) run in a single
// transaction. Change notifications ride pg_notify on the same transaction,
// which scopes their delivery to commit.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/duron/internal/domain"
)

// notifyChannel is the single LISTEN/NOTIFY channel all topics share; the
// JSON envelope carries the logical topic.
const notifyChannel = "duron_events"

// Store is the PostgreSQL-backed job and step store.
type Store struct {
	pool     *pgxpool.Pool
	cfg      Config
	listener *listener
}

// New connects to PostgreSQL and returns a Store. Migrations run later, in
// Start, so construction stays cheap for callers that only query.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool, cfg: cfg}
	s.listener = newListener(pool)
	return s, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the pool;
// Stop will not close it.
func NewWithPool(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool, cfg: Config{}}
	s.listener = newListener(pool)
	return s
}

// Pool exposes the underlying pool for tests and advanced callers.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Start applies migrations when configured and begins dispatching
// notifications to subscribers.
func (s *Store) Start(ctx context.Context) error {
	if s.cfg.Migrate {
		if err := RunMigrations(ctx, s.cfg.DSN); err != nil {
			return err
		}
	}
	return s.listener.start(ctx)
}

// Stop shuts down the notification listener and releases the pool when this
// store created it.
func (s *Store) Stop() {
	s.listener.stop()
	if s.cfg.DSN != "" {
		s.pool.Close()
	}
}

// === Notifier ===

// Notify publishes a payload on a topic. Delivery is best-effort: local
// subscribers on any connected process receive it once the statement commits.
func (s *Store) Notify(ctx context.Context, topic string, payload any) error {
	body, err := envelopeJSON(topic, payload)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, body); err != nil {
		return fmt.Errorf("failed to notify %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a local subscriber for one topic. The returned cancel
// function must be called to release the subscription.
func (s *Store) Subscribe(topic string) (<-chan json.RawMessage, func()) {
	return s.listener.subscribe(topic)
}

// notifyTx queues a notification inside tx; it is delivered on commit and
// dropped on rollback.
func notifyTx(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	body, err := envelopeJSON(topic, payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, body); err != nil {
		return fmt.Errorf("failed to notify %s: %w", topic, err)
	}
	return nil
}

func envelopeJSON(topic string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	body, err := json.Marshal(domain.Envelope{Topic: topic, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(body), nil
}

// === Job mutations ===

// CreateJob inserts a created job and announces it on job-available.
func (s *Store) CreateJob(ctx context.Context, params domain.CreateJobParams) (string, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job ID: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, action_name, group_key, status, checksum, input, timeout_ms, concurrency_limit)
		VALUES ($1, $2, $3, 'created', $4, $5, $6, $7)
	`, jobID.String(), params.ActionName, params.GroupKey, params.Checksum,
		params.Input, params.TimeoutMs, params.ConcurrencyLimit)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	if err := notifyTx(ctx, tx, domain.TopicJobAvailable, domain.JobAvailable{JobID: jobID.String()}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return jobID.String(), nil
}

// CompleteJob finalizes an active job owned by clientID whose lease has not
// expired. Returns false when the guard does not match (lost lease, expired,
// concurrent cancel).
func (s *Store) CompleteJob(ctx context.Context, jobID, clientID string, output []byte) (bool, error) {
	return s.finalizeJob(ctx, jobID, domain.JobStatusCompleted, clientID, `
		UPDATE jobs
		SET status = 'completed', output = $3, error = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND client_id = $2 AND expires_at > NOW()
	`, jobID, clientID, output)
}

// FailJob finalizes an active job owned by clientID with a serialized error.
func (s *Store) FailJob(ctx context.Context, jobID, clientID string, serr *domain.SerializedError) (bool, error) {
	errJSON, err := json.Marshal(serr)
	if err != nil {
		return false, fmt.Errorf("failed to marshal error: %w", err)
	}
	return s.finalizeJob(ctx, jobID, domain.JobStatusFailed, clientID, `
		UPDATE jobs
		SET status = 'failed', error = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND client_id = $2
	`, jobID, clientID, errJSON)
}

// CancelJob cancels a created or active job. Unlike complete/fail it does not
// require ownership: any client (or the API surface) may cancel.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}
	return s.finalizeJob(ctx, jobID, domain.JobStatusCancelled, "", `
		UPDATE jobs
		SET status = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'active')
	`, jobID)
}

// finalizeJob runs a guarded terminal-status UPDATE and emits
// job-status-changed when a row actually changed.
func (s *Store) finalizeJob(ctx context.Context, jobID string, status domain.JobStatus, clientID, query string, args ...any) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to mark job as %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	err = notifyTx(ctx, tx, domain.TopicJobStatusChanged, domain.JobStatusChanged{
		JobID:    jobID,
		Status:   status,
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

// DeleteJob removes a non-active job; steps cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status <> 'active'`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteJobs bulk-deletes jobs matching the filters, always excluding active
// rows. Returns the number of jobs removed.
func (s *Store) DeleteJobs(ctx context.Context, filters domain.JobFilters) (int64, error) {
	query := `DELETE FROM jobs WHERE status <> 'active'`
	var args []any
	query, args = appendJobFilters(query, args, filters)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetryJob re-enqueues a terminal job as a fresh created job. It is atomic
// under concurrent callers: the source row is locked, and no new job is
// inserted while a non-terminal sibling with the same identity tuple
// (action, group, checksum, input) exists.
func (s *Store) RetryJob(ctx context.Context, jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the terminal source row so concurrent retries serialize on it.
	var (
		actionName, groupKey, checksum string
		input                          []byte
		timeoutMs                      int64
		sourceLimit                    int
	)
	err = tx.QueryRow(ctx, `
		SELECT action_name, group_key, checksum, input, timeout_ms, concurrency_limit
		FROM jobs
		WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')
		FOR UPDATE
	`, jobID).Scan(&actionName, &groupKey, &checksum, &input, &timeoutMs, &sourceLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil // missing or not terminal: nothing to retry
		}
		return "", fmt.Errorf("failed to lock source job: %w", err)
	}

	var siblingExists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM jobs
			WHERE action_name = $1 AND group_key = $2 AND checksum = $3
			  AND input IS NOT DISTINCT FROM $4
			  AND status IN ('created', 'active')
		)
	`, actionName, groupKey, checksum, input).Scan(&siblingExists)
	if err != nil {
		return "", fmt.Errorf("failed to check for retry sibling: %w", err)
	}
	if siblingExists {
		return "", nil
	}

	// The newest non-expired job in the group defines the concurrency limit
	// the retry carries; fall back to the source's own limit.
	limit := sourceLimit
	err = tx.QueryRow(ctx, `
		SELECT concurrency_limit FROM jobs
		WHERE action_name = $1 AND group_key = $2
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, actionName, groupKey).Scan(&limit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to resolve concurrency limit: %w", err)
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job ID: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, action_name, group_key, status, checksum, input, timeout_ms, concurrency_limit)
		VALUES ($1, $2, $3, 'created', $4, $5, $6, $7)
	`, newID.String(), actionName, groupKey, checksum, input, timeoutMs, limit)
	if err != nil {
		return "", fmt.Errorf("failed to insert retry job: %w", err)
	}

	if err := notifyTx(ctx, tx, domain.TopicJobAvailable, domain.JobAvailable{JobID: newID.String()}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.DebugContext(ctx, "retried job", "source_job_id", jobID, "job_id", newID.String())
	return newID.String(), nil
}
