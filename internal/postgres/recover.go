package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/duron/internal/domain"
)

// RecoverJobs resets active jobs whose owners are believed dead back to
// created so they can be re-admitted.
//
// The caller's own orphaned jobs (same clientID from a previous life) are
// always suspect. Foreign owners are suspect only when they fail to answer a
// liveness ping within params.ProcessTimeout; without MultiProcessMode every
// foreign owner is presumed dead (single-process deployments have none that
// matter).
//
// Jobs whose stored checksum is unknown to this worker also lose their step
// rows: the action code changed and the step history is no longer
// trustworthy.
func (s *Store) RecoverJobs(ctx context.Context, clientID string, params domain.RecoverJobsParams) (int64, error) {
	foreign, err := s.activeForeignClients(ctx, clientID)
	if err != nil {
		return 0, err
	}

	suspects := []string{clientID}
	if params.MultiProcessMode {
		alive, err := s.pingClients(ctx, clientID, foreign, params.ProcessTimeout)
		if err != nil {
			return 0, err
		}
		for _, cid := range foreign {
			if !alive[cid] {
				suspects = append(suspects, cid)
			}
		}
	} else {
		suspects = append(suspects, foreign...)
	}

	return s.resetSuspectJobs(ctx, suspects, params.Checksums)
}

// activeForeignClients lists the distinct owners of active jobs other than
// the caller.
func (s *Store) activeForeignClients(ctx context.Context, clientID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT client_id FROM jobs
		WHERE status = 'active' AND client_id IS NOT NULL AND client_id <> $1
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active clients: %w", err)
	}
	defer rows.Close()

	var clients []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("failed to scan client id: %w", err)
		}
		clients = append(clients, cid)
	}
	return clients, rows.Err()
}

// pingClients probes each foreign client on its ping topic and collects pongs
// until every client answered or the timeout elapsed.
func (s *Store) pingClients(ctx context.Context, clientID string, targets []string, timeout time.Duration) (map[string]bool, error) {
	alive := make(map[string]bool, len(targets))
	if len(targets) == 0 {
		return alive, nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Subscribe before pinging so a fast pong cannot be missed.
	pongs, unsubscribe := s.Subscribe(domain.PongTopic(clientID))
	defer unsubscribe()

	for _, cid := range targets {
		if err := s.Notify(ctx, domain.PingTopic(cid), domain.Ping{From: clientID}); err != nil {
			return nil, err
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	pending := len(targets)
	expected := make(map[string]bool, len(targets))
	for _, cid := range targets {
		expected[cid] = true
	}

	for pending > 0 {
		select {
		case raw, ok := <-pongs:
			if !ok {
				return alive, nil
			}
			var pong domain.Pong
			if err := json.Unmarshal(raw, &pong); err != nil {
				slog.WarnContext(ctx, "malformed pong payload", "error", err)
				continue
			}
			if expected[pong.From] && !alive[pong.From] {
				alive[pong.From] = true
				pending--
			}
		case <-deadline.C:
			return alive, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return alive, nil
}

// resetSuspectJobs reclaims active jobs held by suspects in one transaction.
// Rows locked by a live worker mid-transition are skipped; the next recovery
// pass will see them.
func (s *Store) resetSuspectJobs(ctx context.Context, suspects, knownChecksums []string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, checksum FROM jobs
		WHERE status = 'active' AND client_id = ANY($1)
		FOR UPDATE SKIP LOCKED
	`, suspects)
	if err != nil {
		return 0, fmt.Errorf("failed to lock orphaned jobs: %w", err)
	}

	known := make(map[string]bool, len(knownChecksums))
	for _, c := range knownChecksums {
		known[c] = true
	}

	var all, stale []string
	for rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan orphaned job: %w", err)
		}
		all = append(all, id)
		if !known[checksum] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read orphaned jobs: %w", err)
	}

	if len(all) == 0 {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'created',
			started_at = NULL,
			expires_at = NULL,
			finished_at = NULL,
			output = NULL,
			error = NULL,
			client_id = NULL,
			updated_at = NOW()
		WHERE id = ANY($1)
	`, all)
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphaned jobs: %w", err)
	}

	if len(stale) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM job_steps WHERE job_id = ANY($1)`, stale); err != nil {
			return 0, fmt.Errorf("failed to purge stale step history: %w", err)
		}
	}

	for _, id := range all {
		if err := notifyTx(ctx, tx, domain.TopicJobAvailable, domain.JobAvailable{JobID: id}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "recovered orphaned jobs",
		"count", tag.RowsAffected(),
		"suspects", len(suspects),
		"purged_step_histories", len(stale))
	return tag.RowsAffected(), nil
}
