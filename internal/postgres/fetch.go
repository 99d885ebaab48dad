package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/duron/internal/domain"
)

// admissionGroup is one (action_name, group_key) pair competing for headroom.
type admissionGroup struct {
	ActionName string
	GroupKey   string
}

// Fetch atomically claims up to batch created jobs for clientID, honoring
// per-(action_name, group_key) concurrency admission.
//
// The effective limit of a group is the concurrency_limit of its most
// recently created non-expired job, so operators reshape throughput by
// enqueueing new work.
//
// Admission to a group must serialize across fetchers: two transactions that
// each observe headroom before either commits would together overfill the
// group, and under READ COMMITTED neither one's claim is visible to the
// other's statement snapshot. Each eligible group is therefore guarded by an
// advisory transaction lock held until commit; the later fetcher blocks on
// it and then recomputes headroom against a snapshot that already contains
// the winner's claims. Locks are taken in sorted group order so concurrent
// fetchers cannot deadlock.
//
// Candidate rows are additionally taken FOR UPDATE SKIP LOCKED, and the
// final UPDATE re-verifies the active count against each claimed job's own
// stored limit, guarding against status transitions outside Fetch.
func (s *Store) Fetch(ctx context.Context, clientID string, batch int) ([]*domain.Job, error) {
	if batch <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	groups, err := eligibleGroups(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}

	actions := make([]string, len(groups))
	keys := make([]string, len(groups))
	for i, g := range groups {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1 || '|' || $2))`,
			g.ActionName, g.GroupKey); err != nil {
			return nil, fmt.Errorf("failed to lock group %s/%s: %w", g.ActionName, g.GroupKey, err)
		}
		actions[i] = g.ActionName
		keys[i] = g.GroupKey
	}

	// The claim statement runs under a fresh snapshot taken after every group
	// lock was acquired, so it recomputes headroom with all prior admitters'
	// commits visible. Only locked groups are considered: a group that became
	// eligible in between waits for the next fetch.
	rows, err := tx.Query(ctx, `
		WITH requested AS (
			SELECT * FROM unnest($3::text[], $4::text[]) AS r(action_name, group_key)
		),
		limits AS (
			SELECT DISTINCT ON (action_name, group_key)
				action_name, group_key, concurrency_limit
			FROM jobs
			WHERE expires_at IS NULL OR expires_at > NOW()
			ORDER BY action_name, group_key, created_at DESC, id DESC
		),
		actives AS (
			SELECT action_name, group_key, COUNT(*) AS active_count
			FROM jobs
			WHERE status = 'active'
			GROUP BY action_name, group_key
		),
		eligible AS (
			SELECT l.action_name, l.group_key,
				l.concurrency_limit - COALESCE(a.active_count, 0) AS headroom
			FROM limits l
			LEFT JOIN actives a USING (action_name, group_key)
			WHERE l.concurrency_limit > COALESCE(a.active_count, 0)
			  AND (l.action_name, l.group_key) IN (SELECT action_name, group_key FROM requested)
		),
		locked AS (
			SELECT id, action_name, group_key, created_at
			FROM jobs
			WHERE status = 'created'
			  AND (action_name, group_key) IN (SELECT action_name, group_key FROM eligible)
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
		),
		ranked AS (
			SELECT l.id, l.created_at, e.headroom,
				ROW_NUMBER() OVER (
					PARTITION BY l.action_name, l.group_key
					ORDER BY l.created_at, l.id
				) AS rank
			FROM locked l
			JOIN eligible e USING (action_name, group_key)
		),
		picked AS (
			SELECT id FROM ranked
			WHERE rank <= headroom
			ORDER BY created_at, id
			LIMIT $1
		)
		UPDATE jobs j
		SET status = 'active',
			started_at = NOW(),
			expires_at = NOW() + (j.timeout_ms * INTERVAL '1 millisecond'),
			client_id = $2,
			updated_at = NOW()
		FROM picked p
		WHERE j.id = p.id
		  AND (
			SELECT COUNT(*) FROM jobs a
			WHERE a.action_name = j.action_name
			  AND a.group_key = j.group_key
			  AND a.status = 'active'
		  ) < j.concurrency_limit
		RETURNING `+qualify("j", jobColumns),
		batch, clientID, actions, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed jobs: %w", err)
	}

	// RETURNING order is unspecified for multi-row UPDATEs; restore the
	// global admission order.
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	for _, job := range jobs {
		err := notifyTx(ctx, tx, domain.TopicJobStatusChanged, domain.JobStatusChanged{
			JobID:    job.ID,
			Status:   domain.JobStatusActive,
			ClientID: clientID,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return jobs, nil
}

// eligibleGroups lists, in sorted order, every group that currently has both
// created work and headroom under its effective limit.
func eligibleGroups(ctx context.Context, tx pgx.Tx) ([]admissionGroup, error) {
	rows, err := tx.Query(ctx, `
		WITH limits AS (
			SELECT DISTINCT ON (action_name, group_key)
				action_name, group_key, concurrency_limit
			FROM jobs
			WHERE expires_at IS NULL OR expires_at > NOW()
			ORDER BY action_name, group_key, created_at DESC, id DESC
		),
		actives AS (
			SELECT action_name, group_key, COUNT(*) AS active_count
			FROM jobs
			WHERE status = 'active'
			GROUP BY action_name, group_key
		)
		SELECT l.action_name, l.group_key
		FROM limits l
		LEFT JOIN actives a USING (action_name, group_key)
		WHERE l.concurrency_limit > COALESCE(a.active_count, 0)
		  AND EXISTS (
			SELECT 1 FROM jobs c
			WHERE c.status = 'created'
			  AND c.action_name = l.action_name
			  AND c.group_key = l.group_key
		  )
		ORDER BY l.action_name, l.group_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible groups: %w", err)
	}
	defer rows.Close()

	var groups []admissionGroup
	for rows.Next() {
		var g admissionGroup
		if err := rows.Scan(&g.ActionName, &g.GroupKey); err != nil {
			return nil, fmt.Errorf("failed to scan eligible group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
