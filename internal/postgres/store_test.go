package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/duron/internal/domain"
)

// testStore connects to the database named by DURON_TEST_DSN, migrates it and
// truncates both tables. Tests are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DURON_TEST_DSN")
	if dsn == "" {
		t.Skip("DURON_TEST_DSN not set; skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn, Migrate: true})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)

	_, err = s.pool.Exec(ctx, `TRUNCATE jobs CASCADE`)
	require.NoError(t, err)
	return s
}

// openStore opens a second Store on the same test database, simulating
// another worker process. The schema and truncation are testStore's job.
func openStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, Config{DSN: os.Getenv("DURON_TEST_DSN")})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)
	return s
}

func createTestJob(t *testing.T, s *Store, group string, limit int) string {
	t.Helper()
	id, err := s.CreateJob(context.Background(), domain.CreateJobParams{
		ActionName:       "test-action",
		GroupKey:         group,
		Input:            []byte(`{"n":1}`),
		TimeoutMs:        60_000,
		Checksum:         "checksum-1",
		ConcurrencyLimit: limit,
	})
	require.NoError(t, err)
	return id
}

func TestCreateAndFetchJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID := createTestJob(t, s, "g1", 10)

	jobs, err := s.Fetch(ctx, "worker-1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, domain.JobStatusActive, job.Status)
	require.NotNil(t, job.ClientID)
	assert.Equal(t, "worker-1", *job.ClientID)
	require.NotNil(t, job.ExpiresAt)
	assert.True(t, job.ExpiresAt.After(time.Now()))
	require.NotNil(t, job.StartedAt)
}

func TestFetchHonorsGroupConcurrencyLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := createTestJob(t, s, "serial", 1)
	createTestJob(t, s, "serial", 1)

	jobs, err := s.Fetch(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "group with limit 1 must admit one job")
	assert.Equal(t, first, jobs[0].ID, "oldest job wins admission")

	// Nothing more while the first is active.
	jobs, err = s.Fetch(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	ok, err := s.CompleteJob(ctx, first, "worker-1", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err = s.Fetch(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "finishing the first admits the second")
}

func TestFetchConcurrentAdmissionHonorsGroupLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		createTestJob(t, s, "serial", 1)
	}

	// Concurrent fetchers race for the same limit-1 group. Each runs on its
	// own pool connection; admission must still let exactly one through.
	const fetchers = 4
	claimed := make(chan int, fetchers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			jobs, err := s.Fetch(ctx, worker, fetchers)
			assert.NoError(t, err)
			claimed <- len(jobs)
		}(fmt.Sprintf("worker-%d", i))
	}
	close(start)
	wg.Wait()
	close(claimed)

	total := 0
	for n := range claimed {
		total += n
	}
	assert.Equal(t, 1, total, "a limit-1 group admits one job across all fetchers")

	var active int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'active'`).Scan(&active))
	assert.Equal(t, 1, active)
}

func TestFetchOrdersByCreation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := createTestJob(t, s, "g1", 10)
	b := createTestJob(t, s, "g1", 10)
	c := createTestJob(t, s, "g1", 10)

	jobs, err := s.Fetch(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{a, b, c}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}

func TestCompleteJobRequiresOwnership(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createTestJob(t, s, "g1", 10)
	jobs, err := s.Fetch(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	ok, err := s.CompleteJob(ctx, jobs[0].ID, "impostor", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok, "a non-owner must not complete the job")

	ok, err = s.CompleteJob(ctx, jobs[0].ID, "worker-1", []byte(`{"done":true}`))
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := s.GetJobByID(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"done":true}`, string(job.Output))
}

func TestCancelCreatedJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID := createTestJob(t, s, "g1", 10)
	ok, err := s.CancelJob(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := s.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, status)

	// Terminal jobs cannot be cancelled again.
	ok, err = s.CancelJob(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryJobCreatesSiblingOncePerTerminalRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID := createTestJob(t, s, "g1", 10)
	_, err := s.CancelJob(ctx, jobID)
	require.NoError(t, err)

	newID, err := s.RetryJob(ctx, jobID)
	require.NoError(t, err)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, jobID, newID)

	// An equivalent pending job suppresses a second retry.
	again, err := s.RetryJob(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStepLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createTestJob(t, s, "g1", 10)
	jobs, err := s.Fetch(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobID := jobs[0].ID

	rec, err := s.CreateOrRecoverJobStep(ctx, domain.CreateOrRecoverStepParams{
		JobID:        jobID,
		Name:         "fetch-data",
		TimeoutMs:    30_000,
		RetriesLimit: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsNew)
	assert.Equal(t, domain.StepStatusActive, rec.Status)

	ok, err := s.CompleteJobStep(ctx, rec.ID, []byte(`{"rows":9}`))
	require.NoError(t, err)
	require.True(t, ok)

	// Re-entry returns the terminal row untouched.
	replay, err := s.CreateOrRecoverJobStep(ctx, domain.CreateOrRecoverStepParams{
		JobID:        jobID,
		Name:         "fetch-data",
		TimeoutMs:    30_000,
		RetriesLimit: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.False(t, replay.IsNew)
	assert.Equal(t, domain.StepStatusCompleted, replay.Status)
	assert.JSONEq(t, `{"rows":9}`, string(replay.Output))
}

func TestStepOnInactiveJobReturnsNil(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID := createTestJob(t, s, "g1", 10) // created, never claimed
	rec, err := s.CreateOrRecoverJobStep(ctx, domain.CreateOrRecoverStepParams{
		JobID: jobID, Name: "fetch", TimeoutMs: 1000, RetriesLimit: 1,
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDelayJobStepTracksRetries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createTestJob(t, s, "g1", 10)
	jobs, err := s.Fetch(ctx, "worker-1", 1)
	require.NoError(t, err)
	jobID := jobs[0].ID

	rec, err := s.CreateOrRecoverJobStep(ctx, domain.CreateOrRecoverStepParams{
		JobID: jobID, Name: "flaky", TimeoutMs: 30_000, RetriesLimit: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	ok, err := s.DelayJobStep(ctx, rec.ID,
		&domain.SerializedError{Name: "Error", Message: "transient"}, 1500)
	require.NoError(t, err)
	require.True(t, ok)

	step, err := s.GetJobStepByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, step.RetriesCount)
	require.NotNil(t, step.DelayedMs)
	assert.Equal(t, int64(1500), *step.DelayedMs)
	require.Len(t, step.HistoryFailedAttempts, 1)
	for _, attempt := range step.HistoryFailedAttempts {
		assert.Equal(t, "transient", attempt.Error.Message)
		assert.Equal(t, int64(1500), attempt.DelayedMs)
	}
}

func TestRecoverJobsResetsOwnOrphans(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createTestJob(t, s, "g1", 10)
	jobs, err := s.Fetch(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobID := jobs[0].ID

	// Same client restarting: its active jobs are orphans of its past life.
	count, err := s.RecoverJobs(ctx, "worker-1", domain.RecoverJobsParams{
		Checksums: []string{"checksum-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	job, err := s.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCreated, job.Status)
	assert.Nil(t, job.ClientID)
	assert.Nil(t, job.ExpiresAt)
}

func TestRecoverJobsMultiProcessSparesLiveOwners(t *testing.T) {
	s := testStore(t)
	owner := openStore(t)
	ctx := context.Background()

	liveJob := createTestJob(t, s, "live-g", 1)
	jobs, err := owner.Fetch(ctx, "alive", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, liveJob, jobs[0].ID)

	deadJob := createTestJob(t, s, "dead-g", 1)
	jobs, err = s.Fetch(ctx, "dead", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, deadJob, jobs[0].ID)

	// The live owner answers pings; the dead one never will.
	pings, unsubscribe := owner.Subscribe(domain.PingTopic("alive"))
	defer unsubscribe()
	respCtx, stopResponder := context.WithCancel(ctx)
	defer stopResponder()
	go func() {
		for {
			select {
			case raw, ok := <-pings:
				if !ok {
					return
				}
				var ping domain.Ping
				if json.Unmarshal(raw, &ping) != nil {
					continue
				}
				_ = owner.Notify(respCtx, domain.PongTopic(ping.From), domain.Pong{From: "alive"})
			case <-respCtx.Done():
				return
			}
		}
	}()

	count, err := s.RecoverJobs(ctx, "recoverer", domain.RecoverJobsParams{
		Checksums:        []string{"checksum-1"},
		MultiProcessMode: true,
		ProcessTimeout:   3 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "only the silent owner's job is reclaimed")

	status, err := s.GetJobStatus(ctx, liveJob)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusActive, status, "a ponging owner keeps its job")

	status, err = s.GetJobStatus(ctx, deadJob)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCreated, status, "the silent owner's job is reset")
}

func TestRecoverJobsPurgesStaleStepHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createTestJob(t, s, "g1", 10)
	jobs, err := s.Fetch(ctx, "worker-1", 1)
	require.NoError(t, err)
	jobID := jobs[0].ID

	rec, err := s.CreateOrRecoverJobStep(ctx, domain.CreateOrRecoverStepParams{
		JobID: jobID, Name: "fetch", TimeoutMs: 30_000, RetriesLimit: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Recover with a different checksum set: the action code changed.
	_, err = s.RecoverJobs(ctx, "worker-1", domain.RecoverJobsParams{
		Checksums: []string{"different-checksum"},
	})
	require.NoError(t, err)

	steps, err := s.GetJobSteps(ctx, jobID, domain.Pagination{}, domain.StepSearch{})
	require.NoError(t, err)
	assert.Empty(t, steps, "steps of unknown checksums must be purged")
}

func TestNotifySubscribeRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	events, unsubscribe := s.Subscribe("test-topic")
	defer unsubscribe()

	require.NoError(t, s.Notify(ctx, "test-topic", map[string]string{"k": "v"}))

	select {
	case raw := <-events:
		var payload map[string]string
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "v", payload["k"])
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestDeleteJobsFiltersAndSparesActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doneID := createTestJob(t, s, "g1", 10)
	_, err := s.CancelJob(ctx, doneID)
	require.NoError(t, err)

	createTestJob(t, s, "g1", 10)
	jobs, err := s.Fetch(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	deleted, err := s.DeleteJobs(ctx, domain.JobFilters{ActionNames: []string{"test-action"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted, "only the terminal job is deleted")

	status, err := s.GetJobStatus(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusActive, status)
}
