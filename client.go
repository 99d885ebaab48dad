package duron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/duron/internal/domain"
	"github.com/rezkam/duron/internal/postgres"
)

// SyncPattern selects how a client learns about runnable jobs.
type SyncPattern string

const (
	// SyncPull polls the store on a fixed interval.
	SyncPull SyncPattern = "pull"
	// SyncPush reacts to job-available notifications.
	SyncPush SyncPattern = "push"
	// SyncHybrid does both: push for latency, pull as the safety net that
	// converges after dropped notifications.
	SyncHybrid SyncPattern = "hybrid"
	// SyncDisabled runs no sync loop; the client only enqueues and queries.
	SyncDisabled SyncPattern = "disabled"
)

// DatabaseConfig configures the PostgreSQL connection of a client-owned
// store.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Config tunes a worker client. Zero fields take the documented defaults.
type Config struct {
	// ID identifies this worker process for job ownership and liveness
	// pings. Defaults to a random UUID; give stable IDs only to processes
	// that are genuinely the same logical worker across restarts.
	ID string

	Database DatabaseConfig

	SyncPattern SyncPattern // default hybrid
	// PullInterval is the poll period of the pull loop. Default 5s.
	PullInterval time.Duration
	// BatchSize caps jobs claimed per pull. Default 10.
	BatchSize int

	// ActionConcurrencyLimit caps concurrently running handlers per action
	// on this worker. Default 100.
	ActionConcurrencyLimit int
	// GroupConcurrencyLimit is the cross-worker active-job cap applied to
	// groups whose action does not resolve its own. Default 10.
	GroupConcurrencyLimit int

	MigrateOnStart     bool
	RecoverJobsOnStart bool
	// MultiProcessMode makes recovery ping foreign workers before seizing
	// their jobs. Leave off for single-process deployments.
	MultiProcessMode bool
	// ProcessTimeout is how long recovery waits for a liveness pong.
	// Default 5s.
	ProcessTimeout time.Duration

	// Vars is handed to every handler via ActionContext.Vars.
	Vars any

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SyncPattern == "" {
		c.SyncPattern = SyncHybrid
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ActionConcurrencyLimit <= 0 {
		c.ActionConcurrencyLimit = 100
	}
	if c.GroupConcurrencyLimit <= 0 {
		c.GroupConcurrencyLimit = 10
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ActionMetadata describes a registered action for introspection surfaces.
type ActionMetadata struct {
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Checksum   string          `json:"checksum"`
	MockInput  json.RawMessage `json:"mockInput,omitempty"`
	MockOutput json.RawMessage `json:"mockOutput,omitempty"`
}

// Client is a worker process: it enqueues jobs, claims and executes them
// with its registered actions, and exposes the query surface.
type Client struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	actions  map[string]*Action
	managers map[string]*actionManager
	waiters  *jobWaiters

	mu         sync.Mutex
	started    bool
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// NewClient builds a client backed by its own PostgreSQL store. The
// connection is established in Start.
func NewClient(cfg Config, actions ...*Action) (*Client, error) {
	return newClient(nil, cfg, actions...)
}

// NewClientWithStore builds a client on an externally managed store. Used by
// tests and by deployments sharing one store across clients.
func NewClientWithStore(store Store, cfg Config, actions ...*Action) (*Client, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return newClient(store, cfg, actions...)
}

func newClient(store Store, cfg Config, actions ...*Action) (*Client, error) {
	cfg.applyDefaults()
	c := &Client{
		cfg:      cfg,
		store:    store,
		logger:   cfg.Logger.With("client_id", cfg.ID),
		actions:  make(map[string]*Action),
		managers: make(map[string]*actionManager),
		waiters:  newJobWaiters(),
	}
	for _, action := range actions {
		if err := c.RegisterAction(action); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterAction adds an action to the client. Must be called before Start.
func (c *Client) RegisterAction(action *Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("cannot register actions on a started client")
	}
	if err := action.normalize(); err != nil {
		return err
	}
	if _, dup := c.actions[action.Name]; dup {
		return fmt.Errorf("action %s is already registered", action.Name)
	}
	c.actions[action.Name] = action
	return nil
}

// Start connects the store, recovers orphaned jobs and launches the sync
// loops. Idempotent: a started client ignores further calls.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if c.store == nil {
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             c.cfg.Database.DSN,
			MaxOpenConns:    c.cfg.Database.MaxOpenConns,
			MaxIdleConns:    c.cfg.Database.MaxIdleConns,
			ConnMaxLifetime: c.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: c.cfg.Database.ConnMaxIdleTime,
			Migrate:         c.cfg.MigrateOnStart,
		})
		if err != nil {
			return err
		}
		c.store = store
	}
	if err := c.store.Start(ctx); err != nil {
		return err
	}

	for name, action := range c.actions {
		c.managers[name] = newActionManager(
			action, c.store, c.cfg.ID, c.cfg.ActionConcurrencyLimit, c.cfg.Vars, c.logger)
	}

	if c.cfg.RecoverJobsOnStart && len(c.actions) > 0 {
		checksums := make([]string, 0, len(c.actions))
		for _, action := range c.actions {
			checksums = append(checksums, action.Checksum())
		}
		recovered, err := c.store.RecoverJobs(ctx, c.cfg.ID, domain.RecoverJobsParams{
			Checksums:        checksums,
			MultiProcessMode: c.cfg.MultiProcessMode,
			ProcessTimeout:   c.cfg.ProcessTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
		if recovered > 0 {
			c.logger.InfoContext(ctx, "recovered orphaned jobs", "count", recovered)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel

	c.startLoop(func() { c.answerPings(loopCtx) })
	c.startLoop(func() { c.watchJobStatus(loopCtx) })

	runsJobs := len(c.actions) > 0
	if runsJobs && (c.cfg.SyncPattern == SyncPull || c.cfg.SyncPattern == SyncHybrid) {
		c.startLoop(func() { c.pullLoop(loopCtx) })
	}
	if runsJobs && (c.cfg.SyncPattern == SyncPush || c.cfg.SyncPattern == SyncHybrid) {
		c.startLoop(func() { c.pushLoop(loopCtx) })
	}

	c.started = true
	c.logger.InfoContext(ctx, "client started",
		"sync_pattern", string(c.cfg.SyncPattern),
		"actions", len(c.actions))
	return nil
}

// Stop shuts the client down: sync loops exit, running jobs are cancelled
// and persisted, outstanding waiters resolve with nil, and the store closes.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.loopCancel
	c.mu.Unlock()

	cancel()
	c.loopWG.Wait()

	for _, m := range c.managers {
		m.Stop()
	}
	c.waiters.closeAll()
	c.store.Stop()
	c.logger.Info("client stopped")
}

func (c *Client) startLoop(fn func()) {
	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		fn()
	}()
}

// === Sync loops ===

func (c *Client) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PullInterval)
	defer ticker.Stop()

	// Claim eagerly once at startup instead of waiting a full interval.
	c.fetchAndDispatch(ctx, c.cfg.BatchSize)
	for {
		select {
		case <-ticker.C:
			c.fetchAndDispatch(ctx, c.cfg.BatchSize)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) pushLoop(ctx context.Context) {
	events, unsubscribe := c.store.Subscribe(domain.TopicJobAvailable)
	defer unsubscribe()

	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
			// One announcement, one claim attempt. The admission check in
			// the store decides whether this worker actually gets it.
			c.fetchAndDispatch(ctx, 1)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) fetchAndDispatch(ctx context.Context, batch int) {
	jobs, err := c.store.Fetch(ctx, c.cfg.ID, batch)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.WarnContext(ctx, "failed to fetch jobs", "error", err)
		}
		return
	}

	for _, job := range jobs {
		manager, ok := c.managers[job.ActionName]
		if !ok {
			// Claimed a job this worker cannot run. Fail it rather than
			// sitting on the lease until it expires.
			serr := domain.SerializeError(NonRetriable(
				fmt.Errorf("action %s is not registered on worker %s", job.ActionName, c.cfg.ID)))
			if _, ferr := c.store.FailJob(ctx, job.ID, c.cfg.ID, serr); ferr != nil {
				c.logger.ErrorContext(ctx, "failed to fail unroutable job",
					"job_id", job.ID, "action", job.ActionName, "error", ferr)
			}
			continue
		}
		if err := manager.Push(ctx, job); err != nil {
			c.logger.WarnContext(ctx, "failed to schedule job", "job_id", job.ID, "error", err)
		}
	}
}

// answerPings responds to liveness probes from recovering peers.
func (c *Client) answerPings(ctx context.Context) {
	pings, unsubscribe := c.store.Subscribe(domain.PingTopic(c.cfg.ID))
	defer unsubscribe()

	for {
		select {
		case raw, ok := <-pings:
			if !ok {
				return
			}
			var ping domain.Ping
			if err := json.Unmarshal(raw, &ping); err != nil {
				c.logger.WarnContext(ctx, "malformed ping payload", "error", err)
				continue
			}
			err := c.store.Notify(ctx, domain.PongTopic(ping.From), domain.Pong{From: c.cfg.ID})
			if err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "failed to answer ping", "from", ping.From, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchJobStatus resolves WaitForJob callers from job-status-changed events.
func (c *Client) watchJobStatus(ctx context.Context) {
	events, unsubscribe := c.store.Subscribe(domain.TopicJobStatusChanged)
	defer unsubscribe()

	for {
		select {
		case raw, ok := <-events:
			if !ok {
				return
			}
			var change domain.JobStatusChanged
			if err := json.Unmarshal(raw, &change); err != nil {
				c.logger.WarnContext(ctx, "malformed job status payload", "error", err)
				continue
			}
			if !change.Status.Terminal() || !c.waiters.waiting(change.JobID) {
				continue
			}
			job, err := c.store.GetJobByID(ctx, change.JobID)
			if err != nil {
				c.logger.WarnContext(ctx, "failed to load finished job for waiter",
					"job_id", change.JobID, "error", err)
				continue
			}
			c.waiters.resolve(change.JobID, job)
		case <-ctx.Done():
			return
		}
	}
}

// === Enqueue and control ===

// RunAction validates input against the action's schema and enqueues a job.
// Returns the new job's ID; execution happens asynchronously on whichever
// worker claims it.
func (c *Client) RunAction(ctx context.Context, name string, input any) (string, error) {
	action, ok := c.actions[name]
	if !ok {
		return "", fmt.Errorf("action %s is not registered", name)
	}

	raw, err := marshalInput(input)
	if err != nil {
		return "", &ValidationError{Scope: "input", Err: err}
	}
	if action.Input != nil {
		if raw, err = action.Input.Validate("input", raw); err != nil {
			return "", err
		}
	}

	groupKey := "@default"
	concurrency := c.cfg.GroupConcurrencyLimit
	if action.Groups != nil {
		gctx := &GroupContext{ActionName: name, Input: raw}
		if action.Groups.GroupKey != nil {
			if key := action.Groups.GroupKey(gctx); key != "" {
				groupKey = key
			}
		}
		if action.Groups.Concurrency != nil {
			if limit := action.Groups.Concurrency(gctx); limit > 0 {
				concurrency = limit
			}
		}
	}

	jobID, err := c.store.CreateJob(ctx, domain.CreateJobParams{
		ActionName:       name,
		GroupKey:         groupKey,
		Input:            raw,
		TimeoutMs:        action.Expire.Milliseconds(),
		Checksum:         action.Checksum(),
		ConcurrencyLimit: concurrency,
	})
	if err != nil {
		return "", err
	}

	c.logger.DebugContext(ctx, "enqueued job", "job_id", jobID, "action", name, "group_key", groupKey)
	return jobID, nil
}

func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(input)
	}
}

// CancelJob cancels a job. A job running on this worker is aborted locally,
// which also persists the cancelled state; otherwise the record transitions
// directly and the owning worker observes it through its step guards.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, error) {
	for _, m := range c.managers {
		if m.CancelJob(jobID) {
			return true, nil
		}
	}
	return c.store.CancelJob(ctx, jobID)
}

// RetryJob re-enqueues a terminal job with the same input. Returns the new
// job ID, or "" when the job is not terminal or an equivalent job is already
// pending.
func (c *Client) RetryJob(ctx context.Context, jobID string) (string, error) {
	return c.store.RetryJob(ctx, jobID)
}

// DeleteJob removes a non-active job and its steps.
func (c *Client) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	return c.store.DeleteJob(ctx, jobID)
}

// DeleteJobs bulk-removes non-active jobs matching the filters.
func (c *Client) DeleteJobs(ctx context.Context, filters JobFilters) (int64, error) {
	return c.store.DeleteJobs(ctx, filters)
}

// WaitForJob blocks until the job reaches a terminal status, then returns its
// full record. Returns nil (no error) when the timeout elapses first, the
// caller's context is done or the client stops; only lookup failures error.
// A zero timeout waits until ctx is done.
func (c *Client) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (*Job, error) {
	done, cancel := c.waiters.register(jobID)
	defer cancel()

	// Check after registering so a finish between the two cannot be missed.
	job, err := c.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case job := <-done:
		return job, nil
	case <-expired:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// === Queries ===

func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return c.store.GetJobByID(ctx, jobID)
}

func (c *Client) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	return c.store.GetJobStatus(ctx, jobID)
}

func (c *Client) GetJobs(ctx context.Context, filters JobFilters, page Pagination, sort SortOrder) ([]*Job, error) {
	return c.store.GetJobs(ctx, filters, page, sort)
}

func (c *Client) GetJobSteps(ctx context.Context, jobID string, page Pagination, search StepSearch) ([]*JobStep, error) {
	return c.store.GetJobSteps(ctx, jobID, page, search)
}

func (c *Client) GetJobStep(ctx context.Context, stepID string) (*JobStep, error) {
	return c.store.GetJobStepByID(ctx, stepID)
}

func (c *Client) GetJobStepStatus(ctx context.Context, stepID string) (StepStatus, error) {
	return c.store.GetJobStepStatus(ctx, stepID)
}

// GetActions aggregates per-action job statistics from the store.
func (c *Client) GetActions(ctx context.Context) ([]*ActionStats, error) {
	return c.store.GetActions(ctx)
}

// GetActionsMetadata describes the registered actions, including mock
// payloads sampled from their schemas' example tags.
func (c *Client) GetActionsMetadata() ([]ActionMetadata, error) {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)

	metas := make([]ActionMetadata, 0, len(names))
	for _, name := range names {
		action := c.actions[name]
		meta := ActionMetadata{
			Name:     action.Name,
			Version:  action.Version,
			Checksum: action.Checksum(),
		}
		if action.Input != nil {
			mock, err := action.Input.Mock()
			if err != nil {
				return nil, fmt.Errorf("failed to mock input of %s: %w", action.Name, err)
			}
			meta.MockInput = mock
		}
		if action.Output != nil {
			mock, err := action.Output.Mock()
			if err != nil {
				return nil, fmt.Errorf("failed to mock output of %s: %w", action.Name, err)
			}
			meta.MockOutput = mock
		}
		metas = append(metas, meta)
	}
	return metas, nil
}
