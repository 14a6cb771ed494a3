// Package worker drains the durable task queue: repository syncs, pull
// request checks, page executions and repository retirements. It also
// runs the computation tracker and the periodic repository rescan.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/env"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/service/checkrun"
	"github.com/lsst-sqre/times-square-go/internal/service/githubsync"
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease is how long a claimed task is hidden from other workers.
	Lease       time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// RescanInterval re-syncs every known repository. Zero disables it.
	RescanInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		PollInterval:   time.Second,
		Lease:          30 * time.Minute,
		MaxAttempts:    5,
		RetryDelay:     30 * time.Second,
		RescanInterval: time.Hour,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.Concurrency, err = env.Int("TS_WORKER_CONCURRENCY", cfg.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = env.Int("TS_TASK_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{key: "TS_WORKER_POLL_INTERVAL", dst: &cfg.PollInterval},
		{key: "TS_TASK_LEASE", dst: &cfg.Lease},
		{key: "TS_TASK_RETRY_DELAY", dst: &cfg.RetryDelay},
		{key: "TS_REPO_RESCAN_INTERVAL", dst: &cfg.RescanInterval},
	}
	for _, d := range durations {
		v, err := env.Duration(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New("TS_WORKER_CONCURRENCY must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("TS_WORKER_POLL_INTERVAL must be positive")
	}
	if c.Lease <= 0 {
		return errors.New("TS_TASK_LEASE must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("TS_TASK_MAX_ATTEMPTS must be positive")
	}
	if c.RetryDelay < 0 {
		return errors.New("TS_TASK_RETRY_DELAY must not be negative")
	}
	if c.RescanInterval < 0 {
		return errors.New("TS_REPO_RESCAN_INTERVAL must not be negative")
	}
	return nil
}

// Syncer is the repository side of the work. *githubsync.Service
// implements it.
type Syncer interface {
	SyncRepository(ctx context.Context, ref domain.RepositoryRef) (githubsync.SyncResult, error)
	RetireRepository(ctx context.Context, owner, repo string) (int, error)
	States(ctx context.Context) ([]domain.RepositorySyncState, error)
}

// PullRequestChecker publishes check runs. *checkrun.Reporter implements
// it.
type PullRequestChecker interface {
	Run(ctx context.Context, ref domain.RepositoryRef, headSHA string) (checkrun.Result, error)
}

// Pages executes pages and tracks their jobs. *pages.Service implements
// it.
type Pages interface {
	GetPage(ctx context.Context, name string) (domain.Page, error)
	ExecuteWithDefaults(ctx context.Context, page domain.Page) (domain.Computation, error)
	RunTracker(ctx context.Context)
}

type Pool struct {
	cfg     Config
	queue   repo.TaskQueue
	syncer  Syncer
	checker PullRequestChecker
	pages   Pages
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a pool. syncer and checker may be nil when GitHub is not
// configured; their tasks are then buried.
func New(cfg Config, queue repo.TaskQueue, pages Pages, syncer Syncer, checker PullRequestChecker, logger *slog.Logger) *Pool {
	if queue == nil || pages == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		queue:   queue,
		syncer:  syncer,
		checker: checker,
		pages:   pages,
		logger:  logger.With("component", "worker"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is done. It starts the computation tracker, the
// rescan loop and Concurrency task workers.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil {
		return errors.New("worker pool not initialized")
	}
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	start(p.pages.RunTracker)
	if p.cfg.RescanInterval > 0 && p.syncer != nil {
		start(p.rescan)
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		start(p.drain)
	}
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) drain(ctx context.Context) {
	for {
		worked, err := p.ProcessOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("task queue claim failed", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and handles a single task. It reports whether a task
// was available. Handler failures are recorded on the task, not returned.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	task, ok, err := p.queue.Claim(ctx, p.now(), p.cfg.Lease)
	if err != nil || !ok {
		return false, err
	}
	logger := p.logger.With("task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts)

	handleErr := p.handle(ctx, task)
	// Settle the task even when the pool is shutting down.
	settleCtx := context.WithoutCancel(ctx)
	if handleErr == nil {
		if err := p.queue.Complete(settleCtx, task.ID); err != nil {
			return true, fmt.Errorf("complete task %s: %w", task.ID, err)
		}
		logger.Info("task completed")
		return true, nil
	}

	retryAt := p.retryAt(task, handleErr)
	if retryAt == nil {
		logger.Error("task buried", "err", handleErr)
	} else {
		logger.Warn("task failed; will retry", "err", handleErr, "retry_at", retryAt)
	}
	if err := p.queue.Fail(settleCtx, task.ID, handleErr.Error(), retryAt); err != nil {
		return true, fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	return true, nil
}

// retryAt returns nil for failures that retrying cannot fix and for tasks
// out of attempts. Delays double with each attempt.
func (p *Pool) retryAt(task domain.Task, err error) *time.Time {
	if permanent(err) || task.Attempts >= p.cfg.MaxAttempts {
		return nil
	}
	delay := p.cfg.RetryDelay
	for i := 1; i < task.Attempts && delay < time.Hour; i++ {
		delay *= 2
	}
	at := p.now().Add(delay)
	return &at
}

var errUnconfigured = errors.New("github integration is not configured")

func permanent(err error) bool {
	var (
		owner   *domain.OwnershipRejectedError
		missing *domain.PageNotFoundError
		payload *payloadError
	)
	return errors.As(err, &owner) || errors.As(err, &missing) || errors.As(err, &payload) || errors.Is(err, errUnconfigured)
}

func (p *Pool) handle(ctx context.Context, task domain.Task) error {
	switch task.Kind {
	case domain.TaskSyncRepository:
		return p.syncRepository(ctx, task)
	case domain.TaskRetireRepository:
		return p.retireRepository(ctx, task)
	case domain.TaskCheckPullRequest:
		return p.checkPullRequest(ctx, task)
	case domain.TaskExecutePage:
		return p.executePage(ctx, task)
	default:
		return &payloadError{kind: task.Kind, err: errors.New("unknown task kind")}
	}
}

func (p *Pool) syncRepository(ctx context.Context, task domain.Task) error {
	if p.syncer == nil {
		return errUnconfigured
	}
	ref, err := decodeRepository(task)
	if err != nil {
		return err
	}
	res, err := p.syncer.SyncRepository(ctx, ref)
	if err != nil {
		return err
	}
	p.logger.Info("repository synced",
		"owner", ref.Owner,
		"repo", ref.Repo,
		"sha", res.HeadSHA,
		"created", len(res.Created),
		"updated", len(res.Updated),
		"deleted", len(res.Deleted),
		"errors", len(res.Errors),
	)
	return nil
}

func (p *Pool) retireRepository(ctx context.Context, task domain.Task) error {
	if p.syncer == nil {
		return errUnconfigured
	}
	ref, err := decodeRepository(task)
	if err != nil {
		return err
	}
	n, err := p.syncer.RetireRepository(ctx, ref.Owner, ref.Repo)
	if err != nil {
		return err
	}
	p.logger.Info("repository retired", "owner", ref.Owner, "repo", ref.Repo, "pages", n)
	return nil
}

func (p *Pool) checkPullRequest(ctx context.Context, task domain.Task) error {
	if p.checker == nil {
		return errUnconfigured
	}
	var payload domain.CheckPullRequestPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return &payloadError{kind: task.Kind, err: err}
	}
	if payload.Repository.Owner == "" || payload.Repository.Repo == "" || payload.HeadSHA == "" {
		return &payloadError{kind: task.Kind, err: errors.New("repository and head sha are required")}
	}
	_, err := p.checker.Run(ctx, payload.Repository, payload.HeadSHA)
	return err
}

func (p *Pool) executePage(ctx context.Context, task domain.Task) error {
	var payload domain.ExecutePagePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return &payloadError{kind: task.Kind, err: err}
	}
	page, err := p.pages.GetPage(ctx, payload.PageName)
	if err != nil {
		return err
	}
	_, err = p.pages.ExecuteWithDefaults(ctx, page)
	return err
}

func (p *Pool) rescan(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RescanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("repository rescan failed", "err", err)
			}
		}
	}
}

// RescanOnce queues a sync of every repository that has been synced
// before. Retired repositories are skipped.
func (p *Pool) RescanOnce(ctx context.Context) error {
	if p.syncer == nil {
		return errUnconfigured
	}
	states, err := p.syncer.States(ctx)
	if err != nil {
		return err
	}
	queued := 0
	for _, st := range states {
		if st.Status == domain.SyncStatusUnsynced && len(st.Paths) == 0 {
			continue
		}
		ref := domain.RepositoryRef{Owner: st.Owner, Repo: st.Repo}
		if _, err := EnqueueSync(ctx, p.queue, ref, "rescan"); err != nil {
			return err
		}
		queued++
	}
	p.logger.Info("repository rescan queued", "repositories", queued)
	return nil
}
