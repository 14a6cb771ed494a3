package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/platform/auditlog"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/platform/httpserver"
	"github.com/lsst-sqre/times-square-go/internal/platform/noteburst"
	platformstore "github.com/lsst-sqre/times-square-go/internal/platform/objectstore"
	"github.com/lsst-sqre/times-square-go/internal/platform/postgres"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/repo/memory"
	pgrepo "github.com/lsst-sqre/times-square-go/internal/repo/postgres"
	"github.com/lsst-sqre/times-square-go/internal/service/checkrun"
	"github.com/lsst-sqre/times-square-go/internal/service/githubsync"
	"github.com/lsst-sqre/times-square-go/internal/service/pages"
	"github.com/lsst-sqre/times-square-go/internal/storage/htmlcache"
	"github.com/lsst-sqre/times-square-go/internal/storage/objectstore"
	"github.com/lsst-sqre/times-square-go/internal/worker"
)

type stores struct {
	pages        repo.PageRepository
	computations repo.ComputationRepository
	syncStates   repo.SyncStateRepository
	tasks        repo.TaskQueue
	html         repo.HTMLCache
	audit        auditlog.Recorder
	ready        []httpserver.ReadinessCheck
	close        func()
}

// app is the wired service graph shared by every command.
type app struct {
	logger   *slog.Logger
	stores   stores
	pagesCfg pages.Config
	github   github.Config
	pages    *pages.Service
	// syncer and checker stay nil when GitHub credentials are absent.
	syncer  *githubsync.Service
	checker *checkrun.Reporter
}

func newApp(ctx context.Context, storage string, logger *slog.Logger) (*app, error) {
	st, err := openStores(ctx, storage, logger)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, stores: st}
	if err := a.wire(ctx); err != nil {
		st.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	var err error
	if a.pagesCfg, err = pages.ConfigFromEnv(); err != nil {
		return fmt.Errorf("pages config: %w", err)
	}
	nbCfg, err := noteburst.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("noteburst config: %w", err)
	}
	nb, err := noteburst.New(nbCfg, nil)
	if err != nil {
		return fmt.Errorf("noteburst client: %w", err)
	}
	a.pages = pages.New(a.pagesCfg, a.stores.pages, a.stores.computations, a.stores.html, nb, a.logger)
	if a.pages == nil {
		return fmt.Errorf("page service not initialized")
	}

	if a.github, err = github.ConfigFromEnv(); err != nil {
		return fmt.Errorf("github config: %w", err)
	}
	if !a.github.Enabled() {
		a.logger.Warn("github credentials not configured; repository sync disabled")
		return nil
	}
	factory, err := github.NewFactory(a.github)
	if err != nil {
		return fmt.Errorf("github app: %w", err)
	}
	syncCfg, err := githubsync.ConfigFromEnv(a.github.AcceptedOrgs)
	if err != nil {
		return fmt.Errorf("github sync config: %w", err)
	}
	a.syncer = githubsync.New(syncCfg, githubsync.FactorySource(factory), a.pages, a.stores.pages, a.stores.syncStates, a.logger)
	if a.github.CheckRuns {
		a.checker = checkrun.New(a.pagesCfg.EnvironmentURL, checkrun.FactorySource(factory), a.syncer, a.logger)
	}
	return nil
}

// pool builds the task worker pool. Nil services are passed as nil
// interfaces so the pool can tell they are missing.
func (a *app) pool() (*worker.Pool, error) {
	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	var (
		syncer  worker.Syncer
		checker worker.PullRequestChecker
	)
	if a.syncer != nil {
		syncer = a.syncer
	}
	if a.checker != nil {
		checker = a.checker
	}
	p := worker.New(cfg, a.stores.tasks, a.pages, syncer, checker, a.logger)
	if p == nil {
		return nil, fmt.Errorf("worker pool not initialized")
	}
	return p, nil
}

func (a *app) Close() {
	a.stores.close()
}

func openStores(ctx context.Context, storage string, logger *slog.Logger) (stores, error) {
	if storage == storageMemory {
		return memoryStores(logger)
	}
	return postgresStores(ctx, logger)
}

func memoryStores(logger *slog.Logger) (stores, error) {
	cacheCfg, err := htmlcache.ConfigFromEnv("times-square-html")
	if err != nil {
		return stores{}, err
	}
	cache, err := htmlcache.New(objectstore.NewMemoryStore(), cacheCfg, logger)
	if err != nil {
		return stores{}, err
	}
	logger.Warn("using in-memory storage; state is lost on exit")
	return stores{
		pages:        memory.NewPageStore(),
		computations: memory.NewComputationStore(),
		syncStates:   memory.NewSyncStateStore(),
		tasks:        memory.NewTaskStore(),
		html:         cache,
		audit:        auditlog.NewLogRecorder(logger),
		close:        func() {},
	}, nil
}

func postgresStores(ctx context.Context, logger *slog.Logger) (stores, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return stores{}, fmt.Errorf("database config: %w", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return stores{}, fmt.Errorf("database unavailable: %w", err)
	}
	closeDB := func() { _ = db.Close() }
	if dbCfg.ApplySchema {
		if err := pgrepo.ApplySchema(ctx, db); err != nil {
			closeDB()
			return stores{}, err
		}
		logger.Info("database schema applied")
	}

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		closeDB()
		return stores{}, fmt.Errorf("object store config: %w", err)
	}
	client, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		closeDB()
		return stores{}, fmt.Errorf("object store client: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = platformstore.EnsureBucket(startupCtx, client, storeCfg)
	cancel()
	if err != nil {
		closeDB()
		return stores{}, fmt.Errorf("object store unavailable: %w", err)
	}
	minioStore, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		closeDB()
		return stores{}, err
	}
	cacheCfg, err := htmlcache.ConfigFromEnv(storeCfg.BucketHTML)
	if err != nil {
		closeDB()
		return stores{}, err
	}
	cache, err := htmlcache.New(minioStore, cacheCfg, logger)
	if err != nil {
		closeDB()
		return stores{}, err
	}

	return stores{
		pages:        pgrepo.NewPageStore(db),
		computations: pgrepo.NewComputationStore(db),
		syncStates:   pgrepo.NewSyncStateStore(db),
		tasks:        pgrepo.NewTaskStore(db),
		html:         cache,
		audit:        auditlog.NewPostgresRecorder(db),
		ready: []httpserver.ReadinessCheck{
			{Name: "postgres", Check: postgres.Ping(db, dbCfg.PingTimeout)},
			{Name: "object_store", Check: platformstore.CheckBucket(client, storeCfg)},
		},
		close: closeDB,
	}, nil
}
