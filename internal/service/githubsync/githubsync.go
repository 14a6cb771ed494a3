// Package githubsync keeps GitHub-backed pages in step with their
// repositories and validates pull requests against the same rules.
package githubsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/env"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

// Client is the read side of the GitHub API the synchronizer needs.
// *github.Client implements it.
type Client interface {
	GetRepository(ctx context.Context, owner, repo string) (github.Repository, error)
	GetBranch(ctx context.Context, owner, repo, branch string) (github.Branch, error)
	GetTree(ctx context.Context, owner, repo, sha string) (github.Tree, error)
	GetBlob(ctx context.Context, owner, repo, sha string) ([]byte, error)
	GetContents(ctx context.Context, owner, repo, filePath, ref string) ([]byte, error)
}

// ClientSource returns a client authorized for a repository.
type ClientSource func(ctx context.Context, ref domain.RepositoryRef) (Client, error)

// FactorySource authenticates through a GitHub App factory, using the
// installation named by the ref when it carries one.
func FactorySource(f *github.Factory) ClientSource {
	return func(ctx context.Context, ref domain.RepositoryRef) (Client, error) {
		if ref.InstallationID != 0 {
			return f.ForInstallation(ctx, ref.InstallationID)
		}
		return f.ForRepository(ctx, ref.Owner, ref.Repo)
	}
}

// PageService is the page lifecycle the synchronizer drives.
// *pages.Service implements it.
type PageService interface {
	ValidatePage(page *domain.Page) error
	AddPage(ctx context.Context, page domain.Page) (domain.Page, error)
	UpdatePage(ctx context.Context, page domain.Page) (domain.Page, error)
	SoftDeletePage(ctx context.Context, name string) error
	ExecuteWithDefaults(ctx context.Context, page domain.Page) (domain.Computation, error)
	WaitForComputation(ctx context.Context, fingerprint string) (domain.Computation, error)
}

type Config struct {
	AcceptedOrgs []string
	// CheckTimeout bounds the dry-run execution of a pull request check.
	CheckTimeout time.Duration
}

func ConfigFromEnv(acceptedOrgs []string) (Config, error) {
	timeout, err := env.Duration("TS_CHECK_RUN_TIMEOUT", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{AcceptedOrgs: acceptedOrgs, CheckTimeout: timeout}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.CheckTimeout <= 0 {
		return errors.New("TS_CHECK_RUN_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) ownerAccepted(owner string) bool {
	for _, org := range c.AcceptedOrgs {
		if strings.EqualFold(org, owner) {
			return true
		}
	}
	return false
}

type Service struct {
	cfg     Config
	clients ClientSource
	pages   PageService
	catalog repo.PageRepository
	states  repo.SyncStateRepository
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, clients ClientSource, pages PageService, catalog repo.PageRepository, states repo.SyncStateRepository, logger *slog.Logger) *Service {
	if clients == nil || pages == nil || catalog == nil || states == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		clients: clients,
		pages:   pages,
		catalog: catalog,
		states:  states,
		logger:  logger.With("component", "githubsync"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) checkOwner(owner string) error {
	if !s.cfg.ownerAccepted(owner) {
		return &domain.OwnershipRejectedError{Owner: owner, Allowed: s.cfg.AcceptedOrgs}
	}
	return nil
}

// States lists every repository the synchronizer has seen.
func (s *Service) States(ctx context.Context) ([]domain.RepositorySyncState, error) {
	return s.states.List(ctx)
}
