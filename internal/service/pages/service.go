// Package pages owns page definitions and the computation of their HTML
// instances: parameter resolution, cache lookup, single-flight dispatch to
// noteburst, job tracking and status streaming.
package pages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/platform/noteburst"
	"github.com/lsst-sqre/times-square-go/internal/render"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

// Executor runs notebooks. *noteburst.Client implements it.
type Executor interface {
	Submit(ctx context.Context, ipynb string, timeout time.Duration) (noteburst.Job, error)
	Inspect(ctx context.Context, jobURL string) (noteburst.Job, error)
}

type Service struct {
	cfg          Config
	pages        repo.PageRepository
	computations repo.ComputationRepository
	cache        repo.HTMLCache
	exec         Executor
	broker       *Broker
	logger       *slog.Logger
	now          func() time.Time
}

func New(cfg Config, pages repo.PageRepository, computations repo.ComputationRepository, cache repo.HTMLCache, exec Executor, logger *slog.Logger) *Service {
	if pages == nil || computations == nil || cache == nil || exec == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:          cfg,
		pages:        pages,
		computations: computations,
		cache:        cache,
		exec:         exec,
		broker:       NewBroker(),
		logger:       logger.With("component", "pages"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// PageUpload is a page submitted through the API. Parameters are read
// from the notebook's times-square metadata when nil.
type PageUpload struct {
	Title            string
	Description      string
	Tags             []string
	Authors          []domain.Person
	Ipynb            string
	Parameters       *params.Schemas
	CacheTTL         *time.Duration
	Timeout          *time.Duration
	UploaderUsername string
}

func (s *Service) CreatePage(ctx context.Context, in PageUpload) (domain.Page, error) {
	schemas := in.Parameters
	if schemas == nil {
		nb, err := render.ParseNotebook(in.Ipynb)
		if err != nil {
			return domain.Page{}, err
		}
		schemas = params.NewSchemas()
		if _, err := nb.TimesSquareMetadata("parameters", schemas); err != nil {
			return domain.Page{}, &render.FormatError{Err: err}
		}
	}
	return s.AddPage(ctx, domain.Page{
		Title:            in.Title,
		Description:      in.Description,
		Tags:             in.Tags,
		Authors:          in.Authors,
		Ipynb:            in.Ipynb,
		Parameters:       schemas,
		CacheTTL:         in.CacheTTL,
		Timeout:          in.Timeout,
		UploaderUsername: in.UploaderUsername,
	})
}

// AddPage stores a new page and starts its default instance.
func (s *Service) AddPage(ctx context.Context, page domain.Page) (domain.Page, error) {
	if page.Name == "" {
		page.Name = domain.NewPageName()
	}
	if page.DateAdded.IsZero() {
		page.DateAdded = s.now()
	}
	if err := s.ValidatePage(&page); err != nil {
		return domain.Page{}, err
	}
	if err := s.pages.Create(ctx, page); err != nil {
		return domain.Page{}, fmt.Errorf("create page: %w", err)
	}
	s.logger.Info("page created", "page", page.Name, "display_path", page.DisplayPath())
	s.executeDefaultsQuietly(ctx, page)
	return page, nil
}

// UpdatePage replaces a page's definition. A content change purges every
// cached instance and re-executes the defaults.
func (s *Service) UpdatePage(ctx context.Context, page domain.Page) (domain.Page, error) {
	existing, err := s.livePage(ctx, page.Name)
	if err != nil {
		return domain.Page{}, err
	}
	page.DateAdded = existing.DateAdded
	if err := s.ValidatePage(&page); err != nil {
		return domain.Page{}, err
	}
	if err := s.pages.Update(ctx, page); err != nil {
		return domain.Page{}, fmt.Errorf("update page: %w", err)
	}
	if existing.ContentHash != page.ContentHash {
		if err := s.invalidate(ctx, page.Name); err != nil {
			return domain.Page{}, err
		}
		s.logger.Info("page content changed", "page", page.Name)
		s.executeDefaultsQuietly(ctx, page)
	}
	return page, nil
}

func (s *Service) SoftDeletePage(ctx context.Context, name string) error {
	if _, err := s.livePage(ctx, name); err != nil {
		return err
	}
	if err := s.pages.SoftDelete(ctx, name, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &domain.PageNotFoundError{Key: name}
		}
		return fmt.Errorf("soft delete page: %w", err)
	}
	s.logger.Info("page deleted", "page", name)
	return s.invalidate(ctx, name)
}

// ValidatePage checks a page definition and fills in its content hash.
// The notebook must parse and its templating must render with the default
// values.
func (s *Service) ValidatePage(page *domain.Page) error {
	if page.Parameters == nil {
		page.Parameters = params.NewSchemas()
	}
	if err := page.Validate(); err != nil {
		return &params.SchemaValidationError{Issues: []params.Issue{{Message: err.Error()}}}
	}
	defaults, err := params.Resolve(page.Parameters, nil, s.now())
	if err != nil {
		return err
	}
	if err := render.CheckTemplates(page.Ipynb, defaults); err != nil {
		return err
	}
	hash, err := domain.ComputeContentHash(page.Ipynb, page.Parameters)
	if err != nil {
		return err
	}
	page.ContentHash = hash
	return nil
}

func (s *Service) GetPage(ctx context.Context, name string) (domain.Page, error) {
	return s.livePage(ctx, name)
}

// ListPages summarizes every live page, excluding PR previews.
func (s *Service) ListPages(ctx context.Context) ([]domain.PageSummary, error) {
	pages, err := s.pages.List(ctx, repo.PageFilter{})
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	out := make([]domain.PageSummary, 0, len(pages))
	for _, p := range pages {
		out = append(out, domain.PageSummary{Name: p.Name, Title: p.Title, Tags: p.Tags, DisplayPath: p.DisplayPath()})
	}
	return out, nil
}

func (s *Service) GetGitHubBackedPage(ctx context.Context, displayPath string) (domain.Page, error) {
	return s.pageByDisplayPath(ctx, strings.Trim(displayPath, "/"), "")
}

func (s *Service) GetGitHubPRPage(ctx context.Context, owner, repoName, commit, pagePath string) (domain.Page, error) {
	if commit == "" {
		return domain.Page{}, &domain.PageNotFoundError{Key: pagePath}
	}
	return s.pageByDisplayPath(ctx, owner+"/"+repoName+"/"+strings.Trim(pagePath, "/"), commit)
}

// GitHubTree arranges GitHub-backed pages by display path. An empty
// commit selects the live pages of every repository.
func (s *Service) GitHubTree(ctx context.Context, owner, repoName, commit string) ([]*domain.GitHubNode, error) {
	pages, err := s.pages.List(ctx, repo.PageFilter{GitHubOwner: owner, GitHubRepo: repoName, Commit: commit, GitHubOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list github pages: %w", err)
	}
	return domain.BuildGitHubTree(pages), nil
}

func (s *Service) pageByDisplayPath(ctx context.Context, displayPath, commit string) (domain.Page, error) {
	page, err := s.pages.GetByDisplayPath(ctx, displayPath, commit)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && page.IsDeleted()) {
		return domain.Page{}, &domain.PageNotFoundError{Key: displayPath}
	}
	if err != nil {
		return domain.Page{}, fmt.Errorf("get page by display path: %w", err)
	}
	return page, nil
}

func (s *Service) livePage(ctx context.Context, name string) (domain.Page, error) {
	page, err := s.pages.Get(ctx, name)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && page.IsDeleted()) {
		return domain.Page{}, &domain.PageNotFoundError{Key: name}
	}
	if err != nil {
		return domain.Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

// invalidate supersedes a page's live computations before dropping its
// renders, so a job finishing in between cannot write a stale render back.
func (s *Service) invalidate(ctx context.Context, name string) error {
	if err := s.computations.InvalidatePage(ctx, name); err != nil {
		return fmt.Errorf("invalidate computations: %w", err)
	}
	if err := s.cache.DeletePrefix(ctx, domain.FingerprintPrefix(name)); err != nil {
		return fmt.Errorf("purge html cache: %w", err)
	}
	return nil
}

// ExecuteWithDefaults ensures the page's default instance is computed or
// in flight.
func (s *Service) ExecuteWithDefaults(ctx context.Context, page domain.Page) (domain.Computation, error) {
	values, err := params.Resolve(page.Parameters, nil, s.now())
	if err != nil {
		return domain.Computation{}, err
	}
	inst := domain.PageInstance{PageName: page.Name, Values: values}
	if _, err := s.cache.Get(ctx, domain.HTMLKey(inst.Fingerprint(), domain.DisplaySettings{HideCode: true})); err == nil {
		return s.currentComputation(ctx, inst.Fingerprint())
	}
	return s.ensureComputation(ctx, page, values)
}

func (s *Service) executeDefaultsQuietly(ctx context.Context, page domain.Page) {
	if _, err := s.ExecuteWithDefaults(ctx, page); err != nil {
		s.logger.Warn("default execution not started", "page", page.Name, "error", err)
	}
}

func (s *Service) currentComputation(ctx context.Context, fingerprint string) (domain.Computation, error) {
	c, err := s.computations.Get(ctx, fingerprint)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Computation{Fingerprint: fingerprint, State: domain.ComputationIdle}, nil
	}
	return c, err
}

// resolve turns a page name and raw query into the instance it names.
func (s *Service) resolve(ctx context.Context, name string, raw url.Values) (domain.Page, params.Values, domain.DisplaySettings, error) {
	page, err := s.livePage(ctx, name)
	if err != nil {
		return domain.Page{}, params.Values{}, domain.DisplaySettings{}, err
	}
	settings, err := domain.DisplaySettingsFromQuery(raw)
	if err != nil {
		return domain.Page{}, params.Values{}, domain.DisplaySettings{}, &params.SchemaValidationError{Issues: []params.Issue{{Parameter: "ts_hide_code", Message: err.Error()}}}
	}
	values, err := params.Resolve(page.Parameters, raw, s.now())
	if err != nil {
		return domain.Page{}, params.Values{}, domain.DisplaySettings{}, err
	}
	return page, values, settings, nil
}

func (s *Service) timeoutFor(page domain.Page) time.Duration {
	if page.Timeout != nil && *page.Timeout > 0 {
		return *page.Timeout
	}
	return s.cfg.DefaultTimeout
}

// staleAfter is how old an in-flight marker must be before a new request
// may replace it. It always outlasts the tracker's own deadline.
func (s *Service) staleAfter(timeout time.Duration) time.Duration {
	if floor := timeout + 2*s.cfg.TimeoutSlack; s.cfg.StaleJobLifetime < floor {
		return floor
	}
	return s.cfg.StaleJobLifetime
}

// HTMLURL is the public URL of an instance render.
func (s *Service) HTMLURL(pageName string, values params.Values, settings domain.DisplaySettings) string {
	q := values.QueryString()
	if q != "" {
		q += "&"
	}
	q += settings.QueryString()
	return s.cfg.EnvironmentURL + s.cfg.PathPrefix + "/v1/pages/" + url.PathEscape(pageName) + "/html?" + q
}
