package githubsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/render"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/settingsfile"
)

// SyncResult lists what one sync changed, by display path.
type SyncResult struct {
	Owner     string                   `json:"owner"`
	Repo      string                   `json:"repo"`
	HeadSHA   string                   `json:"head_sha"`
	Created   []string                 `json:"created"`
	Updated   []string                 `json:"updated"`
	Unchanged []string                 `json:"unchanged"`
	Deleted   []string                 `json:"deleted"`
	Errors    []*domain.SyncParseError `json:"errors"`
}

// SyncRepository applies the head of a repository's branch (its default
// branch unless ref names one) to the catalog. Unchanged notebook and
// sidecar pairs are skipped; pages whose files disappeared are retired.
// A bad file is reported in the result and does not stop the sync.
func (s *Service) SyncRepository(ctx context.Context, ref domain.RepositoryRef) (SyncResult, error) {
	if err := s.checkOwner(ref.Owner); err != nil {
		return SyncResult{}, err
	}
	client, err := s.clients(ctx, ref)
	if err != nil {
		return SyncResult{}, fmt.Errorf("github client: %w", err)
	}

	state, err := s.states.Get(ctx, ref.Owner, ref.Repo)
	if errors.Is(err, repo.ErrNotFound) {
		state = domain.NewRepositorySyncState(ref.Owner, ref.Repo)
	} else if err != nil {
		return SyncResult{}, fmt.Errorf("load sync state: %w", err)
	}
	if state.Paths == nil {
		state.Paths = map[string]domain.SyncedPath{}
	}

	gitRef := ref.Ref
	if gitRef == "" {
		info, err := client.GetRepository(ctx, ref.Owner, ref.Repo)
		if err != nil {
			return SyncResult{}, fmt.Errorf("get repository: %w", err)
		}
		gitRef = info.DefaultBranch
	}
	branch, err := client.GetBranch(ctx, ref.Owner, ref.Repo, gitRef)
	if err != nil {
		return SyncResult{}, fmt.Errorf("get branch %s: %w", gitRef, err)
	}
	headSHA := branch.Commit.SHA
	result := SyncResult{Owner: ref.Owner, Repo: ref.Repo, HeadSHA: headSHA}
	logger := s.logger.With("owner", ref.Owner, "repo", ref.Repo, "ref", gitRef, "sha", headSHA)

	previous := state.Status
	state.GitRef = gitRef
	state.Status = domain.SyncStatusSyncing
	if err := s.states.Put(ctx, state); err != nil {
		return SyncResult{}, fmt.Errorf("save sync state: %w", err)
	}
	logger.Info("repository sync started")

	settings, err := loadRepoSettings(ctx, client, ref.Owner, ref.Repo, headSHA)
	if err != nil {
		var perr *domain.SyncParseError
		if !errors.As(err, &perr) {
			return result, err
		}
		// Leave the catalog as it was; the next push retries.
		result.Errors = append(result.Errors, perr)
		logger.Warn("repository settings rejected", "error", perr)
		if previous == domain.SyncStatusSyncing {
			previous = domain.SyncStatusUnsynced
		}
		state.Status = previous
		return result, s.states.Put(ctx, state)
	}

	next := map[string]domain.SyncedPath{}
	if settings.Enabled {
		tree, err := client.GetTree(ctx, ref.Owner, ref.Repo, headSHA)
		if err != nil {
			return result, fmt.Errorf("get tree: %w", err)
		}
		if tree.Truncated {
			logger.Warn("git tree truncated; some notebooks may be missed")
		}
		for _, pair := range findNotebooks(ref.Owner, ref.Repo, tree, settings) {
			if err := s.syncPair(ctx, client, ref, settings, pair, state, next, &result); err != nil {
				return result, err
			}
		}
	} else {
		logger.Info("repository disabled by settings; retiring its pages")
	}

	for displayPath, prev := range state.Paths {
		if _, kept := next[displayPath]; kept {
			continue
		}
		if err := s.retire(ctx, prev.PageName); err != nil {
			return result, err
		}
		result.Deleted = append(result.Deleted, displayPath)
	}

	synced := s.now()
	state.Paths = next
	state.HeadSHA = headSHA
	state.Status = domain.SyncStatusSynced
	state.LastSynced = &synced
	if err := s.states.Put(ctx, state); err != nil {
		return result, fmt.Errorf("save sync state: %w", err)
	}
	logger.Info("repository synced",
		"created", len(result.Created),
		"updated", len(result.Updated),
		"unchanged", len(result.Unchanged),
		"deleted", len(result.Deleted),
		"errors", len(result.Errors),
	)
	return result, nil
}

// syncPair applies one notebook pair, recording its outcome in next.
// Only storage failures are returned.
func (s *Service) syncPair(ctx context.Context, client Client, ref domain.RepositoryRef, settings settingsfile.RepoSettings, pair notebookPair, state domain.RepositorySyncState, next map[string]domain.SyncedPath, result *SyncResult) error {
	prev, known := state.Paths[pair.DisplayPath]
	if known && prev.NotebookSHA == pair.Notebook.SHA && prev.SidecarSHA == pair.Sidecar.SHA {
		next[pair.DisplayPath] = prev
		result.Unchanged = append(result.Unchanged, pair.DisplayPath)
		return nil
	}
	keepPrevious := func() {
		if known {
			next[pair.DisplayPath] = prev
		}
	}

	page, enabled, err := s.loadPage(ctx, client, ref.Owner, ref.Repo, "", settings, pair)
	if err != nil {
		perr, _ := describe(pair.Notebook.Path, err)
		if perr == nil {
			return err
		}
		result.Errors = append(result.Errors, perr)
		s.logger.Warn("notebook skipped", "path", perr.Path, "error", perr.Message)
		keepPrevious()
		return nil
	}

	existing, found, err := s.existingPage(ctx, pair.DisplayPath, "", prev.PageName)
	if err != nil {
		return err
	}
	if !enabled {
		// Not carried into next: the sweep retires the page.
		if found && !known {
			if err := s.retire(ctx, existing.Name); err != nil {
				return err
			}
			result.Deleted = append(result.Deleted, pair.DisplayPath)
		}
		return nil
	}

	if found {
		page.Name = existing.Name
		page.UploaderUsername = existing.UploaderUsername
		if _, err := s.pages.UpdatePage(ctx, page); err != nil {
			return s.pageError(err, pair, result, keepPrevious)
		}
		result.Updated = append(result.Updated, pair.DisplayPath)
	} else {
		created, err := s.pages.AddPage(ctx, page)
		if err != nil {
			return s.pageError(err, pair, result, keepPrevious)
		}
		page.Name = created.Name
		result.Created = append(result.Created, pair.DisplayPath)
	}
	next[pair.DisplayPath] = domain.SyncedPath{
		NotebookSHA: pair.Notebook.SHA,
		SidecarSHA:  pair.Sidecar.SHA,
		PageName:    page.Name,
	}
	return nil
}

// loadPage fetches and parses a pair. It reports whether the sidecar
// leaves the page enabled. Sidecar and fetch problems come back as a
// *domain.SyncParseError, notebook problems as the validation error.
func (s *Service) loadPage(ctx context.Context, client Client, owner, repoName, commit string, settings settingsfile.RepoSettings, pair notebookPair) (domain.Page, bool, error) {
	sidecarData, err := client.GetBlob(ctx, owner, repoName, pair.Sidecar.SHA)
	if err != nil {
		return domain.Page{}, false, &domain.SyncParseError{Path: pair.Sidecar.Path, Message: fmt.Sprintf("fetch sidecar: %v", err)}
	}
	sidecar, err := settingsfile.ParseSidecar(pair.Sidecar.Path, sidecarData)
	if err != nil {
		return domain.Page{}, false, asParseError(pair.Sidecar.Path, err)
	}
	if !sidecar.Enabled {
		return domain.Page{}, false, nil
	}
	ipynb, err := client.GetBlob(ctx, owner, repoName, pair.Notebook.SHA)
	if err != nil {
		return domain.Page{}, false, &domain.SyncParseError{Path: pair.Notebook.Path, Message: fmt.Sprintf("fetch notebook: %v", err)}
	}
	page := buildPage(owner, repoName, commit, settings, pair, sidecar, ipynb)
	page.Name = domain.NewPageName()
	if err := s.pages.ValidatePage(&page); err != nil {
		return domain.Page{}, false, err
	}
	page.Name = ""
	return page, true, nil
}

func (s *Service) existingPage(ctx context.Context, displayPath, commit, name string) (domain.Page, bool, error) {
	if name != "" {
		page, err := s.catalog.Get(ctx, name)
		if err == nil && !page.IsDeleted() {
			return page, true, nil
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Page{}, false, fmt.Errorf("get page: %w", err)
		}
	}
	page, err := s.catalog.GetByDisplayPath(ctx, displayPath, commit)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Page{}, false, nil
	}
	if err != nil {
		return domain.Page{}, false, fmt.Errorf("get page by display path: %w", err)
	}
	return page, !page.IsDeleted(), nil
}

// pageError records validation failures from the page service against
// the notebook and passes storage failures through.
func (s *Service) pageError(err error, pair notebookPair, result *SyncResult, keepPrevious func()) error {
	perr, _ := describe(pair.Notebook.Path, err)
	if perr == nil {
		return err
	}
	result.Errors = append(result.Errors, perr)
	keepPrevious()
	return nil
}

func (s *Service) retire(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	err := s.pages.SoftDeletePage(ctx, name)
	var notFound *domain.PageNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("retire page %s: %w", name, err)
	}
	return nil
}

// RetireRepository soft-deletes every live page of a repository the app
// can no longer see and forgets its snapshot.
func (s *Service) RetireRepository(ctx context.Context, owner, repoName string) (int, error) {
	pages, err := s.catalog.List(ctx, repo.PageFilter{GitHubOwner: owner, GitHubRepo: repoName, GitHubOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list repository pages: %w", err)
	}
	for _, page := range pages {
		if err := s.retire(ctx, page.Name); err != nil {
			return 0, err
		}
	}
	state := domain.NewRepositorySyncState(owner, repoName)
	if err := s.states.Put(ctx, state); err != nil {
		return 0, fmt.Errorf("reset sync state: %w", err)
	}
	s.logger.Info("repository retired", "owner", owner, "repo", repoName, "pages", len(pages))
	return len(pages), nil
}

func loadRepoSettings(ctx context.Context, client Client, owner, repoName, sha string) (settingsfile.RepoSettings, error) {
	data, err := client.GetContents(ctx, owner, repoName, settingsfile.RepoSettingsPath, sha)
	if errors.Is(err, github.ErrNotFound) {
		return settingsfile.DefaultRepoSettings(), nil
	}
	if err != nil {
		return settingsfile.RepoSettings{}, fmt.Errorf("get %s: %w", settingsfile.RepoSettingsPath, err)
	}
	settings, err := settingsfile.ParseRepoSettings(data)
	if err != nil {
		return settingsfile.RepoSettings{}, asParseError(settingsfile.RepoSettingsPath, err)
	}
	return settings, nil
}

func asParseError(file string, err error) *domain.SyncParseError {
	var perr *domain.SyncParseError
	if errors.As(err, &perr) {
		return perr
	}
	return &domain.SyncParseError{Path: file, Message: err.Error()}
}

// describe maps a file problem onto a parse error and an annotation
// title. It returns nil for errors that are not about file content.
func describe(file string, err error) (*domain.SyncParseError, string) {
	var (
		parseErr    *domain.SyncParseError
		formatErr   *render.FormatError
		templateErr *render.TemplateRenderError
		schemaErr   *params.SchemaValidationError
		dynamicErr  *params.DynamicDefaultSyntaxError
	)
	switch {
	case errors.As(err, &parseErr):
		return parseErr, "YAML error"
	case errors.As(err, &formatErr):
		return &domain.SyncParseError{Path: file, Message: formatErr.Error()}, "Error loading notebook"
	case errors.As(err, &templateErr):
		msg := fmt.Sprintf("templating error in cell %d: %s", templateErr.CellIndex, templateErr.Message)
		return &domain.SyncParseError{Path: file, Message: msg}, "Notebook templating error"
	case errors.As(err, &schemaErr):
		return &domain.SyncParseError{Path: file, Message: schemaErr.Error()}, "Invalid notebook parameters"
	case errors.As(err, &dynamicErr):
		return &domain.SyncParseError{Path: file, Message: dynamicErr.Error()}, "Invalid notebook parameters"
	default:
		return nil, ""
	}
}
