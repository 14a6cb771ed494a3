package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type PageStore struct {
	db DB
}

const pageColumns = `name, title, description, tags, authors, parameters, ipynb, content_hash,
	cache_ttl_seconds, timeout_seconds, uploader_username, date_added, date_deleted,
	github_owner, github_repo, github_commit, repository_path_prefix, repository_display_path_prefix,
	repository_path_stem, repository_source_extension, repository_sidecar_extension,
	repository_source_sha, repository_sidecar_sha, display_path`

const (
	insertPageQuery = `INSERT INTO pages (` + pageColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`

	updatePageQuery = `UPDATE pages SET
		title = $2,
		description = $3,
		tags = $4,
		authors = $5,
		parameters = $6,
		ipynb = $7,
		content_hash = $8,
		cache_ttl_seconds = $9,
		timeout_seconds = $10,
		uploader_username = $11,
		date_added = $12,
		date_deleted = $13,
		github_owner = $14,
		github_repo = $15,
		github_commit = $16,
		repository_path_prefix = $17,
		repository_display_path_prefix = $18,
		repository_path_stem = $19,
		repository_source_extension = $20,
		repository_sidecar_extension = $21,
		repository_source_sha = $22,
		repository_sidecar_sha = $23,
		display_path = $24
	WHERE name = $1`

	selectPageQuery = `SELECT ` + pageColumns + ` FROM pages WHERE name = $1`

	selectPageByDisplayPathQuery = `SELECT ` + pageColumns + ` FROM pages
	WHERE display_path = $1 AND COALESCE(github_commit, '') = $2 AND date_deleted IS NULL
	ORDER BY date_added DESC
	LIMIT 1`

	listPagesQuery = `SELECT ` + pageColumns + ` FROM pages
	WHERE ($1 = '' OR github_owner = $1)
	  AND ($2 = '' OR github_repo = $2)
	  AND COALESCE(github_commit, '') = $3
	  AND (NOT $4 OR github_owner IS NOT NULL)
	  AND ($5 OR date_deleted IS NULL)
	ORDER BY date_added ASC, name ASC`

	softDeletePageQuery = `UPDATE pages SET date_deleted = $2 WHERE name = $1 AND date_deleted IS NULL`
)

func NewPageStore(db DB) *PageStore {
	if db == nil {
		return nil
	}
	return &PageStore{db: db}
}

func (s *PageStore) Create(ctx context.Context, page domain.Page) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("page store not initialized")
	}
	args, err := pageArgs(page)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertPageQuery, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("page %s: %w", page.Name, repo.ErrConflict)
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *PageStore) Update(ctx context.Context, page domain.Page) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("page store not initialized")
	}
	args, err := pageArgs(page)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updatePageQuery, args...)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *PageStore) Get(ctx context.Context, name string) (domain.Page, error) {
	if s == nil || s.db == nil {
		return domain.Page{}, fmt.Errorf("page store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Page{}, fmt.Errorf("page name is required")
	}
	return scanPage(s.db.QueryRowContext(ctx, selectPageQuery, name))
}

func (s *PageStore) GetByDisplayPath(ctx context.Context, displayPath, commit string) (domain.Page, error) {
	if s == nil || s.db == nil {
		return domain.Page{}, fmt.Errorf("page store not initialized")
	}
	displayPath = strings.Trim(strings.TrimSpace(displayPath), "/")
	if displayPath == "" {
		return domain.Page{}, fmt.Errorf("display path is required")
	}
	return scanPage(s.db.QueryRowContext(ctx, selectPageByDisplayPathQuery, displayPath, strings.TrimSpace(commit)))
}

func (s *PageStore) List(ctx context.Context, filter repo.PageFilter) ([]domain.Page, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("page store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listPagesQuery,
		strings.TrimSpace(filter.GitHubOwner),
		strings.TrimSpace(filter.GitHubRepo),
		strings.TrimSpace(filter.Commit),
		filter.GitHubOnly,
		filter.IncludeDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	pages := make([]domain.Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

func (s *PageStore) SoftDelete(ctx context.Context, name string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("page store not initialized")
	}
	res, err := s.db.ExecContext(ctx, softDeletePageQuery, strings.TrimSpace(name), normalizeTime(at))
	if err != nil {
		return fmt.Errorf("soft delete page: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete page: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func pageArgs(page domain.Page) ([]any, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	tags := page.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	authors := page.Authors
	if authors == nil {
		authors = []domain.Person{}
	}
	authorsJSON, err := json.Marshal(authors)
	if err != nil {
		return nil, fmt.Errorf("encode authors: %w", err)
	}
	paramsJSON, err := json.Marshal(page.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return []any{
		page.Name,
		page.Title,
		nullIfEmpty(page.Description),
		tagsJSON,
		authorsJSON,
		paramsJSON,
		page.Ipynb,
		page.ContentHash,
		nullSeconds(page.CacheTTL),
		nullSeconds(page.Timeout),
		nullIfEmpty(page.UploaderUsername),
		normalizeTime(page.DateAdded),
		nullTime(page.DateDeleted),
		nullIfEmpty(page.GitHubOwner),
		nullIfEmpty(page.GitHubRepo),
		nullIfEmpty(page.GitHubCommit),
		nullIfEmpty(page.RepositoryPathPrefix),
		nullIfEmpty(page.RepositoryDisplayPathPrefix),
		nullIfEmpty(page.RepositoryPathStem),
		nullIfEmpty(page.RepositorySourceExtension),
		nullIfEmpty(page.RepositorySidecarExtension),
		nullIfEmpty(page.RepositorySourceSHA),
		nullIfEmpty(page.RepositorySidecarSHA),
		nullIfEmpty(page.DisplayPath()),
	}, nil
}

func scanPage(row scanner) (domain.Page, error) {
	var (
		page                              domain.Page
		description, uploader             sql.NullString
		tagsJSON, authorsJSON, paramsJSON []byte
		cacheTTL, timeout                 sql.NullInt64
		deleted                           sql.NullTime
		owner, repoName, commit           sql.NullString
		pathPrefix, displayPrefix, stem   sql.NullString
		sourceExt, sidecarExt, sourceSHA  sql.NullString
		sidecarSHA, displayPath           sql.NullString
	)
	if err := row.Scan(
		&page.Name,
		&page.Title,
		&description,
		&tagsJSON,
		&authorsJSON,
		&paramsJSON,
		&page.Ipynb,
		&page.ContentHash,
		&cacheTTL,
		&timeout,
		&uploader,
		&page.DateAdded,
		&deleted,
		&owner,
		&repoName,
		&commit,
		&pathPrefix,
		&displayPrefix,
		&stem,
		&sourceExt,
		&sidecarExt,
		&sourceSHA,
		&sidecarSHA,
		&displayPath,
	); err != nil {
		return domain.Page{}, handleNotFound(err)
	}
	if err := json.Unmarshal(tagsJSON, &page.Tags); err != nil {
		return domain.Page{}, fmt.Errorf("decode page tags: %w", err)
	}
	if err := json.Unmarshal(authorsJSON, &page.Authors); err != nil {
		return domain.Page{}, fmt.Errorf("decode page authors: %w", err)
	}
	page.Parameters = params.NewSchemas()
	if err := json.Unmarshal(paramsJSON, page.Parameters); err != nil {
		return domain.Page{}, fmt.Errorf("decode page parameters: %w", err)
	}
	page.Description = description.String
	page.UploaderUsername = uploader.String
	page.CacheTTL = durationPtr(cacheTTL)
	page.Timeout = durationPtr(timeout)
	page.DateAdded = page.DateAdded.UTC()
	page.DateDeleted = timePtr(deleted)
	page.GitHubOwner = owner.String
	page.GitHubRepo = repoName.String
	page.GitHubCommit = commit.String
	page.RepositoryPathPrefix = pathPrefix.String
	page.RepositoryDisplayPathPrefix = displayPrefix.String
	page.RepositoryPathStem = stem.String
	page.RepositorySourceExtension = sourceExt.String
	page.RepositorySidecarExtension = sidecarExt.String
	page.RepositorySourceSHA = sourceSHA.String
	page.RepositorySidecarSHA = sidecarSHA.String
	return page, nil
}
