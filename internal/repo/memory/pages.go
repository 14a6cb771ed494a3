// Package memory holds in-process implementations of the repo interfaces
// for tests and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type PageStore struct {
	mu    sync.Mutex
	pages map[string]domain.Page
}

func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string]domain.Page)}
}

func (s *PageStore) Create(_ context.Context, page domain.Page) error {
	if s == nil {
		return fmt.Errorf("page store not initialized")
	}
	if err := page.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.Name]; exists {
		return fmt.Errorf("page %s: %w", page.Name, repo.ErrConflict)
	}
	if page.DateAdded.IsZero() {
		page.DateAdded = time.Now().UTC()
	}
	s.pages[page.Name] = clonePage(page)
	return nil
}

func (s *PageStore) Update(_ context.Context, page domain.Page) error {
	if s == nil {
		return fmt.Errorf("page store not initialized")
	}
	if err := page.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.Name]; !exists {
		return repo.ErrNotFound
	}
	s.pages[page.Name] = clonePage(page)
	return nil
}

func (s *PageStore) Get(_ context.Context, name string) (domain.Page, error) {
	if s == nil {
		return domain.Page{}, fmt.Errorf("page store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[strings.TrimSpace(name)]
	if !ok {
		return domain.Page{}, repo.ErrNotFound
	}
	return clonePage(page), nil
}

func (s *PageStore) GetByDisplayPath(_ context.Context, displayPath, commit string) (domain.Page, error) {
	if s == nil {
		return domain.Page{}, fmt.Errorf("page store not initialized")
	}
	displayPath = strings.Trim(strings.TrimSpace(displayPath), "/")
	commit = strings.TrimSpace(commit)
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found domain.Page
		ok    bool
	)
	for _, page := range s.pages {
		if page.IsDeleted() || page.GitHubCommit != commit || page.DisplayPath() != displayPath {
			continue
		}
		if !ok || page.DateAdded.After(found.DateAdded) {
			found, ok = page, true
		}
	}
	if !ok {
		return domain.Page{}, repo.ErrNotFound
	}
	return clonePage(found), nil
}

func (s *PageStore) List(_ context.Context, filter repo.PageFilter) ([]domain.Page, error) {
	if s == nil {
		return nil, fmt.Errorf("page store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Page, 0, len(s.pages))
	for _, page := range s.pages {
		if filter.GitHubOwner != "" && page.GitHubOwner != filter.GitHubOwner {
			continue
		}
		if filter.GitHubRepo != "" && page.GitHubRepo != filter.GitHubRepo {
			continue
		}
		if page.GitHubCommit != filter.Commit {
			continue
		}
		if filter.GitHubOnly && !page.IsGitHubBacked() {
			continue
		}
		if !filter.IncludeDeleted && page.IsDeleted() {
			continue
		}
		out = append(out, clonePage(page))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateAdded.Equal(out[j].DateAdded) {
			return out[i].Name < out[j].Name
		}
		return out[i].DateAdded.Before(out[j].DateAdded)
	})
	return out, nil
}

func (s *PageStore) SoftDelete(_ context.Context, name string, at time.Time) error {
	if s == nil {
		return fmt.Errorf("page store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[strings.TrimSpace(name)]
	if !ok || page.IsDeleted() {
		return repo.ErrNotFound
	}
	deleted := at.UTC()
	page.DateDeleted = &deleted
	s.pages[page.Name] = page
	return nil
}

func clonePage(page domain.Page) domain.Page {
	page.Tags = append([]string(nil), page.Tags...)
	page.Authors = append([]domain.Person(nil), page.Authors...)
	return page
}
