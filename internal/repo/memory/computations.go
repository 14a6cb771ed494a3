package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type ComputationStore struct {
	mu   sync.Mutex
	rows map[string]domain.Computation
}

func NewComputationStore() *ComputationStore {
	return &ComputationStore{rows: make(map[string]domain.Computation)}
}

func (s *ComputationStore) Claim(_ context.Context, c domain.Computation, staleBefore time.Time) (domain.Computation, bool, error) {
	if s == nil {
		return domain.Computation{}, false, fmt.Errorf("computation store not initialized")
	}
	if c.Fingerprint == "" {
		return domain.Computation{}, false, fmt.Errorf("fingerprint is required")
	}
	if c.PageName == "" {
		return domain.Computation{}, false, fmt.Errorf("page name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var generation int64 = 1
	if existing, ok := s.rows[c.Fingerprint]; ok {
		if !existing.State.Terminal() && !existing.EnqueuedAt.Before(staleBefore) {
			return existing, false, nil
		}
		generation = existing.Generation + 1
	}
	enqueuedAt := c.EnqueuedAt.UTC()
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	claimed := domain.Computation{
		Fingerprint:   c.Fingerprint,
		PageName:      c.PageName,
		Query:         c.Query,
		Generation:    generation,
		JobGeneration: generation,
		State:         domain.ComputationQueued,
		Timeout:       c.Timeout,
		EnqueuedAt:    enqueuedAt,
	}
	s.rows[c.Fingerprint] = claimed
	return claimed, true, nil
}

func (s *ComputationStore) Get(_ context.Context, fingerprint string) (domain.Computation, error) {
	if s == nil {
		return domain.Computation{}, fmt.Errorf("computation store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[fingerprint]
	if !ok {
		return domain.Computation{}, repo.ErrNotFound
	}
	return c, nil
}

func (s *ComputationStore) Update(_ context.Context, c domain.Computation) error {
	if s == nil {
		return fmt.Errorf("computation store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[c.Fingerprint]
	if !ok || existing.Generation != c.Generation {
		return fmt.Errorf("computation %s generation %d: %w", c.Fingerprint, c.Generation, repo.ErrConflict)
	}
	c.PageName = existing.PageName
	c.Query = existing.Query
	s.rows[c.Fingerprint] = c
	return nil
}

func (s *ComputationStore) Supersede(_ context.Context, fingerprint string) (domain.Computation, bool, error) {
	if s == nil {
		return domain.Computation{}, false, fmt.Errorf("computation store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[fingerprint]
	if !ok || c.State.Terminal() {
		return domain.Computation{}, false, nil
	}
	c.Generation++
	s.rows[fingerprint] = c
	return c, true, nil
}

func (s *ComputationStore) InvalidatePage(_ context.Context, pageName string) error {
	if s == nil {
		return fmt.Errorf("computation store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, c := range s.rows {
		if c.PageName != pageName {
			continue
		}
		if c.State.Terminal() {
			delete(s.rows, fp)
			continue
		}
		c.Generation++
		s.rows[fp] = c
	}
	return nil
}

func (s *ComputationStore) ListActive(_ context.Context) ([]domain.Computation, error) {
	if s == nil {
		return nil, fmt.Errorf("computation store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Computation, 0)
	for _, c := range s.rows {
		if !c.State.Terminal() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}
