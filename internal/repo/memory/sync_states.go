package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type SyncStateStore struct {
	mu     sync.Mutex
	states map[string]domain.RepositorySyncState
}

func NewSyncStateStore() *SyncStateStore {
	return &SyncStateStore{states: make(map[string]domain.RepositorySyncState)}
}

func syncKey(owner, repoName string) string {
	return owner + "/" + repoName
}

func (s *SyncStateStore) Get(_ context.Context, owner, repoName string) (domain.RepositorySyncState, error) {
	if s == nil {
		return domain.RepositorySyncState{}, fmt.Errorf("sync state store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[syncKey(owner, repoName)]
	if !ok {
		return domain.RepositorySyncState{}, repo.ErrNotFound
	}
	return cloneSyncState(state), nil
}

func (s *SyncStateStore) Put(_ context.Context, state domain.RepositorySyncState) error {
	if s == nil {
		return fmt.Errorf("sync state store not initialized")
	}
	if state.Owner == "" || state.Repo == "" {
		return fmt.Errorf("repository owner and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[syncKey(state.Owner, state.Repo)] = cloneSyncState(state)
	return nil
}

func (s *SyncStateStore) List(_ context.Context) ([]domain.RepositorySyncState, error) {
	if s == nil {
		return nil, fmt.Errorf("sync state store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RepositorySyncState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, cloneSyncState(state))
	}
	sort.Slice(out, func(i, j int) bool {
		return syncKey(out[i].Owner, out[i].Repo) < syncKey(out[j].Owner, out[j].Repo)
	})
	return out, nil
}

func cloneSyncState(state domain.RepositorySyncState) domain.RepositorySyncState {
	paths := make(map[string]domain.SyncedPath, len(state.Paths))
	for k, v := range state.Paths {
		paths[k] = v
	}
	state.Paths = paths
	return state
}
