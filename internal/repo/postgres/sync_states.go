package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/domain"
)

type SyncStateStore struct {
	db DB
}

const (
	upsertSyncStateQuery = `INSERT INTO repository_sync_states (owner, repo, git_ref, head_sha, status, last_synced, paths)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (owner, repo) DO UPDATE SET
		git_ref = EXCLUDED.git_ref,
		head_sha = EXCLUDED.head_sha,
		status = EXCLUDED.status,
		last_synced = EXCLUDED.last_synced,
		paths = EXCLUDED.paths`

	selectSyncStateQuery = `SELECT owner, repo, git_ref, head_sha, status, last_synced, paths
	FROM repository_sync_states WHERE owner = $1 AND repo = $2`

	listSyncStatesQuery = `SELECT owner, repo, git_ref, head_sha, status, last_synced, paths
	FROM repository_sync_states ORDER BY owner ASC, repo ASC`
)

func NewSyncStateStore(db DB) *SyncStateStore {
	if db == nil {
		return nil
	}
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, owner, repoName string) (domain.RepositorySyncState, error) {
	if s == nil || s.db == nil {
		return domain.RepositorySyncState{}, fmt.Errorf("sync state store not initialized")
	}
	return scanSyncState(s.db.QueryRowContext(ctx, selectSyncStateQuery, strings.TrimSpace(owner), strings.TrimSpace(repoName)))
}

func (s *SyncStateStore) Put(ctx context.Context, state domain.RepositorySyncState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sync state store not initialized")
	}
	owner := strings.TrimSpace(state.Owner)
	repoName := strings.TrimSpace(state.Repo)
	if owner == "" || repoName == "" {
		return fmt.Errorf("repository owner and name are required")
	}
	status := state.Status
	if status == "" {
		status = domain.SyncStatusUnsynced
	}
	paths := state.Paths
	if paths == nil {
		paths = map[string]domain.SyncedPath{}
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("encode sync paths: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertSyncStateQuery,
		owner,
		repoName,
		nullIfEmpty(state.GitRef),
		nullIfEmpty(state.HeadSHA),
		string(status),
		nullTime(state.LastSynced),
		pathsJSON,
	); err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

func (s *SyncStateStore) List(ctx context.Context) ([]domain.RepositorySyncState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sync state store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listSyncStatesQuery)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RepositorySyncState, 0)
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	return out, nil
}

func scanSyncState(row scanner) (domain.RepositorySyncState, error) {
	var (
		state           domain.RepositorySyncState
		gitRef, headSHA sql.NullString
		status          string
		lastSynced      sql.NullTime
		pathsJSON       []byte
	)
	if err := row.Scan(&state.Owner, &state.Repo, &gitRef, &headSHA, &status, &lastSynced, &pathsJSON); err != nil {
		return domain.RepositorySyncState{}, handleNotFound(err)
	}
	state.GitRef = gitRef.String
	state.HeadSHA = headSHA.String
	state.Status = domain.SyncStatus(status)
	state.LastSynced = timePtr(lastSynced)
	state.Paths = map[string]domain.SyncedPath{}
	if len(pathsJSON) > 0 {
		if err := json.Unmarshal(pathsJSON, &state.Paths); err != nil {
			return domain.RepositorySyncState{}, fmt.Errorf("decode sync paths: %w", err)
		}
	}
	return state, nil
}
