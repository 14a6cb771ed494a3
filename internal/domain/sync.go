package domain

import "time"

// SyncStatus is the per-repository synchronizer state.
type SyncStatus string

const (
	SyncStatusUnsynced SyncStatus = "unsynced"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusSynced   SyncStatus = "synced"
)

// SyncedPath records the blob hashes a page was last built from.
type SyncedPath struct {
	NotebookSHA string `json:"notebook_sha"`
	SidecarSHA  string `json:"sidecar_sha"`
	PageName    string `json:"page_name"`
}

// RepositorySyncState is the synchronizer's record of the last snapshot it
// applied for a repository. Paths are keyed by display path.
type RepositorySyncState struct {
	Owner      string
	Repo       string
	GitRef     string
	HeadSHA    string
	Status     SyncStatus
	LastSynced *time.Time
	Paths      map[string]SyncedPath
}

// NewRepositorySyncState returns the initial state of a repository that
// has never been synced.
func NewRepositorySyncState(owner, repo string) RepositorySyncState {
	return RepositorySyncState{
		Owner:  owner,
		Repo:   repo,
		Status: SyncStatusUnsynced,
		Paths:  map[string]SyncedPath{},
	}
}
