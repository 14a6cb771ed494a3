package domain

import (
	"encoding/json"
	"time"
)

// TaskKind names a unit of background work.
type TaskKind string

const (
	TaskSyncRepository   TaskKind = "sync_repository"
	TaskCheckPullRequest TaskKind = "check_pull_request"
	TaskExecutePage      TaskKind = "execute_page"
	TaskRetireRepository TaskKind = "retire_repository"
)

// Task is a durable queue entry drained by the worker pool.
type Task struct {
	ID          string
	Kind        TaskKind
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
	AvailableAt time.Time
	LeasedUntil *time.Time
	LastError   string
}

// RepositoryRef identifies a GitHub repository and, optionally, a ref.
type RepositoryRef struct {
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	Ref            string `json:"ref,omitempty"`
	InstallationID int64  `json:"installation_id,omitempty"`
}

// SyncRepositoryPayload is the payload of a TaskSyncRepository task.
type SyncRepositoryPayload struct {
	Repository RepositoryRef `json:"repository"`
	Reason     string        `json:"reason,omitempty"`
}

// CheckPullRequestPayload is the payload of a TaskCheckPullRequest task.
type CheckPullRequestPayload struct {
	Repository RepositoryRef `json:"repository"`
	HeadSHA    string        `json:"head_sha"`
	HeadBranch string        `json:"head_branch,omitempty"`
}

// ExecutePagePayload is the payload of a TaskExecutePage task.
type ExecutePagePayload struct {
	PageName string `json:"page_name"`
}
