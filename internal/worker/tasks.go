package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

// EnqueueSync queues a default-branch sync of a repository.
func EnqueueSync(ctx context.Context, q repo.TaskQueue, ref domain.RepositoryRef, reason string, opts ...EnqueueOption) (domain.Task, error) {
	return enqueue(ctx, q, domain.TaskSyncRepository, domain.SyncRepositoryPayload{Repository: ref, Reason: reason}, opts)
}

// EnqueueRetire queues the retirement of every page of a repository.
func EnqueueRetire(ctx context.Context, q repo.TaskQueue, ref domain.RepositoryRef, reason string, opts ...EnqueueOption) (domain.Task, error) {
	return enqueue(ctx, q, domain.TaskRetireRepository, domain.SyncRepositoryPayload{Repository: ref, Reason: reason}, opts)
}

// EnqueuePullRequestCheck queues the check runs of a pull request head.
func EnqueuePullRequestCheck(ctx context.Context, q repo.TaskQueue, ref domain.RepositoryRef, headSHA, headBranch string, opts ...EnqueueOption) (domain.Task, error) {
	if strings.TrimSpace(headSHA) == "" {
		return domain.Task{}, fmt.Errorf("head sha is required")
	}
	return enqueue(ctx, q, domain.TaskCheckPullRequest, domain.CheckPullRequestPayload{
		Repository: ref,
		HeadSHA:    headSHA,
		HeadBranch: headBranch,
	}, opts)
}

// EnqueueExecutePage queues an execution of a page with its defaults.
func EnqueueExecutePage(ctx context.Context, q repo.TaskQueue, pageName string) (domain.Task, error) {
	if strings.TrimSpace(pageName) == "" {
		return domain.Task{}, fmt.Errorf("page name is required")
	}
	return enqueue(ctx, q, domain.TaskExecutePage, domain.ExecutePagePayload{PageName: pageName}, nil)
}

// EnqueueOption adjusts a task before it is queued.
type EnqueueOption func(*domain.Task)

// WithTaskID fixes the ID of the queued task. Queues keep the first task
// stored under an ID, so repeating the enqueue while that task is pending
// returns it instead of adding another.
func WithTaskID(id string) EnqueueOption {
	return func(t *domain.Task) {
		t.ID = id
	}
}

func enqueue(ctx context.Context, q repo.TaskQueue, kind domain.TaskKind, payload any, opts []EnqueueOption) (domain.Task, error) {
	if q == nil {
		return domain.Task{}, fmt.Errorf("task queue not initialized")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	task := domain.Task{Kind: kind, Payload: raw}
	for _, opt := range opts {
		opt(&task)
	}
	return q.Enqueue(ctx, task)
}

// payloadError marks a task that can never succeed because its payload
// is unreadable.
type payloadError struct {
	kind domain.TaskKind
	err  error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.kind, e.err)
}

func (e *payloadError) Unwrap() error { return e.err }

func decodeRepository(task domain.Task) (domain.RepositoryRef, error) {
	var p domain.SyncRepositoryPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return domain.RepositoryRef{}, &payloadError{kind: task.Kind, err: err}
	}
	if p.Repository.Owner == "" || p.Repository.Repo == "" {
		return domain.RepositoryRef{}, &payloadError{kind: task.Kind, err: fmt.Errorf("repository owner and name are required")}
	}
	return p.Repository, nil
}
