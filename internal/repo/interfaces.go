package repo

import (
	"context"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
)

type PageFilter struct {
	GitHubOwner string
	GitHubRepo  string
	// Commit selects PR preview pages pinned to a commit. Empty selects
	// live pages only.
	Commit         string
	GitHubOnly     bool
	IncludeDeleted bool
}

// PageRepository manages page definitions. Writes replace whole rows.
type PageRepository interface {
	Create(ctx context.Context, page domain.Page) error
	Update(ctx context.Context, page domain.Page) error
	Get(ctx context.Context, name string) (domain.Page, error)
	GetByDisplayPath(ctx context.Context, displayPath, commit string) (domain.Page, error)
	List(ctx context.Context, filter PageFilter) ([]domain.Page, error)
	SoftDelete(ctx context.Context, name string, at time.Time) error
}

// SyncStateRepository stores the synchronizer's per-repository snapshot.
type SyncStateRepository interface {
	Get(ctx context.Context, owner, repo string) (domain.RepositorySyncState, error)
	Put(ctx context.Context, state domain.RepositorySyncState) error
	List(ctx context.Context) ([]domain.RepositorySyncState, error)
}

// ComputationRepository holds one computation row per fingerprint. A
// non-terminal row is the fingerprint's in-flight marker.
type ComputationRepository interface {
	// Claim atomically installs c as a fresh queued marker unless a live
	// marker exists. Terminal rows and markers enqueued before staleBefore
	// are replaced. It returns the current row and whether the caller won.
	Claim(ctx context.Context, c domain.Computation, staleBefore time.Time) (domain.Computation, bool, error)
	Get(ctx context.Context, fingerprint string) (domain.Computation, error)
	// Update replaces the row if its stored generation still equals
	// c.Generation, else it returns ErrConflict.
	Update(ctx context.Context, c domain.Computation) error
	// Supersede bumps the generation of a live marker. It reports false
	// when the fingerprint has no live marker.
	Supersede(ctx context.Context, fingerprint string) (domain.Computation, bool, error)
	// InvalidatePage supersedes every live marker of a page and removes
	// its terminal rows.
	InvalidatePage(ctx context.Context, pageName string) error
	ListActive(ctx context.Context) ([]domain.Computation, error)
}

// TaskQueue is the durable work queue drained by the worker pool.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.Task) (domain.Task, error)
	// Claim leases the oldest available task. It reports false when the
	// queue has nothing ready.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (domain.Task, bool, error)
	Complete(ctx context.Context, id string) error
	// Fail records an attempt error. A nil retryAt buries the task.
	Fail(ctx context.Context, id, message string, retryAt *time.Time) error
}

// HTMLCache stores rendered HTML keyed by instance fingerprint plus
// display settings.
type HTMLCache interface {
	Get(ctx context.Context, key string) (domain.NbHTML, error)
	Put(ctx context.Context, key string, html domain.NbHTML) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
