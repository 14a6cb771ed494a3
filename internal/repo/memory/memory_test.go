package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

var (
	_ repo.PageRepository        = (*PageStore)(nil)
	_ repo.SyncStateRepository   = (*SyncStateStore)(nil)
	_ repo.ComputationRepository = (*ComputationStore)(nil)
	_ repo.TaskQueue             = (*TaskStore)(nil)
	_ repo.HTMLCache             = (*HTMLCache)(nil)
)

func TestComputationClaimSingleWinner(t *testing.T) {
	store := NewComputationStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.Claim(ctx, domain.Computation{Fingerprint: "p/a=1", PageName: "p", EnqueuedAt: now}, now.Add(-time.Hour))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners=%d, want 1", winners)
	}
}

func TestComputationClaimReplacesTerminalAndStale(t *testing.T) {
	store := NewComputationStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	c, claimed, err := store.Claim(ctx, domain.Computation{Fingerprint: "p/", PageName: "p", EnqueuedAt: now}, now.Add(-10*time.Minute))
	if err != nil || !claimed || c.Generation != 1 || c.JobGeneration != 1 {
		t.Fatalf("first claim c=%+v claimed=%v err=%v", c, claimed, err)
	}

	// A live marker blocks a second claim.
	if _, claimed, _ := store.Claim(ctx, domain.Computation{Fingerprint: "p/", PageName: "p", EnqueuedAt: now}, now.Add(-10*time.Minute)); claimed {
		t.Fatalf("claimed over a live marker")
	}

	// Once the marker is older than the stale cutoff it is replaced.
	later := now.Add(11 * time.Minute)
	c, claimed, _ = store.Claim(ctx, domain.Computation{Fingerprint: "p/", PageName: "p", EnqueuedAt: later}, later.Add(-10*time.Minute))
	if !claimed || c.Generation != 2 {
		t.Fatalf("stale claim c=%+v claimed=%v", c, claimed)
	}

	c.State = domain.ComputationSucceeded
	if err := store.Update(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	c, claimed, _ = store.Claim(ctx, domain.Computation{Fingerprint: "p/", PageName: "p", EnqueuedAt: later}, later.Add(-10*time.Minute))
	if !claimed || c.Generation != 3 || c.State != domain.ComputationQueued {
		t.Fatalf("terminal claim c=%+v claimed=%v", c, claimed)
	}
}

func TestComputationUpdateIsCompareAndSet(t *testing.T) {
	store := NewComputationStore()
	ctx := context.Background()
	c, _, _ := store.Claim(ctx, domain.Computation{Fingerprint: "p/", PageName: "p"}, time.Time{})

	superseded, ok, err := store.Supersede(ctx, "p/")
	if err != nil || !ok || superseded.Generation != 2 || superseded.JobGeneration != 1 {
		t.Fatalf("supersede=%+v ok=%v err=%v", superseded, ok, err)
	}
	if !superseded.Superseded() {
		t.Fatalf("expected job to be superseded")
	}

	c.JobURL = "http://noteburst/jobs/1"
	if err := store.Update(ctx, c); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale update err=%v, want ErrConflict", err)
	}
	superseded.JobURL = "http://noteburst/jobs/1"
	if err := store.Update(ctx, superseded); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestComputationInvalidatePage(t *testing.T) {
	store := NewComputationStore()
	ctx := context.Background()
	live, _, _ := store.Claim(ctx, domain.Computation{Fingerprint: "p/a=1", PageName: "p"}, time.Time{})
	done, _, _ := store.Claim(ctx, domain.Computation{Fingerprint: "p/a=2", PageName: "p"}, time.Time{})
	done.State = domain.ComputationFailed
	_ = store.Update(ctx, done)
	other, _, _ := store.Claim(ctx, domain.Computation{Fingerprint: "q/", PageName: "q"}, time.Time{})

	if err := store.InvalidatePage(ctx, "p"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	got, _ := store.Get(ctx, live.Fingerprint)
	if !got.Superseded() {
		t.Fatalf("live marker not superseded: %+v", got)
	}
	if _, err := store.Get(ctx, done.Fingerprint); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("terminal row kept: %v", err)
	}
	if got, _ := store.Get(ctx, other.Fingerprint); got.Superseded() {
		t.Fatalf("other page touched")
	}
	active, _ := store.ListActive(ctx)
	if len(active) != 2 {
		t.Fatalf("active=%d, want 2", len(active))
	}
}

func TestTaskQueueLeaseAndRetry(t *testing.T) {
	q := NewTaskStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	first, _ := q.Enqueue(ctx, domain.Task{Kind: domain.TaskSyncRepository, CreatedAt: now})
	second, _ := q.Enqueue(ctx, domain.Task{Kind: domain.TaskExecutePage, CreatedAt: now.Add(time.Second)})

	got, ok, err := q.Claim(ctx, now.Add(2*time.Second), time.Minute)
	if err != nil || !ok || got.ID != first.ID || got.Attempts != 1 {
		t.Fatalf("claim=%+v ok=%v err=%v", got, ok, err)
	}
	got, ok, _ = q.Claim(ctx, now.Add(2*time.Second), time.Minute)
	if !ok || got.ID != second.ID {
		t.Fatalf("second claim=%+v ok=%v", got, ok)
	}
	if _, ok, _ := q.Claim(ctx, now.Add(3*time.Second), time.Minute); ok {
		t.Fatalf("claimed a leased task")
	}

	retryAt := now.Add(time.Hour)
	if err := q.Fail(ctx, first.ID, "boom", &retryAt); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := q.Fail(ctx, second.ID, "fatal", nil); err != nil {
		t.Fatalf("bury: %v", err)
	}
	if _, ok, _ := q.Claim(ctx, now.Add(time.Minute+3*time.Second), time.Minute); ok {
		t.Fatalf("claimed before retry time")
	}
	got, ok, _ = q.Claim(ctx, retryAt, time.Minute)
	if !ok || got.ID != first.ID || got.Attempts != 2 || got.LastError != "boom" {
		t.Fatalf("retry claim=%+v ok=%v", got, ok)
	}
	if dead := q.Dead(); len(dead) != 1 || dead[0].ID != second.ID {
		t.Fatalf("dead=%+v", dead)
	}
	_ = q.Complete(ctx, first.ID)
	if q.Pending() != 0 {
		t.Fatalf("pending=%d", q.Pending())
	}
}

func TestHTMLCacheExpiryAndPrefix(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := NewHTMLCacheWithClock(func() time.Time { return now })
	ctx := context.Background()

	expires := now.Add(time.Minute)
	_ = cache.Put(ctx, "p/a=1/ts_hide_code=1", domain.NbHTML{HTML: "one", ExpiresAt: &expires})
	_ = cache.Put(ctx, "p/a=1/ts_hide_code=0", domain.NbHTML{HTML: "two"})
	_ = cache.Put(ctx, "pq/ts_hide_code=1", domain.NbHTML{HTML: "other"})

	if got, err := cache.Get(ctx, "p/a=1/ts_hide_code=1"); err != nil || got.HTML != "one" {
		t.Fatalf("get=%+v err=%v", got, err)
	}
	now = expires
	if _, err := cache.Get(ctx, "p/a=1/ts_hide_code=1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expired entry err=%v", err)
	}
	_ = cache.DeletePrefix(ctx, "p/")
	if _, err := cache.Get(ctx, "p/a=1/ts_hide_code=0"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("prefix delete missed entry")
	}
	if _, err := cache.Get(ctx, "pq/ts_hide_code=1"); err != nil {
		t.Fatalf("prefix delete removed another page: %v", err)
	}
}

func TestPageStoreDisplayPathAndSoftDelete(t *testing.T) {
	store := NewPageStore()
	ctx := context.Background()
	page := domain.Page{
		Name:               "abc",
		Title:              "Demo",
		Ipynb:              `{"cells":[]}`,
		GitHubOwner:        "lsst",
		GitHubRepo:         "nb",
		RepositoryPathStem: "demo",
	}
	if err := store.Create(ctx, page); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, page); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("duplicate err=%v", err)
	}
	preview := page
	preview.Name = "def"
	preview.GitHubCommit = "deadbeef"
	_ = store.Create(ctx, preview)

	got, err := store.GetByDisplayPath(ctx, "lsst/nb/demo", "")
	if err != nil || got.Name != "abc" {
		t.Fatalf("live lookup=%+v err=%v", got, err)
	}
	got, err = store.GetByDisplayPath(ctx, "lsst/nb/demo", "deadbeef")
	if err != nil || got.Name != "def" {
		t.Fatalf("preview lookup=%+v err=%v", got, err)
	}

	if err := store.SoftDelete(ctx, "abc", time.Now()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := store.GetByDisplayPath(ctx, "lsst/nb/demo", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted page still resolvable: %v", err)
	}
	live, _ := store.List(ctx, repo.PageFilter{})
	all, _ := store.List(ctx, repo.PageFilter{IncludeDeleted: true})
	if len(live) != 0 || len(all) != 1 {
		t.Fatalf("live=%d all=%d", len(live), len(all))
	}
}
