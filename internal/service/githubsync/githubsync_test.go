package githubsync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/platform/noteburst"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/repo/memory"
	"github.com/lsst-sqre/times-square-go/internal/service/pages"
)

const (
	owner    = "lsst-sqre"
	repoName = "times-square-demo"
)

func notebook(markdown string) string {
	return fmt.Sprintf(`{"cells":[{"cell_type":"markdown","metadata":{},"source":%q},{"cell_type":"code","metadata":{},"outputs":[],"execution_count":null,"source":"count = 0"}],"metadata":{},"nbformat":4,"nbformat_minor":5}`, markdown)
}

func sidecar(title string) string {
	return "title: " + title + "\nparameters:\n  count:\n    type: integer\n    default: 1\n    description: Count\n"
}

// fakeGitHub serves commits from memory. Blob SHAs are content hashes.
type fakeGitHub struct {
	mu      sync.Mutex
	seq     int
	head    string
	commits map[string]map[string]string
	blobs   map[string]string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{commits: map[string]map[string]string{}, blobs: map[string]string{}}
}

func blobSHA(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// push records a commit and makes it the head of main.
func (g *fakeGitHub) push(files map[string]string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	sha := fmt.Sprintf("commit%d", g.seq)
	g.commits[sha] = files
	for _, content := range files {
		g.blobs[blobSHA(content)] = content
	}
	g.head = sha
	return sha
}

func (g *fakeGitHub) GetRepository(_ context.Context, o, r string) (github.Repository, error) {
	return github.Repository{Name: r, FullName: o + "/" + r, DefaultBranch: "main"}, nil
}

func (g *fakeGitHub) GetBranch(_ context.Context, _, _, branch string) (github.Branch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if branch != "main" {
		return github.Branch{}, github.ErrNotFound
	}
	out := github.Branch{Name: branch}
	out.Commit.SHA = g.head
	return out, nil
}

func (g *fakeGitHub) GetTree(_ context.Context, _, _, sha string) (github.Tree, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	files, ok := g.commits[sha]
	if !ok {
		return github.Tree{}, github.ErrNotFound
	}
	tree := github.Tree{SHA: sha}
	for p, content := range files {
		tree.Tree = append(tree.Tree, github.TreeEntry{Path: p, Mode: github.TreeModeFile, Type: "blob", SHA: blobSHA(content)})
	}
	sort.Slice(tree.Tree, func(i, j int) bool { return tree.Tree[i].Path < tree.Tree[j].Path })
	return tree, nil
}

func (g *fakeGitHub) GetBlob(_ context.Context, _, _, sha string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	content, ok := g.blobs[sha]
	if !ok {
		return nil, github.ErrNotFound
	}
	return []byte(content), nil
}

func (g *fakeGitHub) GetContents(_ context.Context, _, _, filePath, ref string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	content, ok := g.commits[ref][filePath]
	if !ok {
		return nil, github.ErrNotFound
	}
	return []byte(content), nil
}

// instantExecutor completes every job as soon as it is submitted.
type instantExecutor struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]noteburst.Job
}

func (e *instantExecutor) Submit(_ context.Context, ipynb string, _ time.Duration) (noteburst.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	start := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	finish := start.Add(90 * time.Second)
	ok := true
	job := noteburst.Job{
		SelfURL:    fmt.Sprintf("https://noteburst.test/jobs/%d", e.seq),
		Status:     noteburst.JobComplete,
		Ipynb:      ipynb,
		StartTime:  &start,
		FinishTime: &finish,
		Success:    &ok,
	}
	if e.jobs == nil {
		e.jobs = map[string]noteburst.Job{}
	}
	e.jobs[job.SelfURL] = job
	queued := job
	queued.Status = noteburst.JobQueued
	return queued, nil
}

func (e *instantExecutor) Inspect(_ context.Context, jobURL string) (noteburst.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobURL]
	if !ok {
		return noteburst.Job{}, noteburst.ErrNotFound
	}
	return job, nil
}

type fixture struct {
	sync    *Service
	pages   *pages.Service
	gh      *fakeGitHub
	catalog *memory.PageStore
	states  *memory.SyncStateStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		gh:      newFakeGitHub(),
		catalog: memory.NewPageStore(),
		states:  memory.NewSyncStateStore(),
	}
	cfg := pages.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	f.pages = pages.New(cfg, f.catalog, memory.NewComputationStore(), memory.NewHTMLCache(), &instantExecutor{}, logger)
	require.NotNil(t, f.pages)

	clients := func(context.Context, domain.RepositoryRef) (Client, error) { return f.gh, nil }
	f.sync = New(Config{AcceptedOrgs: []string{"lsst", "lsst-sqre"}, CheckTimeout: 5 * time.Second}, clients, f.pages, f.catalog, f.states, logger)
	require.NotNil(t, f.sync)
	return f
}

func (f *fixture) livePages(t *testing.T) map[string]domain.Page {
	t.Helper()
	list, err := f.catalog.List(context.Background(), repo.PageFilter{GitHubOnly: true})
	require.NoError(t, err)
	out := map[string]domain.Page{}
	for _, p := range list {
		out[p.DisplayPath()] = p
	}
	return out
}

var ref = domain.RepositoryRef{Owner: owner, Repo: repoName}

func TestSyncAppliesDiff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gh.push(map[string]string{
		"a.ipynb": notebook("# A {{ params.count }}"),
		"a.yaml":  sidecar("A"),
		"b.ipynb": notebook("# B"),
		"b.yaml":  sidecar("B"),
	})
	res, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lsst-sqre/times-square-demo/a", "lsst-sqre/times-square-demo/b"}, res.Created)
	assert.Empty(t, res.Errors)
	live := f.livePages(t)
	require.Len(t, live, 2)
	pageA := live["lsst-sqre/times-square-demo/a"].Name
	pageB := live["lsst-sqre/times-square-demo/b"].Name

	// A removed, B changed, C added.
	head := f.gh.push(map[string]string{
		"b.ipynb": notebook("# B"),
		"b.yaml":  sidecar("B renamed"),
		"c.ipynb": notebook("# C"),
		"c.yml":   sidecar("C"),
	})
	res, err = f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"lsst-sqre/times-square-demo/a"}, res.Deleted)
	assert.Equal(t, []string{"lsst-sqre/times-square-demo/b"}, res.Updated)
	assert.Equal(t, []string{"lsst-sqre/times-square-demo/c"}, res.Created)

	live = f.livePages(t)
	require.Len(t, live, 2)
	assert.Equal(t, pageB, live["lsst-sqre/times-square-demo/b"].Name, "updates keep the page name")
	assert.Equal(t, "B renamed", live["lsst-sqre/times-square-demo/b"].Title)
	assert.Equal(t, ".yml", live["lsst-sqre/times-square-demo/c"].RepositorySidecarExtension)
	deleted, err := f.catalog.Get(ctx, pageA)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted())

	state, err := f.states.Get(ctx, owner, repoName)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSynced, state.Status)
	assert.Equal(t, head, state.HeadSHA)
	assert.Equal(t, "main", state.GitRef)
	assert.Len(t, state.Paths, 2)
	require.NotNil(t, state.LastSynced)

	res, err = f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, res.Unchanged, 2)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)
	assert.Empty(t, res.Deleted)
}

func TestSyncRejectsUnknownOwner(t *testing.T) {
	f := newFixture(t)
	f.gh.push(map[string]string{"a.ipynb": notebook("# A"), "a.yaml": sidecar("A")})

	_, err := f.sync.SyncRepository(context.Background(), domain.RepositoryRef{Owner: "someone-else", Repo: repoName})
	var rejected *domain.OwnershipRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "someone-else", rejected.Owner)

	states, err := f.states.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Empty(t, f.livePages(t))
}

func TestSyncRecordsParseErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gh.push(map[string]string{
		"good.ipynb":     notebook("# Good"),
		"good.yaml":      sidecar("Good"),
		"bad.ipynb":      notebook("# Bad"),
		"bad.yaml":       "title: Bad\nauthors: 3\n",
		"template.ipynb": notebook("{{ params.missing }}"),
		"template.yaml":  sidecar("Template"),
	})

	res, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"lsst-sqre/times-square-demo/good"}, res.Created)
	require.Len(t, res.Errors, 2)
	byPath := map[string]*domain.SyncParseError{}
	for _, e := range res.Errors {
		byPath[e.Path] = e
	}
	require.Contains(t, byPath, "bad.yaml")
	assert.Equal(t, 2, byPath["bad.yaml"].Line)
	require.Contains(t, byPath, "template.ipynb")
	assert.Contains(t, byPath["template.ipynb"].Message, "cell 0")
}

func TestSyncHonorsRepoSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gh.push(map[string]string{
		"times-square.yaml":          "root: notebooks\nignore:\n  - drafts/*\n",
		"notebooks/x.ipynb":          notebook("# X"),
		"notebooks/x.yaml":           sidecar("X"),
		"notebooks/sub/y.ipynb":      notebook("# Y"),
		"notebooks/sub/y.yaml":       sidecar("Y"),
		"notebooks/drafts/wip.ipynb": notebook("# WIP"),
		"notebooks/drafts/wip.yaml":  sidecar("WIP"),
		"elsewhere/z.ipynb":          notebook("# Z"),
		"elsewhere/z.yaml":           sidecar("Z"),
		"notebooks/lonely.ipynb":     notebook("# no sidecar"),
	})

	res, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lsst-sqre/times-square-demo/x", "lsst-sqre/times-square-demo/sub/y"}, res.Created)

	live := f.livePages(t)
	y := live["lsst-sqre/times-square-demo/sub/y"]
	assert.Equal(t, "notebooks/sub", y.RepositoryPathPrefix)
	assert.Equal(t, "notebooks/sub/y.ipynb", y.SourcePath())

	// Disabling the repository retires everything.
	f.gh.push(map[string]string{
		"times-square.yaml": "enabled: false\n",
		"notebooks/x.ipynb": notebook("# X"),
		"notebooks/x.yaml":  sidecar("X"),
	})
	res, err = f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 2)
	assert.Empty(t, f.livePages(t))
}

func TestSyncInvalidSettingsLeavesCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.gh.push(map[string]string{"a.ipynb": notebook("# A"), "a.yaml": sidecar("A")})
	_, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)

	f.gh.push(map[string]string{"times-square.yaml": "ignore: [\n", "a.ipynb": notebook("# A")})
	res, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "times-square.yaml", res.Errors[0].Path)
	assert.Len(t, f.livePages(t), 1)

	state, err := f.states.Get(ctx, owner, repoName)
	require.NoError(t, err)
	assert.Equal(t, first, state.HeadSHA)
	assert.Equal(t, domain.SyncStatusSynced, state.Status)
}

func TestSidecarDisablesPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gh.push(map[string]string{"a.ipynb": notebook("# A"), "a.yaml": sidecar("A")})
	_, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)

	f.gh.push(map[string]string{"a.ipynb": notebook("# A"), "a.yaml": sidecar("A") + "enabled: false\n"})
	res, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"lsst-sqre/times-square-demo/a"}, res.Deleted)
	assert.Empty(t, f.livePages(t))
}

func TestRetireRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gh.push(map[string]string{"a.ipynb": notebook("# A"), "a.yaml": sidecar("A")})
	_, err := f.sync.SyncRepository(ctx, ref)
	require.NoError(t, err)

	n, err := f.sync.RetireRepository(ctx, owner, repoName)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.livePages(t))
	state, err := f.states.Get(ctx, owner, repoName)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusUnsynced, state.Status)
	assert.Empty(t, state.Paths)
}

func TestCheckPullRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	go f.pages.RunTracker(ctx)

	head := f.gh.push(map[string]string{
		"good.ipynb":     notebook("# Good {{ params.count }}"),
		"good.yaml":      sidecar("Good"),
		"bad.ipynb":      notebook("# Bad"),
		"bad.yaml":       "title: [unclosed\n",
		"template.ipynb": notebook("{{ params.nope }}"),
		"template.yaml":  sidecar("Template"),
	})

	report, err := f.sync.CheckPullRequest(ctx, ref, head)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad.yaml", "good.yaml", "template.yaml"}, report.Config.SidecarsChecked)
	require.Len(t, report.Config.Annotations, 1)
	assert.Equal(t, "bad.yaml", report.Config.Annotations[0].Path)
	assert.False(t, report.Config.FileOK("bad.yaml"))
	assert.True(t, report.Config.FileOK("good.yaml"))

	require.Len(t, report.Execution.Executions, 2)
	good := report.Execution.Executions[0]
	assert.Equal(t, "good.ipynb", good.Path)
	assert.True(t, good.Success)
	require.NotNil(t, good.Runtime)
	assert.Equal(t, 90*time.Second, *good.Runtime)
	tmpl := report.Execution.Executions[1]
	assert.Equal(t, "template.ipynb", tmpl.Path)
	assert.False(t, tmpl.Success)
	require.Len(t, report.Execution.Annotations, 1)
	assert.Equal(t, "Notebook templating error", report.Execution.Annotations[0].Title)

	// Live pages and sync state are untouched; the preview is pinned.
	assert.Empty(t, f.livePages(t))
	states, err := f.states.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
	previews, err := f.catalog.List(ctx, repo.PageFilter{Commit: head, GitHubOnly: true})
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, "lsst-sqre/times-square-demo/good", previews[0].DisplayPath())
}
