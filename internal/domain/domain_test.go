package domain

import (
	"net/url"
	"testing"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/params"
)

func TestFingerprintAndKeys(t *testing.T) {
	inst := PageInstance{
		PageName: "abc",
		Values: params.NewValues(map[string]params.Value{
			"z": params.IntegerValue(1),
			"a": params.StringValue("x y"),
		}),
	}
	if got, want := inst.Fingerprint(), "abc/a=x+y&z=1"; got != want {
		t.Fatalf("Fingerprint()=%q, want %q", got, want)
	}
	if got := inst.HTMLKey(DisplaySettings{HideCode: false}); got != "abc/a=x+y&z=1/ts_hide_code=0" {
		t.Fatalf("HTMLKey()=%q", got)
	}
	if got := FingerprintPrefix("abc"); got != "abc/" {
		t.Fatalf("FingerprintPrefix()=%q", got)
	}
}

func TestDisplaySettingsFromQuery(t *testing.T) {
	tests := []struct {
		raw     string
		want    bool
		wantErr bool
	}{
		{raw: "", want: true},
		{raw: "ts_hide_code=1", want: true},
		{raw: "ts_hide_code=0", want: false},
		{raw: "ts_hide_code=yes", wantErr: true},
	}
	for _, tc := range tests {
		q, _ := url.ParseQuery(tc.raw)
		got, err := DisplaySettingsFromQuery(q)
		if (err != nil) != tc.wantErr {
			t.Fatalf("DisplaySettingsFromQuery(%q) err=%v", tc.raw, err)
		}
		if err == nil && got.HideCode != tc.want {
			t.Fatalf("DisplaySettingsFromQuery(%q)=%+v", tc.raw, got)
		}
	}
}

func TestDisplayPath(t *testing.T) {
	p := Page{GitHubOwner: "lsst-sqre", GitHubRepo: "demo", RepositoryDisplayPathPrefix: "/plots/", RepositoryPathStem: "gauss"}
	if got := p.DisplayPath(); got != "lsst-sqre/demo/plots/gauss" {
		t.Fatalf("DisplayPath()=%q", got)
	}
	if got := (Page{Name: "x"}).DisplayPath(); got != "" {
		t.Fatalf("API page DisplayPath()=%q", got)
	}
}

func TestComputationSupersededAndEvent(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	finish := start.Add(90 * time.Second)
	c := Computation{Fingerprint: "p/", Generation: 3, JobGeneration: 2, State: ComputationSucceeded, EnqueuedAt: start, StartedAt: &start, FinishedAt: &finish}
	if !c.Superseded() {
		t.Fatalf("Superseded()=false")
	}
	ev := c.Event(finish)
	if ev.Duration == nil || *ev.Duration != 90 || ev.SubmittedAt == nil {
		t.Fatalf("event=%+v", ev)
	}
	if !ComputationTimedOut.Terminal() || ComputationRunning.Terminal() {
		t.Fatalf("Terminal() mismatch")
	}
}

func TestBuildGitHubTree(t *testing.T) {
	pages := []Page{
		{Title: "Zeta", GitHubOwner: "lsst-sqre", GitHubRepo: "demo", RepositoryPathStem: "zeta"},
		{Title: "Gauss", GitHubOwner: "lsst-sqre", GitHubRepo: "demo", RepositoryDisplayPathPrefix: "plots", RepositoryPathStem: "gauss"},
		{Title: "Uploaded", Name: "api-page"},
	}
	tree := BuildGitHubTree(pages)
	if len(tree) != 1 || tree[0].NodeType != GitHubNodeOwner || tree[0].Path != "lsst-sqre" {
		t.Fatalf("tree=%+v", tree)
	}
	repo := tree[0].Contents[0]
	if repo.NodeType != GitHubNodeRepo || repo.Path != "lsst-sqre/demo" || len(repo.Contents) != 2 {
		t.Fatalf("repo=%+v", repo)
	}
	if dir := repo.Contents[0]; dir.NodeType != GitHubNodeDirectory || dir.Contents[0].Path != "lsst-sqre/demo/plots/gauss" {
		t.Fatalf("directory=%+v", dir)
	}
	if page := repo.Contents[1]; page.NodeType != GitHubNodePage || page.Path != "lsst-sqre/demo/zeta" {
		t.Fatalf("page=%+v", page)
	}
}
