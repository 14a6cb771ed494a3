package checkrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/service/githubsync"
)

func TestFormatRuntime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 1500 * time.Millisecond, want: "1.5 sec"},
		{in: 59 * time.Second, want: "59.0 sec"},
		{in: 60 * time.Second, want: "1 min 0 sec"},
		{in: 4*time.Minute + 5*time.Second, want: "4 min 5 sec"},
		{in: time.Hour + 2*time.Minute + 30*time.Second, want: "1 hr 2 min"},
	}
	for _, tc := range tests {
		if got := FormatRuntime(tc.in); got != tc.want {
			t.Fatalf("FormatRuntime(%s)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDetailsURL(t *testing.T) {
	got := DetailsURL("https://data.example.org/", "lsst-sqre", "demo", "abc")
	if want := "https://data.example.org/times-square/github-pr/lsst-sqre/demo/abc"; got != want {
		t.Fatalf("DetailsURL()=%q, want %q", got, want)
	}
}

func sampleReport() githubsync.PullRequestReport {
	runtime := 90 * time.Second
	return githubsync.PullRequestReport{
		Owner:   "lsst-sqre",
		Repo:    "demo",
		HeadSHA: "abc",
		Config: githubsync.ConfigCheck{
			SidecarsChecked: []string{"reports/b.yaml", "a.yaml", "a.yaml"},
			Annotations: []githubsync.Annotation{
				{Path: "reports/b.yaml", StartLine: 3, Column: 2, Title: "YAML error (3:2)", Message: "bad"},
			},
		},
		Execution: githubsync.ExecutionCheck{
			Executions: []githubsync.NotebookExecution{
				{Path: "reports/c.ipynb", Success: false},
				{Path: "a.ipynb", Success: true, Runtime: &runtime},
			},
			Annotations: []githubsync.Annotation{
				{Path: "reports/c.ipynb", StartLine: 1, Title: "Notebook execution error", Message: "boom"},
			},
		},
	}
}

func TestConfigOutput(t *testing.T) {
	conclusion, out := ConfigOutput(sampleReport())
	if conclusion != github.ConclusionFailure {
		t.Fatalf("conclusion=%s", conclusion)
	}
	if want := "There are some issues 🧐 (checked times-square.yaml and 3 notebook sidecar files)"; out.Summary != want {
		t.Fatalf("summary=%q", out.Summary)
	}
	wantText := "| File | Status |\n | --- | :-: |\n" +
		"| times-square.yaml | ✅ |\n" +
		"| a.yaml | ✅ |\n" +
		"| reports/b.yaml | ❌ |\n"
	if out.Text != wantText {
		t.Fatalf("text=%q", out.Text)
	}
	if len(out.Annotations) != 1 {
		t.Fatalf("annotations=%+v", out.Annotations)
	}
	a := out.Annotations[0]
	if a.StartLine != 3 || a.EndLine != 3 || a.AnnotationLevel != github.AnnotationFailure || a.Title != "YAML error (3:2)" {
		t.Fatalf("annotation=%+v", a)
	}

	conclusion, out = ConfigOutput(githubsync.PullRequestReport{Config: githubsync.ConfigCheck{SidecarsChecked: []string{"a.yaml"}}})
	if conclusion != github.ConclusionSuccess {
		t.Fatalf("conclusion=%s", conclusion)
	}
	if want := "Everything looks good ✅ (checked times-square.yaml and 1 notebook sidecar file)"; out.Summary != want {
		t.Fatalf("summary=%q", out.Summary)
	}
}

func TestExecutionOutput(t *testing.T) {
	details := "https://data.example.org/times-square/github-pr/lsst-sqre/demo/abc"
	conclusion, out := ExecutionOutput(sampleReport(), details)
	if conclusion != github.ConclusionFailure {
		t.Fatalf("conclusion=%s", conclusion)
	}
	if want := "There are some issues 🧐 (checked 2 notebooks)"; out.Summary != want {
		t.Fatalf("summary=%q", out.Summary)
	}
	wantText := "| Notebook | Status | Execution Time |\n | --- | :-: | :-: |\n" +
		"| [a.ipynb](" + details + "/a) | ✅ | 1 min 30 sec |\n" +
		"| [reports/c.ipynb](" + details + "/reports/c) | ❌ | N/A |\n"
	if out.Text != wantText {
		t.Fatalf("text=%q", out.Text)
	}

	_, out = ExecutionOutput(githubsync.PullRequestReport{
		Execution: githubsync.ExecutionCheck{Executions: []githubsync.NotebookExecution{{Path: "a.ipynb", Success: true}}},
	}, details)
	if want := "Notebooks ran without issue ✅ (checked 1 notebook)"; out.Summary != want {
		t.Fatalf("summary=%q", out.Summary)
	}
}

func TestAnnotationsTruncated(t *testing.T) {
	var report githubsync.PullRequestReport
	for i := 0; i < 75; i++ {
		report.Config.Annotations = append(report.Config.Annotations, githubsync.Annotation{
			Path:    fmt.Sprintf("n%02d.yaml", i),
			Message: "bad",
		})
	}
	_, out := ConfigOutput(report)
	if len(out.Annotations) != maxAnnotations {
		t.Fatalf("annotations=%d, want %d", len(out.Annotations), maxAnnotations)
	}
	if out.Annotations[0].StartLine != 1 || out.Annotations[0].EndLine != 1 {
		t.Fatalf("missing line defaulted to %+v", out.Annotations[0])
	}
}

type fakeChecker struct {
	report githubsync.PullRequestReport
	err    error
}

func (f fakeChecker) CheckPullRequest(_ context.Context, ref domain.RepositoryRef, headSHA string) (githubsync.PullRequestReport, error) {
	if f.err != nil {
		return githubsync.PullRequestReport{}, f.err
	}
	r := f.report
	r.Owner, r.Repo, r.HeadSHA = ref.Owner, ref.Repo, headSHA
	return r, nil
}

// checkRunServer records the check-run API calls of one repository.
type checkRunServer struct {
	mu      sync.Mutex
	created []github.CheckRun
	updated map[int64]github.CheckRun
}

func (s *checkRunServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var in github.CheckRun
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/lsst-sqre/demo/check-runs":
			s.created = append(s.created, in)
			in.ID = int64(len(s.created))
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(in)
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/repos/lsst-sqre/demo/check-runs/"):
			var id int64
			_, _ = fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/repos/lsst-sqre/demo/check-runs/"), "%d", &id)
			s.updated[id] = in
			in.ID = id
			_ = json.NewEncoder(w).Encode(in)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newReporter(t *testing.T, checker Checker) (*Reporter, *checkRunServer) {
	t.Helper()
	rec := &checkRunServer{updated: map[int64]github.CheckRun{}}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)
	clients := func(ctx context.Context, _ domain.RepositoryRef) (Client, error) {
		return github.NewClient(ctx, srv.URL, "tok", time.Second), nil
	}
	r := New("https://data.example.org", clients, checker, nil)
	if r == nil {
		t.Fatalf("New returned nil")
	}
	return r, rec
}

func TestReporterRun(t *testing.T) {
	r, rec := newReporter(t, fakeChecker{report: sampleReport()})
	ref := domain.RepositoryRef{Owner: "lsst-sqre", Repo: "demo"}

	res, err := r.Run(context.Background(), ref, "abc")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.created) != 2 {
		t.Fatalf("created=%d runs, want 2", len(rec.created))
	}
	for i, want := range []struct{ name, external string }{
		{ConfigCheckName, ConfigCheckExternalID},
		{ExecutionCheckName, ExecutionCheckExternalID},
	} {
		got := rec.created[i]
		if got.Name != want.name || got.ExternalID != want.external || got.HeadSHA != "abc" || got.Status != github.CheckRunInProgress {
			t.Fatalf("created[%d]=%+v", i, got)
		}
	}

	details := "https://data.example.org/times-square/github-pr/lsst-sqre/demo/abc"
	for id, title := range map[int64]string{1: ConfigCheckName, 2: ExecutionCheckName} {
		got, ok := rec.updated[id]
		if !ok {
			t.Fatalf("run %d not completed", id)
		}
		if got.Status != github.CheckRunCompleted || got.Conclusion != github.ConclusionFailure || got.DetailsURL != details {
			t.Fatalf("run %d update=%+v", id, got)
		}
		if got.Output == nil || got.Output.Title != title || len(got.Output.Annotations) != 1 {
			t.Fatalf("run %d output=%+v", id, got.Output)
		}
	}
	if res.Config.Conclusion != github.ConclusionFailure || res.Execution.ID != 2 {
		t.Fatalf("result=%+v", res)
	}
}

func TestReporterRunCheckError(t *testing.T) {
	boom := errors.New("github unavailable")
	r, rec := newReporter(t, fakeChecker{err: boom})

	_, err := r.Run(context.Background(), domain.RepositoryRef{Owner: "lsst-sqre", Repo: "demo"}, "abc")
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if len(rec.updated) != 2 {
		t.Fatalf("updated=%d runs, want 2", len(rec.updated))
	}
	for id, got := range rec.updated {
		if got.Conclusion != github.ConclusionNeutral || got.Output == nil || !strings.Contains(got.Output.Summary, "github unavailable") {
			t.Fatalf("run %d update=%+v", id, got)
		}
	}
}
