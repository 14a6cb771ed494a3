package checkrun

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/service/githubsync"
	"github.com/lsst-sqre/times-square-go/internal/settingsfile"
)

// ConfigOutput summarizes the YAML validation of a pull request.
func ConfigOutput(report githubsync.PullRequestReport) (github.CheckRunConclusion, github.CheckRunOutput) {
	conclusion := conclude(report.Config.Annotations)

	summary := "Everything looks good ✅"
	if conclusion == github.ConclusionFailure {
		summary = "There are some issues 🧐"
	}
	if n := len(report.Config.SidecarsChecked); n == 1 {
		summary += fmt.Sprintf(" (checked %s and 1 notebook sidecar file)", settingsfile.RepoSettingsPath)
	} else {
		summary += fmt.Sprintf(" (checked %s and %d notebook sidecar files)", settingsfile.RepoSettingsPath, n)
	}

	var text strings.Builder
	text.WriteString("| File | Status |\n | --- | :-: |\n")
	files := append([]string{settingsfile.RepoSettingsPath}, uniqueSorted(report.Config.SidecarsChecked)...)
	for _, file := range files {
		fmt.Fprintf(&text, "| %s | %s |\n", file, mark(report.Config.FileOK(file)))
	}

	return conclusion, github.CheckRunOutput{
		Title:       ConfigCheckName,
		Summary:     summary,
		Text:        text.String(),
		Annotations: exportAnnotations(report.Config.Annotations),
	}
}

// ExecutionOutput summarizes the notebook dry runs of a pull request.
// Each notebook links to its preview under detailsURL.
func ExecutionOutput(report githubsync.PullRequestReport, detailsURL string) (github.CheckRunConclusion, github.CheckRunOutput) {
	conclusion := conclude(report.Execution.Annotations)

	summary := "Notebooks ran without issue ✅"
	if conclusion == github.ConclusionFailure {
		summary = "There are some issues 🧐"
	}
	if n := len(report.Execution.Executions); n == 1 {
		summary += " (checked 1 notebook)"
	} else {
		summary += fmt.Sprintf(" (checked %d notebooks)", n)
	}

	executions := append([]githubsync.NotebookExecution(nil), report.Execution.Executions...)
	sort.SliceStable(executions, func(i, j int) bool { return executions[i].Path < executions[j].Path })

	var text strings.Builder
	text.WriteString("| Notebook | Status | Execution Time |\n | --- | :-: | :-: |\n")
	for _, e := range executions {
		runtime := "N/A"
		if e.Runtime != nil && *e.Runtime > 0 {
			runtime = FormatRuntime(*e.Runtime)
		}
		fmt.Fprintf(&text, "| [%s](%s) | %s | %s |\n", e.Path, previewURL(detailsURL, e.Path), mark(e.Success), runtime)
	}

	return conclusion, github.CheckRunOutput{
		Title:       ExecutionCheckName,
		Summary:     summary,
		Text:        text.String(),
		Annotations: exportAnnotations(report.Execution.Annotations),
	}
}

// FormatRuntime renders an execution time as "12.3 sec", "4 min 5 sec"
// or "1 hr 2 min".
func FormatRuntime(d time.Duration) string {
	seconds := d.Seconds()
	switch {
	case seconds < 60:
		return fmt.Sprintf("%.1f sec", seconds)
	case seconds < 3600:
		total := int(seconds)
		return fmt.Sprintf("%d min %d sec", total/60, total%60)
	default:
		total := int(seconds)
		return fmt.Sprintf("%d hr %d min", total/3600, total%3600/60)
	}
}

func conclude(annotations []githubsync.Annotation) github.CheckRunConclusion {
	if len(annotations) > 0 {
		return github.ConclusionFailure
	}
	return github.ConclusionSuccess
}

func exportAnnotations(annotations []githubsync.Annotation) []github.Annotation {
	if len(annotations) > maxAnnotations {
		annotations = annotations[:maxAnnotations]
	}
	out := make([]github.Annotation, 0, len(annotations))
	for _, a := range annotations {
		start := a.StartLine
		if start < 1 {
			start = 1
		}
		end := a.EndLine
		if end < start {
			end = start
		}
		out = append(out, github.Annotation{
			Path:            a.Path,
			StartLine:       start,
			EndLine:         end,
			AnnotationLevel: github.AnnotationFailure,
			Message:         a.Message,
			Title:           a.Title,
		})
	}
	return out
}

// previewURL is the preview page of a notebook: its path without the
// .ipynb extension under the commit's details URL.
func previewURL(detailsURL, notebookPath string) string {
	return detailsURL + "/" + strings.TrimSuffix(notebookPath, path.Ext(notebookPath))
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func mark(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}
