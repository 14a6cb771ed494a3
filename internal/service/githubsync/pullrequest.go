package githubsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/settingsfile"
)

// Annotation points at a problem in one file of a pull request.
type Annotation struct {
	Path      string
	StartLine int
	EndLine   int
	Column    int
	Title     string
	Message   string
}

// ConfigCheck is the outcome of validating times-square.yaml and every
// notebook sidecar.
type ConfigCheck struct {
	SidecarsChecked []string
	Annotations     []Annotation
}

// FileOK reports whether no annotation names path.
func (c ConfigCheck) FileOK(path string) bool {
	return fileOK(c.Annotations, path)
}

// NotebookExecution is the dry-run result of one notebook. Runtime is nil
// when the execution time is unknown.
type NotebookExecution struct {
	Path    string
	Success bool
	Runtime *time.Duration
}

type ExecutionCheck struct {
	Executions  []NotebookExecution
	Annotations []Annotation
}

// PullRequestReport is everything a pull request check found.
type PullRequestReport struct {
	Owner     string
	Repo      string
	HeadSHA   string
	Config    ConfigCheck
	Execution ExecutionCheck
}

type pendingExecution struct {
	path        string
	fingerprint string
}

// CheckPullRequest validates a pull request head the way a sync would,
// without touching live pages or sync state. Valid notebooks become
// preview pages pinned to the head commit and are executed with their
// defaults, waiting at most CheckTimeout for the results.
func (s *Service) CheckPullRequest(ctx context.Context, ref domain.RepositoryRef, headSHA string) (PullRequestReport, error) {
	if err := s.checkOwner(ref.Owner); err != nil {
		return PullRequestReport{}, err
	}
	if headSHA == "" {
		return PullRequestReport{}, errors.New("head sha is required")
	}
	client, err := s.clients(ctx, ref)
	if err != nil {
		return PullRequestReport{}, fmt.Errorf("github client: %w", err)
	}
	report := PullRequestReport{Owner: ref.Owner, Repo: ref.Repo, HeadSHA: headSHA}
	logger := s.logger.With("owner", ref.Owner, "repo", ref.Repo, "sha", headSHA)

	settings, err := loadRepoSettings(ctx, client, ref.Owner, ref.Repo, headSHA)
	if err != nil {
		var perr *domain.SyncParseError
		if !errors.As(err, &perr) {
			return report, err
		}
		report.Config.Annotations = append(report.Config.Annotations, yamlAnnotation(perr))
		return report, nil
	}
	if !settings.Enabled {
		logger.Info("repository disabled by settings; nothing to check")
		return report, nil
	}

	tree, err := client.GetTree(ctx, ref.Owner, ref.Repo, headSHA)
	if err != nil {
		return report, fmt.Errorf("get tree: %w", err)
	}

	var pending []pendingExecution
	for _, pair := range findNotebooks(ref.Owner, ref.Repo, tree, settings) {
		p, err := s.checkPair(ctx, client, ref, headSHA, settings, pair, &report)
		if err != nil {
			return report, err
		}
		if p != nil {
			pending = append(pending, *p)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	for _, p := range pending {
		c, err := s.pages.WaitForComputation(waitCtx, p.fingerprint)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return report, fmt.Errorf("wait for %s: %w", p.path, err)
		}
		report.Execution.record(p.path, c, err != nil, s.cfg.CheckTimeout)
	}
	sort.Strings(report.Config.SidecarsChecked)
	sort.Slice(report.Execution.Executions, func(i, j int) bool {
		return report.Execution.Executions[i].Path < report.Execution.Executions[j].Path
	})
	logger.Info("pull request checked",
		"sidecars", len(report.Config.SidecarsChecked),
		"notebooks", len(report.Execution.Executions),
		"config_annotations", len(report.Config.Annotations),
		"execution_annotations", len(report.Execution.Annotations),
	)
	return report, nil
}

// checkPair validates one pair and starts its preview execution.
func (s *Service) checkPair(ctx context.Context, client Client, ref domain.RepositoryRef, headSHA string, settings settingsfile.RepoSettings, pair notebookPair, report *PullRequestReport) (*pendingExecution, error) {
	report.Config.SidecarsChecked = append(report.Config.SidecarsChecked, pair.Sidecar.Path)
	page, enabled, err := s.loadPage(ctx, client, ref.Owner, ref.Repo, headSHA, settings, pair)
	if err != nil {
		return nil, report.note(pair, err)
	}
	if !enabled {
		return nil, nil
	}

	existing, found, err := s.existingPage(ctx, pair.DisplayPath, headSHA, "")
	if err != nil {
		return nil, err
	}
	if found {
		page.Name = existing.Name
		page, err = s.pages.UpdatePage(ctx, page)
	} else {
		page, err = s.pages.AddPage(ctx, page)
	}
	if err != nil {
		return nil, report.note(pair, err)
	}

	c, err := s.pages.ExecuteWithDefaults(ctx, page)
	if err != nil {
		return nil, report.note(pair, err)
	}
	return &pendingExecution{path: pair.Notebook.Path, fingerprint: c.Fingerprint}, nil
}

// note files a pair's problem under the check it belongs to. Errors that
// are not about file content are returned.
func (r *PullRequestReport) note(pair notebookPair, err error) error {
	perr, title := describe(pair.Notebook.Path, err)
	switch {
	case perr == nil:
		return err
	case perr.Path == pair.Notebook.Path:
		r.Execution.fail(perr.Path, title, perr.Message, nil)
	default:
		r.Config.Annotations = append(r.Config.Annotations, yamlAnnotation(perr))
	}
	return nil
}

func (e *ExecutionCheck) fail(path, title, message string, runtime *time.Duration) {
	e.Executions = append(e.Executions, NotebookExecution{Path: path, Success: false, Runtime: runtime})
	e.Annotations = append(e.Annotations, Annotation{Path: path, StartLine: 1, EndLine: 1, Title: title, Message: message})
}

func (e *ExecutionCheck) record(path string, c domain.Computation, expired bool, limit time.Duration) {
	runtime := c.Duration()
	switch {
	case expired:
		e.fail(path, "Noteburst timeout", fmt.Sprintf("The notebook execution did not finish within %s (last state: %s).", limit, c.State), runtime)
	case c.State == domain.ComputationSucceeded:
		e.Executions = append(e.Executions, NotebookExecution{Path: path, Success: true, Runtime: runtime})
	case c.State == domain.ComputationTimedOut:
		e.fail(path, "Notebook execution timeout", "The notebook execution timed out: "+c.Error, runtime)
	case c.ErrorKind == domain.ExecutionErrorTransport:
		e.fail(path, "Noteburst error", c.Error, runtime)
	default:
		e.fail(path, "Notebook execution error", c.Error, runtime)
	}
}

func yamlAnnotation(perr *domain.SyncParseError) Annotation {
	line := perr.Line
	if line < 1 {
		line = 1
	}
	title := "YAML error"
	if perr.Line > 0 {
		title = fmt.Sprintf("YAML error (%d:%d)", perr.Line, perr.Column)
	}
	return Annotation{Path: perr.Path, StartLine: line, EndLine: line, Column: perr.Column, Title: title, Message: perr.Message}
}

func fileOK(annotations []Annotation, path string) bool {
	for _, a := range annotations {
		if a.Path == path {
			return false
		}
	}
	return true
}
