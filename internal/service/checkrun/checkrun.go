// Package checkrun publishes pull request checks as GitHub check runs.
package checkrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/service/githubsync"
)

const (
	ConfigCheckName       = "YAML config validation"
	ConfigCheckExternalID = "times-square/yaml-check"

	ExecutionCheckName       = "Notebook execution"
	ExecutionCheckExternalID = "times-square/nbexec"

	// maxAnnotations is the number of annotations GitHub accepts in one
	// check run update.
	maxAnnotations = 50
)

// Client is the check-run side of the GitHub API. *github.Client
// implements it.
type Client interface {
	CreateCheckRun(ctx context.Context, owner, repo string, run github.CheckRun) (github.CheckRun, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, id int64, run github.CheckRun) (github.CheckRun, error)
}

type ClientSource func(ctx context.Context, ref domain.RepositoryRef) (Client, error)

func FactorySource(f *github.Factory) ClientSource {
	return func(ctx context.Context, ref domain.RepositoryRef) (Client, error) {
		if ref.InstallationID != 0 {
			return f.ForInstallation(ctx, ref.InstallationID)
		}
		return f.ForRepository(ctx, ref.Owner, ref.Repo)
	}
}

// Checker runs the pull request validation. *githubsync.Service
// implements it.
type Checker interface {
	CheckPullRequest(ctx context.Context, ref domain.RepositoryRef, headSHA string) (githubsync.PullRequestReport, error)
}

type Reporter struct {
	environmentURL string
	clients        ClientSource
	checker        Checker
	logger         *slog.Logger
	now            func() time.Time
}

func New(environmentURL string, clients ClientSource, checker Checker, logger *slog.Logger) *Reporter {
	if clients == nil || checker == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		environmentURL: strings.TrimRight(environmentURL, "/"),
		clients:        clients,
		checker:        checker,
		logger:         logger.With("component", "checkrun"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Result holds the two completed check runs.
type Result struct {
	Config    github.CheckRun
	Execution github.CheckRun
}

// Run creates both check runs for a pull request head, runs the check
// and completes the runs with its findings. When the check itself fails
// both runs are closed as neutral and the error is returned.
func (r *Reporter) Run(ctx context.Context, ref domain.RepositoryRef, headSHA string) (Result, error) {
	if r == nil {
		return Result{}, errors.New("check run reporter not initialized")
	}
	client, err := r.clients(ctx, ref)
	if err != nil {
		return Result{}, fmt.Errorf("github client: %w", err)
	}
	logger := r.logger.With("owner", ref.Owner, "repo", ref.Repo, "sha", headSHA)

	configRun, err := r.start(ctx, client, ref, headSHA, ConfigCheckName, ConfigCheckExternalID)
	if err != nil {
		return Result{}, err
	}
	execRun, err := r.start(ctx, client, ref, headSHA, ExecutionCheckName, ExecutionCheckExternalID)
	if err != nil {
		return Result{}, err
	}

	report, checkErr := r.checker.CheckPullRequest(ctx, ref, headSHA)
	if checkErr != nil {
		logger.Error("pull request check failed", "err", checkErr)
		output := github.CheckRunOutput{
			Title:   "Times Square could not check this commit",
			Summary: "The check stopped before it finished: " + checkErr.Error(),
		}
		// The caller's context may already be done.
		finishCtx := context.WithoutCancel(ctx)
		configRun, _ = r.finish(finishCtx, client, ref, configRun, github.ConclusionNeutral, output)
		execRun, _ = r.finish(finishCtx, client, ref, execRun, github.ConclusionNeutral, output)
		return Result{Config: configRun, Execution: execRun}, checkErr
	}

	details := DetailsURL(r.environmentURL, ref.Owner, ref.Repo, headSHA)
	configRun.DetailsURL = details
	execRun.DetailsURL = details

	conclusion, output := ConfigOutput(report)
	if configRun, err = r.finish(ctx, client, ref, configRun, conclusion, output); err != nil {
		return Result{}, err
	}
	conclusion, output = ExecutionOutput(report, details)
	if execRun, err = r.finish(ctx, client, ref, execRun, conclusion, output); err != nil {
		return Result{}, err
	}
	logger.Info("check runs completed", "config", configRun.Conclusion, "execution", execRun.Conclusion)
	return Result{Config: configRun, Execution: execRun}, nil
}

func (r *Reporter) start(ctx context.Context, client Client, ref domain.RepositoryRef, headSHA, name, externalID string) (github.CheckRun, error) {
	started := r.now()
	run, err := client.CreateCheckRun(ctx, ref.Owner, ref.Repo, github.CheckRun{
		Name:       name,
		HeadSHA:    headSHA,
		ExternalID: externalID,
		Status:     github.CheckRunInProgress,
		StartedAt:  &started,
	})
	if err != nil {
		return github.CheckRun{}, fmt.Errorf("create %q check run: %w", name, err)
	}
	return run, nil
}

func (r *Reporter) finish(ctx context.Context, client Client, ref domain.RepositoryRef, run github.CheckRun, conclusion github.CheckRunConclusion, output github.CheckRunOutput) (github.CheckRun, error) {
	completed := r.now()
	updated, err := client.UpdateCheckRun(ctx, ref.Owner, ref.Repo, run.ID, github.CheckRun{
		DetailsURL:  run.DetailsURL,
		Status:      github.CheckRunCompleted,
		Conclusion:  conclusion,
		CompletedAt: &completed,
		Output:      &output,
	})
	if err != nil {
		return run, fmt.Errorf("complete %q check run: %w", run.Name, err)
	}
	return updated, nil
}

// DetailsURL is the PR preview page of a commit.
func DetailsURL(environmentURL, owner, repo, sha string) string {
	return strings.TrimRight(environmentURL, "/") + "/times-square/github-pr/" + owner + "/" + repo + "/" + sha
}
