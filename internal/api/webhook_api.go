package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/github"
	"github.com/lsst-sqre/times-square-go/internal/worker"
)

const maxWebhookBody = 25 << 20

var webhookTaskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("times-square/webhooks/github"))

type webhookResponse struct {
	Event    string   `json:"event"`
	Delivery string   `json:"delivery,omitempty"`
	Status   string   `json:"status"`
	Tasks    []string `json:"tasks,omitempty"`
}

// webhookTask is one unit of work derived from an event.
type webhookTask struct {
	kind       domain.TaskKind
	ref        domain.RepositoryRef
	reason     string
	headSHA    string
	headBranch string
}

// handleGitHubWebhook verifies the delivery signature and turns accepted
// events into queued tasks. Events that need no work answer 200 with
// status "ignored"; queued work answers 202.
func (api *API) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if api.queue == nil || api.cfg.GitHub.WebhookSecret == "" {
		api.writeError(w, r, http.StatusServiceUnavailable, "github_not_configured", "", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := github.VerifySignature(api.cfg.GitHub.WebhookSecret, body, r.Header.Get(github.HeaderSignature)); err != nil {
		api.logger.Warn("webhook signature rejected", "delivery", r.Header.Get(github.HeaderDelivery), "err", err)
		api.writeError(w, r, http.StatusUnauthorized, "invalid_signature", "", nil)
		return
	}

	event := r.Header.Get(github.HeaderEvent)
	resp := webhookResponse{Event: event, Delivery: r.Header.Get(github.HeaderDelivery), Status: "ignored"}
	tasks, err := api.webhookTasks(event, body)
	if err == nil {
		err = validateTasks(tasks)
	}
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_payload", err.Error(), nil)
		return
	}

	for i, t := range tasks {
		if !api.cfg.GitHub.OrgAccepted(t.ref.Owner) {
			api.logger.Info("webhook from unaccepted organization ignored", "event", event, "owner", t.ref.Owner, "repo", t.ref.Repo)
			continue
		}
		var opts []worker.EnqueueOption
		if resp.Delivery != "" {
			opts = append(opts, worker.WithTaskID(deliveryTaskID(resp.Delivery, i, t)))
		}
		var queued domain.Task
		switch t.kind {
		case domain.TaskSyncRepository:
			queued, err = worker.EnqueueSync(r.Context(), api.queue, t.ref, t.reason, opts...)
		case domain.TaskRetireRepository:
			queued, err = worker.EnqueueRetire(r.Context(), api.queue, t.ref, t.reason, opts...)
		case domain.TaskCheckPullRequest:
			queued, err = worker.EnqueuePullRequestCheck(r.Context(), api.queue, t.ref, t.headSHA, t.headBranch, opts...)
		}
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		resp.Tasks = append(resp.Tasks, queued.ID)
	}

	if len(resp.Tasks) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "queued"
	api.logger.Info("webhook queued tasks", "event", event, "delivery", resp.Delivery, "tasks", len(resp.Tasks))
	writeJSON(w, http.StatusAccepted, resp)
}

func (api *API) webhookTasks(event string, body []byte) ([]webhookTask, error) {
	switch event {
	case "ping":
		return nil, nil
	case "push":
		var ev github.PushEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		if !ev.OnDefaultBranch() {
			return nil, nil
		}
		return []webhookTask{{kind: domain.TaskSyncRepository, ref: repositoryRef(ev.Repository, ev.Installation), reason: "push"}}, nil

	case "installation":
		var ev github.InstallationEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		switch ev.Action {
		case "created", "unsuspend":
			return installationTasks(domain.TaskSyncRepository, "installation "+ev.Action, ev.Installation, ev.Repositories), nil
		case "deleted":
			return installationTasks(domain.TaskRetireRepository, "installation deleted", ev.Installation, ev.Repositories), nil
		default:
			return nil, nil
		}

	case "installation_repositories":
		var ev github.InstallationRepositoriesEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		tasks := installationTasks(domain.TaskSyncRepository, "repositories added", ev.Installation, ev.RepositoriesAdded)
		return append(tasks, installationTasks(domain.TaskRetireRepository, "repositories removed", ev.Installation, ev.RepositoriesRemoved)...), nil

	case "pull_request":
		if !api.cfg.GitHub.CheckRuns {
			return nil, nil
		}
		var ev github.PullRequestEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		if ev.Action != "opened" && ev.Action != "synchronize" && ev.Action != "reopened" {
			return nil, nil
		}
		return []webhookTask{checkTask(ev.Repository, ev.Installation, ev.PullRequest.Head.SHA, ev.PullRequest.Head.Ref)}, nil

	case "check_suite":
		if !api.cfg.GitHub.CheckRuns {
			return nil, nil
		}
		var ev github.CheckSuiteEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		if ev.Action != "requested" && ev.Action != "rerequested" {
			return nil, nil
		}
		return []webhookTask{checkTask(ev.Repository, ev.Installation, ev.CheckSuite.HeadSHA, ev.CheckSuite.HeadBranch)}, nil

	case "check_run":
		if !api.cfg.GitHub.CheckRuns {
			return nil, nil
		}
		var ev github.CheckRunEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		if ev.Action != "rerequested" {
			return nil, nil
		}
		return []webhookTask{checkTask(ev.Repository, ev.Installation, ev.CheckRun.HeadSHA, ev.CheckRun.CheckSuite.HeadBranch)}, nil

	case "":
		return nil, errors.New(github.HeaderEvent + " header is required")
	default:
		return nil, nil
	}
}

// deliveryTaskID names the i-th task of a delivery. GitHub redelivers
// with the original delivery ID, so a retry maps onto the tasks an
// earlier attempt already queued.
func deliveryTaskID(delivery string, i int, t webhookTask) string {
	name := fmt.Sprintf("%s/%d/%s/%s/%s", delivery, i, t.kind, t.ref.Owner, t.ref.Repo)
	return uuid.NewSHA1(webhookTaskNamespace, []byte(name)).String()
}

func validateTasks(tasks []webhookTask) error {
	for _, t := range tasks {
		if t.ref.Owner == "" || t.ref.Repo == "" {
			return errors.New("repository owner and name are required")
		}
		if t.kind == domain.TaskCheckPullRequest && t.headSHA == "" {
			return errors.New("head sha is required")
		}
	}
	return nil
}

func repositoryRef(repo github.WebhookRepository, inst github.Installation) domain.RepositoryRef {
	return domain.RepositoryRef{Owner: repo.Owner.Login, Repo: repo.Name, InstallationID: inst.ID}
}

func checkTask(repo github.WebhookRepository, inst github.Installation, sha, branch string) webhookTask {
	return webhookTask{
		kind:       domain.TaskCheckPullRequest,
		ref:        repositoryRef(repo, inst),
		headSHA:    sha,
		headBranch: branch,
	}
}

func installationTasks(kind domain.TaskKind, reason string, inst github.Installation, repos []github.InstallationRepository) []webhookTask {
	var out []webhookTask
	for _, r := range repos {
		owner, name, ok := r.OwnerRepo()
		if !ok {
			continue
		}
		out = append(out, webhookTask{
			kind:   kind,
			ref:    domain.RepositoryRef{Owner: owner, Repo: name, InstallationID: inst.ID},
			reason: reason,
		})
	}
	return out
}
