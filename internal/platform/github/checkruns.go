package github

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

type CheckRunStatus string

const (
	CheckRunQueued     CheckRunStatus = "queued"
	CheckRunInProgress CheckRunStatus = "in_progress"
	CheckRunCompleted  CheckRunStatus = "completed"
)

type CheckRunConclusion string

const (
	ConclusionSuccess CheckRunConclusion = "success"
	ConclusionFailure CheckRunConclusion = "failure"
	ConclusionNeutral CheckRunConclusion = "neutral"
)

// Annotation levels accepted by GitHub.
const (
	AnnotationNotice  = "notice"
	AnnotationWarning = "warning"
	AnnotationFailure = "failure"
)

type Annotation struct {
	Path            string `json:"path"`
	StartLine       int    `json:"start_line"`
	EndLine         int    `json:"end_line"`
	AnnotationLevel string `json:"annotation_level"`
	Message         string `json:"message"`
	Title           string `json:"title,omitempty"`
}

type CheckRunOutput struct {
	Title       string       `json:"title"`
	Summary     string       `json:"summary"`
	Text        string       `json:"text,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

type CheckRun struct {
	ID          int64              `json:"id,omitempty"`
	Name        string             `json:"name,omitempty"`
	HeadSHA     string             `json:"head_sha,omitempty"`
	ExternalID  string             `json:"external_id,omitempty"`
	DetailsURL  string             `json:"details_url,omitempty"`
	Status      CheckRunStatus     `json:"status,omitempty"`
	Conclusion  CheckRunConclusion `json:"conclusion,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Output      *CheckRunOutput    `json:"output,omitempty"`
}

func (c *Client) CreateCheckRun(ctx context.Context, owner, repo string, run CheckRun) (CheckRun, error) {
	run.ID = 0
	var out CheckRun
	err := c.request(ctx, http.MethodPost, repoPath(owner, repo)+"/check-runs", run, &out)
	return out, err
}

// UpdateCheckRun patches the fields set in run.
func (c *Client) UpdateCheckRun(ctx context.Context, owner, repo string, id int64, run CheckRun) (CheckRun, error) {
	run.ID = 0
	run.HeadSHA = ""
	var out CheckRun
	err := c.request(ctx, http.MethodPatch, repoPath(owner, repo)+"/check-runs/"+strconv.FormatInt(id, 10), run, &out)
	return out, err
}
