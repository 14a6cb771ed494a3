// Package noteburst is a client for the noteburst notebook execution
// service.
package noteburst

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
)

var (
	ErrNotFound      = errors.New("noteburst job not found")
	ErrUnauthorized  = errors.New("noteburst request unauthorized")
	ErrUnexpectedAPI = errors.New("noteburst unexpected response")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("noteburst api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("noteburst api error (status=%d): %s", e.StatusCode, body)
}

type Config struct {
	// BaseURL is the environment URL; the API lives under /noteburst/v1.
	BaseURL        string
	Token          string
	KernelName     string
	EnableRetry    bool
	RequestTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	enableRetry, err := env.Bool("TS_NOTEBURST_ENABLE_RETRY", true)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := env.Duration("TS_NOTEBURST_REQUEST_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:        env.String("TS_ENVIRONMENT_URL", ""),
		Token:          env.String("TS_NOTEBURST_TOKEN", env.String("TS_GAFAELFAWR_TOKEN", "")),
		KernelName:     env.String("TS_NOTEBURST_KERNEL", "LSST"),
		EnableRetry:    enableRetry,
		RequestTimeout: requestTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("TS_ENVIRONMENT_URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("TS_ENVIRONMENT_URL must be an http(s) URL (got %q)", c.BaseURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("TS_NOTEBURST_REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// JobStatus is noteburst's view of a job.
type JobStatus string

const (
	JobDeferred   JobStatus = "deferred"
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobComplete   JobStatus = "complete"
	JobNotFound   JobStatus = "not_found"
)

// Error codes reported by noteburst for failed executions.
const (
	ErrorCodeTimeout      = "timeout"
	ErrorCodeJupyterError = "jupyter_error"
	ErrorCodeUnknown      = "unknown"
)

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type NotebookError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Job is the subset of noteburst's job resource the service reads.
type Job struct {
	SelfURL     string         `json:"self_url"`
	EnqueueTime time.Time      `json:"enqueue_time"`
	Status      JobStatus      `json:"status"`
	Ipynb       string         `json:"ipynb,omitempty"`
	IpynbError  *NotebookError `json:"ipynb_error,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	StartTime   *time.Time     `json:"start_time,omitempty"`
	FinishTime  *time.Time     `json:"finish_time,omitempty"`
	Success     *bool          `json:"success,omitempty"`
}

// Succeeded reports a complete job with a usable notebook.
func (j Job) Succeeded() bool {
	return j.Status == JobComplete && j.Error == nil && (j.Success == nil || *j.Success) && j.Ipynb != ""
}

// TimedOut reports a job noteburst stopped for exceeding its timeout.
func (j Job) TimedOut() bool {
	return j.Error != nil && j.Error.Code == ErrorCodeTimeout
}

// FailureMessage describes why a complete job did not succeed.
func (j Job) FailureMessage() string {
	switch {
	case j.Error != nil && j.Error.Message != "":
		return j.Error.Message
	case j.IpynbError != nil:
		return j.IpynbError.Name + ": " + j.IpynbError.Message
	case j.Ipynb == "":
		return "noteburst returned no notebook"
	default:
		return "notebook execution failed"
	}
}

type SubmitRequest struct {
	Ipynb       string `json:"ipynb"`
	KernelName  string `json:"kernel_name"`
	EnableRetry bool   `json:"enable_retry"`
	// Timeout is in seconds.
	Timeout int `json:"timeout,omitempty"`
}

type Client struct {
	baseURL     string
	token       string
	kernel      string
	enableRetry bool
	http        *http.Client
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:       cfg.Token,
		kernel:      cfg.KernelName,
		enableRetry: cfg.EnableRetry,
		http:        httpClient,
	}, nil
}

// Submit queues a notebook for execution. timeout is rounded up to whole
// seconds; zero leaves noteburst's default in place.
func (c *Client) Submit(ctx context.Context, ipynb string, timeout time.Duration) (Job, error) {
	if strings.TrimSpace(ipynb) == "" {
		return Job{}, errors.New("ipynb is required")
	}
	payload := SubmitRequest{
		Ipynb:       ipynb,
		KernelName:  c.kernel,
		EnableRetry: c.enableRetry,
	}
	if timeout > 0 {
		payload.Timeout = int((timeout + time.Second - 1) / time.Second)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/noteburst/v1/notebooks/", bytes.NewReader(body))
	if err != nil {
		return Job{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out Job
	if err := c.do(req, http.StatusAccepted, &out); err != nil {
		return Job{}, err
	}
	if out.SelfURL == "" {
		return Job{}, fmt.Errorf("%w: submit response has no self_url", ErrUnexpectedAPI)
	}
	return out, nil
}

// Inspect fetches the job resource at jobURL.
func (c *Client) Inspect(ctx context.Context, jobURL string) (Job, error) {
	jobURL = strings.TrimSpace(jobURL)
	if jobURL == "" {
		return Job{}, errors.New("job url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return Job{}, err
	}
	var out Job
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case want:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode noteburst response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
