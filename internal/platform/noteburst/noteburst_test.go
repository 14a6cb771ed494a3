package noteburst

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitAndInspect(t *testing.T) {
	var gotSubmit SubmitRequest
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/noteburst/v1/notebooks/":
			if err := json.NewDecoder(r.Body).Decode(&gotSubmit); err != nil {
				t.Errorf("decode submit: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"self_url":     srv.URL + "/noteburst/v1/notebooks/abc",
				"enqueue_time": "2025-06-15T12:00:00Z",
				"status":       "queued",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/noteburst/v1/notebooks/abc":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"self_url":     srv.URL + "/noteburst/v1/notebooks/abc",
				"enqueue_time": "2025-06-15T12:00:00Z",
				"status":       "complete",
				"ipynb":        `{"cells":[]}`,
				"start_time":   "2025-06-15T12:00:01Z",
				"finish_time":  "2025-06-15T12:00:04Z",
				"success":      true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret", KernelName: "LSST", EnableRetry: true, RequestTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	job, err := c.Submit(context.Background(), `{"cells":[]}`, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if job.Status != JobQueued || gotSubmit.Timeout != 2 || gotSubmit.KernelName != "LSST" || !gotSubmit.EnableRetry {
		t.Fatalf("job=%+v submit=%+v", job, gotSubmit)
	}

	done, err := c.Inspect(context.Background(), job.SelfURL)
	if err != nil {
		t.Fatalf("Inspect() err=%v", err)
	}
	if !done.Succeeded() || done.FinishTime.Sub(*done.StartTime) != 3*time.Second {
		t.Fatalf("done=%+v", done)
	}

	if _, err := c.Inspect(context.Background(), srv.URL+"/noteburst/v1/notebooks/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Inspect(missing) err=%v, want ErrNotFound", err)
	}
}

func TestDoClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RequestTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := c.Inspect(context.Background(), srv.URL+"/unauthorized"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v, want ErrUnauthorized", err)
	}
	_, err = c.Submit(context.Background(), `{}`, 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err=%v, want APIError 502", err)
	}
}

func TestJobOutcome(t *testing.T) {
	no := false
	tests := []struct {
		name      string
		job       Job
		succeeded bool
		timedOut  bool
	}{
		{name: "complete", job: Job{Status: JobComplete, Ipynb: "{}"}, succeeded: true},
		{name: "jupyter error", job: Job{Status: JobComplete, Ipynb: "{}", Success: &no, IpynbError: &NotebookError{Name: "ValueError", Message: "bad"}}},
		{name: "timeout", job: Job{Status: JobComplete, Error: &JobError{Code: ErrorCodeTimeout, Message: "too slow"}}, timedOut: true},
		{name: "in progress", job: Job{Status: JobInProgress}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.job.Succeeded(); got != tc.succeeded {
				t.Fatalf("Succeeded()=%v, want %v", got, tc.succeeded)
			}
			if got := tc.job.TimedOut(); got != tc.timedOut {
				t.Fatalf("TimedOut()=%v, want %v", got, tc.timedOut)
			}
		})
	}
	if msg := (Job{Status: JobComplete, IpynbError: &NotebookError{Name: "ValueError", Message: "bad"}}).FailureMessage(); msg != "ValueError: bad" {
		t.Fatalf("FailureMessage()=%q", msg)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{RequestTimeout: time.Second}).Validate(); err == nil {
		t.Fatalf("expected missing base url error")
	}
	if err := (Config{BaseURL: "ftp://x", RequestTimeout: time.Second}).Validate(); err == nil {
		t.Fatalf("expected scheme error")
	}
	if err := (Config{BaseURL: "https://data.example", RequestTimeout: time.Second}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}
