package domain

import "time"

// ComputationState is the lifecycle state of rendering one page instance.
type ComputationState string

const (
	ComputationIdle      ComputationState = "idle"
	ComputationQueued    ComputationState = "queued"
	ComputationRunning   ComputationState = "running"
	ComputationSucceeded ComputationState = "succeeded"
	ComputationFailed    ComputationState = "failed"
	ComputationTimedOut  ComputationState = "timed_out"
)

func (s ComputationState) Terminal() bool {
	switch s {
	case ComputationSucceeded, ComputationFailed, ComputationTimedOut:
		return true
	default:
		return false
	}
}

// ExecutionErrorKind classifies why a computation did not succeed.
type ExecutionErrorKind string

const (
	ExecutionErrorTimeout   ExecutionErrorKind = "timeout"
	ExecutionErrorUpstream  ExecutionErrorKind = "upstream"
	ExecutionErrorTransport ExecutionErrorKind = "transport"
)

// Computation is the in-flight (or most recent) execution of a page
// instance. While non-terminal it doubles as the in-flight marker for its
// fingerprint.
//
// Generation is bumped by every dispatch request; JobGeneration is the
// generation the current noteburst job was submitted for. A job whose
// JobGeneration is behind Generation has been superseded.
type Computation struct {
	Fingerprint   string
	PageName      string
	Query         string
	Generation    int64
	JobGeneration int64
	State         ComputationState
	JobURL        string
	Timeout       time.Duration
	EnqueuedAt    time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	HTMLHash      string
	ErrorKind     ExecutionErrorKind
	Error         string
}

// Superseded reports whether a newer dispatch was requested after the
// current job was submitted.
func (c Computation) Superseded() bool {
	return c.JobGeneration < c.Generation
}

// Duration is the execution time once the job has started.
func (c Computation) Duration() *time.Duration {
	if c.StartedAt == nil || c.FinishedAt == nil {
		return nil
	}
	d := c.FinishedAt.Sub(*c.StartedAt)
	return &d
}

// StatusEvent is one state-change notification for a fingerprint.
type StatusEvent struct {
	Fingerprint string           `json:"fingerprint"`
	State       ComputationState `json:"execution_status"`
	Timestamp   time.Time        `json:"timestamp"`
	Generation  int64            `json:"generation"`
	SubmittedAt *time.Time       `json:"date_submitted,omitempty"`
	StartedAt   *time.Time       `json:"date_started,omitempty"`
	FinishedAt  *time.Time       `json:"date_finished,omitempty"`
	Duration    *float64         `json:"execution_duration,omitempty"`
	HTMLHash    string           `json:"html_hash,omitempty"`
	HTMLURL     string           `json:"html_url,omitempty"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Event snapshots the computation as a status event.
func (c Computation) Event(now time.Time) StatusEvent {
	ev := StatusEvent{
		Fingerprint: c.Fingerprint,
		State:       c.State,
		Timestamp:   now,
		Generation:  c.Generation,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
		HTMLHash:    c.HTMLHash,
		ErrorKind:   string(c.ErrorKind),
		Error:       c.Error,
	}
	if !c.EnqueuedAt.IsZero() {
		submitted := c.EnqueuedAt
		ev.SubmittedAt = &submitted
	}
	if d := c.Duration(); d != nil {
		secs := d.Seconds()
		ev.Duration = &secs
	}
	return ev
}
