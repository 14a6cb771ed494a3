package pages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/platform/noteburst"
	"github.com/lsst-sqre/times-square-go/internal/render"
)

// RunTracker polls in-flight computations until ctx is done.
func (s *Service) RunTracker(ctx context.Context) {
	interval := s.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("job tracker started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("job tracker pass failed", "error", err)
			}
		}
	}
}

// PollOnce inspects every in-flight computation once.
func (s *Service) PollOnce(ctx context.Context) error {
	active, err := s.computations.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active computations: %w", err)
	}
	for _, c := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.track(ctx, c); err != nil {
			s.logger.Error("track computation", "fingerprint", c.Fingerprint, "job_url", c.JobURL, "error", err)
		}
	}
	return nil
}

func (s *Service) track(ctx context.Context, c domain.Computation) error {
	now := s.now()
	if c.JobURL == "" {
		// Claimed but never recorded a job: the submitting process died.
		if now.Sub(c.EnqueuedAt) > s.staleAfter(c.Timeout) {
			_, err := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorTransport, Message: "execution job was never submitted"})
			return err
		}
		return nil
	}

	job, err := s.exec.Inspect(ctx, c.JobURL)
	if errors.Is(err, noteburst.ErrNotFound) {
		_, err := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorTransport, Message: "noteburst job disappeared"})
		return err
	}
	if err != nil {
		s.logger.Warn("noteburst inspect failed", "fingerprint", c.Fingerprint, "error", err)
		return s.checkDeadline(ctx, c, now)
	}

	switch job.Status {
	case noteburst.JobInProgress:
		if c.State == domain.ComputationQueued {
			return s.markRunning(ctx, c, job)
		}
		return s.checkDeadline(ctx, c, now)
	case noteburst.JobComplete:
		if c.Superseded() {
			_, err := s.redispatch(ctx, c)
			return err
		}
		switch {
		case job.Succeeded():
			return s.complete(ctx, c, job)
		case job.TimedOut():
			_, err := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorTimeout, Message: job.FailureMessage()})
			return err
		default:
			_, err := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: job.FailureMessage()})
			return err
		}
	default:
		return s.checkDeadline(ctx, c, now)
	}
}

// checkDeadline times out a job noteburst has not finished within its
// timeout plus slack.
func (s *Service) checkDeadline(ctx context.Context, c domain.Computation, now time.Time) error {
	start := c.EnqueuedAt
	if c.StartedAt != nil {
		start = *c.StartedAt
	}
	if now.Before(start.Add(c.Timeout + s.cfg.TimeoutSlack)) {
		return nil
	}
	_, err := s.fail(ctx, c, &domain.ExecutionError{
		Kind:    domain.ExecutionErrorTimeout,
		Message: fmt.Sprintf("no result from noteburst within %s", c.Timeout+s.cfg.TimeoutSlack),
	})
	return err
}

func (s *Service) markRunning(ctx context.Context, c domain.Computation, job noteburst.Job) error {
	started := s.now()
	if job.StartTime != nil {
		started = job.StartTime.UTC()
	}
	out, err := s.mutate(ctx, c.Fingerprint, func(cur *domain.Computation) error {
		if cur.JobURL != c.JobURL || cur.State != domain.ComputationQueued {
			return errSkip
		}
		cur.State = domain.ComputationRunning
		cur.StartedAt = &started
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	s.publish(out)
	return nil
}

// complete exports both display renders of a finished job, caches them
// and marks the computation succeeded. Renders written for a generation
// that was superseded meanwhile are removed again.
func (s *Service) complete(ctx context.Context, c domain.Computation, job noteburst.Job) error {
	page, err := s.livePage(ctx, c.PageName)
	if err != nil {
		_, ferr := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: err.Error()})
		return ferr
	}
	values, err := params.ParseQuery(page.Parameters, c.Query)
	if err != nil {
		_, ferr := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: err.Error()})
		return ferr
	}

	finished := s.now()
	if job.FinishTime != nil {
		finished = job.FinishTime.UTC()
	}
	started := c.EnqueuedAt
	if job.StartTime != nil {
		started = job.StartTime.UTC()
	} else if c.StartedAt != nil {
		started = *c.StartedAt
	}
	var expires *time.Time
	if page.CacheTTL != nil {
		at := finished.Add(*page.CacheTTL)
		expires = &at
	}

	var hash string
	for _, settings := range domain.AllDisplaySettings() {
		html, err := render.ExportHTML(job.Ipynb, render.ExportOptions{Title: page.Title, HideCode: settings.HideCode})
		if err != nil {
			_, ferr := s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: err.Error()})
			return ferr
		}
		entry := domain.NbHTML{
			PageName:          page.Name,
			Fingerprint:       c.Fingerprint,
			HTML:              html,
			HTMLHash:          domain.HashHTML(html),
			Values:            values.JSON(),
			HideCode:          settings.HideCode,
			DateExecuted:      finished,
			ExecutionDuration: finished.Sub(started),
			DateRendered:      s.now(),
			ExpiresAt:         expires,
		}
		if err := s.cache.Put(ctx, domain.HTMLKey(c.Fingerprint, settings), entry); err != nil {
			return fmt.Errorf("cache html: %w", err)
		}
		if settings.HideCode {
			hash = entry.HTMLHash
		}
	}

	out, err := s.settle(ctx, c, func(cur *domain.Computation) {
		cur.State = domain.ComputationSucceeded
		cur.StartedAt = &started
		cur.FinishedAt = &finished
		cur.HTMLHash = hash
	})
	switch {
	case errors.Is(err, errSuperseded):
		if err := s.deleteRenders(ctx, c.Fingerprint); err != nil {
			return err
		}
		_, err := s.redispatch(ctx, out)
		return err
	case errors.Is(err, errSkip):
		return nil
	case err != nil:
		return fmt.Errorf("record success: %w", err)
	}
	s.logger.Info("computation succeeded", "fingerprint", c.Fingerprint, "duration_ms", finished.Sub(started).Milliseconds())
	s.publish(out)
	return nil
}
