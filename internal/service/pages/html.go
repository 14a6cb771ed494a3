package pages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/platform/noteburst"
	"github.com/lsst-sqre/times-square-go/internal/render"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

const maxMutateAttempts = 8

var (
	// errSkip means the row no longer describes the job being acted on.
	errSkip = errors.New("computation moved on")
	// errSuperseded means a newer generation was requested while the job ran.
	errSuperseded = errors.New("computation superseded")
)

// HTMLResult is the outcome of an HTML request. HTML is nil on a cache
// miss; Computation then describes the job producing it.
type HTMLResult struct {
	Page        domain.Page
	Instance    domain.PageInstance
	Settings    domain.DisplaySettings
	HTML        *domain.NbHTML
	Computation domain.Computation
}

// HTMLStatus describes an instance render without triggering execution.
type HTMLStatus struct {
	Available   bool
	HTMLHash    string
	HTMLURL     string
	Computation domain.Computation
}

// GetOrRequestHTML returns the cached render for a request, or makes sure
// exactly one job is producing it.
func (s *Service) GetOrRequestHTML(ctx context.Context, name string, raw url.Values) (HTMLResult, error) {
	page, values, settings, err := s.resolve(ctx, name, raw)
	if err != nil {
		return HTMLResult{}, err
	}
	inst := domain.PageInstance{PageName: page.Name, Values: values}
	res := HTMLResult{Page: page, Instance: inst, Settings: settings}

	html, err := s.cache.Get(ctx, inst.HTMLKey(settings))
	switch {
	case err == nil:
		res.HTML = &html
		c, err := s.currentComputation(ctx, inst.Fingerprint())
		if err != nil {
			return HTMLResult{}, err
		}
		res.Computation = c
		return res, nil
	case !errors.Is(err, repo.ErrNotFound):
		return HTMLResult{}, fmt.Errorf("read html cache: %w", err)
	}

	c, err := s.ensureComputation(ctx, page, values)
	if err != nil {
		return HTMLResult{}, err
	}
	res.Computation = c
	return res, nil
}

// HTMLStatus reports whether a render is cached and the state of the
// instance's computation.
func (s *Service) HTMLStatus(ctx context.Context, name string, raw url.Values) (HTMLStatus, error) {
	page, values, settings, err := s.resolve(ctx, name, raw)
	if err != nil {
		return HTMLStatus{}, err
	}
	inst := domain.PageInstance{PageName: page.Name, Values: values}
	c, err := s.currentComputation(ctx, inst.Fingerprint())
	if err != nil {
		return HTMLStatus{}, err
	}
	out := HTMLStatus{Computation: c}
	html, err := s.cache.Get(ctx, inst.HTMLKey(settings))
	switch {
	case err == nil:
		out.Available = true
		out.HTMLHash = html.HTMLHash
		out.HTMLURL = s.HTMLURL(page.Name, values, settings)
	case !errors.Is(err, repo.ErrNotFound):
		return HTMLStatus{}, fmt.Errorf("read html cache: %w", err)
	}
	return out, nil
}

// RenderNotebook returns the notebook that would be executed for a
// request.
func (s *Service) RenderNotebook(ctx context.Context, name string, raw url.Values) (string, error) {
	page, values, _, err := s.resolve(ctx, name, raw)
	if err != nil {
		return "", err
	}
	return render.Render(page.Ipynb, values)
}

// ForceRecompute drops both renders of an instance and dispatches a fresh
// job. A job already in flight is re-stamped instead so its result is
// discarded and replaced once it finishes.
func (s *Service) ForceRecompute(ctx context.Context, name string, raw url.Values) (domain.Computation, error) {
	page, values, _, err := s.resolve(ctx, name, raw)
	if err != nil {
		return domain.Computation{}, err
	}
	ipynb, err := render.Render(page.Ipynb, values)
	if err != nil {
		return domain.Computation{}, err
	}
	fp := domain.PageInstance{PageName: page.Name, Values: values}.Fingerprint()

	c, live, err := s.computations.Supersede(ctx, fp)
	if err != nil {
		return domain.Computation{}, fmt.Errorf("supersede computation: %w", err)
	}
	if err := s.deleteRenders(ctx, fp); err != nil {
		return domain.Computation{}, err
	}
	if live {
		s.logger.Info("in-flight computation superseded", "fingerprint", fp, "generation", c.Generation)
		s.publish(c)
		return c, nil
	}
	return s.claimAndSubmit(ctx, page, values, ipynb)
}

func (s *Service) ensureComputation(ctx context.Context, page domain.Page, values params.Values) (domain.Computation, error) {
	ipynb, err := render.Render(page.Ipynb, values)
	if err != nil {
		return domain.Computation{}, err
	}
	return s.claimAndSubmit(ctx, page, values, ipynb)
}

func (s *Service) claimAndSubmit(ctx context.Context, page domain.Page, values params.Values, ipynb string) (domain.Computation, error) {
	inst := domain.PageInstance{PageName: page.Name, Values: values}
	timeout := s.timeoutFor(page)
	now := s.now()
	c, won, err := s.computations.Claim(ctx, domain.Computation{
		Fingerprint: inst.Fingerprint(),
		PageName:    page.Name,
		Query:       values.QueryString(),
		Timeout:     timeout,
		EnqueuedAt:  now,
	}, now.Add(-s.staleAfter(timeout)))
	if err != nil {
		return domain.Computation{}, fmt.Errorf("claim computation: %w", err)
	}
	if !won {
		return c, nil
	}
	s.publish(c)
	return s.submit(ctx, c, ipynb)
}

// submit sends a claimed computation to noteburst and records the job.
// It outlives the caller's context: a dropped request must not strand a
// claimed marker.
func (s *Service) submit(ctx context.Context, c domain.Computation, ipynb string) (domain.Computation, error) {
	ctx = context.WithoutCancel(ctx)
	job, err := s.exec.Submit(ctx, ipynb, c.Timeout)
	if err != nil {
		s.logger.Error("noteburst submit failed", "fingerprint", c.Fingerprint, "error", err)
		return s.fail(ctx, c, &domain.ExecutionError{Kind: domain.ExecutionErrorTransport, Message: err.Error()})
	}
	s.logger.Info("notebook submitted", "fingerprint", c.Fingerprint, "generation", c.JobGeneration, "job_url", job.SelfURL)

	generation := c.JobGeneration
	updated, err := s.mutate(ctx, c.Fingerprint, func(cur *domain.Computation) error {
		if cur.JobURL != "" || cur.JobGeneration != generation || cur.State.Terminal() {
			return errSkip
		}
		cur.JobURL = job.SelfURL
		if job.Status == noteburst.JobInProgress {
			started := s.now()
			if job.StartTime != nil {
				started = job.StartTime.UTC()
			}
			cur.State = domain.ComputationRunning
			cur.StartedAt = &started
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		s.logger.Warn("submitted job no longer matches computation", "fingerprint", c.Fingerprint, "job_url", job.SelfURL)
		return updated, nil
	}
	if err != nil {
		return domain.Computation{}, fmt.Errorf("record job url: %w", err)
	}
	s.publish(updated)
	return updated, nil
}

// mutate applies fn to the stored row and writes it back, retrying when a
// concurrent generation bump wins the compare-and-set. On an fn error the
// row fn was given is returned with it.
func (s *Service) mutate(ctx context.Context, fingerprint string, fn func(*domain.Computation) error) (domain.Computation, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		cur, err := s.computations.Get(ctx, fingerprint)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Computation{}, errSkip
		}
		if err != nil {
			return domain.Computation{}, err
		}
		next := cur
		if err := fn(&next); err != nil {
			return cur, err
		}
		err = s.computations.Update(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return domain.Computation{}, err
		}
	}
	return domain.Computation{}, fmt.Errorf("computation %s: gave up after %d conflicting updates", fingerprint, maxMutateAttempts)
}

// settle moves the job c describes to a terminal state. It refuses with
// errSuperseded when a newer generation was requested meanwhile.
func (s *Service) settle(ctx context.Context, c domain.Computation, apply func(*domain.Computation)) (domain.Computation, error) {
	return s.mutate(ctx, c.Fingerprint, func(cur *domain.Computation) error {
		if cur.JobURL != c.JobURL || cur.JobGeneration != c.JobGeneration || cur.State.Terminal() {
			return errSkip
		}
		if cur.Superseded() {
			return errSuperseded
		}
		apply(cur)
		return nil
	})
}

func (s *Service) fail(ctx context.Context, c domain.Computation, execErr *domain.ExecutionError) (domain.Computation, error) {
	finished := s.now()
	out, err := s.settle(ctx, c, func(cur *domain.Computation) {
		cur.State = execErr.State()
		cur.ErrorKind = execErr.Kind
		cur.Error = execErr.Message
		cur.FinishedAt = &finished
	})
	switch {
	case errors.Is(err, errSuperseded):
		return s.redispatch(ctx, out)
	case errors.Is(err, errSkip):
		return out, nil
	case err != nil:
		return domain.Computation{}, fmt.Errorf("record failure: %w", err)
	}
	s.logger.Warn("computation failed", "fingerprint", c.Fingerprint, "kind", execErr.Kind, "error", execErr.Message)
	s.publish(out)
	return out, nil
}

// redispatch replaces a superseded job with one for the current
// generation, re-reading the page so content changes are picked up.
func (s *Service) redispatch(ctx context.Context, c domain.Computation) (domain.Computation, error) {
	ctx = context.WithoutCancel(ctx)
	target := c.Generation

	var job noteburst.Job
	ipynb, timeout, execErr := s.prepare(ctx, c)
	if execErr == nil {
		var err error
		if job, err = s.exec.Submit(ctx, ipynb, timeout); err != nil {
			execErr = &domain.ExecutionError{Kind: domain.ExecutionErrorTransport, Message: err.Error()}
		}
	}

	now := s.now()
	out, err := s.mutate(ctx, c.Fingerprint, func(cur *domain.Computation) error {
		if cur.JobURL != c.JobURL || cur.State.Terminal() {
			return errSkip
		}
		cur.JobGeneration = target
		cur.StartedAt = nil
		cur.FinishedAt = nil
		cur.HTMLHash = ""
		cur.ErrorKind = ""
		cur.Error = ""
		if execErr != nil {
			cur.State = execErr.State()
			cur.ErrorKind = execErr.Kind
			cur.Error = execErr.Message
			cur.FinishedAt = &now
			return nil
		}
		cur.JobURL = job.SelfURL
		cur.State = domain.ComputationQueued
		cur.EnqueuedAt = now
		cur.Timeout = timeout
		return nil
	})
	if errors.Is(err, errSkip) {
		s.logger.Warn("redispatch raced another update", "fingerprint", c.Fingerprint, "job_url", job.SelfURL)
		return out, nil
	}
	if err != nil {
		return domain.Computation{}, fmt.Errorf("record redispatch: %w", err)
	}
	if execErr != nil {
		s.logger.Warn("redispatch failed", "fingerprint", c.Fingerprint, "kind", execErr.Kind, "error", execErr.Message)
	} else {
		s.logger.Info("superseded computation redispatched", "fingerprint", c.Fingerprint, "generation", target, "job_url", job.SelfURL)
	}
	s.publish(out)
	return out, nil
}

// prepare re-renders the notebook of a stored computation from the
// current page definition.
func (s *Service) prepare(ctx context.Context, c domain.Computation) (string, time.Duration, *domain.ExecutionError) {
	page, err := s.livePage(ctx, c.PageName)
	if err != nil {
		return "", 0, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: err.Error()}
	}
	values, err := params.ParseQuery(page.Parameters, c.Query)
	if err != nil {
		return "", 0, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: err.Error()}
	}
	ipynb, err := render.Render(page.Ipynb, values)
	if err != nil {
		return "", 0, &domain.ExecutionError{Kind: domain.ExecutionErrorUpstream, Message: err.Error()}
	}
	return ipynb, s.timeoutFor(page), nil
}

func (s *Service) deleteRenders(ctx context.Context, fingerprint string) error {
	for _, settings := range domain.AllDisplaySettings() {
		if err := s.cache.Delete(ctx, domain.HTMLKey(fingerprint, settings)); err != nil {
			return fmt.Errorf("delete cached html: %w", err)
		}
	}
	return nil
}

func (s *Service) publish(c domain.Computation) {
	s.broker.Publish(c)
}
