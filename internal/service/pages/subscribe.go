package pages

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/params"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type eventKey struct {
	generation    int64
	jobGeneration int64
	state         domain.ComputationState
}

// Subscribe streams status events for one instance. The current state is
// sent first, then every transition. The channel closes StreamGrace after
// a terminal state, or when ctx is done. Unsubscribing never affects the
// computation.
func (s *Service) Subscribe(ctx context.Context, name string, raw url.Values) (<-chan domain.StatusEvent, error) {
	page, values, settings, err := s.resolve(ctx, name, raw)
	if err != nil {
		return nil, err
	}
	fp := domain.PageInstance{PageName: page.Name, Values: values}.Fingerprint()
	wakeups, unsubscribe := s.broker.Subscribe(fp)

	out := make(chan domain.StatusEvent, 8)
	go func() {
		defer close(out)
		defer unsubscribe()

		poll := time.NewTicker(s.pollInterval())
		defer poll.Stop()

		var (
			last  eventKey
			sent  bool
			timer *time.Timer
			grace <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		check := func() bool {
			c, err := s.snapshot(ctx, fp, settings)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("status stream read failed", "fingerprint", fp, "error", err)
				}
				return true
			}
			key := eventKey{generation: c.Generation, jobGeneration: c.JobGeneration, state: c.State}
			if sent && key == last {
				return true
			}
			select {
			case out <- s.event(ctx, page.Name, values, settings, c):
			case <-ctx.Done():
				return false
			}
			last, sent = key, true

			switch {
			case c.State.Terminal() && timer == nil:
				timer = time.NewTimer(s.cfg.StreamGrace)
				grace = timer.C
			case !c.State.Terminal() && timer != nil:
				timer.Stop()
				timer, grace = nil, nil
			}
			return true
		}

		if !check() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-grace:
				return
			case <-wakeups:
				if !check() {
					return
				}
			case <-poll.C:
				if !check() {
					return
				}
			}
		}
	}()
	return out, nil
}

// snapshot is the fingerprint's stored computation. Without one, a cached
// render reads as succeeded and anything else as idle.
func (s *Service) snapshot(ctx context.Context, fingerprint string, settings domain.DisplaySettings) (domain.Computation, error) {
	c, err := s.computations.Get(ctx, fingerprint)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Computation{}, err
	}
	html, err := s.cache.Get(ctx, domain.HTMLKey(fingerprint, settings))
	if err == nil {
		return domain.Computation{
			Fingerprint: fingerprint,
			State:       domain.ComputationSucceeded,
			HTMLHash:    html.HTMLHash,
		}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Computation{}, err
	}
	return domain.Computation{Fingerprint: fingerprint, State: domain.ComputationIdle}, nil
}

// event enriches a computation with the hash and URL of the render the
// subscriber asked for.
func (s *Service) event(ctx context.Context, pageName string, values params.Values, settings domain.DisplaySettings, c domain.Computation) domain.StatusEvent {
	ev := c.Event(s.now())
	if c.State != domain.ComputationSucceeded {
		return ev
	}
	if html, err := s.cache.Get(ctx, domain.HTMLKey(c.Fingerprint, settings)); err == nil {
		ev.HTMLHash = html.HTMLHash
	}
	ev.HTMLURL = s.HTMLURL(pageName, values, settings)
	return ev
}

func (s *Service) pollInterval() time.Duration {
	if s.cfg.PollInterval <= 0 {
		return 2 * time.Second
	}
	return s.cfg.PollInterval
}

// WaitForComputation blocks until the fingerprint's computation is
// terminal or ctx is done. On ctx expiry it returns the last state seen.
func (s *Service) WaitForComputation(ctx context.Context, fingerprint string) (domain.Computation, error) {
	wakeups, unsubscribe := s.broker.Subscribe(fingerprint)
	defer unsubscribe()
	poll := time.NewTicker(s.pollInterval())
	defer poll.Stop()

	for {
		c, err := s.snapshot(ctx, fingerprint, domain.DisplaySettings{HideCode: true})
		if err != nil {
			return domain.Computation{}, err
		}
		if c.State.Terminal() {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, ctx.Err()
		case <-wakeups:
		case <-poll.C:
		}
	}
}
