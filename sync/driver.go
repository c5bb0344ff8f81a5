package sync

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Run drives the sync to the end of the bulk phase using d to reach peers.
// It starts Config.Workers dispatch workers, a progress reporter and a
// pivot watcher, and returns nil once the bulk phase has finished, the
// context error when ctx ends first, or the first invariant violation or
// failure to persist the finished record.
func (s *Syncer) Run(ctx context.Context, d Dispatcher) error {
	if s.finished.Load() {
		return nil
	}
	var limiter *rate.Limiter
	if s.cfg.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestRate), s.cfg.RequestBurst)
	}
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.work(ctx, d, limiter, done)
		})
	}
	g.Go(func() error {
		s.every(ctx, done, s.cfg.ReportInterval, s.logProgress)
		return nil
	})
	g.Go(func() error {
		s.every(ctx, done, s.cfg.PivotCheckInterval, func() {
			if s.pivot.pivot().Stale {
				s.UpdatePivot()
			}
		})
		return nil
	})
	g.Go(func() error {
		defer close(done)
		return s.awaitFinish(ctx)
	})
	err := g.Wait()
	if err == nil {
		s.logProgress()
	}
	return err
}

// awaitFinish polls the finished flag so done is closed exactly once,
// whichever worker observed the end.
func (s *Syncer) awaitFinish(ctx context.Context) error {
	ticker := time.NewTicker(s.idleWait())
	defer ticker.Stop()
	for !s.finished.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Syncer) work(ctx context.Context, d Dispatcher, limiter *rate.Limiter, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, finished := s.NextRequest()
		if finished {
			return nil
		}
		if req == nil {
			if err := s.finishError(); err != nil {
				return err
			}
			s.sleep(ctx, done)
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if rerr := s.RetryRequest(req); rerr != nil {
					return rerr
				}
				return err
			}
		}
		resp, err := d.Dispatch(ctx, req)
		if err != nil {
			if rerr := s.RetryRequest(req); rerr != nil {
				return rerr
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Trace("Dispatch failed", "id", req.RequestID(), "kind", req.Kind(), "err", err)
			if errors.Is(err, ErrNoPeers) {
				s.sleep(ctx, done)
			}
			continue
		}
		if _, err := s.HandleResponse(req, resp); err != nil {
			return err
		}
	}
}

func (s *Syncer) idleWait() time.Duration {
	if s.cfg.IdleWait <= 0 {
		return time.Millisecond
	}
	return s.cfg.IdleWait
}

func (s *Syncer) sleep(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(s.idleWait())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-done:
	case <-timer.C:
	}
}

// every calls fn once per interval until done or ctx ends. A non-positive
// interval disables the loop.
func (s *Syncer) every(ctx context.Context, done <-chan struct{}, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			fn()
		}
	}
}
