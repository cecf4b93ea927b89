package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "pewbridge/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// a run that lasted this long restarts from the minimum backoff
	healthyRun = 30 * time.Second
)

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max        time.Duration
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError records the first failure in Err while the loop
// keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

func newRestartPolicy(opts []RestartOption) restartPolicy {
	p := restartPolicy{min: defaultMinBackoff, max: defaultMaxBackoff, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	if p.max < p.min {
		p.max = p.min
	}
	return p
}

// next returns the jittered wait for the current backoff and the backoff to
// use after it.
func (p restartPolicy) next(backoff time.Duration) (wait, after time.Duration) {
	wait = min(max(backoff, p.min), p.max)
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	return wait, min(backoff*2, p.max)
}

// GoRestart runs fn and restarts it after errors or panics until the
// supervisor is cancelled. Cancellation always counts as a clean stop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := newRestartPolicy(opts)
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.min
		for ctx.Err() == nil {
			startedAt := time.Now()
			err := s.runGuarded(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			if p.publishFirstErr {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			if time.Since(startedAt) >= healthyRun {
				backoff = p.min
			}
			var wait time.Duration
			wait, backoff = p.next(backoff)
			s.logf(logx.Logger.Warn, "goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// GoRestart0 is GoRestart for loops without an error result. Combine with
// WithStopOnCleanExit(false) to restart a loop that returns on its own.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}
