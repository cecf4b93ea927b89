package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "pewbridge/pkg/logx"
)

// Supervisor owns a cancelable context and every goroutine started under it.
// Components create one per tenant or per service; cancelling it stops all
// loops and timers at once.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	first    atomic.Pointer[error]
	doneOnce sync.Once
	doneCh   chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context when any goroutine returns
// a non-cancellation error or panics.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, doneCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel does not wait for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) record(err error) {
	if err == nil {
		return
	}
	s.first.CompareAndSwap(nil, &err)
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// runGuarded calls fn and converts a panic into an error.
func (s *Supervisor) runGuarded(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logf(logx.Logger.Error, "goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &panicError{msg: fmt.Sprintf("panic in %s: %v", name, r)}
		}
	}()
	return fn(s.ctx)
}

// Go runs fn in a named goroutine. Errors other than context.Canceled are
// recorded and, with WithCancelOnError, cancel the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logf(logx.Logger.Debug, "goroutine started", logx.String("name", name))
		err := s.runGuarded(name, fn)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case isPanic(err):
			s.fail(err)
		default:
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.logf(logx.Logger.Debug, "goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoAfter runs fn once after delay unless the supervisor is cancelled first.
// The returned stop func cancels a pending run; it reports false if fn
// already started or the supervisor is done.
func (s *Supervisor) GoAfter(name string, delay time.Duration, fn func(ctx context.Context) error) (stop func() bool) {
	if fn == nil {
		return func() bool { return false }
	}
	const (
		pending int32 = iota
		running
		cancelled
	)
	var state atomic.Int32
	cancelCh := make(chan struct{})
	s.Go(name, func(ctx context.Context) error {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil
			case <-cancelCh:
				return nil
			case <-t.C:
			}
		}
		if !state.CompareAndSwap(pending, running) {
			return nil
		}
		return fn(ctx)
	})
	return func() bool {
		if !state.CompareAndSwap(pending, cancelled) {
			return false
		}
		close(cancelCh)
		return true
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) logf(level func(logx.Logger, string, ...logx.Field), msg string, fields ...logx.Field) {
	if s.log.IsZero() {
		return
	}
	level(s.log, msg, fields...)
}

type panicError struct{ msg string }

func (e *panicError) Error() string { return e.msg }

func isPanic(err error) bool {
	var p *panicError
	return errors.As(err, &p)
}
