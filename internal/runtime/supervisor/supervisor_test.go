package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { return errors.New("bad") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "boom: bad") {
		t.Fatalf("err = %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go0("panicky", func(context.Context) { panic("oops") })
	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "panic in panicky: oops") {
		t.Fatalf("err = %v", err)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context cancelled without WithCancelOnError")
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestGoAfterStopPreventsRun(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var ran atomic.Bool
	stop := s.GoAfter("later", 50*time.Millisecond, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if !stop() {
		t.Fatalf("stop reported false for a pending task")
	}
	if stop() {
		t.Fatalf("second stop reported true")
	}
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if ran.Load() {
		t.Fatalf("task ran after stop")
	}
}

func TestGoAfterRunsOnce(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	done := make(chan struct{})
	stop := s.GoAfter("soon", time.Millisecond, func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task never ran")
	}
	if stop() {
		t.Fatalf("stop after run reported true")
	}
	_ = s.Stop(waitCtx(t))
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if err == nil || !strings.Contains(err.Error(), "flaky: transient") {
		t.Fatalf("err = %v", err)
	}
}

func TestGoRestartRestartsCleanExitWhenAsked(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart0("poll", func(context.Context) {
		if runs.Add(1) == 3 {
			s.Cancel()
		}
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithStopOnCleanExit(false))
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestRestartPolicyBackoff(t *testing.T) {
	t.Parallel()
	p := newRestartPolicy([]RestartOption{WithRestartBackoff(100*time.Millisecond, 300*time.Millisecond)})
	wait, after := p.next(100 * time.Millisecond)
	if wait < 100*time.Millisecond || wait > 120*time.Millisecond || after != 200*time.Millisecond {
		t.Fatalf("first = %v, %v", wait, after)
	}
	_, after = p.next(200 * time.Millisecond)
	if after != 300*time.Millisecond {
		t.Fatalf("capped = %v", after)
	}
}
