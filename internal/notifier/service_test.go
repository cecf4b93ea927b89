package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	cp "pewbridge/internal/controlplane"
	"pewbridge/internal/eventbus"
	logx "pewbridge/pkg/logx"
)

type flakyAdapter struct {
	mu    sync.Mutex
	fails int
	calls int
	sent  []string
}

func (a *flakyAdapter) Start(context.Context, chan<- cp.Update) error { return nil }
func (a *flakyAdapter) Stop(context.Context) error                    { return nil }

func (a *flakyAdapter) SendText(_ context.Context, to cp.ChatTarget, text string) (cp.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fails > 0 {
		a.fails--
		return cp.MessageRef{}, errors.New("telegram: 502 bad gateway")
	}
	a.sent = append(a.sent, text)
	return cp.MessageRef{ChatID: to.ChatID, MessageID: a.calls}, nil
}

func (a *flakyAdapter) state() (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, append([]string(nil), a.sent...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func start(t *testing.T, cfg Config, ad cp.Adapter, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func note(chat int64, sev cp.Severity, text string) cp.Notification {
	return cp.Notification{
		Tenant:   strconv.FormatInt(chat, 10),
		Kind:     cp.KindConnection,
		Severity: sev,
		Target:   cp.ChatTarget{ChatID: chat},
		Text:     text,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &flakyAdapter{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), note(1, 0, "x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &flakyAdapter{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), note(1, 0, "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestNotifyRetriesThenSends(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{fails: 2}
	bus := eventbus.New()
	sent, unsub := bus.SubscribePrefix(eventbus.NotifierSent, 4)
	defer unsub()
	s := start(t, fastConfig(), ad, bus)

	if err := s.Notify(context.Background(), note(7, cp.SeverityAlert, "logged out")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case ev := <-sent:
		data := ev.Data.(Event)
		if data.ChatID != 7 || data.Tenant != "7" || data.Attempts != 3 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no sent event")
	}
	calls, texts := ad.state()
	if calls != 3 || len(texts) != 1 || texts[0] != "🚨 logged out" {
		t.Fatalf("calls=%d texts=%q", calls, texts)
	}
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{fails: 10}
	bus := eventbus.New()
	failed, unsub := bus.SubscribePrefix(eventbus.NotifierFailed, 4)
	defer unsub()
	s := start(t, fastConfig(), ad, bus)

	if err := s.Notify(context.Background(), note(3, 0, "x")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("no failed event")
	}
	if calls, _ := ad.state(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestNotifyDedupsPerChat(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{}
	s := start(t, fastConfig(), ad, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, note(1, cp.SeverityNotice, "reconnecting")); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := s.Notify(ctx, note(2, cp.SeverityNotice, "reconnecting")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "two sends", func() bool { _, texts := ad.state(); return len(texts) == 2 })
	time.Sleep(20 * time.Millisecond)
	if _, texts := ad.state(); len(texts) != 2 {
		t.Fatalf("sent %d, want 2", len(texts))
	}
}

func TestSuppressorCapEvictsEarliest(t *testing.T) {
	t.Parallel()
	sp := newSuppressor()
	now := time.Now()
	for i, k := range []string{"a", "b", "c"} {
		if !sp.allow(k, time.Duration(i+1)*time.Minute, 2, now) {
			t.Fatalf("first sight of %q suppressed", k)
		}
	}
	if sp.len() != 2 {
		t.Fatalf("entries = %d, want 2", sp.len())
	}
	if !sp.allow("a", time.Minute, 2, now) {
		t.Fatalf("evicted entry still suppressed")
	}
	if sp.allow("c", time.Minute, 2, now) {
		t.Fatalf("duplicate inside the window allowed")
	}
	if !sp.allow("c", time.Minute, 2, now.Add(4*time.Minute)) {
		t.Fatalf("entry not released after its window")
	}
}

func TestSuppressKeyScopesByTenantAndKind(t *testing.T) {
	t.Parallel()
	a := note(1, cp.SeverityNotice, "x")
	b := a
	b.Kind = cp.KindError
	c := a
	c.Tenant = "2"
	if suppressKey(a) == suppressKey(b) || suppressKey(a) == suppressKey(c) {
		t.Fatalf("keys collide")
	}
	if suppressKey(a) != suppressKey(note(1, cp.SeverityAlert, "x")) {
		t.Fatalf("severity changed the key")
	}
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay %v out of bounds", attempt, d)
		}
	}
	if d := backoff(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{}
	s := New(fastConfig(), ad, logx.Nop(), nil)
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		_ = s.Notify(context.Background(), note(int64(i), 0, "n"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if _, texts := ad.state(); len(texts) != 5 {
		t.Fatalf("sent %d after stop, want 5", len(texts))
	}
	if err := s.Notify(context.Background(), note(1, 0, "late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err after stop = %v", err)
	}
}
