package logx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type chatSink struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (c *chatSink) SendLog(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestRenderLineSortsFields(t *testing.T) {
	t.Parallel()
	got := renderLine([]byte(`{"level":"warn","time":"x","message":"send failed","tenant":"7","err":"boom"}`))
	want := "[WARN] send failed\n- err=boom\n- tenant=7"
	if got != want {
		t.Fatalf("renderLine = %q, want %q", got, want)
	}
	if got := renderLine([]byte("not json")); got != "not json" {
		t.Fatalf("plain = %q", got)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	if got := clip(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("short", 12); got != "short" {
		t.Fatalf("clip = %q", got)
	}
}

func TestRemoteForwardsWarningsOnly(t *testing.T) {
	t.Parallel()
	sink := &chatSink{got: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Remote: RemoteConfig{Enabled: true, RatePerSec: 100}}, sink)
	defer svc.Close()

	log.Info("routine")
	log.Warn("degraded", Tenant("42"), Err(errors.New("timeout")), Err(nil))
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing forwarded")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 1 {
		t.Fatalf("lines = %q", sink.lines)
	}
	line := sink.lines[0]
	if !strings.HasPrefix(line, "[WARN] degraded") || !strings.Contains(line, "- tenant=42") || !strings.Contains(line, "- err=timeout") {
		t.Fatalf("line = %q", line)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatalf("IsZero mismatch")
	}
	zero.Error("dropped")
	if zero.With(String("k", "v")).IsZero() {
		t.Fatalf("child with fields reports zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"WARNING": "warn", " debug ": "debug", "bogus": "info"} {
		if got := parseLevel(in, 1).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
