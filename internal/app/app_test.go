package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cp "pewbridge/internal/controlplane"
	"pewbridge/internal/session"
	"pewbridge/internal/transport"
	"pewbridge/internal/transport/loopback"
	logx "pewbridge/pkg/logx"
)

type chatAdapter struct {
	mu   sync.Mutex
	out  chan<- cp.Update
	sent []cp.ChatTarget
	text []string
}

func (a *chatAdapter) Start(_ context.Context, out chan<- cp.Update) error {
	a.mu.Lock()
	a.out = out
	a.mu.Unlock()
	return nil
}

func (a *chatAdapter) Stop(context.Context) error { return nil }

func (a *chatAdapter) SendText(_ context.Context, to cp.ChatTarget, text string) (cp.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, to)
	a.text = append(a.text, text)
	return cp.MessageRef{ChatID: to.ChatID, MessageID: len(a.text)}, nil
}

func (a *chatAdapter) say(from int64, text string) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	out <- cp.Update{ChatID: from, FromID: from, Text: text}
}

func (a *chatAdapter) saw(sub string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.text {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAppPairsRestoresAndStops(t *testing.T) {
	dir := t.TempDir()
	sessions := filepath.Join(dir, "sessions")
	path := writeConfig(t, dir, `
telegram:
  token: unused
  owner_user_ids: [1]
logging:
  level: error
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "bridge.db")+`
notifier:
  enabled: true
  rate_per_sec: 100
  retry_base: 1ms
sessions:
  dir: `+sessions+`
  settle_new: 20ms
  settle_existing: 20ms
  identity_attempts: 1
  pairing_delay: 5ms
dispatch:
  global_interval: 1ms
  fast_track_interval: 1ms
  queue_key_interval: 1ms
  queue_gap: 1ms
`)
	// one tenant already has credentials and comes back on start
	if err := session.NewManager(sessions, logx.Nop()).Load("77").Save([]byte(`{"registered":true}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ad := &chatAdapter{}
	tr := loopback.New()
	a, err := NewApp(path, WithAdapter(ad), WithTransport(tr), WithLogLevel("error"))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "restored connection", func() bool { return tr.Conn("77") != nil })
	tr.Conn("77").EmitState(transport.StateOpen, 0)
	waitFor(t, "restored tenant notified", func() bool { return ad.saw("Connected") })

	tr.SetPairingCode("WXYZ9876")
	ad.say(5, "/pair +1 555 0100")
	waitFor(t, "pairing code", func() bool { return ad.saw("WXYZ-9876") })

	ad.say(1, "/sessions")
	waitFor(t, "sessions listing", func() bool { return ad.saw("tenant 77: READY") })

	if h := a.health(context.Background()); !h.OK {
		t.Fatalf("health = %+v", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still live after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown key":      "telegram: {token: x}\nsurprise: 1\n",
		"bad duration":     "telegram: {token: x}\nsessions: {settle_new: soon}\n",
		"bad transport":    "telegram: {token: x}\ntransport: {driver: carrier-pigeon}\n",
		"sqlite sans path": "telegram: {token: x}\nstorage: {driver: sqlite}\n",
		"bad cron":         "telegram: {token: x}\ngroups: {refresh_spec: \"every so often\"}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			sub := filepath.Join(dir, strings.ReplaceAll(name, " ", "_"))
			if err := os.MkdirAll(sub, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			path := writeConfig(t, sub, body)
			if _, err := NewApp(path, WithAdapter(&chatAdapter{}), WithTransport(loopback.New())); err == nil {
				t.Fatalf("accepted %q", body)
			}
		})
	}
}
