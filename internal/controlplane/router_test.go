package controlplane

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pewbridge/internal/orchestrator"
	"pewbridge/internal/session"
	"pewbridge/internal/transport"
	"pewbridge/internal/transport/loopback"
	logx "pewbridge/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(context.Context, chan<- Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                 { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to ChatTarget, text string) (MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type fakeNotifier struct {
	mu sync.Mutex
	ns []Notification
}

func (n *fakeNotifier) Notify(_ context.Context, x Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ns = append(n.ns, x)
	return nil
}

func (n *fakeNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.ns...)
}

type harness struct {
	r        *Router
	ad       *fakeAdapter
	nt       *fakeNotifier
	tr       *loopback.Transport
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	updates  chan Update
}

func newHarness(t *testing.T, owners ...int64) *harness {
	t.Helper()
	sm := session.NewManager(filepath.Join(t.TempDir(), "sessions"), logx.Nop())
	tr := loopback.New()
	orch, err := orchestrator.New(context.Background(), orchestrator.Config{
		SettleNew:        20 * time.Millisecond,
		SettleExisting:   20 * time.Millisecond,
		IdentityAttempts: 1,
		PairingDelay:     5 * time.Millisecond,
	}, orchestrator.Deps{Transport: tr, Sessions: sm}, logx.Nop())
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	h := &harness{
		ad:       &fakeAdapter{},
		nt:       &fakeNotifier{},
		tr:       tr,
		orch:     orch,
		sessions: sm,
		updates:  make(chan Update, 8),
	}
	h.r = NewRouter(Config{OwnerUserIDs: owners}, h.ad, h.nt, orch, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.r.Run(ctx, h.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = orch.Shutdown(sctx)
	})
	return h
}

func (h *harness) send(from int64, text string) {
	h.updates <- Update{ChatID: from, FromID: from, Text: text}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasText(texts []string, sub string) bool {
	for _, s := range texts {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestPairDeliversCodeToRequestingChat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.SetPairingCode("ABCD1234")
	h.send(42, "/pair +62 812 3456")

	waitFor(t, "pairing notification", func() bool {
		for _, n := range h.nt.all() {
			if strings.Contains(n.Text, "ABCD-1234") {
				return n.Target.ChatID == 42 && n.Kind == KindPairing
			}
		}
		return false
	})
	waitFor(t, "reply", func() bool { return hasText(h.ad.texts(), "pairing code") })
}

func TestPairWithoutPhoneForNewTenant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send(7, "/pair")
	waitFor(t, "usage reply", func() bool { return hasText(h.ad.texts(), "/pair <phone>") })
}

func TestStatusAndDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.sessions.Load("42").Save([]byte(`{"registered":true}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.send(42, "/status")
	waitFor(t, "no session reply", func() bool { return hasText(h.ad.texts(), "No session") })

	h.send(42, "/pair")
	waitFor(t, "connection", func() bool { return h.tr.Conn("42") != nil })
	h.tr.Conn("42").EmitState(transport.StateOpen, 0)
	waitFor(t, "connected notification", func() bool {
		for _, n := range h.nt.all() {
			if strings.HasPrefix(n.Text, "Connected") {
				return true
			}
		}
		return false
	})

	h.send(42, "/status")
	waitFor(t, "status reply", func() bool { return hasText(h.ad.texts(), "tenant 42: READY") })

	h.send(42, "/disconnect")
	waitFor(t, "disconnect reply", func() bool { return hasText(h.ad.texts(), "credentials removed") })
	if h.sessions.Exists("42") {
		t.Fatalf("credentials survived /disconnect")
	}
}

func TestSessionsIsOwnerOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.send(2, "/sessions")
	waitFor(t, "unauthorized", func() bool { return hasText(h.ad.texts(), "unauthorized") })
	h.send(1, "/sessions@pewbridge_bot")
	waitFor(t, "owner reply", func() bool { return hasText(h.ad.texts(), "No sessions.") })
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send(3, "hello there")
	h.send(3, "/frobnicate")
	waitFor(t, "unknown reply", func() bool { return hasText(h.ad.texts(), "Unknown command") })
	if n := len(h.ad.texts()); n != 1 {
		t.Fatalf("replies = %d, want 1", n)
	}
}

func TestPingCommandRepliesOnSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.sessions.Load("9").Save([]byte(`{"registered":true}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.send(9, "/pair")
	waitFor(t, "connection", func() bool { return h.tr.Conn("9") != nil })
	conn := h.tr.Conn("9")
	conn.EmitState(transport.StateOpen, 0)
	waitFor(t, "ready", func() bool {
		s, ok := h.orch.Session("9")
		return ok && s.Ready()
	})

	conn.EmitMessages(&transport.Message{
		Key:       transport.MessageKey{RemoteJID: "628111@s.whatsapp.net", ID: "P1"},
		Timestamp: time.Now().Unix(),
		Content:   &transport.Content{Conversation: ".ping"},
	})
	waitFor(t, "pong", func() bool {
		for _, s := range conn.Sent() {
			if s.Payload.Text == "pong" && s.Conversation == "628111@s.whatsapp.net" {
				return true
			}
		}
		return false
	})
}

func TestMenuListsCommands(t *testing.T) {
	t.Parallel()
	r := NewRouter(Config{}, nil, nil, nil, logx.Nop())
	menu := r.Menu()
	if len(menu) != len(commandOrder) || menu[0].Command != "pair" {
		t.Fatalf("menu = %+v", menu)
	}
}

func TestRestoreOpensStoredTenants(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, tenant := range []string{"11", "12"} {
		if err := h.sessions.Load(tenant).Save([]byte(`{"registered":true}`)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if n := h.r.Restore(context.Background(), h.sessions.ListSessions()); n != 2 {
		t.Fatalf("restored %d, want 2", n)
	}
	waitFor(t, "connections", func() bool { return h.tr.Conn("11") != nil && h.tr.Conn("12") != nil })
	h.tr.Conn("12").EmitState(transport.StateOpen, 0)
	waitFor(t, "notification to the tenant chat", func() bool {
		for _, n := range h.nt.all() {
			if strings.HasPrefix(n.Text, "Connected") && n.Target.ChatID == 12 {
				return true
			}
		}
		return false
	})
}
