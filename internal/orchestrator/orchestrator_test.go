package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pewbridge/internal/connstate"
	"pewbridge/internal/dispatch"
	"pewbridge/internal/eventbus"
	"pewbridge/internal/session"
	"pewbridge/internal/storage"
	"pewbridge/internal/transport"
	"pewbridge/internal/transport/loopback"
	logx "pewbridge/pkg/logx"
)

const peer = "628111@s.whatsapp.net"

func fastConfig() Config {
	return Config{
		SettleNew:           150 * time.Millisecond,
		SettleExisting:      30 * time.Millisecond,
		IdentityAttempts:    2,
		IdentityInterval:    10 * time.Millisecond,
		PairingDelay:        10 * time.Millisecond,
		DegradedNoticeDelay: 10 * time.Millisecond,
		Dispatch: dispatch.Config{
			GlobalInterval:    time.Millisecond,
			FastTrackInterval: time.Millisecond,
			MaxInterval:       10 * time.Millisecond,
			QueueKeyInterval:  time.Millisecond,
			QueueGap:          time.Millisecond,
		},
		ConnState: connstate.Config{
			BadCredentialsDelay:  10 * time.Millisecond,
			TransientDelay:       10 * time.Millisecond,
			RestartRequiredDelay: 10 * time.Millisecond,
			UnknownDelay:         10 * time.Millisecond,
		},
	}
}

type env struct {
	o        *Orchestrator
	tr       *loopback.Transport
	sessions *session.Manager
	bus      eventbus.Bus
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	sm := session.NewManager(filepath.Join(t.TempDir(), "sessions"), logx.Nop())
	tr := loopback.New()
	bus := eventbus.New()
	o, err := New(context.Background(), cfg, Deps{Transport: tr, Sessions: sm, Bus: bus}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return &env{o: o, tr: tr, sessions: sm, bus: bus}
}

func (e *env) seed(t *testing.T, tenant string) {
	t.Helper()
	if err := e.sessions.Load(tenant).Save([]byte(`{"registered":true}`)); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
}

type recorder struct {
	mu         sync.Mutex
	states     []State
	errs       []string
	codes      []string
	commands   []Command
	inbound    []storage.Record
	deleted    []storage.Record
	loggedOut  int
	maxRetries int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPairingChallenge: func(code string) { r.locked(func() { r.codes = append(r.codes, code) }) },
		OnConnectionUpdate: func(u Update) { r.locked(func() { r.states = append(r.states, u.State) }) },
		OnInboundMessage:   func(rec storage.Record) { r.locked(func() { r.inbound = append(r.inbound, rec) }) },
		OnError:            func(msg string) { r.locked(func() { r.errs = append(r.errs, msg) }) },
		OnUserLoggedOut:    func(string) { r.locked(func() { r.loggedOut++ }) },
		OnMaxRetriesReached: func(n int) {
			r.locked(func() { r.maxRetries = n })
		},
		OnDeletedMessage: func(rec storage.Record) { r.locked(func() { r.deleted = append(r.deleted, rec) }) },
		OnCommand:        func(cmd Command) { r.locked(func() { r.commands = append(r.commands, cmd) }) },
	}
}

func (r *recorder) locked(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:     append([]State(nil), r.states...),
		errs:       append([]string(nil), r.errs...),
		codes:      append([]string(nil), r.codes...),
		commands:   append([]Command(nil), r.commands...),
		inbound:    append([]storage.Record(nil), r.inbound...),
		deleted:    append([]storage.Record(nil), r.deleted...),
		loggedOut:  r.loggedOut,
		maxRetries: r.maxRetries,
	}
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

func textMessage(id, text string) *transport.Message {
	return &transport.Message{
		Key:       transport.MessageKey{RemoteJID: peer, ID: id},
		Timestamp: time.Now().Unix(),
		Content:   &transport.Content{Conversation: text},
	}
}

func open(t *testing.T, e *env, tenant, phone string, r *recorder) (*Session, *loopback.Conn) {
	t.Helper()
	s, err := e.o.OpenSession(context.Background(), tenant, phone, r.callbacks())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	var conn *loopback.Conn
	waitFor(t, "connection", func() bool { conn = e.tr.Conn(tenant); return conn != nil })
	return s, conn
}

func TestExistingTenantBecomesReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	e.tr.SetIdentity("u1", &transport.Identity{ID: "628999:3@s.whatsapp.net", Name: "bridge"})
	ready, unsub := e.bus.SubscribePrefix(eventbus.SessionReady, 4)
	defer unsub()

	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	if s.IsNew() {
		t.Fatalf("seeded tenant reported as new")
	}
	if got := s.State(); got != StateConnecting {
		t.Fatalf("state after open = %s, want %s", got, StateConnecting)
	}
	conn.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })

	if id := s.Identity(); id == nil || id.Number() != "628999" {
		t.Fatalf("identity = %+v", id)
	}
	select {
	case ev := <-ready:
		if ev.Tenant != "u1" {
			t.Fatalf("ready event tenant = %q", ev.Tenant)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s event", eventbus.SessionReady)
	}
	got := r.snapshot().states
	want := []State{StateConnecting, StateOpenUnsettled, StateReady}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestOpenSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s1, _ := open(t, e, "u1", "", r)
	s2, err := e.o.OpenSession(context.Background(), "u1", "", r.callbacks())
	if err != nil {
		t.Fatalf("second OpenSession: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("second open returned a different session")
	}
	if n := e.tr.Dials("u1"); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestOpenSessionRejectsBadTenant(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	for _, id := range []string{"", "../etc", "a/b"} {
		if _, err := e.o.OpenSession(context.Background(), id, "", Callbacks{}); !errors.Is(err, session.ErrBadTenant) {
			t.Fatalf("OpenSession(%q) err = %v, want ErrBadTenant", id, err)
		}
	}
}

func TestNewTenantPairsAndSettlesBeforeCommands(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.tr.SetPairingCode("abcd1234")
	r := &recorder{}
	s, conn := open(t, e, "u2", "+62 812-3456", r)
	if !s.IsNew() {
		t.Fatalf("fresh tenant not reported as new")
	}
	if got := s.State(); got != StatePairing {
		t.Fatalf("state = %s, want %s", got, StatePairing)
	}
	waitFor(t, "pairing code", func() bool { return len(r.snapshot().codes) == 1 })
	if code := r.snapshot().codes[0]; code != "ABCD-1234" {
		t.Fatalf("pairing code = %q", code)
	}

	if err := conn.CompletePairing(); err != nil {
		t.Fatalf("CompletePairing: %v", err)
	}
	conn.EmitState(transport.StateOpen, 0)
	conn.EmitMessages(textMessage("EARLY1", ".ping"))
	waitFor(t, "early message stored", func() bool { return len(r.snapshot().inbound) == 1 })
	if s.Ready() {
		t.Fatalf("ready inside the settle window")
	}

	waitFor(t, "READY", func() bool { return s.State() == StateReady })
	conn.EmitMessages(textMessage("LATE1", ".ping now"))
	waitFor(t, "command", func() bool { return len(r.snapshot().commands) == 1 })

	snap := r.snapshot()
	if cmd := snap.commands[0]; cmd.ID != "LATE1" || cmd.Name != "ping" || cmd.Tenant != "u2" {
		t.Fatalf("command = %+v", cmd)
	}
	if _, ok := e.o.Store().Find(context.Background(), "EARLY1", "u2"); !ok {
		t.Fatalf("message received while unsettled was not stored")
	}
}

func TestTransientCloseReconnects(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	conn.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })

	conn.EmitState(transport.StateClose, transport.ReasonConnectionClosed)
	waitFor(t, "redial", func() bool { return e.tr.Dials("u1") == 2 })
	if !conn.Closed() {
		t.Fatalf("old connection left open")
	}
	var next *loopback.Conn
	waitFor(t, "new connection", func() bool { next = e.tr.Conn("u1"); return next != nil && next != conn })
	next.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY again", func() bool { return s.State() == StateReady })

	seen := false
	for _, st := range r.snapshot().states {
		if st == StateReconnecting {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("no RECONNECTING transition in %v", r.snapshot().states)
	}
	if n := e.o.conn.Retries("u1"); n != 0 {
		t.Fatalf("retries after READY = %d, want 0", n)
	}
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	conn.EmitState(transport.StateClose, transport.ReasonConnectionClosed)
	var next *loopback.Conn
	waitFor(t, "new connection", func() bool { next = e.tr.Conn("u1"); return next != nil && next != conn })

	if conn.EmitState(transport.StateOpen, 0) {
		t.Fatalf("closed connection accepted an event")
	}
	next.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })
}

func TestLoggedOutWipesAndStops(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	conn.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })

	conn.EmitState(transport.StateClose, transport.ReasonLoggedOut)
	waitFor(t, "LOGGED_OUT", func() bool { return s.State() == StateLoggedOut })
	waitFor(t, "logout callback", func() bool { return r.snapshot().loggedOut == 1 })
	if e.sessions.Exists("u1") {
		t.Fatalf("credentials survived logout")
	}
	time.Sleep(50 * time.Millisecond)
	if n := e.tr.Dials("u1"); n != 1 {
		t.Fatalf("dials after logout = %d, want 1", n)
	}
	if _, err := s.Send(context.Background(), peer, transport.Payload{Text: "x"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after logout err = %v", err)
	}
}

func TestRetryCapEndsFatal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	e.tr.FailConnect("u1", errors.New("dial refused"))
	conn.EmitState(transport.StateClose, transport.ReasonConnectionClosed)

	waitFor(t, "FATAL", func() bool { return s.State() == StateFatal })
	waitFor(t, "max retries callback", func() bool { return r.snapshot().maxRetries == 5 })
	if len(r.snapshot().errs) == 0 {
		t.Fatalf("restart failures were not reported")
	}

	e.tr.FailConnect("u1", nil)
	s2, err := e.o.OpenSession(context.Background(), "u1", "", r.callbacks())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2 == s {
		t.Fatalf("reopen after FATAL returned the terminal session")
	}
	if n := e.o.conn.Retries("u1"); n != 0 {
		t.Fatalf("retries after reopen = %d, want 0", n)
	}
}

func TestConnectFailureDegradesThenRecovers(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.ConnState.UnknownDelay = 80 * time.Millisecond
	e := newEnv(t, cfg)
	e.seed(t, "u1")
	e.tr.FailConnect("u1", errors.New("socket unavailable"))

	r := &recorder{}
	s, err := e.o.OpenSession(context.Background(), "u1", "", r.callbacks())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if !s.Degraded() {
		t.Fatalf("session not degraded")
	}
	if _, err := s.Send(context.Background(), peer, transport.Payload{Text: "x"}); !errors.Is(err, ErrDegraded) {
		t.Fatalf("Send err = %v, want ErrDegraded", err)
	}
	waitFor(t, "recovery notice", func() bool {
		for _, m := range r.snapshot().errs {
			if m == RecoveryNotice {
				return true
			}
		}
		return false
	})

	e.tr.FailConnect("u1", nil)
	waitFor(t, "recovered", func() bool { return !s.Degraded() && e.tr.Conn("u1") != nil })
	e.tr.Conn("u1").EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })
}

func TestSendGoesThroughCurrentConnection(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	conn.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })

	id, err := s.Send(context.Background(), peer, transport.Payload{Text: "hi"})
	if err != nil || id == "" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if err := s.Notify(context.Background(), peer, "note", true); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "two sends", func() bool { return len(conn.Sent()) == 2 })
}

func TestDeletedMessageForwarded(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	conn.EmitState(transport.StateOpen, 0)
	waitFor(t, "READY", func() bool { return s.State() == StateReady })

	conn.EmitMessages(textMessage("M1", "secret"))
	waitFor(t, "stored", func() bool { return len(r.snapshot().inbound) == 1 })
	conn.EmitMessages(&transport.Message{
		Key:       transport.MessageKey{RemoteJID: peer, ID: "CTRL1"},
		Timestamp: time.Now().Unix(),
		Content: &transport.Content{Protocol: &transport.ProtocolMessage{
			Type: transport.ProtocolRevoke,
			Key:  &transport.MessageKey{RemoteJID: peer, ID: "M1"},
		}},
	})
	waitFor(t, "deleted", func() bool { return len(r.snapshot().deleted) == 1 })
	if got := r.snapshot().deleted[0]; got.ID != "M1" || got.Content != "secret" {
		t.Fatalf("deleted = %+v", got)
	}
	if len(r.snapshot().inbound) != 1 {
		t.Fatalf("control message surfaced as inbound")
	}
}

func TestCloseSessionWipes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u1")
	r := &recorder{}
	s, conn := open(t, e, "u1", "", r)
	closed, unsub := e.bus.SubscribePrefix(eventbus.SessionClosed, 4)
	defer unsub()

	if err := e.o.CloseSession(context.Background(), "u1", true); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", s.State())
	}
	if !conn.Closed() {
		t.Fatalf("connection left open")
	}
	if e.sessions.Exists("u1") {
		t.Fatalf("credentials survived wipe")
	}
	if len(e.o.Sessions()) != 0 {
		t.Fatalf("session still registered")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("no %s event", eventbus.SessionClosed)
	}
}

func TestSessionsSnapshot(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fastConfig())
	e.seed(t, "u2")
	r := &recorder{}
	open(t, e, "u2", "", r)
	open(t, e, "u1", "", r)

	snaps := e.o.Sessions()
	if len(snaps) != 2 || snaps[0].Tenant != "u1" || snaps[1].Tenant != "u2" {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if !snaps[0].New || snaps[1].New {
		t.Fatalf("new flags = %v/%v", snaps[0].New, snaps[1].New)
	}
	if snaps[1].RunID == "" {
		t.Fatalf("run id missing")
	}
}
