package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"pewbridge/internal/pipeline"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/store"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

const sender = "628111@s.whatsapp.net"

type sink struct {
	mu       sync.Mutex
	deleted  []storage.Record
	commands []pipeline.Command
	cmdCh    chan pipeline.Command
}

func newSink() *sink { return &sink{cmdCh: make(chan pipeline.Command, 8)} }

func (s *sink) deps() Deps {
	return Deps{
		OnDeleted: func(_ context.Context, _ string, rec storage.Record) {
			s.mu.Lock()
			s.deleted = append(s.deleted, rec)
			s.mu.Unlock()
		},
		OnCommand: func(_ context.Context, cmd pipeline.Command) {
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
			s.cmdCh <- cmd
		},
	}
}

func (s *sink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deleted), len(s.commands)
}

func setup(t *testing.T, cfg Config) (*Correlator, *store.Store, *sink) {
	t.Helper()
	st := store.New(store.Config{}, nil, logx.Nop(), nil)
	sk := newSink()
	c := New(context.Background(), cfg, st, sk.deps(), logx.Nop())
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, st, sk
}

func rec(id, content string, ts int64, fromMe bool) storage.Record {
	return storage.Record{
		ID: id, Conversation: sender, Sender: sender, Session: "u1",
		Timestamp: ts, Content: content, FromMe: fromMe,
	}
}

func control(p *transport.ProtocolMessage, ts int64) *transport.Message {
	return &transport.Message{
		Key:       transport.MessageKey{RemoteJID: sender, ID: "CTRL"},
		Timestamp: ts,
		Content:   &transport.Content{Protocol: p},
	}
}

func revoke(id string) *transport.Message {
	return control(&transport.ProtocolMessage{
		Type: transport.ProtocolRevoke,
		Key:  &transport.MessageKey{RemoteJID: sender, ID: id},
	}, time.Now().Unix())
}

func TestRevokeForwardsOnce(t *testing.T) {
	t.Parallel()
	c, st, sk := setup(t, Config{})
	ctx := context.Background()
	st.Save(ctx, rec("M1", "secret", time.Now().Unix(), false))

	c.OnControl(ctx, "u1", revoke("M1"))
	c.OnControl(ctx, "u1", revoke("M1"))

	deleted, _ := sk.counts()
	if deleted != 1 {
		t.Fatalf("forwarded %d times want 1", deleted)
	}
	if !sk.deleted[0].Deleted || sk.deleted[0].Content != "secret" {
		t.Fatalf("unexpected forwarded record %+v", sk.deleted[0])
	}
	if _, ok := st.Find(ctx, "M1", "u1"); ok {
		t.Fatal("record still present after revoke")
	}
}

func TestRevokeOwnMessageIsNotForwarded(t *testing.T) {
	t.Parallel()
	c, st, sk := setup(t, Config{})
	ctx := context.Background()
	st.Save(ctx, rec("M1", "mine", time.Now().Unix(), true))
	c.OnControl(ctx, "u1", revoke("M1"))
	if deleted, _ := sk.counts(); deleted != 0 {
		t.Fatal("own message forwarded")
	}
	if _, ok := st.Find(ctx, "M1", "u1"); ok {
		t.Fatal("own message not deleted")
	}
}

func TestRevokeUnknownOrOtherTenantIsDropped(t *testing.T) {
	t.Parallel()
	c, st, sk := setup(t, Config{})
	ctx := context.Background()
	r := rec("M1", "theirs", time.Now().Unix(), false)
	r.Session = "u2"
	st.Save(ctx, r)

	c.OnControl(ctx, "u1", revoke("M1"))
	c.OnControl(ctx, "u1", revoke("missing"))
	if deleted, _ := sk.counts(); deleted != 0 {
		t.Fatal("nothing should be forwarded")
	}
	if _, ok := st.Find(ctx, "M1", "u2"); !ok {
		t.Fatal("another tenant's record was deleted")
	}
}

func TestRevokeRespectsForwardSetting(t *testing.T) {
	t.Parallel()
	st := store.New(store.Config{}, nil, logx.Nop(), nil)
	sk := newSink()
	deps := sk.deps()
	deps.Settings = func(string) settings.Settings {
		s := settings.Defaults()
		s.ForwardDeletes = false
		return s
	}
	c := New(context.Background(), Config{}, st, deps, logx.Nop())
	defer c.Close(context.Background())
	ctx := context.Background()
	st.Save(ctx, rec("M1", "x", time.Now().Unix(), false))
	c.OnControl(ctx, "u1", revoke("M1"))
	if deleted, _ := sk.counts(); deleted != 0 {
		t.Fatal("forwarding disabled but record forwarded")
	}
}

func resendOf(id, text string) *transport.Message {
	inner := &transport.Message{
		Key:       transport.MessageKey{RemoteJID: sender, ID: id},
		Timestamp: time.Now().Unix(),
		Content:   &transport.Content{Conversation: text},
	}
	return control(&transport.ProtocolMessage{
		Type:    transport.ProtocolPeerDataResponse,
		Results: []transport.PeerDataResult{{WebMessageInfoBytes: encodeResend(inner)}},
	}, time.Now().Unix())
}

func TestResendExecutesCommandOnce(t *testing.T) {
	t.Parallel()
	c, _, sk := setup(t, Config{})
	ctx := context.Background()
	c.OnControl(ctx, "u1", resendOf("R1", ".menu"))
	c.OnControl(ctx, "u1", resendOf("R1", ".menu"))
	c.OnControl(ctx, "u1", resendOf("R2", "just text"))

	if _, cmds := sk.counts(); cmds != 1 {
		t.Fatalf("executed %d commands want 1", cmds)
	}
	cmd := sk.commands[0]
	if cmd.Name != "menu" || cmd.ID != "R1" || cmd.Source != pipeline.SourceResend || cmd.Tenant != "u1" {
		t.Fatalf("unexpected command %+v", cmd)
	}
}

func TestResendSkipsAlreadyMarkedCommand(t *testing.T) {
	t.Parallel()
	c, _, sk := setup(t, Config{})
	c.MarkCommand("R1", ".menu", "u1", true)
	c.OnControl(context.Background(), "u1", resendOf("R1", ".menu"))
	if _, cmds := sk.counts(); cmds != 0 {
		t.Fatal("command executed twice")
	}
}

func TestMarkedCommandIsScopedToTenant(t *testing.T) {
	t.Parallel()
	c, _, sk := setup(t, Config{})
	c.MarkCommand("R1", ".menu", "u1", true)
	if !c.CommandProcessed("u1", "R1") || c.CommandProcessed("u2", "R1") {
		t.Fatal("processed mark leaked across tenants")
	}
	c.OnControl(context.Background(), "u2", resendOf("R1", ".menu"))
	if _, cmds := sk.counts(); cmds != 1 {
		t.Fatalf("tenant u2 resend executed %d commands want 1", cmds)
	}
	if sk.commands[0].Tenant != "u2" {
		t.Fatalf("command ran for tenant %q", sk.commands[0].Tenant)
	}
}

func TestResendInPrivateModeAdmitsOwners(t *testing.T) {
	t.Parallel()
	st := store.New(store.Config{}, nil, logx.Nop(), nil)
	sk := newSink()
	deps := sk.deps()
	deps.Settings = func(string) settings.Settings {
		s := settings.Defaults()
		s.Public = false
		s.Owners = []string{"628111"}
		return s
	}
	c := New(context.Background(), Config{}, st, deps, logx.Nop())
	defer c.Close(context.Background())
	ctx := context.Background()

	c.OnControl(ctx, "u1", resendOf("R1", ".menu"))
	if _, cmds := sk.counts(); cmds != 1 {
		t.Fatalf("owner resend executed %d commands want 1", cmds)
	}

	stranger := resendOf("R2", ".menu")
	inner := &transport.Message{
		Key:       transport.MessageKey{RemoteJID: "628999@s.whatsapp.net", ID: "R2"},
		Timestamp: time.Now().Unix(),
		Content:   &transport.Content{Conversation: ".menu"},
	}
	stranger.Content.Protocol.Results[0].WebMessageInfoBytes = encodeResend(inner)
	c.OnControl(ctx, "u1", stranger)
	if _, cmds := sk.counts(); cmds != 1 {
		t.Fatal("stranger command ran in private mode")
	}
}

func TestSignalResolvesNearestRecord(t *testing.T) {
	t.Parallel()
	c, st, sk := setup(t, Config{SignalDelay: -1})
	ctx := context.Background()
	now := time.Now().Unix()
	st.Save(ctx,
		rec("OLD", ".old", now-100, false),
		rec("NEAR", ".near", now-10, false),
		rec("LATE", ".late", now+30, false),
	)
	c.OnControl(ctx, "u1", control(&transport.ProtocolMessage{Type: transport.ProtocolPlaceholderSignal}, now))
	select {
	case cmd := <-sk.cmdCh:
		if cmd.ID != "NEAR" || cmd.Name != "near" {
			t.Fatalf("resolved %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("signal not resolved")
	}
}

func TestNearestWidensSearch(t *testing.T) {
	t.Parallel()
	c, st, _ := setup(t, Config{})
	ctx := context.Background()
	now := time.Now().Unix()

	st.Save(ctx, rec("WIDE", "x", now-150, false))
	if r, ok := c.Nearest(ctx, "u1", sender, now); !ok || r.ID != "WIDE" {
		t.Fatalf("wide window missed: %+v %v", r, ok)
	}
	if r, ok := c.Nearest(ctx, "u1", sender, now+5000); !ok || r.ID != "WIDE" {
		t.Fatalf("recent fallback missed: %+v %v", r, ok)
	}
	if _, ok := c.Nearest(ctx, "u1", "nobody@s.whatsapp.net", now); ok {
		t.Fatal("unknown sender should yield nothing")
	}
}

func TestProcessedCommandsAreBounded(t *testing.T) {
	t.Parallel()
	s := newTTLSet(time.Minute, 2, time.Hour)
	base := time.Now()
	s.add("a", base)
	s.add("b", base.Add(time.Second))
	s.add("c", base.Add(2*time.Second))
	if s.len() != 2 || s.has("a", base.Add(3*time.Second)) {
		t.Fatal("oldest entry should have been evicted")
	}
	if s.has("b", base.Add(2*time.Minute)) {
		t.Fatal("expired entry reported present")
	}
}
