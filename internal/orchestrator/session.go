package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pewbridge/internal/connstate"
	"pewbridge/internal/dispatch"
	"pewbridge/internal/eventbus"
	"pewbridge/internal/observability/metrics"
	"pewbridge/internal/pipeline"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/session"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

// RecoveryNotice is reported through OnError when a session starts degraded.
const RecoveryNotice = "Connection is in recovery mode. Bridge remains active but messaging features are limited."

var (
	// ErrDegraded is returned by calls on a session whose setup failed.
	ErrDegraded = errors.New("orchestrator: session degraded")
	// ErrSessionClosed is returned by calls on a terminated session.
	ErrSessionClosed = errors.New("orchestrator: session closed")
)

// Session is the handle of one tenant's session. Calls on a degraded or
// closed session have no effect.
type Session struct {
	o      *Orchestrator
	tenant string
	phone  string
	cb     Callbacks
	log    logx.Logger

	sup   *rtsup.Supervisor
	disp  *dispatch.Dispatcher
	pipe  *pipeline.Pipeline
	ready atomic.Bool

	release sync.Once

	mu         sync.Mutex
	state      State
	since      time.Time
	isNew      bool
	degraded   bool
	identity   *transport.Identity
	conn       transport.Conn
	runID      string
	stopSettle context.CancelFunc
	stopPair   func() bool
}

func (o *Orchestrator) newSession(tenant, phone string, cb Callbacks) *Session {
	log := o.log.With(logx.Tenant(tenant))
	s := &Session{
		o:      o,
		tenant: tenant,
		phone:  phone,
		cb:     cb,
		log:    log,
		sup:    rtsup.NewSupervisor(o.ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		disp:   dispatch.New(o.ctx, o.cfg.Dispatch, log),
		state:  StateInit,
		since:  time.Now(),
	}
	s.pipe = pipeline.New(o.ctx, tenant, o.cfg.Pipeline, pipeline.Deps{
		Store:    o.store,
		Control:  o.corr,
		Marker:   o.corr,
		Settings: func() settings.Settings { return o.settingsFor(tenant) },
		Ready:    s.ready.Load,
		Hooks: pipeline.Hooks{
			OnMessage: func(rec storage.Record) {
				if s.cb.OnInboundMessage != nil {
					s.call("onInboundMessage", func() { s.cb.OnInboundMessage(rec) })
				}
			},
			OnCommand: func(_ context.Context, cmd pipeline.Command) {
				o.publish(eventbus.CommandDispatched, tenant, map[string]any{
					"id": cmd.ID, "command": cmd.Name, "source": string(cmd.Source),
				})
				if s.cb.OnCommand != nil {
					s.call("onCommand", func() { s.cb.OnCommand(cmd) })
				}
			},
		},
	}, log)
	metrics.SessionTransition("", string(StateInit))
	return s
}

// Tenant returns the owning tenant id.
func (s *Session) Tenant() string { return s.tenant }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether commands are dispatched.
func (s *Session) Ready() bool { return s.ready.Load() }

// Degraded reports whether the last setup attempt failed.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// IsNew reports whether the tenant had no persisted credentials at open.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// Identity returns the resolved remote identity, or nil while unknown.
func (s *Session) Identity() *transport.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Tenant:   s.tenant,
		State:    s.state,
		New:      s.isNew,
		Degraded: s.degraded,
		Since:    s.since,
		RunID:    s.runID,
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	return snap
}

func (s *Session) currentConn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) isCurrent(c transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == c
}

// Send delivers p to conversation through the dispatcher and returns the
// transport message id.
func (s *Session) Send(ctx context.Context, conversation string, p transport.Payload) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	return dispatch.Call(ctx, s.disp, "sendMessage_"+conversation, time.Second,
		func(ctx context.Context) (string, error) {
			c := s.currentConn()
			if c == nil {
				return "", transport.ErrClosed
			}
			return c.Send(ctx, conversation, p)
		})
}

// Notify sends a latency-sensitive text on the fast path and falls back to
// the conversation queue. High priority entries jump the queue.
func (s *Session) Notify(ctx context.Context, conversation, text string, highPriority bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.disp.Send(ctx, conversation, func(ctx context.Context) error {
		c := s.currentConn()
		if c == nil {
			return transport.ErrClosed
		}
		_, err := c.Send(ctx, conversation, transport.Payload{Text: text})
		return err
	}, highPriority)
	return nil
}

// QueueStatus reports the per-conversation send queues.
func (s *Session) QueueStatus() map[string]dispatch.QueueState { return s.disp.QueueStatus() }

// Close terminates the session without wiping credentials.
func (s *Session) Close(ctx context.Context) error {
	return s.o.CloseSession(ctx, s.tenant, false)
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.degraded:
		return ErrDegraded
	}
	return nil
}

// setState moves to st unless the session is terminal. It reports whether
// the state changed.
func (s *Session) setState(st State, reason transport.DisconnectReason, attempt int) bool {
	s.mu.Lock()
	if s.state == st || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state, s.since = st, time.Now()
	var id *transport.Identity
	if s.identity != nil {
		cp := *s.identity
		id = &cp
	}
	s.mu.Unlock()
	s.announce(from, st, reason, attempt, id)
	return true
}

// forceState moves to a terminal state even from another terminal state.
func (s *Session) forceState(st State, reason transport.DisconnectReason) {
	s.mu.Lock()
	from := s.state
	if from == st {
		s.mu.Unlock()
		return
	}
	s.state, s.since = st, time.Now()
	s.mu.Unlock()
	s.announce(from, st, reason, 0, nil)
}

func (s *Session) announce(from, to State, reason transport.DisconnectReason, attempt int, id *transport.Identity) {
	metrics.SessionTransition(string(from), string(to))
	s.log.Info("session state changed",
		logx.String("from", string(from)), logx.String("to", string(to)), logx.Int("reason", int(reason)))
	s.o.publish(eventbus.SessionState, s.tenant, map[string]any{
		"from": string(from), "to": string(to), "reason": int(reason),
	})
	if s.cb.OnConnectionUpdate != nil {
		u := Update{Tenant: s.tenant, State: to, Reason: reason, Identity: id, Attempt: attempt}
		s.call("onConnectionUpdate", func() { s.cb.OnConnectionUpdate(u) })
	}
}

// call runs a control-plane callback; a panic is logged and swallowed.
func (s *Session) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked", logx.String("callback", name),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func (s *Session) report(msg string) {
	s.log.Warn("session error reported", logx.String("error", msg))
	if s.cb.OnError != nil {
		s.call("onError", func() { s.cb.OnError(msg) })
	}
}

// connect dials the transport and starts the event loop for the new
// connection.
func (s *Session) connect(ctx context.Context) error {
	bundle := s.o.deps.Sessions.Load(s.tenant)
	registered := bundle.Registered()
	if registered {
		s.setState(StateConnecting, 0, 0)
	} else {
		s.setState(StatePairing, 0, 0)
	}

	conn, err := s.o.deps.Transport.Connect(ctx, transport.ConnectOptions{
		TenantID:    s.tenant,
		Credentials: bundle,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.tenant, err)
	}

	runID := uuid.NewString()
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	old := s.conn
	s.conn, s.runID, s.degraded = conn, runID, false
	s.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
	}

	if g := s.o.deps.Groups; g != nil {
		if err := g.Register(s.tenant, conn, s.disp); err != nil {
			s.log.Warn("group cache registration failed", logx.Err(err))
		}
	}
	s.sup.Go("session.events", func(ctx context.Context) error {
		s.loop(ctx, conn)
		return nil
	})
	if !registered && s.phone != "" {
		s.schedulePairing(conn)
	}
	s.log.Info("transport connected", logx.String("run", runID), logx.Bool("registered", registered))
	return nil
}

func (s *Session) schedulePairing(conn transport.Conn) {
	phone := session.NormalizePhone(s.phone)
	stop := s.sup.GoAfter("session.pairing", s.o.cfg.PairingDelay, func(ctx context.Context) error {
		if !s.isCurrent(conn) {
			return nil
		}
		code, err := dispatch.Call(ctx, s.disp, "requestPairingCode_"+s.tenant, 0,
			func(ctx context.Context) (string, error) {
				return conn.RequestPairingChallenge(ctx, phone)
			})
		if err != nil {
			s.report("pairing code request failed: " + err.Error())
			return nil
		}
		if s.cb.OnPairingChallenge != nil {
			formatted := session.FormatPairingCode(code)
			s.call("onPairingChallenge", func() { s.cb.OnPairingChallenge(formatted) })
		}
		return nil
	})
	s.mu.Lock()
	if s.stopPair != nil {
		s.stopPair()
	}
	s.stopPair = stop
	s.mu.Unlock()
}

func (s *Session) loop(ctx context.Context, conn transport.Conn) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.isCurrent(conn) {
				continue
			}
			s.handle(ctx, conn, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, conn transport.Conn, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnection:
		u := ev.Connection
		if u == nil {
			return
		}
		switch u.State {
		case transport.StateConnecting:
			if s.State() != StatePairing {
				s.setState(StateConnecting, 0, 0)
			}
		case transport.StateOpen:
			s.onOpen(conn)
		case transport.StateClose:
			s.onClose(conn, u.Reason)
		}
	case transport.EventMessages:
		s.pipe.Handle(ctx, ev.Messages)
	case transport.EventCredsUpdate:
		if s.State() == StatePairing && s.o.deps.Sessions.Load(s.tenant).Registered() {
			s.log.Info("pairing completed")
		}
	case transport.EventGroupsUpdate:
		if g := s.o.deps.Groups; g != nil {
			for _, md := range ev.Groups {
				g.Set(s.tenant, md)
			}
		}
	}
}

// onOpen enters the settle window. READY follows once the window elapsed
// and identity resolution finished.
func (s *Session) onOpen(conn transport.Conn) {
	s.ready.Store(false)
	s.mu.Lock()
	settle := s.o.cfg.SettleExisting
	if s.isNew {
		settle = s.o.cfg.SettleNew
	}
	if s.stopSettle != nil {
		s.stopSettle()
	}
	if s.stopPair != nil {
		s.stopPair()
		s.stopPair = nil
	}
	sctx, cancel := context.WithCancel(s.sup.Context())
	s.stopSettle = cancel
	s.mu.Unlock()

	s.setState(StateOpenUnsettled, 0, 0)
	deadline := time.Now().Add(settle)
	s.sup.Go("session.settle", func(context.Context) error {
		defer cancel()
		id := s.resolveIdentity(sctx, conn)
		if wait := time.Until(deadline); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-sctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if sctx.Err() != nil || !s.isCurrent(conn) {
			return nil
		}
		s.mu.Lock()
		s.identity = id
		s.mu.Unlock()
		s.ready.Store(true)
		s.o.conn.Reset(s.tenant)
		if s.setState(StateReady, 0, 0) {
			data := map[string]any{}
			if id != nil {
				data["id"] = id.ID
				data["name"] = id.Name
			}
			s.o.publish(eventbus.SessionReady, s.tenant, data)
		}
		return nil
	})
}

// resolveIdentity polls the connection for the bound account. After the last
// attempt the identity stays unknown.
func (s *Session) resolveIdentity(ctx context.Context, conn transport.Conn) *transport.Identity {
	attempts := s.o.cfg.IdentityAttempts
	for i := 0; i < attempts; i++ {
		if id := conn.Identity(); id != nil && id.ID != "" {
			cp := *id
			return &cp
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(s.o.cfg.IdentityInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	s.log.Warn("identity unresolved, continuing", logx.Int("attempts", attempts))
	return nil
}

func (s *Session) cancelSettle() {
	s.mu.Lock()
	if s.stopSettle != nil {
		s.stopSettle()
		s.stopSettle = nil
	}
	s.mu.Unlock()
}

func (s *Session) onClose(conn transport.Conn, reason transport.DisconnectReason) {
	s.ready.Store(false)
	s.cancelSettle()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	if s.State().Terminal() {
		return
	}
	s.applyDecision(s.o.conn.OnDisconnect(s.tenant, reason), reason)
}

func (s *Session) applyDecision(d connstate.Decision, reason transport.DisconnectReason) {
	if d.Action == connstate.ActionRestart {
		s.setState(StateReconnecting, reason, d.Attempt)
	}
}

// degrade marks a failed setup, reports it, and hands the tenant to the
// connection state manager for recovery.
func (s *Session) degrade(err error) {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	s.log.Error("session setup failed", logx.Err(err))
	s.sup.GoAfter("session.degraded_notice", s.o.cfg.DegradedNoticeDelay, func(context.Context) error {
		s.report(RecoveryNotice)
		return nil
	})
	if s.State().Terminal() {
		return
	}
	s.applyDecision(s.o.conn.OnDisconnect(s.tenant, transport.ReasonUnknown), transport.ReasonUnknown)
}

// terminate enters a terminal state and releases every timer and resource
// of the session. It never blocks on the session's own goroutines.
func (s *Session) terminate(st State, reason transport.DisconnectReason) {
	s.mu.Lock()
	if s.state.Terminal() && st != StateClosed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	if s.stopSettle != nil {
		s.stopSettle()
		s.stopSettle = nil
	}
	if s.stopPair != nil {
		s.stopPair()
		s.stopPair = nil
	}
	s.mu.Unlock()

	s.ready.Store(false)
	s.forceState(st, reason)
	if conn != nil {
		_ = conn.Close()
	}
	if g := s.o.deps.Groups; g != nil {
		g.Remove(s.tenant)
	}
	s.o.releaseLater(s)
}
