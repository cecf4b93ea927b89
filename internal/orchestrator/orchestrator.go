package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pewbridge/internal/connstate"
	"pewbridge/internal/correlator"
	"pewbridge/internal/dispatch"
	"pewbridge/internal/eventbus"
	"pewbridge/internal/groupcache"
	"pewbridge/internal/observability/metrics"
	"pewbridge/internal/pipeline"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/session"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/store"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

// Config tunes session timing and the per-component configs. Zero values
// take defaults.
type Config struct {
	SettleNew           time.Duration // default 20s
	SettleExisting      time.Duration // default 5s
	IdentityAttempts    int           // default 5
	IdentityInterval    time.Duration // default 3s
	PairingDelay        time.Duration // default 2s
	DegradedNoticeDelay time.Duration // default 1s
	ReleaseTimeout      time.Duration // default 10s

	Dispatch   dispatch.Config
	Pipeline   pipeline.Config
	ConnState  connstate.Config
	Correlator correlator.Config
}

func (c Config) withDefaults() Config {
	if c.SettleNew <= 0 {
		c.SettleNew = 20 * time.Second
	}
	if c.SettleExisting <= 0 {
		c.SettleExisting = 5 * time.Second
	}
	if c.IdentityAttempts <= 0 {
		c.IdentityAttempts = 5
	}
	if c.IdentityInterval <= 0 {
		c.IdentityInterval = 3 * time.Second
	}
	if c.PairingDelay < 0 {
		c.PairingDelay = 0
	} else if c.PairingDelay == 0 {
		c.PairingDelay = 2 * time.Second
	}
	if c.DegradedNoticeDelay <= 0 {
		c.DegradedNoticeDelay = time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 10 * time.Second
	}
	return c
}

// Deps are the shared collaborators. Transport and Sessions are required.
type Deps struct {
	Transport transport.Transport
	Sessions  *session.Manager
	// Store defaults to an in-memory store.
	Store    *store.Store
	Groups   *groupcache.Cache
	Settings *settings.Resolver
	Bus      eventbus.Bus
}

// Orchestrator owns the registry of tenant sessions and the components they
// share.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	ctx  context.Context
	sup  *rtsup.Supervisor

	store *store.Store
	conn  *connstate.Manager
	corr  *correlator.Correlator

	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns an orchestrator bound to ctx.
func New(ctx context.Context, cfg Config, deps Deps, log logx.Logger) (*Orchestrator, error) {
	if deps.Transport == nil {
		return nil, errors.New("orchestrator: transport is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator: session manager is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "orchestrator"))
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		sessions: make(map[string]*Session),
	}
	o.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false))
	o.ctx = o.sup.Context()

	o.store = deps.Store
	if o.store == nil {
		o.store = store.New(store.Config{}, nil, log, deps.Bus)
	}
	o.conn = connstate.NewManager(o.ctx, cfg.ConnState, deps.Sessions, log, deps.Bus)
	o.corr = correlator.New(o.ctx, cfg.Correlator, o.store, correlator.Deps{
		Settings:  o.settingsFor,
		OnDeleted: o.onDeleted,
		OnCommand: o.routeCommand,
	}, log)
	return o, nil
}

// OpenSession starts the session of tenant or returns the live one. A setup
// failure does not fail the call: the returned session is degraded and
// recovery continues in the background.
func (o *Orchestrator) OpenSession(ctx context.Context, tenant, phone string, cb Callbacks) (s *Session, err error) {
	if !session.ValidTenant(tenant) {
		return nil, fmt.Errorf("%w: %q", session.ErrBadTenant, tenant)
	}
	o.mu.Lock()
	if cur := o.sessions[tenant]; cur != nil {
		st := cur.State()
		if !st.Terminal() {
			o.mu.Unlock()
			return cur, nil
		}
		metrics.SessionTransition(string(st), "")
	}
	s = o.newSession(tenant, phone, cb)
	o.sessions[tenant] = s
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.degrade(fmt.Errorf("session setup panicked: %v", r))
			err = nil
		}
	}()

	s.mu.Lock()
	s.isNew = !o.deps.Sessions.Exists(tenant)
	s.mu.Unlock()

	o.conn.Register(tenant, o.hooks(s))
	o.conn.Reset(tenant)
	if err := s.connect(ctx); err != nil {
		s.degrade(err)
	}
	return s, nil
}

func (o *Orchestrator) hooks(s *Session) connstate.Hooks {
	return connstate.Hooks{
		Restart: func(ctx context.Context, _ string) error {
			if s.State().Terminal() || o.lookup(s.tenant) != s {
				return nil
			}
			return s.connect(ctx)
		},
		OnUserLoggedOut: func(tenant string) {
			s.terminate(StateLoggedOut, transport.ReasonLoggedOut)
			if o.deps.Settings != nil {
				o.deps.Settings.Forget(tenant)
			}
			if s.cb.OnUserLoggedOut != nil {
				s.call("onUserLoggedOut", func() { s.cb.OnUserLoggedOut(tenant) })
			}
		},
		OnMaxRetriesReached: func(_ string, count int) {
			s.terminate(StateFatal, 0)
			if s.cb.OnMaxRetriesReached != nil {
				s.call("onMaxRetriesReached", func() { s.cb.OnMaxRetriesReached(count) })
			}
		},
		OnConnectionRestarted: func(string) {
			s.log.Info("connection restarted")
		},
		OnRestartFailed: func(tenant string, err error) {
			s.report("reconnect failed: " + err.Error())
			if s.State().Terminal() {
				return
			}
			s.applyDecision(o.conn.OnDisconnect(tenant, transport.ReasonConnectionLost), transport.ReasonConnectionLost)
		},
	}
}

// CloseSession terminates tenant's session. With wipe the credential
// bundle is removed too. Closing an unknown tenant only honours wipe.
func (o *Orchestrator) CloseSession(ctx context.Context, tenant string, wipe bool) error {
	o.mu.Lock()
	s := o.sessions[tenant]
	delete(o.sessions, tenant)
	o.mu.Unlock()

	var errs []error
	if s != nil {
		s.terminate(StateClosed, 0)
		metrics.SessionTransition(string(StateClosed), "")
	}
	if err := o.conn.Forget(ctx, tenant); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if o.deps.Settings != nil {
		o.deps.Settings.Forget(tenant)
	}
	if wipe {
		if err := o.deps.Sessions.Wipe(tenant); err != nil {
			errs = append(errs, fmt.Errorf("wipe %s: %w", tenant, err))
		}
	} else {
		o.deps.Sessions.Forget(tenant)
	}
	if s != nil {
		o.publish(eventbus.SessionClosed, tenant, map[string]any{"wiped": wipe})
	}
	return errors.Join(errs...)
}

// releaseLater stops the session's goroutines, pipeline and dispatcher in
// the background so terminate is safe to call from any callback.
func (o *Orchestrator) releaseLater(s *Session) {
	s.sup.Cancel()
	s.release.Do(func() { o.release(s) })
}

func (o *Orchestrator) release(s *Session) {
	o.sup.Go("session.release", func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReleaseTimeout)
		defer cancel()
		if err := s.pipe.Close(ctx); err != nil {
			s.log.Warn("pipeline close failed", logx.Err(err))
		}
		if err := s.disp.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("dispatcher close failed", logx.Err(err))
		}
		if err := s.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("session goroutines did not stop", logx.Err(err))
		}
		return nil
	})
}

func (o *Orchestrator) lookup(tenant string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[tenant]
}

// Session returns tenant's registered session.
func (o *Orchestrator) Session(tenant string) (*Session, bool) {
	s := o.lookup(tenant)
	return s, s != nil
}

// Sessions lists registered sessions ordered by tenant.
func (o *Orchestrator) Sessions() []Snapshot {
	o.mu.Lock()
	list := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		snap := s.snapshot()
		snap.Retries = o.conn.Retries(s.tenant)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// Settings returns tenant's effective settings.
func (o *Orchestrator) Settings(ctx context.Context, tenant string) settings.Settings {
	if o.deps.Settings == nil {
		return settings.Defaults()
	}
	return o.deps.Settings.Get(ctx, tenant)
}

func (o *Orchestrator) settingsFor(tenant string) settings.Settings {
	return o.Settings(o.ctx, tenant)
}

// Store exposes the message store shared by all sessions.
func (o *Orchestrator) Store() *store.Store { return o.store }

// routeCommand receives commands recovered by the correlator.
func (o *Orchestrator) routeCommand(_ context.Context, cmd pipeline.Command) {
	s := o.lookup(cmd.Tenant)
	if s == nil || !s.Ready() {
		o.log.Debug("recovered command dropped, session not ready",
			logx.Tenant(cmd.Tenant), logx.String("id", cmd.ID))
		return
	}
	if err := s.pipe.Submit(cmd); err != nil {
		s.log.Warn("recovered command dropped", logx.String("id", cmd.ID), logx.Err(err))
	}
}

func (o *Orchestrator) onDeleted(_ context.Context, tenant string, rec storage.Record) {
	o.publish(eventbus.MessageDeleted, tenant, map[string]any{
		"id": rec.ID, "conversation": rec.Conversation,
	})
	s := o.lookup(tenant)
	if s == nil || s.cb.OnDeletedMessage == nil {
		return
	}
	s.call("onDeletedMessage", func() { s.cb.OnDeletedMessage(rec) })
}

func (o *Orchestrator) publish(typ, tenant string, data map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(eventbus.Event{Type: typ, Tenant: tenant, Time: time.Now(), Data: data})
}

// Shutdown closes every session without wiping and waits for their
// resources to be released.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	list := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range list {
		s := s
		g.Go(func() error {
			return o.CloseSession(gctx, s.tenant, false)
		})
	}
	err := g.Wait()
	if cerr := o.corr.Close(ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = errors.Join(err, cerr)
	}
	if serr := o.sup.Stop(ctx); serr != nil && !errors.Is(serr, context.Canceled) {
		err = errors.Join(err, serr)
	}
	return err
}
