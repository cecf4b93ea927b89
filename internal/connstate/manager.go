package connstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pewbridge/internal/eventbus"
	"pewbridge/internal/observability/metrics"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

// Class is the recovery class of a disconnect.
type Class string

const (
	ClassBadCredentials  Class = "bad_credentials"
	ClassTransient       Class = "transient"
	ClassLoggedOut       Class = "logged_out"
	ClassRestartRequired Class = "restart_required"
	ClassUnknown         Class = "unknown"
)

// Classify maps a close code to its recovery class.
func Classify(reason transport.DisconnectReason) Class {
	switch reason {
	case transport.ReasonBadSession, transport.ReasonConnectionReplaced:
		return ClassBadCredentials
	case transport.ReasonConnectionClosed, transport.ReasonConnectionLost:
		return ClassTransient
	case transport.ReasonLoggedOut:
		return ClassLoggedOut
	case transport.ReasonRestartRequired:
		return ClassRestartRequired
	default:
		return ClassUnknown
	}
}

// Action is what OnDisconnect decided.
type Action string

const (
	ActionRestart   Action = "restart"
	ActionSkip      Action = "skip"      // a restart is already in flight
	ActionLoggedOut Action = "logged_out"
	ActionExhausted Action = "exhausted" // retry cap reached
	ActionIgnored   Action = "ignored"   // unknown or closed tenant
)

// Decision describes how a disconnect was handled.
type Decision struct {
	Class   Class
	Action  Action
	Delay   time.Duration
	Wiped   bool
	Attempt int
}

// Config holds restart delays and the retry cap. Zero values take defaults.
type Config struct {
	BadCredentialsDelay  time.Duration // default 2s
	TransientDelay       time.Duration // default 3s
	RestartRequiredDelay time.Duration // default 2.5s
	UnknownDelay         time.Duration // default 3s
	MaxRetries           int           // default 5
}

func (c Config) withDefaults() Config {
	if c.BadCredentialsDelay <= 0 {
		c.BadCredentialsDelay = 2 * time.Second
	}
	if c.TransientDelay <= 0 {
		c.TransientDelay = 3 * time.Second
	}
	if c.RestartRequiredDelay <= 0 {
		c.RestartRequiredDelay = 2500 * time.Millisecond
	}
	if c.UnknownDelay <= 0 {
		c.UnknownDelay = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

func (c Config) delay(class Class) time.Duration {
	switch class {
	case ClassBadCredentials:
		return c.BadCredentialsDelay
	case ClassTransient:
		return c.TransientDelay
	case ClassRestartRequired:
		return c.RestartRequiredDelay
	default:
		return c.UnknownDelay
	}
}

// Hooks are the per-tenant collaborators. Restart is required; the rest are
// optional notifications.
type Hooks struct {
	Restart               func(ctx context.Context, tenant string) error
	OnUserLoggedOut       func(tenant string)
	OnMaxRetriesReached   func(tenant string, count int)
	OnConnectionRestarted func(tenant string)
	OnRestartFailed       func(tenant string, err error)
}

// Wiper removes a tenant's credentials.
type Wiper interface {
	Wipe(tenant string) error
}

type tenantState struct {
	hooks      Hooks
	sup        *rtsup.Supervisor
	retries    int
	restarting bool
	stop       func() bool
	closed     bool
}

// Manager turns disconnects into recovery actions.
//
// It is safe for concurrent use.
type Manager struct {
	cfg   Config
	wiper Wiper
	log   logx.Logger
	bus   eventbus.Bus
	ctx   context.Context

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewManager returns a manager. Restart timers derive from ctx.
func NewManager(ctx context.Context, cfg Config, wiper Wiper, log logx.Logger, bus eventbus.Bus) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		wiper:   wiper,
		log:     log.With(logx.String("comp", "connstate")),
		bus:     bus,
		ctx:     ctx,
		tenants: map[string]*tenantState{},
	}
}

// Register arms the manager for tenant. Registering again replaces the hooks,
// reopens a closed tenant and keeps the retry counter.
func (m *Manager) Register(tenant string, hooks Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.tenants[tenant]
	if st == nil {
		st = &tenantState{}
		m.tenants[tenant] = st
	}
	st.hooks = hooks
	st.closed = false
	if st.sup == nil {
		st.sup = rtsup.NewSupervisor(m.ctx,
			rtsup.WithLogger(m.log.With(logx.Tenant(tenant))),
			rtsup.WithCancelOnError(false),
		)
	}
}

// OnDisconnect classifies reason and schedules recovery for tenant.
func (m *Manager) OnDisconnect(tenant string, reason transport.DisconnectReason) Decision {
	class := Classify(reason)
	d := Decision{Class: class}
	log := m.log.With(logx.Tenant(tenant), logx.Int("reason", int(reason)), logx.String("class", string(class)))

	m.mu.Lock()
	st := m.tenants[tenant]
	if st == nil || st.closed {
		m.mu.Unlock()
		d.Action = ActionIgnored
		return d
	}
	hooks := st.hooks

	if class == ClassLoggedOut {
		st.closed = true
		if st.stop != nil {
			st.stop()
			st.stop = nil
		}
		st.restarting = false
		m.mu.Unlock()

		d.Action = ActionLoggedOut
		d.Wiped = m.wipe(tenant, log)
		log.Warn("session logged out")
		m.publish(eventbus.SessionLoggedOut, tenant, nil)
		if hooks.OnUserLoggedOut != nil {
			hooks.OnUserLoggedOut(tenant)
		}
		return d
	}

	if st.restarting {
		m.mu.Unlock()
		d.Action = ActionSkip
		log.Debug("restart already in flight")
		return d
	}
	if st.retries >= m.cfg.MaxRetries {
		count := st.retries
		st.closed = true
		m.mu.Unlock()
		d.Action = ActionExhausted
		d.Attempt = count
		log.Error("restart attempts exhausted", logx.Int("retries", count))
		m.publish(eventbus.SessionMaxRetries, tenant, map[string]any{"count": count})
		if hooks.OnMaxRetriesReached != nil {
			hooks.OnMaxRetriesReached(tenant, count)
		}
		return d
	}

	st.retries++
	st.restarting = true
	d.Attempt = st.retries
	d.Delay = m.cfg.delay(class)
	d.Action = ActionRestart
	sup := st.sup
	m.mu.Unlock()

	if class == ClassBadCredentials {
		d.Wiped = m.wipe(tenant, log)
	}
	metrics.Restart(string(class))
	log.Info("restart scheduled", logx.Duration("delay", d.Delay), logx.Int("attempt", d.Attempt))

	stop := sup.GoAfter("restart", d.Delay, func(ctx context.Context) error {
		m.runRestart(ctx, tenant, hooks, log)
		return nil
	})
	m.mu.Lock()
	if cur := m.tenants[tenant]; cur == st && st.restarting {
		st.stop = stop
	} else {
		stop()
	}
	m.mu.Unlock()
	return d
}

func (m *Manager) runRestart(ctx context.Context, tenant string, hooks Hooks, log logx.Logger) {
	var err error
	if hooks.Restart != nil {
		err = hooks.Restart(ctx, tenant)
		if err != nil && ctx.Err() == nil {
			log.Warn("restart failed, retrying once", logx.Err(err))
			err = hooks.Restart(ctx, tenant)
		}
	}

	// Clear the guard before notifying so a hook may report a new disconnect.
	m.mu.Lock()
	if st := m.tenants[tenant]; st != nil {
		st.restarting = false
		st.stop = nil
	}
	m.mu.Unlock()

	if hooks.Restart == nil {
		return
	}
	if err != nil {
		log.Error("restart failed", logx.Err(err))
		m.publish(eventbus.SessionRestartFail, tenant, map[string]any{"error": err.Error()})
		if hooks.OnRestartFailed != nil {
			hooks.OnRestartFailed(tenant, err)
		}
		return
	}
	m.publish(eventbus.SessionRestart, tenant, nil)
	if hooks.OnConnectionRestarted != nil {
		hooks.OnConnectionRestarted(tenant)
	}
}

func (m *Manager) wipe(tenant string, log logx.Logger) bool {
	if m.wiper == nil {
		return false
	}
	if err := m.wiper.Wipe(tenant); err != nil {
		log.Error("credential wipe failed", logx.Err(err))
		return false
	}
	return true
}

// Reset clears the retry counter; called on every READY transition.
func (m *Manager) Reset(tenant string) {
	m.mu.Lock()
	if st := m.tenants[tenant]; st != nil {
		st.retries = 0
	}
	m.mu.Unlock()
}

// Retries returns the current retry counter.
func (m *Manager) Retries(tenant string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.tenants[tenant]; st != nil {
		return st.retries
	}
	return 0
}

// IsRestarting reports whether a restart is scheduled or running.
func (m *Manager) IsRestarting(tenant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.tenants[tenant]
	return st != nil && st.restarting
}

// Cancel stops any pending restart for tenant and rejects further
// disconnects until Register is called again.
func (m *Manager) Cancel(tenant string) {
	m.mu.Lock()
	st := m.tenants[tenant]
	if st != nil {
		st.closed = true
		st.restarting = false
		if st.stop != nil {
			st.stop()
			st.stop = nil
		}
	}
	m.mu.Unlock()
}

// Forget cancels tenant and discards its state, including the retry counter.
func (m *Manager) Forget(ctx context.Context, tenant string) error {
	m.mu.Lock()
	st := m.tenants[tenant]
	delete(m.tenants, tenant)
	m.mu.Unlock()
	if st == nil {
		return nil
	}
	if st.stop != nil {
		st.stop()
	}
	if st.sup == nil {
		return nil
	}
	if err := st.sup.Stop(ctx); err != nil {
		return fmt.Errorf("connstate: stop %s: %w", tenant, err)
	}
	return nil
}

func (m *Manager) publish(typ, tenant string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Tenant: tenant, Data: data})
}
