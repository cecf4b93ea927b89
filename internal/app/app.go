package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pewbridge/internal/config"
	cp "pewbridge/internal/controlplane"
	"pewbridge/internal/controlplane/telegram"
	"pewbridge/internal/eventbus"
	"pewbridge/internal/groupcache"
	"pewbridge/internal/notifier"
	"pewbridge/internal/observability/debug"
	"pewbridge/internal/observability/metrics"
	"pewbridge/internal/orchestrator"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/session"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/store"
	"pewbridge/internal/transport"
	"pewbridge/internal/transport/loopback"
	logx "pewbridge/pkg/logx"
)

// Option adjusts construction. Tests use it to swap external edges.
type Option func(*options)

type options struct {
	adapter   cp.Adapter
	transport transport.Transport
	logLevel  string
}

// WithAdapter replaces the Telegram adapter.
func WithAdapter(a cp.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithTransport replaces the configured messaging transport.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// WithLogLevel overrides logging.level from the file.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

// App wires the bridge: storage, sessions, the orchestrator, the operator
// control plane and the debug server.
type App struct {
	opts options
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	sink *logSink
	bus  eventbus.Bus

	backend  storage.Backend
	store    *store.Store
	sessions *session.Manager
	settings *settings.Resolver
	tr       transport.Transport

	adapter cp.Adapter
	notif   *notifier.Service
	debug   *debug.Service

	// built on Start, bound to the run context
	groups *groupcache.Cache
	orch   *orchestrator.Orchestrator
	router *cp.Router

	updates chan cp.Update
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	ad := o.adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// the sink target is set before Apply enables remote delivery
	sink := newLogSink(ad)
	sink.SetTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)
	logCfg := mapLoggingConfig(cfg)
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, log := logx.New(logCfg, sink)
	log = log.With(logx.String("comp", "app"))

	metrics.Register()
	bus := eventbus.New()

	a := &App{
		opts:     o,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		sink:     sink,
		bus:      bus,
		adapter:  ad,
		sessions: session.NewManager(sessionsDir(cfg), log),
		updates:  make(chan cp.Update, 256),
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		be, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.backend = be
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; messages are kept in memory only")
	}

	stc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, a.closeBackend(err)
	}
	a.store = store.New(stc, a.backend, log, bus)
	a.settings = settings.NewResolver(a.backend, mapSettingsDefaults(cfg), log)

	a.tr = o.transport
	if a.tr == nil {
		// only the in-process transport ships; validateConfig rejects others
		a.tr = loopback.New()
		log.Warn("using loopback transport; sessions never leave the process")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.closeBackend(err)
	}
	a.notif = notifier.New(ncfg, ad, log, bus)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, a.closeBackend(err)
	}
	a.debug = debug.New(dcfg, a.health, log)
	return a, nil
}

func (a *App) closeBackend(err error) error {
	if a.backend != nil {
		_ = a.backend.Close()
	}
	return err
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Orchestrator is nil before Start.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.store.Start(runCtx)

	gcfg, err := mapGroupsConfig(cfg)
	if err != nil {
		return err
	}
	a.groups = groupcache.New(runCtx, gcfg, a.log, a.bus)

	ocfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return err
	}
	a.orch, err = orchestrator.New(runCtx, ocfg, orchestrator.Deps{
		Transport: a.tr,
		Sessions:  a.sessions,
		Store:     a.store,
		Groups:    a.groups,
		Settings:  a.settings,
		Bus:       a.bus,
	}, a.log)
	if err != nil {
		return err
	}

	a.router = cp.NewRouter(cp.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs}, a.adapter, a.notif, a.orch, a.log)

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.debug.Enabled() {
		a.debug.Start(runCtx)
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("controlplane.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if restoreSessions(cfg) {
		tenants := a.sessions.ListSessions()
		a.sup.Go0("sessions.restore", func(c context.Context) {
			a.router.Restore(c, tenants)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
		logx.Bool("durable", a.backend != nil),
	)
	return nil
}

// drainLatest coalesces a burst of reloads into the newest.
func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig hot-applies the sections that support it and warns about the
// ones that need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.sink.SetTarget(next.Telegram.GroupLog, next.Logging.Telegram.ThreadID)
	lc := mapLoggingConfig(next)
	if a.opts.logLevel != "" {
		lc.Level = a.opts.logLevel
	}
	a.logs.Apply(lc)
	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !was && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if dcfg, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// health feeds /healthz: the durable store must be reachable when one is
// configured.
func (a *App) health(context.Context) debug.Health {
	st := a.store.Stats()
	details := map[string]any{
		"store_healthy":  st.Healthy,
		"store_durable":  st.Durable,
		"store_buffered": st.Buffered,
		"store_pending":  st.Pending,
	}
	if a.orch != nil {
		counts := map[string]int{}
		for _, s := range a.orch.Sessions() {
			counts[string(s.State)]++
		}
		details["sessions"] = counts
	}
	return debug.Health{OK: a.backend == nil || st.Healthy, Details: details}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("adapter", 2*time.Second, a.adapter.Stop)
	step("sessions", 10*time.Second, func(c context.Context) error {
		if a.orch == nil {
			return nil
		}
		return a.orch.Shutdown(c)
	})
	step("groups", time.Second, func(c context.Context) error {
		if a.groups == nil {
			return nil
		}
		return a.groups.Stop(c)
	})
	step("store", 3*time.Second, a.store.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.backend == nil {
			return nil
		}
		return a.backend.Close()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// runStep bounds one shutdown step by limit and the caller's deadline. A step
// that overruns is logged and left to finish on its own.
func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return err
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
		return nil
	}
}
