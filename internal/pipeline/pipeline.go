package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pewbridge/internal/observability/metrics"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

// ErrQueueFull is reported when the command queue cannot take more work.
var ErrQueueFull = errors.New("pipeline: command queue full")

// Config holds dedup and queue limits. Zero values take defaults.
type Config struct {
	DedupWindow     time.Duration // default 5s
	DedupPruneAbove int           // default 100
	DedupMaxAge     time.Duration // default 5m
	CommandBuffer   int           // default 64
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Second
	}
	if c.DedupPruneAbove <= 0 {
		c.DedupPruneAbove = 100
	}
	if c.DedupMaxAge <= 0 {
		c.DedupMaxAge = 5 * time.Minute
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 64
	}
	return c
}

// Saver persists records. Save must not block on a slow durable backend.
type Saver interface {
	Save(ctx context.Context, recs ...storage.Record)
}

// ControlHandler receives control notifications (deletion, resend, signal).
type ControlHandler interface {
	OnControl(ctx context.Context, tenant string, msg *transport.Message)
}

// CommandMarker records interpreted commands so a later resend of the same
// message is not executed twice.
type CommandMarker interface {
	MarkCommand(id, text, tenant string, normal bool)
}

// Hooks are the pipeline's outputs. All are optional.
type Hooks struct {
	// OnMessage sees every stored message, command or not.
	OnMessage func(rec storage.Record)
	// OnCommand runs interpreted commands, one at a time in arrival order.
	OnCommand func(ctx context.Context, cmd Command)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Store    Saver
	Control  ControlHandler
	Marker   CommandMarker
	Settings func() settings.Settings
	// Ready reports whether the session left its settle window.
	Ready func() bool
	Hooks Hooks
}

// Pipeline turns one tenant's message events into stored records and
// commands. Handle must be called from a single goroutine (the session's
// event loop); commands run on the pipeline's own worker.
type Pipeline struct {
	tenant string
	cfg    Config
	deps   Deps
	log    logx.Logger
	now    func() time.Time
	dedup  *dedup

	cmds chan Command
	sup  *rtsup.Supervisor
	once sync.Once
}

// New returns a pipeline for tenant and starts its command worker.
func New(ctx context.Context, tenant string, cfg Config, deps Deps, log logx.Logger) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "pipeline"), logx.Tenant(tenant))
	p := &Pipeline{
		tenant: tenant,
		cfg:    cfg,
		deps:   deps,
		log:    log,
		now:    time.Now,
		dedup:  newDedup(cfg.DedupWindow, cfg.DedupPruneAbove, cfg.DedupMaxAge),
		cmds:   make(chan Command, cfg.CommandBuffer),
		sup:    rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
	}
	p.sup.GoRestart("pipeline.commands", p.runCommands, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	return p
}

func (p *Pipeline) runCommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-p.cmds:
			if p.deps.Hooks.OnCommand != nil {
				p.deps.Hooks.OnCommand(ctx, cmd)
			}
		}
	}
}

// Handle processes one messages.upsert batch in order.
func (p *Pipeline) Handle(ctx context.Context, msgs []*transport.Message) {
	for _, m := range msgs {
		p.handleOne(ctx, m)
	}
}

func (p *Pipeline) handleOne(ctx context.Context, m *transport.Message) {
	if m == nil || m.Key.ID == "" {
		return
	}
	now := p.now()
	if !p.dedup.admit(m.Key.ID, now) {
		metrics.PipelineEvent("duplicate")
		p.log.Debug("duplicate message dropped", logx.String("id", m.Key.ID))
		return
	}

	content := m.Content.Unwrap()
	if content != nil && content.Protocol != nil {
		metrics.PipelineEvent("control")
		if p.deps.Control != nil {
			p.deps.Control.OnControl(ctx, p.tenant, m)
		}
		return
	}

	rec := ToRecord(p.tenant, m, now)
	if p.deps.Store != nil {
		p.deps.Store.Save(ctx, rec)
	}
	metrics.PipelineEvent("stored")
	if p.deps.Hooks.OnMessage != nil {
		p.deps.Hooks.OnMessage(rec)
	}

	p.interpret(m, rec)
}

func (p *Pipeline) interpret(m *transport.Message, rec storage.Record) {
	if m.Key.RemoteJID == transport.StatusBroadcast {
		return
	}
	s := p.settings()
	if !MayInterpret(s, m.Key.FromMe, rec.Sender) {
		return
	}
	cmd, ok := Parse(rec.Content, s.Prefix)
	if !ok {
		return
	}
	if p.deps.Ready != nil && !p.deps.Ready() {
		metrics.PipelineEvent("discarded_unsettled")
		p.log.Info("command discarded during settle window", logx.String("id", rec.ID), logx.String("command", cmd.Name))
		return
	}
	cmd.Tenant = p.tenant
	cmd.ID = rec.ID
	cmd.Conversation = rec.Conversation
	cmd.Sender = rec.Sender
	cmd.FromMe = rec.FromMe
	cmd.Timestamp = rec.Timestamp
	cmd.Source = SourceMessage

	if p.deps.Marker != nil {
		p.deps.Marker.MarkCommand(rec.ID, rec.Content, p.tenant, true)
	}
	if err := p.Submit(cmd); err != nil {
		p.log.Warn("command dropped", logx.String("id", rec.ID), logx.Err(err))
	}
}

// Submit queues cmd for the command worker. Resent commands recovered by the
// correlator enter here as well.
func (p *Pipeline) Submit(cmd Command) error {
	select {
	case p.cmds <- cmd:
		metrics.PipelineEvent("command")
		return nil
	default:
		metrics.PipelineEvent("command_dropped")
		return ErrQueueFull
	}
}

func (p *Pipeline) settings() settings.Settings {
	if p.deps.Settings == nil {
		return settings.Defaults()
	}
	return p.deps.Settings()
}

// MayInterpret reports whether a message from sender may run commands under
// s. Private mode admits only the tenant's own messages and owners.
func MayInterpret(s settings.Settings, fromMe bool, sender string) bool {
	return s.Public || fromMe || isOwner(s.Owners, sender)
}

func isOwner(owners []string, sender string) bool {
	if len(owners) == 0 {
		return false
	}
	num := transport.Identity{ID: sender}.Number()
	for _, o := range owners {
		if o == sender || o == num {
			return true
		}
	}
	return false
}

// Close stops the command worker. Queued commands are dropped.
func (p *Pipeline) Close(ctx context.Context) error {
	var err error
	p.once.Do(func() { err = p.sup.Stop(ctx) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ToRecord converts a message notification into a Message Record for tenant.
// Ephemeral wrappers are unwrapped; a missing timestamp takes now.
func ToRecord(tenant string, m *transport.Message, now time.Time) storage.Record {
	rec := storage.Record{
		ID:           m.Key.ID,
		Conversation: m.Key.RemoteJID,
		Sender:       m.Key.Sender(),
		Session:      tenant,
		UserID:       tenant,
		Timestamp:    m.Timestamp,
		FromMe:       m.Key.FromMe,
		CreatedAt:    now,
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = now.Unix()
	}
	c := m.Content.Unwrap()
	if c == nil {
		return rec
	}
	rec.Content = strings.TrimSpace(c.Text())
	if c.Media != nil {
		rec.Media = &storage.Media{
			Type:     c.Media.Type,
			MimeType: c.Media.MimeType,
			URL:      c.Media.URL,
			Caption:  c.Media.Caption,
			Size:     c.Media.Size,
		}
		rec.ViewOnce = c.Media.ViewOnce
	}
	return rec
}
