package controlplane

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pewbridge/internal/orchestrator"
	rtsup "pewbridge/internal/runtime/supervisor"
	logx "pewbridge/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command is one operator command, matched on its first word without the
// leading slash.
type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  Update
	Chat    ChatTarget
	FromID  int64
	Tenant  string
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

// Sessions is the orchestrator surface the router drives.
type Sessions interface {
	OpenSession(ctx context.Context, tenant, phone string, cb orchestrator.Callbacks) (*orchestrator.Session, error)
	CloseSession(ctx context.Context, tenant string, wipe bool) error
	Session(tenant string) (*orchestrator.Session, bool)
	Sessions() []orchestrator.Snapshot
}

// Notifier queues operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Config struct {
	OwnerUserIDs   []int64
	Workers        int           // default 2
	QueueSize      int           // default 256
	CommandTimeout time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	return c
}

// Router turns operator updates into session operations. The tenant of a
// request is the sender's user id.
type Router struct {
	cfg      Config
	log      logx.Logger
	adapter  Adapter
	notifier Notifier
	sessions Sessions

	mu     sync.RWMutex
	owners []int64
	chats  map[string]ChatTarget
	cmds   map[string]Command

	jobs chan func()
}

func NewRouter(cfg Config, adapter Adapter, notifier Notifier, sessions Sessions, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "controlplane.router")),
		adapter:  adapter,
		notifier: notifier,
		sessions: sessions,
		owners:   append([]int64(nil), cfg.OwnerUserIDs...),
		chats:    map[string]ChatTarget{},
		jobs:     make(chan func(), cfg.QueueSize),
	}
	r.cmds = map[string]Command{}
	for _, c := range r.builtins() {
		r.cmds[c.Name] = c
	}
	return r
}

// SetOwners updates the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Menu lists the commands for the adapter's command menu.
func (r *Router) Menu() []MenuEntry {
	out := make([]MenuEntry, 0, len(r.cmds))
	for _, name := range commandOrder {
		if c, ok := r.cmds[name]; ok {
			out = append(out, MenuEntry{Command: c.Name, Description: c.Description})
		}
	}
	return out
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan Update) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.cfg.Workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	if mp, ok := r.adapter.(MenuPublisher); ok {
		sup.Go("menu.publish", func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := mp.PublishMenu(cctx, r.Menu()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}
	r.log.Info("command router started", logx.Int("workers", r.cfg.Workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route matches one update and queues its handler.
func (r *Router) Route(ctx context.Context, up Update) {
	text := strings.TrimSpace(up.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := up.Chat()

	cmd, ok := r.cmds[word]
	if !ok {
		r.reply(ctx, chat, "Unknown command. Try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(up.FromID) {
		r.reply(ctx, chat, "unauthorized")
		return
	}

	rid := uuid.NewString()[:8]
	tenant := strconv.FormatInt(up.FromID, 10)
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  up.FromID,
		Tenant:  tenant,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Tenant(tenant),
			logx.Int64("chat_id", up.ChatID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	final := wrap(cmd.Handle, timeout)
	select {
	case r.jobs <- func() {
		if err := final(ctx, req); err != nil {
			r.reply(ctx, chat, "Failed: "+err.Error())
		}
	}:
	default:
		r.reply(ctx, chat, "busy, try again")
	}
}

func (r *Router) reply(ctx context.Context, to ChatTarget, text string) {
	if r.adapter == nil {
		return
	}
	if _, err := r.adapter.SendText(ctx, to, text); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (r *Router) remember(tenant string, chat ChatTarget) {
	r.mu.Lock()
	r.chats[tenant] = chat
	r.mu.Unlock()
}

// chatFor returns the chat that last addressed tenant. Without one, the
// tenant's private chat is used.
func (r *Router) chatFor(tenant string) (ChatTarget, bool) {
	r.mu.RLock()
	chat, ok := r.chats[tenant]
	r.mu.RUnlock()
	if ok {
		return chat, true
	}
	id, err := strconv.ParseInt(tenant, 10, 64)
	if err != nil {
		return ChatTarget{}, false
	}
	return ChatTarget{ChatID: id}, true
}

// notify routes a session callback to the tenant's chat through the notifier.
func (r *Router) notify(tenant, kind string, sev Severity, text string) {
	chat, ok := r.chatFor(tenant)
	if !ok || r.notifier == nil {
		return
	}
	err := r.notifier.Notify(context.Background(), Notification{
		Tenant:   tenant,
		Kind:     kind,
		Severity: sev,
		Target:   chat,
		Text:     text,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("notification not queued", logx.Tenant(tenant), logx.Err(err))
	}
}
