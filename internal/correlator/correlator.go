package correlator

import (
	"context"
	"math"
	"sync"
	"time"

	"pewbridge/internal/pipeline"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

// Config holds correlation windows. Zero values take defaults.
type Config struct {
	CommandTTL      time.Duration // processed command lifetime, default 10m
	MaxCommands     int           // processed command cap, default 1000
	CleanupEvery    time.Duration // default 5m
	SignalDelay     time.Duration // wait before proximity search, default 500ms
	NearWindow      time.Duration // default 50s
	WideWindow      time.Duration // default 190s
	RecentLimit     int           // default 30
	DeletedTTL      time.Duration // processed deletion lifetime, default 24h
	MaxDeletedNotes int           // default 5000
}

func (c Config) withDefaults() Config {
	if c.CommandTTL <= 0 {
		c.CommandTTL = 10 * time.Minute
	}
	if c.MaxCommands <= 0 {
		c.MaxCommands = 1000
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 5 * time.Minute
	}
	if c.SignalDelay < 0 {
		c.SignalDelay = 0
	} else if c.SignalDelay == 0 {
		c.SignalDelay = 500 * time.Millisecond
	}
	if c.NearWindow <= 0 {
		c.NearWindow = 50 * time.Second
	}
	if c.WideWindow <= 0 {
		c.WideWindow = 190 * time.Second
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 30
	}
	if c.DeletedTTL <= 0 {
		c.DeletedTTL = 24 * time.Hour
	}
	if c.MaxDeletedNotes <= 0 {
		c.MaxDeletedNotes = 5000
	}
	return c
}

// Store is the subset of the resilient store the correlator reads.
type Store interface {
	Find(ctx context.Context, id, session string) (storage.Record, bool)
	Delete(ctx context.Context, id, session string) []storage.Record
	BySender(ctx context.Context, q storage.SenderQuery) []storage.Record
}

// Deps are the correlator's outputs.
type Deps struct {
	// Settings returns the tenant's settings; nil uses defaults.
	Settings func(tenant string) settings.Settings
	// OnDeleted forwards a deleted record sent by someone else.
	OnDeleted func(ctx context.Context, tenant string, rec storage.Record)
	// OnCommand executes a command recovered from a control notification.
	OnCommand func(ctx context.Context, cmd pipeline.Command)
}

// Correlator resolves control notifications against stored records. One
// correlator serves every tenant.
//
// It implements pipeline.ControlHandler and pipeline.CommandMarker.
type Correlator struct {
	cfg   Config
	store Store
	deps  Deps
	log   logx.Logger
	now   func() time.Time
	sup   *rtsup.Supervisor

	commands *ttlSet
	deleted  *ttlSet
}

// New returns a correlator. Delayed lookups run under ctx.
func New(ctx context.Context, cfg Config, store Store, deps Deps, log logx.Logger) *Correlator {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "correlator"))
	return &Correlator{
		cfg:      cfg,
		store:    store,
		deps:     deps,
		log:      log,
		now:      time.Now,
		sup:      rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		commands: newTTLSet(cfg.CommandTTL, cfg.MaxCommands, cfg.CleanupEvery),
		deleted:  newTTLSet(cfg.DeletedTTL, cfg.MaxDeletedNotes, cfg.CleanupEvery),
	}
}

// MarkCommand records that the tenant executed message id as a command.
func (c *Correlator) MarkCommand(id, text, tenant string, normal bool) {
	c.commands.add(tenantKey(tenant, id), c.now())
}

// CommandProcessed reports whether the tenant already executed id.
func (c *Correlator) CommandProcessed(tenant, id string) bool {
	return c.commands.has(tenantKey(tenant, id), c.now())
}

// OnControl routes a control notification by type.
func (c *Correlator) OnControl(ctx context.Context, tenant string, msg *transport.Message) {
	content := msg.Content.Unwrap()
	if content == nil || content.Protocol == nil {
		return
	}
	p := content.Protocol
	switch p.Type {
	case transport.ProtocolRevoke:
		c.handleRevoke(ctx, tenant, p)
	case transport.ProtocolPeerDataResponse:
		c.handleResend(ctx, tenant, msg, p)
	case transport.ProtocolPlaceholderSignal:
		m := *msg
		c.sup.Go("correlator.signal", func(ctx context.Context) error {
			c.handleSignal(ctx, tenant, &m)
			return nil
		})
	default:
		c.log.Debug("control message ignored", logx.Tenant(tenant), logx.Int("type", int(p.Type)))
	}
}

// tenantKey scopes a message id to one tenant; ids are not unique across
// sessions.
func tenantKey(tenant, id string) string { return tenant + "\x00" + id }

func (c *Correlator) handleRevoke(ctx context.Context, tenant string, p *transport.ProtocolMessage) {
	if p.Key == nil || p.Key.ID == "" {
		return
	}
	id := p.Key.ID
	now := c.now()
	key := tenantKey(tenant, id)
	if c.deleted.has(key, now) {
		return
	}
	c.deleted.add(key, now)

	rec, ok := c.store.Find(ctx, id, tenant)
	if !ok {
		c.log.Debug("deleted message not found", logx.Tenant(tenant), logx.String("id", id))
		return
	}
	removed := c.store.Delete(ctx, id, tenant)
	if len(removed) > 0 {
		rec = removed[0]
	}
	rec.Deleted = true
	if rec.FromMe || rec.Session != tenant {
		c.log.Debug("own message deleted", logx.Tenant(tenant), logx.String("id", id))
		return
	}
	if s := c.settings(tenant); !s.ForwardDeletes {
		return
	}
	c.log.Info("forwarding deleted message", logx.Tenant(tenant), logx.String("id", id))
	if c.deps.OnDeleted != nil {
		c.deps.OnDeleted(ctx, tenant, rec)
	}
}

func (c *Correlator) handleResend(ctx context.Context, tenant string, msg *transport.Message, p *transport.ProtocolMessage) {
	for _, r := range p.Results {
		if r.WebMessageInfoBytes == "" {
			continue
		}
		decoded, err := DecodeResend(r.WebMessageInfoBytes)
		if err != nil {
			c.log.Debug("resend decode failed", logx.Tenant(tenant), logx.Err(err))
			continue
		}
		id := decoded.Key.ID
		if id == "" {
			id = msg.Key.ID
		}
		if decoded.Key.RemoteJID == "" {
			decoded.Key.RemoteJID = msg.Key.RemoteJID
		}
		if decoded.Timestamp == 0 {
			decoded.Timestamp = msg.Timestamp
		}
		text := decoded.Content.Text()
		c.dispatch(ctx, tenant, id, text, decoded.Key, decoded.Timestamp, pipeline.SourceResend)
	}
}

func (c *Correlator) handleSignal(ctx context.Context, tenant string, msg *transport.Message) {
	if c.cfg.SignalDelay > 0 {
		t := time.NewTimer(c.cfg.SignalDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	ts := msg.Timestamp
	if ts == 0 {
		ts = c.now().Unix()
	}
	rec, ok := c.Nearest(ctx, tenant, msg.Key.Sender(), ts)
	if !ok || rec.Content == "" {
		return
	}
	key := transport.MessageKey{RemoteJID: rec.Conversation, ID: rec.ID, FromMe: rec.FromMe}
	if rec.Sender != rec.Conversation {
		key.Participant = rec.Sender
	}
	c.dispatch(ctx, tenant, rec.ID, rec.Content, key, rec.Timestamp, pipeline.SourceResend)
}

// Nearest returns the record of sender closest to ts, searching within
// NearWindow, then WideWindow, then the RecentLimit newest records.
func (c *Correlator) Nearest(ctx context.Context, tenant, sender string, ts int64) (storage.Record, bool) {
	strategies := []storage.SenderQuery{
		{From: ts - int64(c.cfg.NearWindow/time.Second), To: ts + int64(c.cfg.NearWindow/time.Second)},
		{From: ts - int64(c.cfg.WideWindow/time.Second), To: ts + int64(c.cfg.WideWindow/time.Second)},
		{Limit: c.cfg.RecentLimit},
	}
	for _, q := range strategies {
		q.Session, q.Sender = tenant, sender
		if rec, ok := closest(c.store.BySender(ctx, q), ts); ok {
			return rec, true
		}
	}
	return storage.Record{}, false
}

func closest(recs []storage.Record, ts int64) (storage.Record, bool) {
	var (
		best  storage.Record
		delta int64 = math.MaxInt64
		found bool
	)
	for _, r := range recs {
		d := r.Timestamp - ts
		if d < 0 {
			d = -d
		}
		if d < delta {
			best, delta, found = r, d, true
		}
	}
	return best, found
}

func (c *Correlator) dispatch(ctx context.Context, tenant, id, text string, key transport.MessageKey, ts int64, src pipeline.Source) {
	s := c.settings(tenant)
	cmd, ok := pipeline.Parse(text, s.Prefix)
	if !ok {
		return
	}
	if !pipeline.MayInterpret(s, key.FromMe, key.Sender()) {
		return
	}
	if c.commands.addIfAbsent(tenantKey(tenant, id), c.now()) {
		c.log.Debug("command already processed", logx.Tenant(tenant), logx.String("id", id))
		return
	}
	cmd.Tenant = tenant
	cmd.ID = id
	cmd.Conversation = key.RemoteJID
	cmd.Sender = key.Sender()
	cmd.FromMe = key.FromMe
	cmd.Timestamp = ts
	cmd.Source = src
	c.log.Info("recovered command", logx.Tenant(tenant), logx.String("id", id), logx.String("command", cmd.Name))
	if c.deps.OnCommand != nil {
		c.deps.OnCommand(ctx, cmd)
	}
}

func (c *Correlator) settings(tenant string) settings.Settings {
	if c.deps.Settings == nil {
		return settings.Defaults()
	}
	return c.deps.Settings(tenant)
}

// Close waits for pending proximity lookups to stop.
func (c *Correlator) Close(ctx context.Context) error {
	return c.sup.Stop(ctx)
}

// ttlSet is a bounded set of ids with per-entry expiry. Cleanup runs at most
// every cleanupEvery, or immediately once the cap is exceeded, evicting the
// oldest entries first.
type ttlSet struct {
	ttl          time.Duration
	max          int
	cleanupEvery time.Duration

	mu          sync.Mutex
	entries     map[string]time.Time
	lastCleanup time.Time
}

func newTTLSet(ttl time.Duration, max int, cleanupEvery time.Duration) *ttlSet {
	return &ttlSet{ttl: ttl, max: max, cleanupEvery: cleanupEvery, entries: map[string]time.Time{}}
}

func (s *ttlSet) has(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.entries[id]
	return ok && now.Sub(at) <= s.ttl
}

func (s *ttlSet) add(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = now
	s.cleanupLocked(now)
}

// addIfAbsent records id and reports whether it was already present.
func (s *ttlSet) addIfAbsent(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.entries[id]; ok && now.Sub(at) <= s.ttl {
		return true
	}
	s.entries[id] = now
	s.cleanupLocked(now)
	return false
}

func (s *ttlSet) cleanupLocked(now time.Time) {
	if len(s.entries) <= s.max && now.Sub(s.lastCleanup) < s.cleanupEvery {
		return
	}
	s.lastCleanup = now
	for id, at := range s.entries {
		if now.Sub(at) > s.ttl {
			delete(s.entries, id)
		}
	}
	for len(s.entries) > s.max {
		var (
			oldestID string
			oldestAt time.Time
		)
		for id, at := range s.entries {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		delete(s.entries, oldestID)
	}
}

func (s *ttlSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
