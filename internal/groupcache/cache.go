package groupcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewbridge/internal/dispatch"
	"pewbridge/internal/eventbus"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

// Fetcher is the part of a transport connection the cache reads from.
type Fetcher interface {
	FetchCollection(ctx context.Context, id string) (*transport.CollectionMetadata, error)
	FetchAllCollections(ctx context.Context) (map[string]*transport.CollectionMetadata, error)
}

// Config holds refresh timings. Zero values take defaults.
type Config struct {
	RefreshSpec        string        // cron spec, default "@every 8m"
	Cooldown           time.Duration // default 7m
	InitialDelay       time.Duration // default 10s
	InitialKeyInterval time.Duration // default 8s
	RefreshKeyInterval time.Duration // default 25s
	MetadataInterval   time.Duration // single collection fetch spacing, default 3s
	MembershipTTL      time.Duration // default 3m
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RefreshSpec) == "" {
		c.RefreshSpec = "@every 8m"
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 7 * time.Minute
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Second
	}
	if c.InitialKeyInterval <= 0 {
		c.InitialKeyInterval = 8 * time.Second
	}
	if c.RefreshKeyInterval <= 0 {
		c.RefreshKeyInterval = 25 * time.Second
	}
	if c.MetadataInterval <= 0 {
		c.MetadataInterval = 3 * time.Second
	}
	if c.MembershipTTL <= 0 {
		c.MembershipTTL = 3 * time.Minute
	}
	return c
}

// Change is one detected difference after a refresh.
type Change struct {
	Tenant  string
	ID      string
	New     bool
	Removed bool
	Details []string
}

type entry struct {
	meta      *transport.CollectionMetadata
	refreshed time.Time
}

type memberKey struct{ group, user string }

type memberEntry struct {
	member bool
	at     time.Time
}

type tenantCache struct {
	fetcher     Fetcher
	disp        *dispatch.Dispatcher
	entries     map[string]entry
	members     map[memberKey]memberEntry
	lastRefresh time.Time
	cronID      cron.EntryID
	stopInitial func() bool
	gen         uint64
}

// Cache holds collection metadata per tenant and refreshes it on a schedule.
//
// It is safe for concurrent use.
type Cache struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
	sup  *rtsup.Supervisor
	cron *cron.Cron

	mu      sync.Mutex
	tenants map[string]*tenantCache
}

// New returns a cache whose timers derive from ctx. Call Stop to end them.
func New(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus) *Cache {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "groupcache"))
	c := &Cache{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		now:     time.Now,
		sup:     rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		tenants: map[string]*tenantCache{},
	}
	c.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})))
	c.cron.Start()
	return c
}

// Register starts caching for tenant: one full fetch after InitialDelay and a
// refresh on every RefreshSpec tick. Registering again replaces the fetcher
// and restarts the schedule, keeping cached entries.
func (c *Cache) Register(tenant string, f Fetcher, d *dispatch.Dispatcher) error {
	if f == nil || d == nil {
		return fmt.Errorf("groupcache: register %s: fetcher and dispatcher required", tenant)
	}
	c.mu.Lock()
	tc := c.tenants[tenant]
	if tc == nil {
		tc = &tenantCache{entries: map[string]entry{}, members: map[memberKey]memberEntry{}}
		c.tenants[tenant] = tc
	}
	c.unschedule(tc)
	tc.fetcher, tc.disp = f, d
	tc.gen++
	gen := tc.gen
	c.mu.Unlock()

	id, err := c.cron.AddFunc(c.cfg.RefreshSpec, func() {
		if _, err := c.Refresh(c.sup.Context(), tenant, false); err != nil {
			c.log.Warn("group refresh failed", logx.Tenant(tenant), logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("groupcache: schedule %q: %w", c.cfg.RefreshSpec, err)
	}
	stop := c.sup.GoAfter("groups.initial."+tenant, c.cfg.InitialDelay, func(ctx context.Context) error {
		if err := c.initialFetch(ctx, tenant); err != nil {
			c.log.Warn("initial group fetch failed", logx.Tenant(tenant), logx.Err(err))
		}
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.tenants[tenant]; cur != tc || cur.gen != gen {
		c.cron.Remove(id)
		stop()
		return nil
	}
	tc.cronID, tc.stopInitial = id, stop
	return nil
}

func (c *Cache) unschedule(tc *tenantCache) {
	if tc.cronID != 0 {
		c.cron.Remove(tc.cronID)
		tc.cronID = 0
	}
	if tc.stopInitial != nil {
		tc.stopInitial()
		tc.stopInitial = nil
	}
}

func (c *Cache) tenant(tenant string) (*tenantCache, Fetcher, *dispatch.Dispatcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.tenants[tenant]
	if tc == nil || tc.fetcher == nil {
		return nil, nil, nil, false
	}
	return tc, tc.fetcher, tc.disp, true
}

func (c *Cache) initialFetch(ctx context.Context, tenant string) error {
	_, f, d, ok := c.tenant(tenant)
	if !ok {
		return nil
	}
	groups, err := dispatch.Call(ctx, d, fetchAllKey(tenant), c.cfg.InitialKeyInterval, f.FetchAllCollections)
	if err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.tenants[tenant]
	if tc == nil {
		return nil
	}
	for id, g := range groups {
		if g != nil {
			tc.entries[id] = entry{meta: clone(g), refreshed: now}
		}
	}
	tc.lastRefresh = now
	c.log.Info("group cache primed", logx.Tenant(tenant), logx.Int("groups", len(tc.entries)))
	return nil
}

func fetchAllKey(tenant string) string { return "groupFetchAllParticipating_" + tenant }

// Refresh fetches every collection of tenant and diffs it against the cache.
// Without force the call is skipped while the tenant is inside Cooldown of
// the previous refresh. Collections no longer returned are evicted.
func (c *Cache) Refresh(ctx context.Context, tenant string, force bool) ([]Change, error) {
	tc, f, d, ok := c.tenant(tenant)
	if !ok {
		return nil, nil
	}
	now := c.now()
	c.mu.Lock()
	if !force && !tc.lastRefresh.IsZero() && now.Sub(tc.lastRefresh) < c.cfg.Cooldown {
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()

	groups, err := dispatch.Call(ctx, d, fetchAllKey(tenant), c.cfg.RefreshKeyInterval, f.FetchAllCollections)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		return nil, nil
	}

	c.mu.Lock()
	if c.tenants[tenant] != tc {
		c.mu.Unlock()
		return nil, nil
	}
	tc.lastRefresh = now
	c.mu.Unlock()

	ids := make([]string, 0, len(groups))
	for id, g := range groups {
		if g != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var changes []Change
	for _, id := range ids {
		if ch, ok := c.apply(tc, tenant, id, groups[id], now); ok {
			changes = append(changes, ch)
		}
	}

	c.mu.Lock()
	var removed []string
	for id := range tc.entries {
		if g, ok := groups[id]; !ok || g == nil {
			removed = append(removed, id)
			delete(tc.entries, id)
		}
	}
	c.mu.Unlock()
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, Change{Tenant: tenant, ID: id, Removed: true})
		c.publish(eventbus.GroupRemoved, tenant, map[string]any{"id": id})
	}

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	if len(changes) > 0 {
		c.log.Info("group refresh found changes", logx.Tenant(tenant), logx.Int("changes", len(changes)))
	}
	return changes, nil
}

func (c *Cache) apply(tc *tenantCache, tenant, id string, g *transport.CollectionMetadata, now time.Time) (Change, bool) {
	c.mu.Lock()
	old, had := tc.entries[id]
	tc.entries[id] = entry{meta: clone(g), refreshed: now}
	c.mu.Unlock()

	ch := Change{Tenant: tenant, ID: id}
	if !had {
		ch.New = true
		ch.Details = []string{"new group"}
	} else {
		ch.Details = diff(old.meta, g)
	}
	if len(ch.Details) == 0 {
		return Change{}, false
	}
	c.publish(eventbus.GroupChanged, tenant, map[string]any{"id": id, "changes": ch.Details})
	return ch, true
}

// diff compares the tracked fields: subject, member count and description.
func diff(old, cur *transport.CollectionMetadata) []string {
	var out []string
	if old.Subject != cur.Subject {
		out = append(out, fmt.Sprintf("name: %q -> %q", old.Subject, cur.Subject))
	}
	if len(old.Participants) != len(cur.Participants) {
		out = append(out, fmt.Sprintf("members: %d -> %d", len(old.Participants), len(cur.Participants)))
	}
	if old.Desc != cur.Desc {
		out = append(out, "description updated")
	}
	return out
}

// Get returns a copy of the cached metadata.
func (c *Cache) Get(tenant, id string) (*transport.CollectionMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.tenants[tenant]
	if tc == nil {
		return nil, false
	}
	e, ok := tc.entries[id]
	if !ok {
		return nil, false
	}
	return clone(e.meta), true
}

// Set stores metadata for tenant, e.g. from a groups.update event.
func (c *Cache) Set(tenant string, meta *transport.CollectionMetadata) {
	if meta == nil || meta.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.tenants[tenant]
	if tc == nil {
		tc = &tenantCache{entries: map[string]entry{}, members: map[memberKey]memberEntry{}}
		c.tenants[tenant] = tc
	}
	tc.entries[meta.ID] = entry{meta: clone(meta), refreshed: c.now()}
	for k := range tc.members {
		if k.group == meta.ID {
			delete(tc.members, k)
		}
	}
}

// Len returns the number of cached collections for tenant.
func (c *Cache) Len(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc := c.tenants[tenant]; tc != nil {
		return len(tc.entries)
	}
	return 0
}

// IsMember reports whether user belongs to group. Answers are cached for
// MembershipTTL; a miss fetches the collection through the dispatcher.
func (c *Cache) IsMember(ctx context.Context, tenant, group, user string) (bool, error) {
	key := memberKey{group: group, user: user}
	now := c.now()
	c.mu.Lock()
	tc := c.tenants[tenant]
	if tc == nil || tc.fetcher == nil {
		c.mu.Unlock()
		return false, fmt.Errorf("groupcache: tenant %s not registered", tenant)
	}
	if m, ok := tc.members[key]; ok && now.Sub(m.at) < c.cfg.MembershipTTL {
		c.mu.Unlock()
		return m.member, nil
	}
	f, d := tc.fetcher, tc.disp
	c.mu.Unlock()

	meta, err := dispatch.Call(ctx, d, "groupMetadata_"+group, c.cfg.MetadataInterval,
		func(ctx context.Context) (*transport.CollectionMetadata, error) {
			return f.FetchCollection(ctx, group)
		})
	if err != nil {
		return false, err
	}
	member := false
	for _, p := range meta.Participants {
		if p.ID == user {
			member = true
			break
		}
	}

	c.mu.Lock()
	if cur := c.tenants[tenant]; cur == tc {
		tc.members[key] = memberEntry{member: member, at: now}
		tc.entries[group] = entry{meta: clone(meta), refreshed: now}
	}
	c.mu.Unlock()
	return member, nil
}

// Remove drops tenant's cache and stops its refresh schedule.
func (c *Cache) Remove(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.tenants[tenant]
	if tc == nil {
		return
	}
	c.unschedule(tc)
	delete(c.tenants, tenant)
}

// Tenants returns the tenants with an active cache.
func (c *Cache) Tenants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tenants))
	for t := range c.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stop ends every schedule and waits for running refreshes.
func (c *Cache) Stop(ctx context.Context) error {
	cctx := c.cron.Stop()
	err := c.sup.Stop(ctx)
	select {
	case <-cctx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *Cache) publish(typ, tenant string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Tenant: tenant, Time: c.now(), Data: data})
}

func clone(m *transport.CollectionMetadata) *transport.CollectionMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Participants = append([]transport.Participant(nil), m.Participants...)
	return &out
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
