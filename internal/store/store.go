package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pewbridge/internal/eventbus"
	"pewbridge/internal/observability/metrics"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/storage"
	logx "pewbridge/pkg/logx"
)

// Config tunes the store. Zero values take defaults.
type Config struct {
	ProbeInterval   time.Duration // background probe (default 30s)
	ProbeThrottle   time.Duration // minimum gap between probes (default 5s)
	RetryAfter      time.Duration // wait after a failed migration (default 2m)
	CleanupInterval time.Duration // tombstone cleanup (default 2m)
	TombstoneTTL    time.Duration // memory tombstone lifetime (default 24h)
	WriteTimeout    time.Duration // per durable call (default 3s)
	MaxBuffered     int           // default 10000
	MaxPending      int           // default 5000
	MaxTombstones   int           // pending tombstones kept for flush (default 500)
	BatchSize       int           // migration batch (default 500)
	LoadLimit       int           // memory Load cap (default 2000)
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeThrottle <= 0 {
		c.ProbeThrottle = 5 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 2 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 2 * time.Minute
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 24 * time.Hour
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 5000
	}
	if c.MaxTombstones <= 0 {
		c.MaxTombstones = 500
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.LoadLimit <= 0 {
		c.LoadLimit = 2000
	}
	return c
}

// Stats is a point-in-time view for status reporting.
type Stats struct {
	Healthy    bool
	Durable    bool
	Buffered   int
	Pending    int
	Tombstones int
	Evicted    uint64
	Migrated   uint64
	LastProbe  time.Time
	LastError  string
}

// Store persists message records in the durable backend and falls back to
// memory while it is unreachable. Writes never fail from the caller's view.
//
// It is safe for concurrent use.
type Store struct {
	cfg     Config
	backend storage.Backend
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	healthy atomic.Bool

	mu      sync.Mutex
	mem     *memoryBuffer
	lastErr string

	probeMu   sync.Mutex // serializes probes and migrations
	lastProbe time.Time
	retryAt   time.Time
	migrated  atomic.Uint64
	kick      chan struct{}
	forceNext atomic.Bool

	lifecycle sync.Mutex
	sup       *rtsup.Supervisor
	cron      *cron.Cron
}

// New returns a store over backend. A nil backend keeps everything in memory.
func New(cfg Config, backend storage.Backend, log logx.Logger, bus eventbus.Bus) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:     cfg,
		backend: backend,
		log:     log.With(logx.String("comp", "store")),
		bus:     bus,
		now:     time.Now,
		mem:     newMemoryBuffer(cfg.MaxBuffered, cfg.MaxPending, cfg.MaxTombstones),
		kick:    make(chan struct{}, 1),
	}
	if backend != nil {
		s.healthy.Store(true)
	}
	metrics.StoreHealthy(s.healthy.Load())
	return s
}

// Start runs the background probe and cleanup schedule.
func (s *Store) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.sup != nil {
		return
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.cron.Schedule(cron.Every(s.cfg.ProbeInterval), cron.FuncJob(func() {
		s.requestProbe(false)
	}))
	s.cron.Schedule(cron.Every(s.cfg.CleanupInterval), cron.FuncJob(func() {
		s.Cleanup(sup.Context())
	}))
	s.cron.Start()

	sup.GoRestart("store.probe", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.kick:
				s.CheckHealth(ctx, s.forceNext.Swap(false))
			}
		}
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

// Stop halts background work. Buffered records stay in memory.
func (s *Store) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	sup, c := s.sup, s.cron
	s.sup, s.cron = nil, nil
	s.lifecycle.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// requestProbe wakes the probe loop. A forced request skips the throttle
// and is kept until the loop runs, even when coalesced with unforced ones.
func (s *Store) requestProbe(force bool) {
	if force {
		s.forceNext.Store(true)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Healthy reports the current health flag.
func (s *Store) Healthy() bool { return s.healthy.Load() }

// CheckHealth probes the backend. Without force the probe is skipped when
// the previous one ran less than ProbeThrottle ago, or while a failed
// migration waits out RetryAfter. A successful probe after a failure
// migrates the memory buffer.
func (s *Store) CheckHealth(ctx context.Context, force bool) bool {
	if s.backend == nil {
		return false
	}
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	now := s.now()
	if !force {
		if now.Sub(s.lastProbe) < s.cfg.ProbeThrottle {
			return s.healthy.Load()
		}
		if !s.healthy.Load() && now.Before(s.retryAt) {
			return false
		}
	}
	s.lastProbe = now

	pctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err := s.backend.Ping(pctx)
	cancel()
	if err != nil {
		s.setHealthy(false, err)
		return false
	}

	wasHealthy := s.healthy.Load()
	if !wasHealthy || s.hasPending() {
		if err := s.migrate(ctx); err != nil {
			s.retryAt = s.now().Add(s.cfg.RetryAfter)
			s.setHealthy(false, err)
			return false
		}
	}
	s.setHealthy(true, nil)
	return true
}

func (s *Store) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.pendingOrder.Len() > 0 || len(s.mem.pendingTomb) > 0
}

func (s *Store) setHealthy(ok bool, err error) {
	prev := s.healthy.Swap(ok)
	s.mu.Lock()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()
	metrics.StoreHealthy(ok)
	if prev == ok {
		return
	}
	if ok {
		s.log.Info("durable backend healthy")
	} else {
		s.log.Warn("durable backend unhealthy, buffering in memory", logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.StoreHealth, Data: map[string]any{"healthy": ok}})
	}
}

// migrate moves pending records and tombstones into the backend.
// Upserts make replays harmless.
func (s *Store) migrate(ctx context.Context) error {
	total := 0
	for {
		s.mu.Lock()
		batch := s.mem.pendingBatch(s.cfg.BatchSize)
		s.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		_, err := s.backend.SaveMessages(wctx, batch)
		cancel()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.mem.migrated(batch)
		s.mu.Unlock()
		total += len(batch)
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	s.mu.Lock()
	tombs := s.mem.takeTombstones()
	s.mu.Unlock()
	if len(tombs) > 0 {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := s.backend.PutTombstones(wctx, tombs)
		cancel()
		if err != nil {
			s.mu.Lock()
			s.mem.restoreTombstones(tombs)
			s.mu.Unlock()
			return err
		}
	}

	if total > 0 || len(tombs) > 0 {
		s.migrated.Add(uint64(total))
		metrics.StoreMigrated(total)
		s.log.Info("memory buffer migrated",
			logx.Int("records", total), logx.Int("tombstones", len(tombs)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.StoreMigrated, Data: map[string]any{
				"records": total, "tombstones": len(tombs),
			}})
		}
	}
	return nil
}

// Save persists recs. Durable failures divert the records to memory.
func (s *Store) Save(ctx context.Context, recs ...storage.Record) {
	if len(recs) == 0 {
		return
	}
	s.mu.Lock()
	live := recs[:0:0]
	for _, r := range recs {
		if !s.mem.tombstoned(r.Key()) {
			live = append(live, r)
		}
	}
	s.mu.Unlock()
	if len(live) == 0 {
		return
	}

	failed := false
	if s.healthy.Load() {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		_, err := s.backend.SaveMessages(wctx, live)
		cancel()
		if err == nil {
			return
		}
		s.setHealthy(false, err)
		failed = true
	}

	s.mu.Lock()
	for _, r := range live {
		if s.mem.put(r) {
			metrics.StoreFallbackWrite()
		}
	}
	s.mu.Unlock()
	// buffered first so the probe's migration sees these records
	s.requestProbe(failed)
}

// Load returns recent records, one per message id, newest first.
func (s *Store) Load(ctx context.Context) []storage.Record {
	var durable []storage.Record
	if s.healthy.Load() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		recs, err := s.backend.LoadMessages(rctx)
		cancel()
		if err != nil {
			s.setHealthy(false, err)
			s.requestProbe(true)
		} else {
			durable = recs
		}
	}
	s.mu.Lock()
	mem := s.mem.newest(s.cfg.LoadLimit)
	s.mu.Unlock()
	if len(durable) == 0 {
		return mem
	}
	return mergeNewest(durable, mem, s.cfg.LoadLimit)
}

// Find returns the newest record with id, scoped to session when non-empty.
func (s *Store) Find(ctx context.Context, id, session string) (storage.Record, bool) {
	s.mu.Lock()
	r, ok := s.mem.find(id, session)
	s.mu.Unlock()
	if ok || !s.healthy.Load() {
		return r, ok
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	r, err := s.backend.FindMessage(rctx, id, session)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.setHealthy(false, err)
			s.requestProbe(true)
		}
		return storage.Record{}, false
	}
	return r, true
}

// Delete removes the records matching id (and session when non-empty) and
// returns them marked deleted. Later writes for those keys are suppressed.
func (s *Store) Delete(ctx context.Context, id, session string) []storage.Record {
	if id == "" {
		return nil
	}
	now := s.now()
	if s.healthy.Load() {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		deleted, err := s.backend.DeleteMessages(dctx, id, session)
		cancel()
		if err == nil {
			s.mu.Lock()
			for _, r := range deleted {
				s.mem.markTombstone(r.Key(), now)
			}
			memDeleted := s.mem.tombstone(id, session, now, false)
			s.mu.Unlock()
			return mergeDeleted(deleted, memDeleted)
		}
		s.setHealthy(false, err)
		defer s.requestProbe(true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.tombstone(id, session, now, true)
}

// BySender returns a sender's records newest first.
func (s *Store) BySender(ctx context.Context, q storage.SenderQuery) []storage.Record {
	s.mu.Lock()
	mem := s.mem.bySender(q)
	s.mu.Unlock()
	if !s.healthy.Load() {
		return mem
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	durable, err := s.backend.MessagesBySender(rctx, q)
	cancel()
	if err != nil {
		s.setHealthy(false, err)
		s.requestProbe(true)
		return mem
	}
	return mergeByKey(durable, mem, q.Limit)
}

// Renumber compacts the durable ordering column.
func (s *Store) Renumber(ctx context.Context) {
	if !s.healthy.Load() {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.backend.Renumber(rctx); err != nil {
		s.log.Warn("renumber failed", logx.Err(err))
	}
}

// Cleanup drops expired memory tombstones and, when healthy, expired durable
// tombstones.
func (s *Store) Cleanup(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.TombstoneTTL)
	s.mu.Lock()
	n := s.mem.pruneTombs(cutoff)
	s.mu.Unlock()
	if n > 0 {
		s.log.Debug("memory tombstones pruned", logx.Int("count", n))
	}
	if !s.healthy.Load() {
		s.requestProbe(false)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if _, err := s.backend.PruneTombstones(cctx, cutoff.UnixMilli()); err != nil {
		s.log.Warn("tombstone prune failed", logx.Err(err))
	}
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Buffered:   len(s.mem.data),
		Pending:    s.mem.pendingOrder.Len(),
		Tombstones: len(s.mem.tombs),
		Evicted:    s.mem.evicted,
		LastError:  s.lastErr,
	}
	s.mu.Unlock()
	s.probeMu.Lock()
	st.LastProbe = s.lastProbe
	s.probeMu.Unlock()
	st.Healthy = s.healthy.Load()
	st.Durable = s.backend != nil
	st.Migrated = s.migrated.Load()
	return st
}

func mergeNewest(a, b []storage.Record, limit int) []storage.Record {
	out := make([]storage.Record, 0, len(a)+len(b))
	out = append(out, b...)
	out = append(out, a...)
	sortNewestFirst(out)
	seen := make(map[string]struct{}, len(out))
	res := out[:0]
	for _, r := range out {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		res = append(res, r)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res
}

func mergeByKey(a, b []storage.Record, limit int) []storage.Record {
	out := make([]storage.Record, 0, len(a)+len(b))
	seen := make(map[storage.Key]struct{}, len(a)+len(b))
	for _, r := range append(b, a...) {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func mergeDeleted(a, b []storage.Record) []storage.Record {
	if len(b) == 0 {
		return a
	}
	return mergeByKey(a, b, 0)
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
