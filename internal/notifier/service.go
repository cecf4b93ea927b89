package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cp "pewbridge/internal/controlplane"
	"pewbridge/internal/eventbus"
	rtsup "pewbridge/internal/runtime/supervisor"
	logx "pewbridge/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// run is one Start..Stop cycle. Notify holds inflight while it enqueues so
// Stop can close queue without racing a send.
type run struct {
	queue    chan cp.Notification
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup
	closing  bool
	done     chan struct{}
}

// Service queues notifications and delivers them with a worker pool. It is
// safe for concurrent use; Start and Stop may be called repeatedly.
type Service struct {
	log     logx.Logger
	adapter cp.Adapter
	bus     eventbus.Bus
	seen    *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *run
}

func New(cfg Config, adapter cp.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		seen:    newSuppressor(),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Workers and queue size apply
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) settings() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the workers. It is a no-op when disabled or running, and
// waits for a Stop in progress to finish first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if r := s.cur; r != nil && r.closing {
		s.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	r := &run{
		queue: make(chan cp.Notification, s.cfg.QueueSize),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		done:  make(chan struct{}),
	}
	s.cur = r
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		r.sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			s.work(c, r.queue)
			if c.Err() != nil || s.isClosing(r) {
				return context.Canceled
			}
			return errors.New("worker exited")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

func (s *Service) isClosing(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.closing
}

// Stop refuses new notifications and drains the queue. If ctx ends first the
// workers are cancelled and the rest of the queue is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := !r.closing
	r.closing = true
	s.mu.Unlock()

	if first {
		go func() {
			r.inflight.Wait()
			close(r.queue)
			_ = r.sup.Wait(context.Background())
			s.mu.Lock()
			s.cur = nil
			s.mu.Unlock()
			close(r.done)
		}()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

// Notify queues n. A repeat of a notification still inside the dedup window
// is dropped and reported as success.
func (s *Service) Notify(ctx context.Context, n cp.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, r := s.cfg, s.cur
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil || r.closing:
		s.mu.Unlock()
		return ErrStopped
	}
	r.inflight.Add(1)
	s.mu.Unlock()
	defer r.inflight.Done()

	if cfg.DedupWindow > 0 && !s.seen.allow(suppressKey(n), cfg.DedupWindow, cfg.DedupMaxEntries, time.Now()) {
		s.publish(eventbus.NotifierDeduped, n, 0, nil)
		return nil
	}
	select {
	case r.queue <- n:
		s.publish(eventbus.NotifierQueued, n, 0, nil)
		return nil
	default:
		s.publish(eventbus.NotifierDropped, n, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, n cp.Notification, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := Event{Tenant: n.Tenant, Kind: n.Kind, ChatID: n.Target.ChatID, Attempts: attempts, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Tenant: n.Tenant, Time: now, Data: ev})
}
