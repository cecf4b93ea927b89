package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pewbridge/internal/observability/metrics"
	rtsup "pewbridge/internal/runtime/supervisor"
	"pewbridge/internal/transport"
	logx "pewbridge/pkg/logx"
)

var (
	// ErrClosed is returned once the dispatcher is closed.
	ErrClosed = errors.New("dispatcher closed")
	// ErrRateLimited wraps the callee error when the single backoff retry was
	// rate limited as well.
	ErrRateLimited = errors.New("rate limited after backoff")
)

// Config holds the dispatcher timings. Zero values take defaults.
type Config struct {
	GlobalInterval    time.Duration // spacing across all keys (default 1s)
	FastTrackInterval time.Duration // spacing of the fast path (default 500ms)
	MaxInterval       time.Duration // backoff cap per key (default 60s)
	QueueKeyInterval  time.Duration // key spacing for queued entries (default 2s)
	QueueGap          time.Duration // pause after each queued entry (default 1s)
}

func (c Config) withDefaults() Config {
	if c.GlobalInterval <= 0 {
		c.GlobalInterval = time.Second
	}
	if c.FastTrackInterval <= 0 {
		c.FastTrackInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60 * time.Second
	}
	if c.QueueKeyInterval <= 0 {
		c.QueueKeyInterval = 2 * time.Second
	}
	if c.QueueGap <= 0 {
		c.QueueGap = time.Second
	}
	return c
}

// ledgerEntry is the per-key spacing state. interval only grows.
type ledgerEntry struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

// Dispatcher serializes transport calls per key with a global spacing on top.
// One Dispatcher serves one tenant, so a tenant's backoff never delays another.
//
// It is safe for concurrent use.
type Dispatcher struct {
	cfg Config
	log logx.Logger

	global *rate.Limiter
	fast   *rate.Limiter

	lmu    sync.Mutex
	ledger map[string]*ledgerEntry

	qmu        sync.Mutex
	queues     map[string][]Thunk
	processing map[string]bool

	sup    *rtsup.Supervisor
	closed chan struct{}
	once   sync.Once
}

// Thunk is a deferred transport call.
type Thunk func(ctx context.Context) error

// New returns a dispatcher. Queue workers run until Close or ctx ends.
func New(ctx context.Context, cfg Config, log logx.Logger) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "dispatch"))
	return &Dispatcher{
		cfg:        cfg,
		log:        log,
		global:     rate.NewLimiter(rate.Every(cfg.GlobalInterval), 1),
		fast:       rate.NewLimiter(rate.Every(cfg.FastTrackInterval), 1),
		ledger:     map[string]*ledgerEntry{},
		queues:     map[string][]Thunk{},
		processing: map[string]bool{},
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(log),
			rtsup.WithCancelOnError(false),
		),
		closed: make(chan struct{}),
	}
}

func (d *Dispatcher) entry(key string, minInterval time.Duration) *ledgerEntry {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	e := d.ledger[key]
	if e == nil {
		e = &ledgerEntry{
			interval: minInterval,
			limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		}
		d.ledger[key] = e
	}
	return e
}

// effective raises the key interval to at least minInterval and returns it.
func (e *ledgerEntry) effective(minInterval time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if minInterval > e.interval {
		e.interval = minInterval
		e.limiter.SetLimit(rate.Every(minInterval))
	}
	return e.interval
}

func (e *ledgerEntry) grow(floor, maxInterval time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.interval * 2
	if next < floor {
		next = floor
	}
	if next > maxInterval {
		next = maxInterval
	}
	e.interval = next
	e.limiter.SetLimit(rate.Every(next))
	return next
}

// Interval returns the current minimum interval for key, or 0 if the key was
// never used.
func (d *Dispatcher) Interval(key string) time.Duration {
	d.lmu.Lock()
	e := d.ledger[key]
	d.lmu.Unlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Invoke runs fn once key admits it. A rate-limit signal doubles the key
// interval, sleeps for it and retries exactly once.
func (d *Dispatcher) Invoke(ctx context.Context, key string, minInterval time.Duration, fn Thunk) error {
	if fn == nil {
		return errors.New("dispatch: nil thunk")
	}
	err := d.invokeOnce(ctx, key, minInterval, fn)
	if err == nil || !transport.IsRateLimited(err) {
		return err
	}

	e := d.entry(key, minInterval)
	backoff := e.grow(d.cfg.GlobalInterval, d.cfg.MaxInterval)
	metrics.DispatchBackoff()
	d.log.Warn("rate limit hit, backing off",
		logx.String("key", key), logx.Duration("interval", backoff))
	if err := d.sleep(ctx, backoff); err != nil {
		return err
	}

	err = d.invokeOnce(ctx, key, backoff, fn)
	if err != nil && transport.IsRateLimited(err) {
		metrics.DispatchInvocation("rate_limited")
		return fmt.Errorf("%w: %s: %w", ErrRateLimited, key, err)
	}
	return err
}

func (d *Dispatcher) invokeOnce(ctx context.Context, key string, minInterval time.Duration, fn Thunk) error {
	if d.isClosed() {
		return ErrClosed
	}
	e := d.entry(key, minInterval)
	wait := e.effective(minInterval)
	if wait > 0 {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := d.global.Wait(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		metrics.DispatchInvocation("ok")
	case transport.IsRateLimited(err):
		metrics.DispatchInvocation("backoff")
	default:
		metrics.DispatchInvocation("error")
	}
	return err
}

// Call is Invoke for thunks that produce a value.
func Call[T any](ctx context.Context, d *Dispatcher, key string, minInterval time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := d.Invoke(ctx, key, minInterval, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// FastTrack runs fn under the fast-path spacing only. It reports whether fn
// succeeded; failures are logged, not returned.
func (d *Dispatcher) FastTrack(ctx context.Context, fn Thunk) bool {
	if d.isClosed() || fn == nil {
		return false
	}
	if err := d.fast.Wait(ctx); err != nil {
		return false
	}
	if err := fn(ctx); err != nil {
		d.log.Warn("fast track call failed", logx.Err(err))
		metrics.DispatchInvocation("fast_error")
		return false
	}
	metrics.DispatchInvocation("fast_ok")
	return true
}

// Send tries the fast path and falls back to the conversation queue.
func (d *Dispatcher) Send(ctx context.Context, conversation string, fn Thunk, highPriority bool) {
	if d.FastTrack(ctx, fn) {
		return
	}
	d.Enqueue(conversation, fn, highPriority)
}

// Enqueue appends fn to the conversation FIFO, or puts it at the front when
// highPriority is set. Entries run one at a time under key
// "queue_<conversation>".
func (d *Dispatcher) Enqueue(conversation string, fn Thunk, highPriority bool) {
	if fn == nil || d.isClosed() {
		return
	}
	d.qmu.Lock()
	q := d.queues[conversation]
	if highPriority {
		q = append([]Thunk{fn}, q...)
	} else {
		q = append(q, fn)
	}
	d.queues[conversation] = q
	start := !d.processing[conversation]
	if start {
		d.processing[conversation] = true
	}
	d.qmu.Unlock()
	metrics.DispatchQueueDelta(1)

	if start {
		d.sup.Go0("queue."+conversation, func(ctx context.Context) {
			d.drain(ctx, conversation)
		})
	}
}

func (d *Dispatcher) next(conversation string) (Thunk, bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	q := d.queues[conversation]
	if len(q) == 0 {
		delete(d.processing, conversation)
		delete(d.queues, conversation)
		return nil, false
	}
	fn := q[0]
	q[0] = nil
	d.queues[conversation] = q[1:]
	return fn, true
}

func (d *Dispatcher) drain(ctx context.Context, conversation string) {
	key := "queue_" + conversation
	for {
		fn, ok := d.next(conversation)
		if !ok {
			return
		}
		metrics.DispatchQueueDelta(-1)
		if err := d.Invoke(ctx, key, d.cfg.QueueKeyInterval, fn); err != nil {
			d.log.Warn("queued call failed",
				logx.String("conversation", conversation), logx.Err(err))
		}
		if err := d.sleep(ctx, d.cfg.QueueGap); err != nil {
			d.qmu.Lock()
			n := len(d.queues[conversation])
			delete(d.processing, conversation)
			delete(d.queues, conversation)
			d.qmu.Unlock()
			metrics.DispatchQueueDelta(-n)
			return
		}
	}
}

// QueueState describes one conversation queue.
type QueueState struct {
	Length     int
	Processing bool
}

// QueueStatus returns the state of every known conversation queue.
func (d *Dispatcher) QueueStatus() map[string]QueueState {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	out := make(map[string]QueueState, len(d.queues))
	for conv, q := range d.queues {
		out[conv] = QueueState{Length: len(q), Processing: d.processing[conv]}
	}
	for conv := range d.processing {
		if _, ok := out[conv]; !ok {
			out[conv] = QueueState{Processing: true}
		}
	}
	return out
}

// ClearQueues drops every pending queued entry. Entries already running
// finish normally.
func (d *Dispatcher) ClearQueues() {
	d.qmu.Lock()
	n := 0
	for conv, q := range d.queues {
		n += len(q)
		d.queues[conv] = nil
	}
	d.qmu.Unlock()
	metrics.DispatchQueueDelta(-n)
	d.log.Info("queues cleared", logx.Int("dropped", n))
}

// Close stops queue workers and rejects further calls.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		close(d.closed)
		d.ClearQueues()
		d.sup.Cancel()
	})
	return d.sup.Stop(ctx)
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closed:
		return ErrClosed
	}
}
