package eventbus

import (
	"slices"
	"strings"
	"sync"
	"time"

	"pewbridge/internal/observability/metrics"
)

// Event is an in-process signal. Publish never blocks: each subscriber owns
// a bounded buffer and misses events while it is full.
type Event struct {
	Type   string
	Tenant string
	Time   time.Time
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribePrefix only delivers events whose Type starts with prefix.
	SubscribePrefix(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

type subscriber struct {
	ch     chan Event
	prefix string
}

func (s *subscriber) wants(typ string) bool {
	return s.prefix == "" || strings.HasPrefix(typ, s.prefix)
}

// memBus sends under a read lock; unsubscribe closes under the write lock, so
// a send never races a close.
type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus { return &memBus{} }

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			metrics.EventDropped(e.Type)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

func (b *memBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), prefix: prefix}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
