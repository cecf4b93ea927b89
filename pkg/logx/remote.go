package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink delivers formatted lines outside the process. SendLog should return
// promptly; it runs on a single background goroutine.
type Sink interface {
	SendLog(ctx context.Context, text string) error
}

const (
	remoteQueue     = 256
	remoteTimeout   = 10 * time.Second
	remoteMaxText   = 3500
	remoteMaxValue  = 600
	remoteMaxStack  = 900
	remoteMsgPrefix = "- "
)

// forwarder is a zerolog.LevelWriter that hands lines at or above a level to
// a Sink under a token bucket. Writes never block logging.
type forwarder struct {
	mu       sync.Mutex
	sink     Sink
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue   chan string
	start   sync.Once
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newForwarder(sink Sink) *forwarder {
	return &forwarder{sink: sink, queue: make(chan string, remoteQueue), minLevel: zerolog.WarnLevel}
}

func (f *forwarder) setSink(sink Sink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *forwarder) configure(cfg RemoteConfig) {
	rps := max(1, cfg.RatePerSec)
	f.mu.Lock()
	f.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	f.mu.Unlock()
	if cfg.Enabled {
		f.start.Do(f.run)
	}
}

func (f *forwarder) run() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.stopped = make(chan struct{})
	go func() {
		defer close(f.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-f.queue:
				f.deliver(ctx, text)
			}
		}
	}()
}

func (f *forwarder) deliver(ctx context.Context, text string) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	_ = sink.SendLog(sctx, text)
}

func (f *forwarder) stop() {
	// mark started so a later configure cannot spawn a worker
	f.start.Do(func() {})
	if f.cancel != nil {
		f.cancel()
		<-f.stopped
	}
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(zerolog.InfoLevel, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	ok := f.sink != nil && f.limiter != nil && level >= f.minLevel && f.limiter.Allow()
	f.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := renderLine(p); text != "" {
		select {
		case f.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// renderLine turns one JSON log line into a chat-friendly block:
// "[LEVEL] message" followed by sorted "- key=value" lines.
func renderLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), remoteMaxText)
	}
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n" + remoteMsgPrefix + "stack=\n" + clip(fmt.Sprint(m[k]), remoteMaxStack))
			continue
		}
		b.WriteString("\n" + remoteMsgPrefix + k + "=" + clip(fmt.Sprint(m[k]), remoteMaxValue))
	}
	return clip(b.String(), remoteMaxText)
}

func clip(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
