package app

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	cp "pewbridge/internal/controlplane"
)

// logSink forwards log lines to the configured operator log chat. Without a
// target it drops them.
type logSink struct {
	adapter cp.Adapter
	target  atomic.Pointer[cp.ChatTarget]
}

func newLogSink(adapter cp.Adapter) *logSink {
	return &logSink{adapter: adapter}
}

// SetTarget parses the chat id; an empty or invalid id clears the target.
func (s *logSink) SetTarget(chat string, thread int) {
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		s.target.Store(nil)
		return
	}
	s.target.Store(&cp.ChatTarget{ChatID: id, ThreadID: thread})
}

func (s *logSink) SendLog(ctx context.Context, text string) error {
	t := s.target.Load()
	if t == nil || s.adapter == nil {
		return nil
	}
	_, err := s.adapter.SendText(ctx, *t, text)
	return err
}
