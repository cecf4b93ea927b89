package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	cp "pewbridge/internal/controlplane"
	"pewbridge/internal/eventbus"
	logx "pewbridge/pkg/logx"
)

const sendTimeout = 10 * time.Second

// work delivers from q until it is closed or ctx ends.
func (s *Service) work(ctx context.Context, q <-chan cp.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

// deliver sends n with up to RetryMax retries under the shared rate limit.
func (s *Service) deliver(ctx context.Context, n cp.Notification) {
	if s.adapter == nil {
		return
	}
	text := marker(n.Severity) + n.Text
	if text == "" {
		return
	}
	cfg, lim := s.settings()
	log := s.log.With(logx.Tenant(n.Tenant), logx.String("kind", n.Kind), logx.Int64("chat_id", n.Target.ChatID))

	var err error
	attempts := 0
	for attempts <= cfg.RetryMax {
		if attempts > 0 && !sleep(ctx, backoff(cfg, attempts)) {
			return
		}
		if lim.Wait(ctx) != nil {
			return
		}
		attempts++
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = s.adapter.SendText(sctx, n.Target, text)
		cancel()
		if err == nil {
			s.publish(eventbus.NotifierSent, n, attempts, nil)
			return
		}
		log.Debug("notification send failed", logx.Int("attempt", attempts), logx.Err(err))
	}
	log.Warn("notification abandoned", logx.Int("attempts", attempts), logx.Err(err))
	s.publish(eventbus.NotifierFailed, n, attempts, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff is the pause before retry n (1-based): RetryBase doubled per
// retry, jittered to 70..130% and capped at RetryMaxDelay.
func backoff(cfg Config, n int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < n && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func marker(sev cp.Severity) string {
	switch sev {
	case cp.SeverityAlert:
		return "🚨 "
	case cp.SeverityWarn:
		return "⚠️ "
	case cp.SeverityNotice:
		return "ℹ️ "
	}
	return ""
}
