package notifier

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	cp "pewbridge/internal/controlplane"
)

// suppressor remembers recently queued notifications so a flapping session
// does not flood its operator chat with identical lines.
type suppressor struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newSuppressor() *suppressor { return &suppressor{until: map[string]time.Time{}} }

// allow reports whether key may pass at now and, if so, holds it for window.
// Past maxEntries the entries expiring soonest are dropped.
func (s *suppressor) allow(key string, window time.Duration, maxEntries int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.until[key]; ok && now.Before(t) {
		return false
	}
	s.until[key] = now.Add(window)
	for k, t := range s.until {
		if !now.Before(t) {
			delete(s.until, k)
		}
	}
	for len(s.until) > maxEntries {
		var oldest string
		for k, t := range s.until {
			if oldest == "" || t.Before(s.until[oldest]) {
				oldest = k
			}
		}
		delete(s.until, oldest)
	}
	return true
}

func (s *suppressor) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.until)
}

// suppressKey identifies a notification by tenant, kind, chat and text.
func suppressKey(n cp.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%d/%d\x00%s", n.Tenant, n.Kind, n.Target.ChatID, n.Target.ThreadID, n.Text)
	return fmt.Sprintf("%016x", h.Sum64())
}
