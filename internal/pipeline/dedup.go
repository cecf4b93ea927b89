package pipeline

import (
	"sync"
	"time"
)

// dedup suppresses repeated message ids seen within window. The table is
// pruned of entries older than maxAge once it grows past pruneAbove.
type dedup struct {
	window     time.Duration
	pruneAbove int
	maxAge     time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedup(window time.Duration, pruneAbove int, maxAge time.Duration) *dedup {
	return &dedup{window: window, pruneAbove: pruneAbove, maxAge: maxAge, seen: map[string]time.Time{}}
}

// admit reports whether id should be processed, and records it.
func (d *dedup) admit(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[id]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[id] = now
	if len(d.seen) > d.pruneAbove {
		for k, t := range d.seen {
			if now.Sub(t) > d.maxAge {
				delete(d.seen, k)
			}
		}
	}
	return true
}

func (d *dedup) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
