// Package settings resolves per-tenant bridge settings: persisted values
// decoded over configured defaults, once per load.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	logx "pewbridge/pkg/logx"
)

// Settings are the tenant-tunable knobs read by the event pipeline.
type Settings struct {
	// Public lets inbound messages from other senders trigger commands.
	// When false only the tenant's own (fromMe) messages are interpreted.
	Public bool `json:"public"`
	// Prefix is the tenant's command prefix in addition to the built-in ones.
	Prefix string `json:"prefix"`
	// ForwardDeletes forwards deletion notices of other senders to the
	// tenant's notification target.
	ForwardDeletes bool `json:"forward_deletes"`
	// Owners may issue commands even in private mode.
	Owners []string `json:"owners,omitempty"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{Public: true, Prefix: ".", ForwardDeletes: true}
}

// Merge decodes persisted JSON over defaults. Keys missing from persisted keep
// their default; an empty document returns defaults unchanged.
func Merge(defaults Settings, persisted []byte) (Settings, error) {
	out := defaults
	out.Owners = append([]string(nil), defaults.Owners...)
	if len(strings.TrimSpace(string(persisted))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(persisted, &out); err != nil {
		return defaults, fmt.Errorf("settings: decode: %w", err)
	}
	out.Prefix = strings.TrimSpace(out.Prefix)
	return out, nil
}

// Backend persists raw settings documents by category.
type Backend interface {
	GetSetting(ctx context.Context, category string) ([]byte, bool, error)
	PutSetting(ctx context.Context, category string, value []byte) error
}

// Resolver loads and caches merged settings per tenant.
//
// It is safe for concurrent use.
type Resolver struct {
	backend  Backend
	defaults Settings
	log      logx.Logger

	mu    sync.RWMutex
	cache map[string]Settings
}

// NewResolver returns a resolver. A nil backend serves defaults only.
func NewResolver(backend Backend, defaults Settings, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		backend:  backend,
		defaults: defaults,
		log:      log.With(logx.String("comp", "settings")),
		cache:    map[string]Settings{},
	}
}

func category(tenant string) string { return "tenant:" + tenant }

// Get returns the tenant's merged settings. Backend failures fall back to
// defaults and are not cached.
func (r *Resolver) Get(ctx context.Context, tenant string) Settings {
	r.mu.RLock()
	s, ok := r.cache[tenant]
	r.mu.RUnlock()
	if ok {
		return s
	}
	if r.backend == nil {
		return r.defaultsCopy()
	}
	raw, found, err := r.backend.GetSetting(ctx, category(tenant))
	if err != nil {
		r.log.Warn("settings unavailable, using defaults", logx.Tenant(tenant), logx.Err(err))
		return r.defaultsCopy()
	}
	if !found {
		raw = nil
	}
	s, err = Merge(r.defaults, raw)
	if err != nil {
		r.log.Warn("persisted settings invalid, using defaults", logx.Tenant(tenant), logx.Err(err))
	}
	r.mu.Lock()
	r.cache[tenant] = s
	r.mu.Unlock()
	return s
}

// Put persists s for tenant and replaces the cached copy.
func (r *Resolver) Put(ctx context.Context, tenant string, s Settings) error {
	if r.backend != nil {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("settings: encode: %w", err)
		}
		if err := r.backend.PutSetting(ctx, category(tenant), raw); err != nil {
			return fmt.Errorf("settings: save %s: %w", tenant, err)
		}
	}
	r.mu.Lock()
	r.cache[tenant] = s
	r.mu.Unlock()
	return nil
}

// Forget drops the cached copy for tenant.
func (r *Resolver) Forget(tenant string) {
	r.mu.Lock()
	delete(r.cache, tenant)
	r.mu.Unlock()
}

func (r *Resolver) defaultsCopy() Settings {
	s := r.defaults
	s.Owners = append([]string(nil), r.defaults.Owners...)
	return s
}
