package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	logx "pewbridge/pkg/logx"
)

// Bundle is one tenant's opaque credential material. The transport reads it
// at connect time and saves it whenever keys rotate.
//
// It implements transport.CredentialStore.
type Bundle struct {
	tenant string
	path   string
	log    logx.Logger

	mu       sync.Mutex
	data     []byte
	volatile bool
}

// Tenant returns the owning tenant id.
func (b *Bundle) Tenant() string { return b.tenant }

// Load returns a copy of the current material, or nil when empty.
func (b *Bundle) Load() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil
	}
	return append([]byte(nil), b.data...)
}

// Save replaces the material and writes it to disk atomically.
func (b *Bundle) Save(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	if b.volatile {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Registered reports whether the material marks a completed pairing. Bundles
// that are not JSON objects count as registered when non-empty.
func (b *Bundle) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return false
	}
	var probe struct {
		Registered *bool `json:"registered"`
	}
	if err := json.Unmarshal(b.data, &probe); err != nil || probe.Registered == nil {
		return true
	}
	return *probe.Registered
}

// Empty reports whether no material is held.
func (b *Bundle) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) == 0
}

// clear empties a wiped bundle. Later saves from a connection that is still
// winding down stay in memory.
func (b *Bundle) clear() {
	b.mu.Lock()
	b.data = nil
	b.volatile = true
	b.mu.Unlock()
}
