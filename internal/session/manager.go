package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "pewbridge/pkg/logx"
)

const credsFile = "creds.json"

var (
	// ErrUnsafePath is returned when a wipe target is not exactly the
	// tenant's own directory.
	ErrUnsafePath = errors.New("session: refusing to remove path outside tenant scope")
	ErrBadTenant  = errors.New("session: invalid tenant id")
)

// Manager owns the credential bundles of every tenant under one directory.
//
// It is safe for concurrent use.
type Manager struct {
	dir string
	log logx.Logger

	mu      sync.Mutex
	bundles map[string]*Bundle
}

// NewManager returns a manager rooted at dir. The directory is created lazily.
func NewManager(dir string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(dir) == "" {
		dir = "sessions"
	}
	return &Manager{
		dir:     filepath.Clean(dir),
		log:     log.With(logx.String("comp", "session")),
		bundles: map[string]*Bundle{},
	}
}

// Dir returns the root directory.
func (m *Manager) Dir() string { return m.dir }

// ValidTenant reports whether tenant is usable as a single path element.
func ValidTenant(tenant string) bool {
	if tenant == "" || tenant == "." || tenant == ".." {
		return false
	}
	return !strings.ContainsAny(tenant, `/\`) && filepath.Base(tenant) == tenant
}

func (m *Manager) tenantDir(tenant string) string { return filepath.Join(m.dir, tenant) }

// Exists reports whether the tenant has persisted credentials: its directory
// holds at least one .json file.
func (m *Manager) Exists(tenant string) bool {
	if !ValidTenant(tenant) {
		return false
	}
	return len(m.jsonFiles(tenant)) > 0
}

func (m *Manager) jsonFiles(tenant string) []string {
	entries, err := os.ReadDir(m.tenantDir(tenant))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

// Load returns the tenant's bundle. It never fails: unreadable or missing
// credentials produce an empty bundle and a warning.
func (m *Manager) Load(tenant string) *Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.bundles[tenant]; b != nil {
		return b
	}
	b := &Bundle{tenant: tenant, path: filepath.Join(m.tenantDir(tenant), credsFile), log: m.log}
	if !ValidTenant(tenant) {
		m.log.Warn("invalid tenant id, using volatile credentials", logx.Tenant(tenant))
		b.volatile = true
		return b
	}
	data, err := os.ReadFile(b.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		m.log.Warn("credential bundle unreadable, starting empty", logx.Tenant(tenant), logx.Err(err))
	default:
		b.data = data
	}
	m.bundles[tenant] = b
	return b
}

// Wipe removes the tenant's credential directory. It is idempotent, and it
// refuses any path whose parent is not the sessions directory or whose leaf
// is not the tenant id.
func (m *Manager) Wipe(tenant string) error {
	if !ValidTenant(tenant) {
		return fmt.Errorf("%w: %q", ErrBadTenant, tenant)
	}
	target := m.tenantDir(tenant)
	if err := m.checkScope(target, tenant); err != nil {
		return err
	}

	m.mu.Lock()
	if b := m.bundles[tenant]; b != nil {
		b.clear()
	}
	delete(m.bundles, tenant)
	m.mu.Unlock()

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("session: wipe %s: %w", tenant, err)
	}
	m.log.Info("credentials wiped", logx.Tenant(tenant))
	return nil
}

func (m *Manager) checkScope(target, tenant string) error {
	absRoot, err := filepath.Abs(m.dir)
	if err != nil {
		return err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	if filepath.Base(filepath.Dir(absTarget)) != filepath.Base(absRoot) ||
		filepath.Dir(absTarget) != absRoot ||
		filepath.Base(absTarget) != tenant {
		m.log.Error("unsafe wipe target", logx.Tenant(tenant), logx.String("path", absTarget))
		return fmt.Errorf("%w: %s", ErrUnsafePath, absTarget)
	}
	return nil
}

// ListSessions returns the tenants that have persisted credentials.
func (m *Manager) ListSessions() []string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidTenant(e.Name()) && m.Exists(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Info describes a tenant's persisted state.
type Info struct {
	Tenant         string
	Exists         bool
	Files          []string
	HasCredentials bool
	Registered     bool
}

// Info reports what is on disk for tenant.
func (m *Manager) Info(tenant string) Info {
	info := Info{Tenant: tenant}
	if !ValidTenant(tenant) {
		return info
	}
	info.Files = m.jsonFiles(tenant)
	info.Exists = len(info.Files) > 0
	for _, f := range info.Files {
		if f == credsFile {
			info.HasCredentials = true
		}
	}
	if info.HasCredentials {
		info.Registered = m.Load(tenant).Registered()
	}
	return info
}

// Forget drops the cached bundle without touching disk.
func (m *Manager) Forget(tenant string) {
	m.mu.Lock()
	delete(m.bundles, tenant)
	m.mu.Unlock()
}
