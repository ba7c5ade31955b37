package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/plugin"
)

// Store persists plugin records and installations.
type Store interface {
	SavePlugin(ctx context.Context, p *plugin.Plugin) error
	GetPlugin(ctx context.Context, id string) (*plugin.Plugin, error)
	FindPlugin(ctx context.Context, tenantID, slug, version string) (*plugin.Plugin, error)
	SaveInstallation(ctx context.Context, inst *plugin.Installation) error
	GetInstallation(ctx context.Context, tenantID, slug string) (*plugin.Installation, error)
	ListInstallations(ctx context.Context, tenantID string) ([]*plugin.Installation, error)
	ListEnabled(ctx context.Context) ([]*plugin.Installation, error)
	DeleteInstallation(ctx context.Context, tenantID, slug string) error
}

func notFound(format string, args ...any) error {
	return xerrors.New(CodePluginNotFound, fmt.Sprintf(format, args...))
}

// NotFound reports whether err means the plugin or installation does not exist.
func NotFound(err error) bool {
	return xerrors.Is(err, ErrPluginNotFound)
}

// MemoryStore keeps records in memory; used by tests and single-node deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	plugins       map[string]*plugin.Plugin
	installations map[string]*plugin.Installation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plugins:       make(map[string]*plugin.Plugin),
		installations: make(map[string]*plugin.Installation),
	}
}

func installationKey(tenantID, slug string) string {
	return tenantID + "\x00" + slug
}

// SavePlugin implements Store. Plugin records are immutable once written.
func (s *MemoryStore) SavePlugin(_ context.Context, p *plugin.Plugin) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.plugins {
		if existing.TenantID == p.TenantID && existing.Slug == p.Slug && existing.Version == p.Version && existing.ID != p.ID {
			return xerrors.New(CodePluginConflict, fmt.Sprintf("plugin %s@%s already exists", p.Slug, p.Version))
		}
	}
	if _, ok := s.plugins[p.ID]; ok {
		return xerrors.New(CodePluginConflict, fmt.Sprintf("plugin record %s already exists", p.ID))
	}
	s.plugins[p.ID] = p.Clone()
	return nil
}

// GetPlugin implements Store.
func (s *MemoryStore) GetPlugin(_ context.Context, id string) (*plugin.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[id]
	if !ok {
		return nil, notFound("plugin record %s not found", id)
	}
	return p.Clone(), nil
}

// FindPlugin implements Store.
func (s *MemoryStore) FindPlugin(_ context.Context, tenantID, slug, version string) (*plugin.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plugins {
		if p.TenantID == tenantID && p.Slug == slug && p.Version == version {
			return p.Clone(), nil
		}
	}
	return nil, notFound("plugin %s@%s not found", slug, version)
}

// SaveInstallation implements Store as an upsert keyed by tenant and slug.
func (s *MemoryStore) SaveInstallation(_ context.Context, inst *plugin.Installation) error {
	if inst == nil || inst.TenantID == "" || inst.Slug == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "installation tenant and slug are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[inst.PluginID]; !ok {
		return notFound("plugin record %s not found", inst.PluginID)
	}
	s.installations[installationKey(inst.TenantID, inst.Slug)] = inst.Clone()
	return nil
}

// GetInstallation implements Store.
func (s *MemoryStore) GetInstallation(_ context.Context, tenantID, slug string) (*plugin.Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.installations[installationKey(tenantID, slug)]
	if !ok {
		return nil, notFound("plugin %s is not installed for tenant %s", slug, tenantID)
	}
	return inst.Clone(), nil
}

// ListInstallations implements Store, ordered by slug.
func (s *MemoryStore) ListInstallations(_ context.Context, tenantID string) ([]*plugin.Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plugin.Installation
	for _, inst := range s.installations {
		if inst.TenantID == tenantID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ListEnabled implements Store.
func (s *MemoryStore) ListEnabled(_ context.Context) ([]*plugin.Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plugin.Installation
	for _, inst := range s.installations {
		if inst.Enabled {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

// DeleteInstallation implements Store.
func (s *MemoryStore) DeleteInstallation(_ context.Context, tenantID, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := installationKey(tenantID, slug)
	if _, ok := s.installations[key]; !ok {
		return notFound("plugin %s is not installed for tenant %s", slug, tenantID)
	}
	delete(s.installations, key)
	return nil
}
