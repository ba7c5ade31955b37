// Package registry is the tenant-scoped source of truth for installed plugins and the
// dispatch tables built from the enabled ones.
//
// Lifecycle per (tenant, slug):
//
//	uninstalled -> installed (disabled) -> enabled <-> disabled -> uninstalled
//
// Transitions for one tenant are serialised by a per-tenant mutex. Dispatch reads an
// immutable DispatchTable through an atomic pointer and never waits on a transition.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ExtensionHost/internal/audit"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/loader"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/pkg/logger"
	"ExtensionHost/pkg/plugin"
)

const shardCount = 32

// Loader validates packages and rebuilds bindings. *loader.Loader implements it.
type Loader interface {
	Load(archive []byte, tenantID string) (*plugin.Plugin, *plugin.Installation, *loader.LoadedPlugin, error)
	Bind(p *plugin.Plugin, inst *plugin.Installation) (*loader.LoadedPlugin, error)
}

// Watcher is told about every table published for a tenant.
type Watcher func(tenantID string, table *DispatchTable)

// UninstallHook runs after an installation is removed, for example to purge its secrets.
type UninstallHook func(ctx context.Context, inst *plugin.Installation) error

type tenantState struct {
	mu      sync.Mutex
	plugins map[string]*loader.LoadedPlugin
	table   atomic.Pointer[DispatchTable]
}

type shard struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// Registry manages installations and publishes dispatch tables.
type Registry struct {
	store   Store
	loader  Loader
	audit   audit.Sink
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	shards [shardCount]shard

	hookMu      sync.RWMutex
	watchers    []Watcher
	onUninstall []UninstallHook
}

// Option customises a Registry.
type Option func(*Registry)

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(r *Registry) { r.audit = s }
}

// WithMetrics records transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Registry.
func New(store Store, ld Loader, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		loader: ld,
		audit:  audit.LogSink{},
		log:    logger.Named("registry"),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i].tenants = make(map[string]*tenantState)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch registers a callback for table changes. It runs under the tenant's transition lock.
func (r *Registry) Watch(w Watcher) {
	r.hookMu.Lock()
	r.watchers = append(r.watchers, w)
	r.hookMu.Unlock()
}

// OnUninstall registers a cleanup hook.
func (r *Registry) OnUninstall(h UninstallHook) {
	r.hookMu.Lock()
	r.onUninstall = append(r.onUninstall, h)
	r.hookMu.Unlock()
}

func (r *Registry) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) tenant(tenantID string) *tenantState {
	s := r.shardFor(tenantID)
	s.mu.RLock()
	ts, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return ts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok = s.tenants[tenantID]; ok {
		return ts
	}
	ts = &tenantState{plugins: make(map[string]*loader.LoadedPlugin)}
	ts.table.Store(emptyTable)
	s.tenants[tenantID] = ts
	return ts
}

// Table returns the current dispatch table of a tenant. It never blocks on transitions.
func (r *Registry) Table(tenantID string) *DispatchTable {
	s := r.shardFor(tenantID)
	s.mu.RLock()
	ts, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return emptyTable
	}
	return ts.table.Load()
}

// Tenants lists tenants that currently have enabled plugins.
func (r *Registry) Tenants() []string {
	var out []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id, ts := range s.tenants {
			if !ts.table.Load().Empty() {
				out = append(out, id)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// RoutesFor lists the published routes of a tenant.
func (r *Registry) RoutesFor(tenantID string) []RouteTarget {
	return r.Table(tenantID).Routes()
}

// HooksFor returns the hooks subscribed to eventType.
func (r *Registry) HooksFor(tenantID, eventType string) []HookGroup {
	return r.Table(tenantID).Hooks(eventType)
}

// JobsFor lists the published jobs of a tenant.
func (r *Registry) JobsFor(tenantID string) []JobTarget {
	return r.Table(tenantID).Jobs()
}

// WebhooksFor returns the webhook specs triggered by eventType.
func (r *Registry) WebhooksFor(tenantID, eventType string) []WebhookTarget {
	return r.Table(tenantID).Webhooks(eventType)
}

// publish rebuilds and swaps the tenant table. Callers hold ts.mu.
func (r *Registry) publish(tenantID string, ts *tenantState) {
	table := buildTable(tenantID, ts.plugins, r.log)
	ts.table.Store(table)
	r.hookMu.RLock()
	watchers := append([]Watcher(nil), r.watchers...)
	r.hookMu.RUnlock()
	for _, w := range watchers {
		w(tenantID, table)
	}
}

func (r *Registry) record(ctx context.Context, typ string, inst *plugin.Installation, actor string, detail map[string]string) {
	r.metrics.Transition(typ)
	if r.audit == nil {
		return
	}
	rec := audit.Record{
		Type:           typ,
		TenantID:       inst.TenantID,
		Slug:           inst.Slug,
		Version:        inst.InstalledVersion,
		InstallationID: inst.ID,
		Actor:          actor,
		Detail:         detail,
		OccurredAt:     r.now().UTC(),
	}
	if err := r.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("audit record failed", slog.String("type", typ), slog.String("tenant_id", inst.TenantID),
			slog.String("plugin", inst.Slug), slog.String("error", err.Error()))
	}
}

// savePluginRecord stores p unless the same tenant, slug and version already exist.
// An identical package reuses the stored record; a different one is a conflict.
func (r *Registry) savePluginRecord(ctx context.Context, p *plugin.Plugin) (*plugin.Plugin, error) {
	existing, err := r.store.FindPlugin(ctx, p.TenantID, p.Slug, p.Version)
	switch {
	case err == nil:
		if existing.Checksum != p.Checksum {
			return nil, xerrors.New(CodePluginConflict,
				fmt.Sprintf("plugin %s@%s was already published with different content; bump the version", p.Slug, p.Version))
		}
		return existing, nil
	case NotFound(err):
		if err := r.store.SavePlugin(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, err
	}
}

// Install validates archive and records a disabled installation. Binding warnings are returned
// alongside the installation.
func (r *Registry) Install(ctx context.Context, tenantID string, archive []byte, actor string) (*plugin.Installation, []string, error) {
	p, inst, lp, err := r.loader.Load(archive, tenantID)
	if err != nil {
		return nil, nil, err
	}
	ts := r.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, err := r.store.GetInstallation(ctx, tenantID, p.Slug); err == nil {
		return nil, nil, xerrors.New(CodePluginConflict, fmt.Sprintf("plugin %s is already installed; upgrade it instead", p.Slug))
	} else if !NotFound(err) {
		return nil, nil, err
	}
	stored, err := r.savePluginRecord(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	inst.PluginID = stored.ID
	if err := r.store.SaveInstallation(ctx, inst); err != nil {
		return nil, nil, err
	}
	r.record(ctx, audit.PluginInstalled, inst, actor, nil)
	return inst.Clone(), lp.Warnings, nil
}

// Enable binds the installed version and publishes its routes, hooks, jobs and webhooks.
func (r *Registry) Enable(ctx context.Context, tenantID, slug, actor string) (*plugin.Installation, error) {
	ts := r.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	inst, err := r.store.GetInstallation(ctx, tenantID, slug)
	if err != nil {
		return nil, err
	}
	if inst.Enabled {
		return nil, xerrors.New(CodeInvalidTransition, fmt.Sprintf("plugin %s is already enabled", slug))
	}
	p, err := r.store.GetPlugin(ctx, inst.PluginID)
	if err != nil {
		return nil, err
	}
	next := inst.Clone()
	next.Enabled = true
	next.UpdatedAt = r.now().UTC()
	lp, err := r.loader.Bind(p, next)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveInstallation(ctx, next); err != nil {
		return nil, err
	}
	ts.plugins[slug] = lp
	r.publish(tenantID, ts)
	r.record(ctx, audit.PluginEnabled, next, actor, nil)
	return next.Clone(), nil
}

// Disable withdraws every binding of the installation. In-flight invocations finish; nothing
// new is admitted once this returns.
func (r *Registry) Disable(ctx context.Context, tenantID, slug, actor string) (*plugin.Installation, error) {
	ts := r.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	inst, err := r.store.GetInstallation(ctx, tenantID, slug)
	if err != nil {
		return nil, err
	}
	if !inst.Enabled {
		return nil, xerrors.New(CodeInvalidTransition, fmt.Sprintf("plugin %s is not enabled", slug))
	}
	next := inst.Clone()
	next.Enabled = false
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveInstallation(ctx, next); err != nil {
		return nil, err
	}
	r.unpublish(tenantID, ts, slug)
	r.record(ctx, audit.PluginDisabled, next, actor, nil)
	return next.Clone(), nil
}

func (r *Registry) unpublish(tenantID string, ts *tenantState, slug string) {
	if _, ok := ts.plugins[slug]; !ok {
		return
	}
	delete(ts.plugins, slug)
	r.publish(tenantID, ts)
}

// Uninstall removes the installation and all of its bindings. Plugin records are kept as history.
func (r *Registry) Uninstall(ctx context.Context, tenantID, slug, actor string) error {
	ts := r.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	inst, err := r.store.GetInstallation(ctx, tenantID, slug)
	if err != nil {
		return err
	}
	r.unpublish(tenantID, ts, slug)
	if err := r.store.DeleteInstallation(ctx, tenantID, slug); err != nil {
		return err
	}
	r.hookMu.RLock()
	hooks := append([]UninstallHook(nil), r.onUninstall...)
	r.hookMu.RUnlock()
	var errs []error
	for _, h := range hooks {
		if err := h(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("uninstall cleanup failed", slog.String("tenant_id", tenantID), slog.String("plugin", slug),
			slog.String("error", err.Error()))
	}
	r.record(ctx, audit.PluginUninstalled, inst, actor, nil)
	return nil
}

// Upgrade moves an installation to a newer version of the same plugin. Existing config values
// win over the new version's defaults. An enabled installation is rebound and republished
// in the same step.
func (r *Registry) Upgrade(ctx context.Context, tenantID, slug string, archive []byte, actor string) (*plugin.Installation, []string, error) {
	p, _, lp, err := r.loader.Load(archive, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if p.Slug != slug {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("package slug %q does not match installed plugin %q", p.Slug, slug))
	}
	ts := r.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	inst, err := r.store.GetInstallation(ctx, tenantID, slug)
	if err != nil {
		return nil, nil, err
	}
	cmp, err := manifest.CompareVersions(p.Version, inst.InstalledVersion)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeManifestError, err, "invalid version")
	}
	if cmp <= 0 {
		return nil, nil, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("upgrade must move past %s, got %s", inst.InstalledVersion, p.Version))
	}
	stored, err := r.savePluginRecord(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	next := inst.Clone()
	next.PluginID = stored.ID
	next.InstalledVersion = stored.Version
	next.Config = mergeConfig(lp.Manifest.Config, inst.Config)
	next.UpdatedAt = r.now().UTC()

	var bound *loader.LoadedPlugin
	if next.Enabled {
		if bound, err = r.loader.Bind(stored, next); err != nil {
			return nil, nil, err
		}
	}
	if err := r.store.SaveInstallation(ctx, next); err != nil {
		return nil, nil, err
	}
	if bound != nil {
		ts.plugins[slug] = bound
		r.publish(tenantID, ts)
	}
	r.record(ctx, audit.PluginUpgraded, next, actor, map[string]string{"from": inst.InstalledVersion, "to": next.InstalledVersion})
	return next.Clone(), lp.Warnings, nil
}

func mergeConfig(defaults, current map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(current))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range current {
		out[k] = v
	}
	return out
}

// Get returns an installation with its plugin record.
func (r *Registry) Get(ctx context.Context, tenantID, slug string) (*plugin.Installation, *plugin.Plugin, error) {
	inst, err := r.store.GetInstallation(ctx, tenantID, slug)
	if err != nil {
		return nil, nil, err
	}
	p, err := r.store.GetPlugin(ctx, inst.PluginID)
	if err != nil {
		return nil, nil, err
	}
	return inst, p, nil
}

// ListInstallations lists a tenant's installations.
func (r *Registry) ListInstallations(ctx context.Context, tenantID string) ([]*plugin.Installation, error) {
	return r.store.ListInstallations(ctx, tenantID)
}

// Restore republishes every installation the store marks enabled. An installation that no
// longer binds stays out of the tables and is reported in the returned error.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	enabled, err := r.store.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	var errs []error
	for _, inst := range enabled {
		if err := r.restoreOne(ctx, inst); err != nil {
			r.log.Error("plugin restore failed",
				slog.String("tenant_id", inst.TenantID),
				slog.String("plugin", inst.Slug),
				slog.String("version", inst.InstalledVersion),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s/%s: %w", inst.TenantID, inst.Slug, err))
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

func (r *Registry) restoreOne(ctx context.Context, inst *plugin.Installation) error {
	p, err := r.store.GetPlugin(ctx, inst.PluginID)
	if err != nil {
		return err
	}
	lp, err := r.loader.Bind(p, inst)
	if err != nil {
		return err
	}
	ts := r.tenant(inst.TenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.plugins[inst.Slug] = lp
	r.publish(inst.TenantID, ts)
	return nil
}
