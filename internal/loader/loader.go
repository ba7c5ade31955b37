// Package loader turns an uploaded plugin package into records and runtime bindings.
// Plugin code is parsed and compiled here but never executed.
package loader

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/sandbox"
	"ExtensionHost/pkg/logger"
	"ExtensionHost/pkg/plugin"
)

var (
	routePathPattern = regexp.MustCompile(`^/[A-Za-z0-9_\-./{}*:]*$`)
	routeMethods     = map[string]struct{}{
		http.MethodGet: {}, http.MethodPost: {}, http.MethodPut: {}, http.MethodPatch: {}, http.MethodDelete: {},
	}
)

// Route is a bound HTTP handler. Path is relative to the plugin's route prefix.
type Route struct {
	Method   string             `json:"method"`
	Path     string             `json:"path"`
	Handler  sandbox.HandlerRef `json:"handler"`
	Requires []string           `json:"requires,omitempty"`
}

// Hook is a bound event handler. Order is the registration order within the plugin.
type Hook struct {
	Event    string             `json:"event"`
	Handler  sandbox.HandlerRef `json:"handler"`
	Requires []string           `json:"requires,omitempty"`
	Order    int                `json:"order"`
}

// JobBinding is a bound scheduled job.
type JobBinding struct {
	Name     string             `json:"name"`
	Schedule string             `json:"schedule"`
	Handler  sandbox.HandlerRef `json:"handler"`
	Requires []string           `json:"requires,omitempty"`
}

// Webhook is a validated webhook spec with its resolved transform.
type Webhook struct {
	ID        string                `json:"id"`
	Spec      *manifest.WebhookSpec `json:"spec"`
	Transform *sandbox.HandlerRef   `json:"transform,omitempty"`
}

// LoadedPlugin is the runtime binding of one installation.
type LoadedPlugin struct {
	Plugin       *plugin.Plugin
	Installation *plugin.Installation
	Manifest     *manifest.Manifest
	Program      *sandbox.Program
	Grant        plugin.Grant
	Routes       []Route
	Hooks        map[string][]Hook
	Jobs         map[string]JobBinding
	Webhooks     []Webhook
	Warnings     []string
}

// Identity returns the identity invocations of this plugin run as.
func (lp *LoadedPlugin) Identity(userID string) plugin.Identity {
	return plugin.Identity{
		TenantID:       lp.Installation.TenantID,
		InstallationID: lp.Installation.ID,
		Slug:           lp.Plugin.Slug,
		Version:        lp.Plugin.Version,
		UserID:         userID,
	}
}

// GrantFor narrows the grant to what a binding may use.
func (lp *LoadedPlugin) GrantFor(requires []string) plugin.Grant {
	if len(requires) == 0 {
		return lp.Grant
	}
	return lp.Grant.Intersect(requires)
}

// Loader validates packages. It is stateless apart from its configuration.
type Loader struct {
	limits ArchiveLimits
	policy plugin.IsolationPolicy
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option customises a Loader.
type Option func(*Loader)

// WithArchiveLimits overrides the package limits.
func WithArchiveLimits(l ArchiveLimits) Option {
	return func(ld *Loader) { ld.limits = l }
}

// WithIsolationPolicy restricts which permissions may be granted host-wide.
func WithIsolationPolicy(p plugin.IsolationPolicy) Option {
	return func(ld *Loader) { ld.policy = p }
}

// WithLogger sets the logger used for binding warnings.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		if l != nil {
			ld.log = l
		}
	}
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		limits: DefaultArchiveLimits(),
		log:    logger.Named("loader"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load validates an archive for tenantID and returns a new Plugin record, a disabled
// Installation and the bindings. Nothing is persisted here.
func (l *Loader) Load(archive []byte, tenantID string) (*plugin.Plugin, *plugin.Installation, *LoadedPlugin, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "tenant id is required")
	}
	files, err := ReadArchive(archive, l.limits)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := readManifest(files)
	if err != nil {
		return nil, nil, nil, err
	}
	now := l.now().UTC()
	p := &plugin.Plugin{
		ID:          l.newID(),
		TenantID:    tenantID,
		Slug:        m.Slug,
		Name:        m.Name,
		Version:     m.Version,
		Entry:       m.Entry,
		Description: m.Description,
		Author:      m.Author,
		Permissions: append([]string(nil), m.Permissions...),
		Routes:      m.Routes,
		Events:      append([]string(nil), m.Events...),
		Checksum:    plugin.Checksum(archive),
		Archive:     append([]byte(nil), archive...),
		CreatedAt:   now,
	}
	for _, job := range m.Jobs {
		p.Jobs = append(p.Jobs, plugin.Job{Name: job.Name, Schedule: job.Schedule})
	}
	inst := &plugin.Installation{
		ID:               l.newID(),
		TenantID:         tenantID,
		PluginID:         p.ID,
		Slug:             p.Slug,
		InstalledVersion: p.Version,
		Enabled:          false,
		Config:           cloneConfig(m.Config),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	lp, err := l.bind(p, inst, m, files)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, inst, lp, nil
}

// Bind rebuilds the runtime binding of a stored plugin, for enable, upgrade and restore.
func (l *Loader) Bind(p *plugin.Plugin, inst *plugin.Installation) (*LoadedPlugin, error) {
	if p == nil || inst == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin and installation are required")
	}
	if len(p.Archive) == 0 {
		return nil, xerrors.New(xerrors.CodeLoaderError, fmt.Sprintf("plugin %s@%s has no stored package", p.Slug, p.Version))
	}
	files, err := ReadArchive(p.Archive, l.limits)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(files)
	if err != nil {
		return nil, err
	}
	if m.Slug != p.Slug || m.Version != p.Version {
		return nil, xerrors.New(xerrors.CodeLoaderError, "stored package does not match its plugin record")
	}
	return l.bind(p, inst, m, files)
}

func readManifest(files map[string][]byte) (*manifest.Manifest, error) {
	for _, name := range manifest.FileNames {
		if data, ok := files[name]; ok {
			return manifest.Parse(data)
		}
	}
	return nil, xerrors.New(xerrors.CodeManifestError,
		fmt.Sprintf("package has no manifest (expected one of %s)", strings.Join(manifest.FileNames, ", ")))
}

func (l *Loader) bind(p *plugin.Plugin, inst *plugin.Installation, m *manifest.Manifest, files map[string][]byte) (*LoadedPlugin, error) {
	if _, ok := files[m.Entry]; !ok {
		return nil, xerrors.New(xerrors.CodeLoaderError, fmt.Sprintf("entry %q not found in package", m.Entry))
	}
	prog, err := sandbox.Compile(m.Slug, m.Entry, files)
	if err != nil {
		return nil, err
	}
	disc, err := Discover(m.Entry, files[m.Entry])
	if err != nil {
		return nil, err
	}

	grant, withheld := plugin.EffectiveGrant(m.Permissions, l.policy, manifest.KnownPermission)
	lp := &LoadedPlugin{
		Plugin:       p,
		Installation: inst,
		Manifest:     m,
		Program:      prog,
		Grant:        grant,
		Hooks:        make(map[string][]Hook),
		Jobs:         make(map[string]JobBinding),
		Warnings:     append([]string(nil), disc.Warnings...),
	}
	for _, w := range withheld {
		lp.warnf("permission %q withheld: %s", w.Permission, w.Reason)
	}

	b := binder{lp: lp, m: m, disc: disc}
	for _, marker := range disc.Markers {
		b.bindMarker(marker)
	}
	b.bindConventions()
	if err := b.bindWebhooks(files); err != nil {
		return nil, err
	}

	log := logger.ForPlugin(l.log, inst.TenantID, p.Slug, inst.ID)
	for _, w := range lp.Warnings {
		log.Warn("plugin binding warning", slog.String("version", p.Version), slog.String("warning", w))
	}
	return lp, nil
}

func (lp *LoadedPlugin) warnf(format string, args ...any) {
	lp.Warnings = append(lp.Warnings, fmt.Sprintf(format, args...))
}

type binder struct {
	lp        *LoadedPlugin
	m         *manifest.Manifest
	disc      *Discovery
	hookOrder int
}

// permitted drops bindings that would need an undeclared permission.
func (b *binder) permitted(what string, requires []string) bool {
	if ok, missing := plugin.Subset(requires, b.m.Permissions); !ok {
		b.lp.warnf("%s dropped: requires undeclared permissions %s", what, strings.Join(missing, ", "))
		return false
	}
	return true
}

func (b *binder) handlerExists(what, fn string) bool {
	if _, ok := b.disc.Functions[fn]; !ok {
		b.lp.warnf("%s dropped: %q is not a top-level function in %s", what, fn, b.m.Entry)
		return false
	}
	return true
}

func (b *binder) bindMarker(mk Marker) {
	switch mk.Kind {
	case MarkerRoute:
		what := fmt.Sprintf("route %s %s", mk.Method, mk.Path)
		if !b.m.Routes {
			b.lp.warnf("%s dropped: manifest does not declare routes", what)
			return
		}
		if _, ok := routeMethods[mk.Method]; !ok {
			b.lp.warnf("%s dropped: unsupported method", what)
			return
		}
		if !validRoutePath(mk.Path) {
			b.lp.warnf("%s dropped: invalid path", what)
			return
		}
		for _, r := range b.lp.Routes {
			if r.Method == mk.Method && r.Path == mk.Path {
				b.lp.warnf("%s dropped: duplicate route", what)
				return
			}
		}
		if !b.handlerExists(what, mk.Handler) || !b.permitted(what, mk.Requires) {
			return
		}
		b.lp.Routes = append(b.lp.Routes, Route{
			Method: mk.Method, Path: mk.Path, Handler: sandbox.HandlerRef{Function: mk.Handler}, Requires: mk.Requires,
		})
	case MarkerHook:
		what := fmt.Sprintf("hook %s -> %s", mk.Event, mk.Handler)
		if !b.m.DeclaresEvent(mk.Event) {
			b.lp.warnf("%s dropped: event not declared in manifest", what)
			return
		}
		if !b.handlerExists(what, mk.Handler) || !b.permitted(what, mk.Requires) {
			return
		}
		b.addHook(mk.Event, mk.Handler, mk.Requires)
	case MarkerJob:
		what := fmt.Sprintf("job %s", mk.Job)
		job, ok := b.m.JobByName(mk.Job)
		if !ok {
			b.lp.warnf("%s dropped: job not declared in manifest", what)
			return
		}
		if _, dup := b.lp.Jobs[mk.Job]; dup {
			b.lp.warnf("%s dropped: job already bound", what)
			return
		}
		if mk.Schedule != "" && mk.Schedule != job.Schedule {
			b.lp.warnf("%s: schedule %q ignored, manifest schedule %q applies", what, mk.Schedule, job.Schedule)
		}
		if !b.handlerExists(what, mk.Handler) || !b.permitted(what, mk.Requires) {
			return
		}
		b.lp.Jobs[job.Name] = JobBinding{
			Name: job.Name, Schedule: job.Schedule, Handler: sandbox.HandlerRef{Function: mk.Handler}, Requires: mk.Requires,
		}
	}
}

func (b *binder) addHook(event, fn string, requires []string) {
	for _, h := range b.lp.Hooks[event] {
		if h.Handler.Function == fn {
			return
		}
	}
	b.lp.Hooks[event] = append(b.lp.Hooks[event], Hook{
		Event: event, Handler: sandbox.HandlerRef{Function: fn}, Requires: requires, Order: b.hookOrder,
	})
	b.hookOrder++
}

// bindConventions binds on_<event> and job_<name> functions for declarations without markers.
func (b *binder) bindConventions() {
	for _, ev := range b.m.Events {
		fn := ConventionalHook(ev)
		if _, ok := b.disc.Functions[fn]; ok {
			b.addHook(ev, fn, nil)
		}
		if len(b.lp.Hooks[ev]) == 0 {
			b.lp.warnf("event %s is declared but has no handler", ev)
		}
	}
	for _, job := range b.m.Jobs {
		if _, ok := b.lp.Jobs[job.Name]; ok {
			continue
		}
		fn := ConventionalJob(job.Name)
		if _, ok := b.disc.Functions[fn]; !ok {
			b.lp.warnf("job %s is declared but has no handler", job.Name)
			continue
		}
		b.lp.Jobs[job.Name] = JobBinding{Name: job.Name, Schedule: job.Schedule, Handler: sandbox.HandlerRef{Function: fn}}
	}
}

func (b *binder) bindWebhooks(files map[string][]byte) error {
	seen := make(map[string]struct{})
	for _, ref := range b.m.Webhooks {
		spec := ref.Inline
		if spec == nil {
			data, ok := files[ref.Path]
			if !ok {
				return xerrors.New(xerrors.CodeLoaderError, fmt.Sprintf("webhook spec %q not found in package", ref.Path))
			}
			name := strings.TrimSuffix(path.Base(ref.Path), path.Ext(ref.Path))
			parsed, err := manifest.ParseWebhookSpec(name, data)
			if err != nil {
				return err
			}
			spec = parsed
		}
		if _, dup := seen[spec.Name]; dup {
			return xerrors.New(xerrors.CodeManifestError, fmt.Sprintf("duplicate webhook name %q", spec.Name),
				xerrors.WithMetadata("field", "webhooks"))
		}
		seen[spec.Name] = struct{}{}

		what := fmt.Sprintf("webhook %s", spec.Name)
		wh := Webhook{ID: b.m.Slug + "/" + spec.Name, Spec: spec}
		if spec.Transform != nil {
			file, fn := spec.Transform.TransformFunction()
			if file == "" || file == b.m.Entry {
				if !b.handlerExists(what, fn) {
					continue
				}
			} else {
				if !b.lp.Program.Has(file) {
					return xerrors.New(xerrors.CodeLoaderError, fmt.Sprintf("%s: transform file %q not found", what, file))
				}
				disc, err := Discover(file, files[file])
				if err != nil {
					return err
				}
				if _, ok := disc.Functions[fn]; !ok {
					b.lp.warnf("%s dropped: %q is not a top-level function in %s", what, fn, file)
					continue
				}
			}
			if !b.permitted(what, spec.Transform.Requires) {
				continue
			}
			wh.Transform = &sandbox.HandlerRef{File: file, Function: fn}
		}
		b.lp.Webhooks = append(b.lp.Webhooks, wh)
	}
	return nil
}

// validRoutePath accepts chi-style patterns with balanced, non-nested parameters.
func validRoutePath(p string) bool {
	if !routePathPattern.MatchString(p) || strings.Contains(p, "//") || strings.Contains(p, "..") {
		return false
	}
	depth := 0
	for _, r := range p {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return false
			}
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
