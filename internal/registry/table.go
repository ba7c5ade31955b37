package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"ExtensionHost/internal/loader"
)

// RouteTarget is one published plugin route.
type RouteTarget struct {
	Plugin  *loader.LoadedPlugin
	Route   loader.Route
	Pattern string
}

// RouteMatch is a route lookup hit with its path parameters.
type RouteMatch struct {
	RouteTarget
	Params map[string]string
}

// HookGroup holds one installation's hooks for an event, in registration order.
type HookGroup struct {
	Plugin *loader.LoadedPlugin
	Hooks  []loader.Hook
}

// JobTarget is one published job.
type JobTarget struct {
	Plugin *loader.LoadedPlugin
	Job    loader.JobBinding
}

// WebhookTarget is one published webhook spec.
type WebhookTarget struct {
	Plugin  *loader.LoadedPlugin
	Webhook loader.Webhook
}

// DispatchTable is an immutable snapshot of a tenant's enabled bindings. A new table is
// built for every transition and swapped in atomically.
type DispatchTable struct {
	TenantID string

	plugins  map[string]*loader.LoadedPlugin
	mux      *chi.Mux
	routes   map[string]RouteTarget
	hooks    map[string][]HookGroup
	jobs     []JobTarget
	webhooks []WebhookTarget
}

var emptyTable = &DispatchTable{}

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

func noopHandler(http.ResponseWriter, *http.Request) {}

// buildTable indexes the enabled plugins of a tenant. Routes chi refuses are dropped.
func buildTable(tenantID string, plugins map[string]*loader.LoadedPlugin, log *slog.Logger) *DispatchTable {
	t := &DispatchTable{
		TenantID: tenantID,
		plugins:  make(map[string]*loader.LoadedPlugin, len(plugins)),
		routes:   make(map[string]RouteTarget),
		hooks:    make(map[string][]HookGroup),
	}
	slugs := make([]string, 0, len(plugins))
	for slug, lp := range plugins {
		t.plugins[slug] = lp
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		lp := t.plugins[slug]
		for _, r := range lp.Routes {
			pattern := "/" + slug + strings.TrimSuffix(r.Path, "/")
			if r.Path == "/" {
				pattern = "/" + slug
			}
			if t.mux == nil {
				t.mux = chi.NewMux()
			}
			if err := addRoute(t.mux, r.Method, pattern); err != nil {
				log.Warn("plugin route not published",
					slog.String("tenant_id", tenantID),
					slog.String("plugin", slug),
					slog.String("route", r.Method+" "+r.Path),
					slog.String("error", err.Error()),
				)
				continue
			}
			t.routes[routeKey(r.Method, pattern)] = RouteTarget{Plugin: lp, Route: r, Pattern: pattern}
		}

		events := make([]string, 0, len(lp.Hooks))
		for ev := range lp.Hooks {
			events = append(events, ev)
		}
		sort.Strings(events)
		for _, ev := range events {
			hooks := append([]loader.Hook(nil), lp.Hooks[ev]...)
			sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
			if len(hooks) > 0 {
				t.hooks[ev] = append(t.hooks[ev], HookGroup{Plugin: lp, Hooks: hooks})
			}
		}

		names := make([]string, 0, len(lp.Jobs))
		for name := range lp.Jobs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t.jobs = append(t.jobs, JobTarget{Plugin: lp, Job: lp.Jobs[name]})
		}

		for _, wh := range lp.Webhooks {
			t.webhooks = append(t.webhooks, WebhookTarget{Plugin: lp, Webhook: wh})
		}
	}
	return t
}

func addRoute(mux *chi.Mux, method, pattern string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	mux.MethodFunc(method, pattern, noopHandler)
	return nil
}

// Empty reports whether nothing is published.
func (t *DispatchTable) Empty() bool {
	return t == nil || len(t.plugins) == 0
}

// Plugin returns an enabled plugin by slug.
func (t *DispatchTable) Plugin(slug string) (*loader.LoadedPlugin, bool) {
	if t == nil {
		return nil, false
	}
	lp, ok := t.plugins[slug]
	return lp, ok
}

// Slugs lists the enabled plugins.
func (t *DispatchTable) Slugs() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.plugins))
	for slug := range t.plugins {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// MatchRoute resolves a request path, relative to the route prefix, such as "/crm/deals/42".
func (t *DispatchTable) MatchRoute(method, path string) (RouteMatch, bool) {
	if t == nil || t.mux == nil {
		return RouteMatch{}, false
	}
	if path == "" {
		path = "/"
	}
	rctx := chi.NewRouteContext()
	pattern := t.mux.Find(rctx, method, path)
	if pattern == "" {
		return RouteMatch{}, false
	}
	target, ok := t.routes[routeKey(method, pattern)]
	if !ok {
		return RouteMatch{}, false
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if i < len(rctx.URLParams.Values) {
			params[key] = rctx.URLParams.Values[i]
		}
	}
	return RouteMatch{RouteTarget: target, Params: params}, true
}

// Routes lists every published route.
func (t *DispatchTable) Routes() []RouteTarget {
	if t == nil {
		return nil
	}
	out := make([]RouteTarget, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Route.Method < out[j].Route.Method
	})
	return out
}

// Hooks returns the hook groups subscribed to eventType.
func (t *DispatchTable) Hooks(eventType string) []HookGroup {
	if t == nil {
		return nil
	}
	return t.hooks[eventType]
}

// Jobs lists every published job.
func (t *DispatchTable) Jobs() []JobTarget {
	if t == nil {
		return nil
	}
	return t.jobs
}

// Job finds one job of one plugin.
func (t *DispatchTable) Job(slug, name string) (JobTarget, bool) {
	lp, ok := t.Plugin(slug)
	if !ok {
		return JobTarget{}, false
	}
	job, ok := lp.Jobs[name]
	if !ok {
		return JobTarget{}, false
	}
	return JobTarget{Plugin: lp, Job: job}, true
}

// Webhooks returns the webhook specs triggered by eventType.
func (t *DispatchTable) Webhooks(eventType string) []WebhookTarget {
	if t == nil {
		return nil
	}
	var out []WebhookTarget
	for _, wh := range t.webhooks {
		if wh.Webhook.Spec.Matches(eventType) {
			out = append(out, wh)
		}
	}
	return out
}
