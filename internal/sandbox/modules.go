package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ExtensionHost/internal/datastore"
	"ExtensionHost/internal/egress"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/pkg/plugin"
)

// HTTPDoer performs gated outbound calls.
type HTTPDoer interface {
	Do(ctx context.Context, tenantID string, r egress.Request) (*egress.Response, error)
}

// SecretStore is the per-installation secret API.
type SecretStore interface {
	Get(ctx context.Context, tenantID, installationID, key string) (string, error)
	Set(ctx context.Context, tenantID, installationID, key, value string) error
	List(ctx context.Context, tenantID, installationID string) ([]string, error)
	Delete(ctx context.Context, tenantID, installationID, key string) error
}

// Tracker receives analytics.track calls.
type Tracker interface {
	Track(ctx context.Context, id plugin.Identity, event string, props map[string]any) error
}

// Emitter publishes events raised by plugin code. depth is the depth of the new event.
type Emitter interface {
	Emit(ctx context.Context, id plugin.Identity, eventType string, payload map[string]any, depth int) error
}

// Deps are the collaborators behind the built-in capability modules. A nil collaborator
// leaves its module out.
type Deps struct {
	Documents datastore.Store
	HTTP      HTTPDoer
	Secrets   SecretStore
	Analytics Tracker
	Events    Emitter
}

// LogTracker records analytics calls on a logger.
type LogTracker struct {
	Logger *slog.Logger
}

// Track implements Tracker.
func (t LogTracker) Track(_ context.Context, id plugin.Identity, event string, props map[string]any) error {
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("analytics event",
		slog.String("tenant_id", id.TenantID),
		slog.String("plugin", id.Slug),
		slog.String("event", event),
		slog.Any("props", props))
	return nil
}

// BuiltinModules builds db, http, secrets, analytics, emit and log.
func BuiltinModules(deps Deps) []Module {
	mods := []Module{logModule()}
	if deps.Documents != nil {
		mods = append(mods, dbModule(deps.Documents))
	}
	if deps.HTTP != nil {
		mods = append(mods, httpModule(deps.HTTP))
	}
	if deps.Secrets != nil {
		mods = append(mods, secretsModule(deps.Secrets))
	}
	if deps.Analytics != nil {
		mods = append(mods, analyticsModule(deps.Analytics))
	}
	if deps.Events != nil {
		mods = append(mods, emitModule(deps.Events))
	}
	return mods
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func dbModule(store datastore.Store) Module {
	return Module{Name: "db", Functions: []Function{
		{Name: "get", Permission: manifest.PermDBRead, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			collection, _ := argString(args, 0)
			id, _ := argString(args, 1)
			doc, err := store.Get(ctx, s.Identity.TenantID, collection, id)
			if err != nil {
				return nil, err
			}
			return doc.Data, nil
		}},
		{Name: "find", Permission: manifest.PermDBRead, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			collection, _ := argString(args, 0)
			docs, err := store.Find(ctx, s.Identity.TenantID, collection, argMap(args, 1), argInt(args, 2, 0))
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(docs))
			for _, doc := range docs {
				out = append(out, map[string]any{"id": doc.ID, "data": doc.Data})
			}
			return out, nil
		}},
		{Name: "put", Permission: manifest.PermDBWrite, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			collection, _ := argString(args, 0)
			id, _ := argString(args, 1)
			data := argMap(args, 2)
			if data == nil {
				return nil, invalid("db.put expects a table as third argument")
			}
			if err := store.Put(ctx, s.Identity.TenantID, collection, id, data); err != nil {
				return nil, err
			}
			return true, nil
		}},
		{Name: "delete", Permission: manifest.PermDBWrite, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			collection, _ := argString(args, 0)
			id, _ := argString(args, 1)
			if err := store.Delete(ctx, s.Identity.TenantID, collection, id); err != nil {
				return nil, err
			}
			return true, nil
		}},
	}}
}

func httpModule(doer HTTPDoer) Module {
	call := func(ctx context.Context, s *Scope, req egress.Request) (any, error) {
		if req.URL == "" {
			return nil, invalid("http call requires a url")
		}
		if err := s.CountOutbound(); err != nil {
			return nil, err
		}
		resp, err := doer.Do(ctx, s.Identity.TenantID, req)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"status":  resp.Status,
			"headers": resp.Headers,
			"body":    string(resp.Body),
		}
		var decoded any
		if json.Unmarshal(resp.Body, &decoded) == nil {
			out["json"] = decoded
		}
		return out, nil
	}
	return Module{Name: "http", Functions: []Function{
		{Name: "request", Permission: manifest.PermHTTPEgress, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			opts := argMap(args, 0)
			if opts == nil {
				return nil, invalid("http.request expects an options table")
			}
			req := egress.Request{Method: http.MethodGet, Headers: stringMap(opts["headers"])}
			if m, ok := opts["method"].(string); ok && m != "" {
				req.Method = strings.ToUpper(m)
			}
			req.URL, _ = opts["url"].(string)
			if ms, ok := opts["timeout_ms"].(float64); ok && ms > 0 {
				req.Timeout = time.Duration(ms) * time.Millisecond
			}
			body, err := encodeBody(opts["body"], req.Headers)
			if err != nil {
				return nil, err
			}
			req.Body = body
			return call(ctx, s, req)
		}},
		{Name: "get", Permission: manifest.PermHTTPEgress, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			url, _ := argString(args, 0)
			var headers map[string]string
			if len(args) > 1 {
				headers = stringMap(args[1])
			}
			return call(ctx, s, egress.Request{Method: http.MethodGet, URL: url, Headers: headers})
		}},
		{Name: "post", Permission: manifest.PermHTTPEgress, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			url, _ := argString(args, 0)
			var headers map[string]string
			if len(args) > 2 {
				headers = stringMap(args[2])
			}
			if headers == nil {
				headers = map[string]string{}
			}
			var raw any
			if len(args) > 1 {
				raw = args[1]
			}
			body, err := encodeBody(raw, headers)
			if err != nil {
				return nil, err
			}
			return call(ctx, s, egress.Request{Method: http.MethodPost, URL: url, Headers: headers, Body: body})
		}},
	}}
}

// encodeBody sends strings as-is and tables as JSON, defaulting the content type.
func encodeBody(v any, headers map[string]string) ([]byte, error) {
	switch body := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(body), nil
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, invalid("http body is not JSON encodable: %v", err)
		}
		if headers != nil {
			if _, ok := headers["Content-Type"]; !ok {
				headers["Content-Type"] = "application/json"
			}
		}
		return raw, nil
	}
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		out[k] = fmt.Sprint(item)
	}
	return out
}

func secretsModule(store SecretStore) Module {
	return Module{Name: "secrets", Functions: []Function{
		{Name: "get", Permission: manifest.PermSecretsRead, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			key, _ := argString(args, 0)
			return store.Get(ctx, s.Identity.TenantID, s.Identity.InstallationID, key)
		}},
		{Name: "list", Permission: manifest.PermSecretsRead, Call: func(ctx context.Context, s *Scope, _ []any) (any, error) {
			keys, err := store.List(ctx, s.Identity.TenantID, s.Identity.InstallationID)
			if err != nil {
				return nil, err
			}
			return keys, nil
		}},
		{Name: "set", Permission: manifest.PermSecretsWrite, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			key, _ := argString(args, 0)
			value, ok := argString(args, 1)
			if !ok {
				return nil, invalid("secrets.set expects a string value")
			}
			if err := store.Set(ctx, s.Identity.TenantID, s.Identity.InstallationID, key, value); err != nil {
				return nil, err
			}
			return true, nil
		}},
		{Name: "delete", Permission: manifest.PermSecretsWrite, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			key, _ := argString(args, 0)
			if err := store.Delete(ctx, s.Identity.TenantID, s.Identity.InstallationID, key); err != nil {
				return nil, err
			}
			return true, nil
		}},
	}}
}

func analyticsModule(tracker Tracker) Module {
	return Module{Name: "analytics", Functions: []Function{
		{Name: "track", Permission: manifest.PermAnalyticsTrack, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			event, ok := argString(args, 0)
			if !ok || event == "" {
				return nil, invalid("analytics.track expects an event name")
			}
			if err := tracker.Track(ctx, s.Identity, event, argMap(args, 1)); err != nil {
				return nil, err
			}
			return true, nil
		}},
	}}
}

func emitModule(emitter Emitter) Module {
	return Module{Functions: []Function{
		{Name: "emit", Permission: manifest.PermEventsEmit, Call: func(ctx context.Context, s *Scope, args []any) (any, error) {
			eventType, ok := argString(args, 0)
			if !ok || !manifest.ValidEventType(eventType) {
				return nil, invalid("emit expects a valid event type")
			}
			if err := s.CountEmit(); err != nil {
				return nil, err
			}
			payload := argMap(args, 1)
			if payload == nil {
				payload = map[string]any{}
			}
			if err := emitter.Emit(ctx, s.Identity, eventType, payload, s.Depth+1); err != nil {
				return nil, err
			}
			return true, nil
		}},
	}}
}

func logModule() Module {
	level := func(lvl slog.Level) func(context.Context, *Scope, []any) (any, error) {
		return func(ctx context.Context, s *Scope, args []any) (any, error) {
			msg, _ := argString(args, 0)
			fields := argMap(args, 1)
			attrs := make([]any, 0, len(fields))
			for _, k := range sortedKeys(fields) {
				attrs = append(attrs, slog.Any(k, fields[k]))
			}
			s.Log.Log(ctx, lvl, msg, attrs...)
			return true, nil
		}
	}
	return Module{Name: "log", Functions: []Function{
		{Name: "debug", Call: level(slog.LevelDebug)},
		{Name: "info", Call: level(slog.LevelInfo)},
		{Name: "warn", Call: level(slog.LevelWarn)},
		{Name: "error", Call: level(slog.LevelError)},
	}}
}
