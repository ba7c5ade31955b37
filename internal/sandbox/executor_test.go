package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ExtensionHost/internal/datastore"
	"ExtensionHost/internal/egress"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/observability/alerting"
	"ExtensionHost/internal/secrets"
	"ExtensionHost/pkg/plugin"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	depths []int
}

func (r *recordingEmitter) Emit(_ context.Context, _ plugin.Identity, eventType string, _ map[string]any, depth int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.depths = append(r.depths, depth)
	return nil
}

type recordingAlerts struct {
	count atomic.Int32
}

func (r *recordingAlerts) Notify(context.Context, alerting.Event) error {
	r.count.Add(1)
	return nil
}

type fixture struct {
	exec    *Executor
	emitter *recordingEmitter
	alerts  *recordingAlerts
	docs    *datastore.MemoryStore
}

func newFixture(t *testing.T, limits Limits, policies map[string]egress.Policy) *fixture {
	t.Helper()
	gate, err := egress.NewGate(nil, policies)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	svc, err := secrets.NewService("0123456789abcdef-master", secrets.NewMemoryStore())
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	f := &fixture{emitter: &recordingEmitter{}, alerts: &recordingAlerts{}, docs: datastore.NewMemoryStore()}
	f.exec = NewExecutor(limits,
		WithAlerts(f.alerts),
		WithModules(BuiltinModules(Deps{
			Documents: f.docs,
			HTTP:      egress.NewClient(gate, egress.ClientConfig{}),
			Secrets:   svc,
			Analytics: LogTracker{},
			Events:    f.emitter,
		})...),
	)
	return f
}

func compile(t *testing.T, files map[string]string) *Program {
	t.Helper()
	raw := make(map[string][]byte, len(files))
	for name, src := range files {
		raw[name] = []byte(src)
	}
	prog, err := Compile("demo", "main.lua", raw)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return prog
}

func invocation(prog *Program, fn string, perms ...string) Invocation {
	return Invocation{
		Program:  prog,
		Handler:  HandlerRef{Function: fn},
		Kind:     KindHook,
		Identity: plugin.Identity{TenantID: "acme", InstallationID: "inst-1", Slug: "demo", Version: "1.0.0", UserID: "u-7"},
		Grant:    plugin.NewGrant(perms...),
	}
}

func TestExecuteReturnsHandlerValue(t *testing.T) {
	f := newFixture(t, Limits{}, nil)
	prog := compile(t, map[string]string{"main.lua": `
function handle(ctx, input)
  return { tenant = ctx.tenant_id, user = ctx.user_id, doubled = input.n * 2 }
end`})
	inv := invocation(prog, "handle")
	inv.Args = []any{map[string]any{"n": 21}}
	res := f.exec.Execute(context.Background(), inv)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	out, ok := res.Value.(map[string]any)
	if !ok || out["tenant"] != "acme" || out["user"] != "u-7" || out["doubled"] != 42.0 {
		t.Fatalf("unexpected value %#v", res.Value)
	}
}

func TestCapabilityWithoutGrantReturnsPermissionDenied(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	f := newFixture(t, Limits{}, map[string]egress.Policy{"acme": {Allow: []string{"127.0.0.1:*"}}})
	prog := compile(t, map[string]string{"main.lua": `
function on_auth_user_created(ctx, event)
  local resp, err = ctx.http.get(event.callback)
  if err then return err.kind end
  return "reached"
end`})
	inv := invocation(prog, "on_auth_user_created", manifest.PermDBRead)
	inv.Args = []any{map[string]any{"callback": srv.URL}}
	res := f.exec.Execute(context.Background(), inv)
	if !res.Success || res.Value != string(xerrors.CodePermissionDenied) {
		t.Fatalf("expected successful hook reporting PERMISSION_DENIED, got %+v %v", res.Error, res.Value)
	}
	if hits.Load() != 0 {
		t.Fatalf("denied capability reached the network")
	}
	if res.Usage.Denials != 1 || res.Usage.CapabilityCalls != 1 {
		t.Fatalf("unexpected usage %+v", res.Usage)
	}
}

func TestEgressBlockedIsCapabilityError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	f := newFixture(t, Limits{}, map[string]egress.Policy{"acme": {Allow: []string{"api.example.com"}}})
	prog := compile(t, map[string]string{"main.lua": `
function call(ctx, url)
  local resp, err = http.get(url)
  return { kind = err and err.kind, resp = resp }
end`})
	inv := invocation(prog, "call", manifest.PermHTTPEgress)
	inv.Args = []any{srv.URL}
	res := f.exec.Execute(context.Background(), inv)
	out, _ := res.Value.(map[string]any)
	if !res.Success || out["kind"] != string(xerrors.CodeEgressBlocked) {
		t.Fatalf("expected EGRESS_BLOCKED capability error, got %+v %#v", res.Error, res.Value)
	}
	if hits.Load() != 0 {
		t.Fatalf("blocked call reached the network")
	}
}

func TestHTTPCapabilityThroughGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":"` + r.Method + `"}`))
	}))
	defer srv.Close()

	f := newFixture(t, Limits{MaxOutboundCalls: 1}, map[string]egress.Policy{"acme": {Allow: []string{"127.0.0.1:*"}}})
	prog := compile(t, map[string]string{"main.lua": `
function call(ctx, url)
  local resp, err = http.post(url, { hello = "world" })
  if err then error(err) end
  local _, second = http.get(url)
  return { status = resp.status, echo = resp.json.echo, second = second and second.kind }
end`})
	inv := invocation(prog, "call", manifest.PermHTTPEgress)
	inv.Args = []any{srv.URL}
	res := f.exec.Execute(context.Background(), inv)
	if !res.Success {
		t.Fatalf("unexpected failure %+v", res.Error)
	}
	out := res.Value.(map[string]any)
	if out["status"] != 200.0 || out["echo"] != "POST" || out["second"] != string(xerrors.CodeLimitExceeded) {
		t.Fatalf("unexpected value %#v", out)
	}
	if res.Usage.OutboundCalls != 1 {
		t.Fatalf("expected one outbound call, got %+v", res.Usage)
	}
}

func TestTimeoutStopsHandler(t *testing.T) {
	f := newFixture(t, Limits{Timeout: 50 * time.Millisecond}, nil)
	prog := compile(t, map[string]string{"main.lua": `
function spin(ctx)
  while true do end
end`})
	start := time.Now()
	res := f.exec.Execute(context.Background(), invocation(prog, "spin"))
	if res.Success || res.Error.Kind != xerrors.CodeSandboxTimeout {
		t.Fatalf("expected SANDBOX_TIMEOUT, got %+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout was not enforced promptly")
	}
}

func TestFaultsAreIsolated(t *testing.T) {
	f := newFixture(t, Limits{}, nil)
	prog := compile(t, map[string]string{"main.lua": `
function boom(ctx) error("boom") end
function nilcall(ctx) local x = nil; return x.field end
function raised(ctx) error({ kind = "EGRESS_BLOCKED", message = "nope" }) end
function forged(ctx) error({ kind = "UNKNOWN", message = "forged" }) end
function deep(ctx) return deep(ctx) + 1 end
`})
	cases := []struct {
		fn   string
		kind xerrors.Code
	}{
		{"boom", xerrors.CodeSandboxPanic},
		{"nilcall", xerrors.CodeSandboxPanic},
		{"raised", xerrors.CodeEgressBlocked},
		{"forged", xerrors.CodeSandboxPanic},
		{"deep", xerrors.CodeSandboxPanic},
		{"missing", xerrors.CodeNotFound},
	}
	for _, tc := range cases {
		res := f.exec.Execute(context.Background(), invocation(prog, tc.fn))
		if res.Success || res.Error.Kind != tc.kind {
			t.Fatalf("%s: expected %s, got %+v", tc.fn, tc.kind, res)
		}
	}
	if f.alerts.count.Load() != 4 {
		t.Fatalf("expected an alert per panic, got %d", f.alerts.count.Load())
	}
}

func TestSecretsLifecycleInsideSandbox(t *testing.T) {
	f := newFixture(t, Limits{}, nil)
	prog := compile(t, map[string]string{"main.lua": `
function run(ctx)
  local _, err = secrets.set("API_KEY", "abc")
  if err then error(err) end
  local v = secrets.get("API_KEY")
  secrets.delete("API_KEY")
  local missing, merr = secrets.get("API_KEY")
  return { value = v, missing = missing, kind = merr.kind }
end`})
	res := f.exec.Execute(context.Background(), invocation(prog, "run", manifest.PermSecretsRead, manifest.PermSecretsWrite))
	if !res.Success {
		t.Fatalf("unexpected failure %+v", res.Error)
	}
	out := res.Value.(map[string]any)
	if out["value"] != "abc" || out["missing"] != nil || out["kind"] != string(xerrors.CodeSecretNotFound) {
		t.Fatalf("unexpected value %#v", out)
	}
}

func TestDocumentsAreTenantScoped(t *testing.T) {
	f := newFixture(t, Limits{}, nil)
	_ = f.docs.Put(context.Background(), "other", "deals", "d1", map[string]any{"stage": "won"})
	prog := compile(t, map[string]string{"main.lua": `
function run(ctx)
  db.put("deals", "d2", { stage = "won" })
  local _, err = db.get("deals", "d1")
  local rows = db.find("deals", { stage = "won" })
  return { other = err.kind, count = #rows }
end`})
	res := f.exec.Execute(context.Background(), invocation(prog, "run", manifest.PermDBRead, manifest.PermDBWrite))
	out, _ := res.Value.(map[string]any)
	if !res.Success || out["other"] != string(xerrors.CodeNotFound) || out["count"] != 1.0 {
		t.Fatalf("unexpected result %+v %#v", res.Error, res.Value)
	}
}

func TestEmitIsBounded(t *testing.T) {
	f := newFixture(t, Limits{MaxEmits: 2}, nil)
	prog := compile(t, map[string]string{"main.lua": `
function run(ctx)
  emit("deal.won", { id = 1 })
  emit("deal.won", { id = 2 })
  local _, err = emit("deal.won", { id = 3 })
  return err.kind
end`})
	inv := invocation(prog, "run", manifest.PermEventsEmit)
	inv.Depth = 1
	res := f.exec.Execute(context.Background(), inv)
	if !res.Success || res.Value != string(xerrors.CodeLimitExceeded) {
		t.Fatalf("expected LIMIT_EXCEEDED on third emit, got %+v %v", res.Error, res.Value)
	}
	if len(f.emitter.events) != 2 || f.emitter.depths[0] != 2 || res.Usage.EmittedEvents != 2 {
		t.Fatalf("unexpected emits %v %v %+v", f.emitter.events, f.emitter.depths, res.Usage)
	}
}

func TestUnsafeGlobalsRemovedAndLocalRequire(t *testing.T) {
	f := newFixture(t, Limits{MaxStringBytes: 1024}, nil)
	prog := compile(t, map[string]string{
		"main.lua": `
local util = require("lib.util")
function run(ctx)
  local ok = pcall(string.rep, "x", 4096)
  local _, rerr = pcall(require, "os")
  return {
    sandboxed = load == nil and dofile == nil and loadstring == nil and io == nil and os == nil,
    greeting = util.greet(ctx.plugin),
    rep_blocked = not ok,
    require_blocked = rerr ~= nil,
  }
end`,
		"lib/util.lua": `
local M = {}
function M.greet(name) return "hello " .. name end
return M`,
	})
	res := f.exec.Execute(context.Background(), invocation(prog, "run"))
	if !res.Success {
		t.Fatalf("unexpected failure %+v", res.Error)
	}
	out := res.Value.(map[string]any)
	for _, key := range []string{"sandboxed", "rep_blocked", "require_blocked"} {
		if out[key] != true {
			t.Fatalf("%s: expected true, got %#v", key, out)
		}
	}
	if out["greeting"] != "hello demo" {
		t.Fatalf("unexpected greeting %#v", out["greeting"])
	}
}

func TestPerTenantConcurrencyCap(t *testing.T) {
	f := newFixture(t, Limits{Timeout: time.Second}, nil)
	WithConcurrency(0, 1)(f.exec)
	prog := compile(t, map[string]string{"main.lua": `
function spin(ctx)
  while true do end
end`})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.exec.Execute(ctx, invocation(prog, "spin"))
		}(i)
	}
	wg.Wait()
	for _, res := range results {
		if res.Success || res.Error.Kind != xerrors.CodeSandboxTimeout {
			t.Fatalf("expected both invocations to time out, got %+v", res)
		}
	}
}
