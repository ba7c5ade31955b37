package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ExtensionHost/internal/config"
	"ExtensionHost/internal/host"
	"ExtensionHost/pkg/plugin"
)

const testConfig = `
server:
  max_archive_bytes: 65536
secrets:
  master_key: api-test-master-key-0123
`

const pingManifest = `
slug: ping
name: Ping
version: VERSION
entry: main.lua
permissions: [secrets.read]
routes: true
jobs:
  - name: tick
    schedule: "@every 1h"
`

const pingEntry = `
plugin = {
  routes = {
    { method = "GET", path = "/ping", handler = "ping" },
  },
}

function ping(ctx, req)
  local token = ctx.secrets.get("TOKEN")
  return { pong = true, tenant = ctx.tenant_id, user = ctx.user_id, token = token }
end

function job_tick(ctx, job) return job.name end
`

func pingPackage(t *testing.T, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"manifest.yaml": strings.Replace(pingManifest, "VERSION", version, 1),
		"main.lua":      pingEntry,
	}
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig), t.TempDir())
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	h, err := host.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return NewServer(h).Handler()
}

func do(t *testing.T, handler http.Handler, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestPluginLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	base := "/api/v1/tenants/acme/plugins"

	rec := do(t, srv, http.MethodPost, base, bytes.NewReader(pingPackage(t, "1.0.0")), map[string]string{"X-User-ID": "admin"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("install: %d %s", rec.Code, rec.Body.String())
	}
	var installed installResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &installed); err != nil {
		t.Fatalf("decode install: %v", err)
	}
	if installed.Installation.Enabled || installed.Installation.InstalledVersion != "1.0.0" {
		t.Fatalf("unexpected installation %+v", installed.Installation)
	}

	rec = do(t, srv, http.MethodPost, base, bytes.NewReader(pingPackage(t, "1.0.0")), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict on reinstall, got %d", rec.Code)
	}

	tenantHeaders := map[string]string{"X-Tenant-ID": "acme", "X-User-ID": "u-1"}
	if rec = do(t, srv, http.MethodGet, "/apps/ping/ping", nil, tenantHeaders); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled plugin route should miss, got %d", rec.Code)
	}

	if rec = do(t, srv, http.MethodPost, base+"/ping/enable", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("enable: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodPost, base+"/ping/enable", nil, nil); errorCode(t, rec) != "INVALID_TRANSITION" {
		t.Fatalf("double enable: %d %s", rec.Code, rec.Body.String())
	}

	if rec = do(t, srv, http.MethodPut, base+"/ping/secrets/TOKEN", strings.NewReader(`{"value":"t0k"}`), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("set secret: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/apps/ping/ping", nil, tenantHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("route: %d %s", rec.Code, rec.Body.String())
	}
	var pong map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &pong); err != nil {
		t.Fatalf("decode route: %v", err)
	}
	if pong["tenant"] != "acme" || pong["user"] != "u-1" || pong["token"] != "t0k" {
		t.Fatalf("unexpected route result %v", pong)
	}

	rec = do(t, srv, http.MethodPost, base+"/ping/jobs/tick/run", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"tick"`) {
		t.Fatalf("run job: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodPost, base+"/ping/jobs/missing/run", nil, nil); rec.Code == http.StatusOK {
		t.Fatalf("unknown job should fail")
	}

	if rec = do(t, srv, http.MethodPut, base+"/ping", bytes.NewReader(pingPackage(t, "1.0.0")), nil); rec.Code == http.StatusOK {
		t.Fatalf("upgrade to the same version should fail")
	}
	rec = do(t, srv, http.MethodPut, base+"/ping", bytes.NewReader(pingPackage(t, "1.1.0")), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upgrade: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, base, nil, nil)
	var list []plugin.Installation
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].InstalledVersion != "1.1.0" || !list[0].Enabled {
		t.Fatalf("unexpected list %+v", list)
	}

	if rec = do(t, srv, http.MethodGet, "/api/v1/tenants/globex/plugins/ping", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other tenant should not see the plugin, got %d", rec.Code)
	}

	if rec = do(t, srv, http.MethodDelete, base+"/ping", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("uninstall: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodGet, base+"/ping", nil, nil); errorCode(t, rec) != "PLUGIN_NOT_FOUND" {
		t.Fatalf("get after uninstall: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodGet, "/apps/ping/ping", nil, tenantHeaders); rec.Code != http.StatusNotFound {
		t.Fatalf("uninstalled route should miss, got %d", rec.Code)
	}
}

func TestInstallRejectsBadBodies(t *testing.T) {
	srv := newTestServer(t)
	base := "/api/v1/tenants/acme/plugins"

	if rec := do(t, srv, http.MethodPost, base, nil, nil); errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("empty body: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, srv, http.MethodPost, base, bytes.NewReader(make([]byte, 70000)), nil); errorCode(t, rec) != "LIMIT_EXCEEDED" {
		t.Fatalf("oversized body: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, srv, http.MethodPost, base, strings.NewReader("not an archive"), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage body: %d %s", rec.Code, rec.Body.String())
	}
}

func TestEgressPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	path := "/api/v1/tenants/acme/egress"

	rec := do(t, srv, http.MethodPut, path, strings.NewReader(`{"allow":["*.example.com"],"deny":["evil.example.com"]}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set policy: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, path, nil, nil)
	if !strings.Contains(rec.Body.String(), "*.example.com") || !strings.Contains(rec.Body.String(), "evil.example.com") {
		t.Fatalf("unexpected policy %s", rec.Body.String())
	}
	if rec = do(t, srv, http.MethodPut, path, strings.NewReader(`{"allow":["[bad"]}`), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid pattern: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodPut, path, strings.NewReader(`{`), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/deadletters", nil, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("dead letters: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "exthost_http_requests_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestManagementRoutesRequireTokens(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig+`
auth:
  mode: token
  tokens:
    - name: acme-ops
      token: acme-ops-token
      tenants: [acme]
      permissions: [plugins.read, plugins.write]
`), t.TempDir())
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	h, err := host.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	srv := NewServer(h).Handler()
	bearer := map[string]string{"Authorization": "Bearer acme-ops-token"}

	if rec := do(t, srv, http.MethodGet, "/api/v1/tenants/acme/plugins", nil, nil); errorCode(t, rec) != "UNAUTHENTICATED" {
		t.Fatalf("anonymous list: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, srv, http.MethodPost, "/api/v1/tenants/acme/plugins", bytes.NewReader(pingPackage(t, "1.0.0")), bearer); rec.Code != http.StatusCreated {
		t.Fatalf("install: %d %s", rec.Code, rec.Body.String())
	}
	rec := do(t, srv, http.MethodGet, "/api/v1/tenants/acme/plugins/ping", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodPut, "/api/v1/tenants/acme/egress", strings.NewReader(`{"allow":["*"]}`), bearer); errorCode(t, rec) != "PERMISSION_DENIED" {
		t.Fatalf("egress without permission: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodGet, "/api/v1/tenants/globex/plugins", nil, bearer); rec.Code != http.StatusForbidden {
		t.Fatalf("other tenant: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public: %d", rec.Code)
	}
}
