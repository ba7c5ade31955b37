package loader

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/pkg/plugin"
)

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
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

type tarEntry struct {
	name     string
	content  string
	typeflag byte
	link     string
}

func tarGzArchive(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		flag := e.typeflag
		if flag == 0 {
			flag = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.content)), Typeflag: flag, Linkname: e.link}
		if flag != tar.TypeReg {
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if flag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("tar write: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

const crmManifest = `
slug: crm-sync
name: CRM Sync
version: 1.2.0
entry: main.lua
permissions: [db.read, db.write, send_fax]
routes: true
events: [auth.user.created, deal.won, deal.lost]
jobs:
  - name: nightly
    schedule: "0 2 * * *"
  - name: hourly
    schedule: "@every 1h"
webhooks:
  - hooks/deal.yaml
`

const crmEntry = `
error("top-level code must never run during load")

plugin = {
  routes = {
    { method = "get", path = "/contacts/{id}", handler = "get_contact", requires = { "db.read" } },
    { method = "POST", path = "/sync", handler = sync, requires = { "http.egress" } },
    { method = "GET", path = "/dynamic", handler = "get_" .. "contact" },
  },
  hooks = {
    { event = "deal.won", handler = "on_won", requires = { "db.write" } },
    { event = "deal.won", handler = "on_won_notify", requires = { "http.egress" } },
    { event = "billing.paid", handler = "on_won" },
  },
  jobs = {
    { name = "nightly", schedule = "0 3 * * *", handler = "cleanup" },
  },
}

function get_contact(ctx, req) return { id = req.params.id } end
function sync(ctx, req) return true end
function on_won(ctx, event) return true end
function on_won_notify(ctx, event) return true end
function on_auth_user_created(ctx, event) return true end
function cleanup(ctx) return true end
local function hidden() end
`

const dealWebhook = `
api_version: v1
on: [deal.won]
delivery:
  url: https://hooks.example.com/deals
  signing: {alg: HMAC-SHA256, secret: s3cret}
transform:
  entry: transforms/shape.lua:shape
  requires: [db.read]
retry:
  max_attempts: 3
  backoff: fixed
`

func crmFiles() map[string]string {
	return map[string]string{
		"manifest.yaml":        crmManifest,
		"main.lua":             crmEntry,
		"hooks/deal.yaml":      dealWebhook,
		"transforms/shape.lua": "function shape(ctx, payload) return { id = payload.id } end",
		"README.md":            "# crm",
	}
}

func hasWarning(lp *LoadedPlugin, fragment string) bool {
	for _, w := range lp.Warnings {
		if strings.Contains(w, fragment) {
			return true
		}
	}
	return false
}

func TestLoadProducesDisabledInstallationAndBindings(t *testing.T) {
	l := New()
	archive := zipArchive(t, crmFiles())
	p, inst, lp, err := l.Load(archive, "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.Enabled || inst.TenantID != "acme" || inst.PluginID != p.ID || inst.InstalledVersion != "1.2.0" {
		t.Fatalf("unexpected installation %+v", inst)
	}
	if p.Checksum != plugin.Checksum(archive) || len(p.Jobs) != 2 {
		t.Fatalf("unexpected plugin %+v", p)
	}

	if len(lp.Routes) != 1 || lp.Routes[0].Method != "GET" || lp.Routes[0].Path != "/contacts/{id}" {
		t.Fatalf("unexpected routes %+v", lp.Routes)
	}
	won := lp.Hooks["deal.won"]
	if len(won) != 1 || won[0].Handler.Function != "on_won" {
		t.Fatalf("unexpected deal.won hooks %+v", won)
	}
	created := lp.Hooks["auth.user.created"]
	if len(created) != 1 || created[0].Handler.Function != "on_auth_user_created" || created[0].Order <= won[0].Order {
		t.Fatalf("unexpected conventional hook %+v", created)
	}
	if _, ok := lp.Hooks["billing.paid"]; ok {
		t.Fatalf("undeclared event must not be bound")
	}
	nightly, ok := lp.Jobs["nightly"]
	if !ok || nightly.Handler.Function != "cleanup" || nightly.Schedule != "0 2 * * *" {
		t.Fatalf("unexpected job binding %+v", lp.Jobs)
	}
	if _, ok := lp.Jobs["hourly"]; ok {
		t.Fatalf("job without handler must not be bound")
	}

	for _, fragment := range []string{
		"route POST /sync dropped: requires undeclared permissions http.egress",
		"only literal values are allowed",
		"hook deal.won -> on_won_notify dropped",
		"billing.paid",
		`schedule "0 3 * * *" ignored`,
		"job hourly is declared but has no handler",
		"event deal.lost is declared but has no handler",
		`permission "send_fax" withheld: unknown permission`,
	} {
		if !hasWarning(lp, fragment) {
			t.Fatalf("missing warning %q in %v", fragment, lp.Warnings)
		}
	}
	if lp.Grant.Has("send_fax") || !lp.Grant.Has(manifest.PermDBWrite) {
		t.Fatalf("unexpected grant %v", lp.Grant.List())
	}

	if len(lp.Webhooks) != 1 {
		t.Fatalf("expected one webhook, got %+v", lp.Webhooks)
	}
	wh := lp.Webhooks[0]
	if wh.ID != "crm-sync/deal" || wh.Transform == nil || wh.Transform.File != "transforms/shape.lua" || wh.Transform.Function != "shape" {
		t.Fatalf("unexpected webhook %+v", wh)
	}
	if wh.Spec.Retry.MaxAttempts != 3 || wh.Spec.Retry.Backoff != manifest.BackoffFixed {
		t.Fatalf("unexpected retry policy %+v", wh.Spec.Retry)
	}
}

func TestRoutesDroppedWhenManifestDisablesThem(t *testing.T) {
	files := crmFiles()
	files["manifest.yaml"] = strings.Replace(crmManifest, "routes: true", "routes: false", 1)
	_, _, lp, err := New().Load(zipArchive(t, files), "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lp.Routes) != 0 || !hasWarning(lp, "manifest does not declare routes") {
		t.Fatalf("routes must be dropped: %+v %v", lp.Routes, lp.Warnings)
	}
}

func TestIsolationPolicyWithholdsPermissions(t *testing.T) {
	l := New(WithIsolationPolicy(plugin.IsolationPolicy{Denied: []string{manifest.PermDBWrite}}))
	_, _, lp, err := l.Load(zipArchive(t, crmFiles()), "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if lp.Grant.Has(manifest.PermDBWrite) || !lp.Grant.Has(manifest.PermDBRead) {
		t.Fatalf("unexpected grant %v", lp.Grant.List())
	}
	if !hasWarning(lp, "denied by host policy") {
		t.Fatalf("expected withheld warning, got %v", lp.Warnings)
	}
}

func TestBindRebuildsFromStoredArchive(t *testing.T) {
	l := New()
	p, inst, first, err := l.Load(tarGzArchive(t,
		tarEntry{name: "crm/manifest.yaml", content: crmManifest},
		tarEntry{name: "crm/main.lua", content: crmEntry},
		tarEntry{name: "crm/hooks/deal.yaml", content: dealWebhook},
		tarEntry{name: "crm/transforms/shape.lua", content: "function shape(ctx, p) return p end"},
	), "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	again, err := l.Bind(p, inst)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(again.Routes) != len(first.Routes) || len(again.Hooks) != len(first.Hooks) || len(again.Jobs) != len(first.Jobs) {
		t.Fatalf("rebind differs: %+v vs %+v", again, first)
	}

	tampered := p.Clone()
	tampered.Version = "9.9.9"
	if _, err := l.Bind(tampered, inst); xerrors.CodeOf(err) != xerrors.CodeLoaderError {
		t.Fatalf("expected loader error for mismatched record, got %v", err)
	}
}

func TestLoadRejectsInvalidPackages(t *testing.T) {
	valid := crmFiles()
	with := func(extra map[string]string) map[string]string {
		out := make(map[string]string, len(valid)+len(extra))
		for k, v := range valid {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	without := func(name string) map[string]string {
		out := with(nil)
		delete(out, name)
		return out
	}

	cases := []struct {
		name    string
		archive []byte
		code    xerrors.Code
	}{
		{"not an archive", []byte("plain text"), xerrors.CodeLoaderError},
		{"path traversal", zipArchive(t, with(map[string]string{"../evil.lua": "x"})), xerrors.CodeLoaderError},
		{"absolute path", zipArchive(t, with(map[string]string{"/etc/evil.lua": "x"})), xerrors.CodeLoaderError},
		{"disallowed extension", zipArchive(t, with(map[string]string{"bin/run.sh": "rm -rf /"})), xerrors.CodeLoaderError},
		{"oversized file", zipArchive(t, with(map[string]string{"big.txt": strings.Repeat("x", 1<<20+1)})), xerrors.CodeLoaderError},
		{"missing manifest", zipArchive(t, without("manifest.yaml")), xerrors.CodeManifestError},
		{"missing entry", zipArchive(t, without("main.lua")), xerrors.CodeLoaderError},
		{"missing webhook file", zipArchive(t, without("hooks/deal.yaml")), xerrors.CodeLoaderError},
		{"bad semver", zipArchive(t, with(map[string]string{"manifest.yaml": strings.Replace(crmManifest, "1.2.0", "1.2", 1)})), xerrors.CodeManifestError},
		{"syntax error", zipArchive(t, with(map[string]string{"main.lua": "function broken("})), xerrors.CodeLoaderError},
		{"symlink", tarGzArchive(t,
			tarEntry{name: "manifest.yaml", content: crmManifest},
			tarEntry{name: "main.lua", typeflag: tar.TypeSymlink, link: "/etc/passwd"},
		), xerrors.CodeLoaderError},
		{"tar traversal", tarGzArchive(t,
			tarEntry{name: "manifest.yaml", content: crmManifest},
			tarEntry{name: "lib/../../main.lua", content: "x"},
		), xerrors.CodeLoaderError},
	}
	for _, tc := range cases {
		_, _, _, err := New().Load(tc.archive, "acme")
		if got := xerrors.CodeOf(err); got != tc.code {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.code, got, err)
		}
	}
}

func TestReadArchiveEnforcesEntryLimit(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 5; i++ {
		files[strings.Repeat("a", i+1)+".txt"] = "x"
	}
	_, err := ReadArchive(zipArchive(t, files), ArchiveLimits{MaxEntries: 4})
	if xerrors.CodeOf(err) != xerrors.CodeLoaderError {
		t.Fatalf("expected entry limit error, got %v", err)
	}
	_, err = ReadArchive(zipArchive(t, files), ArchiveLimits{MaxTotalBytes: 3})
	if xerrors.CodeOf(err) != xerrors.CodeLoaderError {
		t.Fatalf("expected total size error, got %v", err)
	}
}

func TestDiscoverFindsOnlyTopLevelGlobals(t *testing.T) {
	d, err := Discover("main.lua", []byte(`
function a() end
b = function() end
local function c() end
local M = {}
function M.d() end
function M:e() end
plugin = make_markers()
`))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, ok := d.Functions[name]; !ok {
			t.Fatalf("expected %s to be discovered: %v", name, d.Functions)
		}
	}
	for _, name := range []string{"c", "d", "e", "M"} {
		if _, ok := d.Functions[name]; ok {
			t.Fatalf("%s must not be discovered", name)
		}
	}
	if len(d.Markers) != 0 || len(d.Warnings) != 1 {
		t.Fatalf("non-literal marker table must only warn: %+v", d)
	}
}

func TestExamplePackageLoads(t *testing.T) {
	root := filepath.Join("..", "..", "examples", "plugins", "crm-sync")
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("read example: %v", err)
	}

	_, _, lp, err := New().Load(zipArchive(t, files), "demo")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if len(lp.Routes) != 2 {
		t.Fatalf("expected two routes, got %+v (warnings %v)", lp.Routes, lp.Warnings)
	}
	if hooks := lp.Hooks["auth.user.created"]; len(hooks) != 1 {
		t.Fatalf("expected the conventional user hook, got %+v", lp.Hooks)
	}
	if _, ok := lp.Jobs["resync"]; !ok {
		t.Fatalf("expected resync job, got %+v", lp.Jobs)
	}
	if len(lp.Webhooks) != 1 || lp.Webhooks[0].Transform == nil || lp.Webhooks[0].Transform.File != "transforms/chat.lua" {
		t.Fatalf("unexpected webhooks %+v", lp.Webhooks)
	}
}
