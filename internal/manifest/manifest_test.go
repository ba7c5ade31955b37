package manifest

import (
	"errors"
	"strings"
	"testing"

	xerrors "ExtensionHost/internal/errors"
)

const validManifest = `
slug: crm-sync
name: CRM Sync
version: 1.2.0
entry: main.lua
permissions: [db.read, http.egress, db.read]
routes: true
events: [auth.user.created, deal.stage_changed]
jobs:
  - name: nightly_sync
    schedule: "0 2 * * *"
  - name: heartbeat
    schedule: "@every 1m"
webhooks:
  - hooks/deal.yaml
  - on: [deal.stage_changed]
    delivery:
      url: https://hooks.example.com/deals
      signing: {secret: s3cr3t}
`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Slug != "crm-sync" || m.Version != "1.2.0" {
		t.Fatalf("unexpected identity %+v", m)
	}
	if len(m.Permissions) != 2 {
		t.Fatalf("expected permissions deduplicated, got %v", m.Permissions)
	}
	if !m.DeclaresEvent("auth.user.created") || m.DeclaresEvent("deal.created") {
		t.Fatalf("event declarations wrong: %v", m.Events)
	}
	if _, ok := m.JobByName("heartbeat"); !ok {
		t.Fatalf("expected heartbeat job")
	}
	if len(m.Webhooks) != 2 || m.Webhooks[0].Path != "hooks/deal.yaml" || m.Webhooks[1].Inline == nil {
		t.Fatalf("unexpected webhook refs %+v", m.Webhooks)
	}
	inline := m.Webhooks[1].Inline
	if inline.Retry.MaxAttempts != 5 || inline.Retry.Backoff != BackoffExponential || inline.Delivery.Signing.Alg != AlgHMACSHA256 {
		t.Fatalf("defaults not applied: %+v", inline)
	}
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	cases := map[string]string{
		"missing slug":      "version: 1.0.0\nentry: main.lua\n",
		"bad slug":          "slug: CRM\nversion: 1.0.0\nentry: main.lua\n",
		"missing version":   "slug: crm\nentry: main.lua\n",
		"bad semver":        "slug: crm\nversion: 1.0\nentry: main.lua\n",
		"missing entry":     "slug: crm\nversion: 1.0.0\n",
		"traversal entry":   "slug: crm\nversion: 1.0.0\nentry: ../main.lua\n",
		"non lua entry":     "slug: crm\nversion: 1.0.0\nentry: main.py\n",
		"bad schedule":      "slug: crm\nversion: 1.0.0\nentry: main.lua\njobs: [{name: j, schedule: 'often'}]\n",
		"host too old":      "slug: crm\nversion: 1.0.0\nentry: main.lua\nmin_host_version: '>= 9.0.0'\n",
		"bad event":         "slug: crm\nversion: 1.0.0\nentry: main.lua\nevents: ['Auth User']\n",
		"duplicate job":     "slug: crm\nversion: 1.0.0\nentry: main.lua\njobs: [{name: j, schedule: '@hourly'}, {name: j, schedule: '@daily'}]\n",
		"not yaml":          "slug: [",
		"webhook bad url":   "slug: crm\nversion: 1.0.0\nentry: main.lua\nwebhooks: [{on: [a.b], delivery: {url: 'ftp://x', signing: {secret: s}}}]\n",
		"webhook no secret": "slug: crm\nversion: 1.0.0\nentry: main.lua\nwebhooks: [{on: [a.b], delivery: {url: 'https://x.io'}}]\n",
	}
	for name, raw := range cases {
		_, err := Parse([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !errors.Is(err, ErrManifest) {
			t.Fatalf("%s: expected manifest error, got %v", name, err)
		}
	}
}

func TestFieldErrorCarriesField(t *testing.T) {
	_, err := Parse([]byte("slug: crm\nentry: main.lua\n"))
	e, ok := xerrors.From(err)
	if !ok || e.Metadata()["field"] != "version" {
		t.Fatalf("expected version field error, got %v", err)
	}
}

func TestWebhookSpecValidation(t *testing.T) {
	spec, err := ParseWebhookSpec("deal", []byte(`
api_version: v1
on: [deal.stage_changed]
delivery:
  url: https://hooks.example.com/in
  headers: {X-Source: crm}
  signing: {alg: hmac-sha512, secret_ref: WEBHOOK_SECRET}
transform:
  entry: transforms.lua:shape_deal
  requires: [db.read]
retry:
  max_attempts: 3
  backoff: fixed
`))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	if spec.Name != "deal" || spec.Delivery.Signing.Alg != AlgHMACSHA512 {
		t.Fatalf("unexpected spec %+v", spec)
	}
	file, fn := spec.Transform.TransformFunction()
	if file != "transforms.lua" || fn != "shape_deal" {
		t.Fatalf("unexpected transform locator %s:%s", file, fn)
	}
	if !spec.Matches("deal.stage_changed") || spec.Matches("deal.created") {
		t.Fatalf("matching wrong")
	}

	_, err = ParseWebhookSpec("bad", []byte("on: [a.b]\ndelivery: {url: 'https://x.io', signing: {secret: s}}\nretry: {max_attempts: 50}\n"))
	if err == nil || !strings.Contains(err.Error(), "max_attempts") {
		t.Fatalf("expected max_attempts error, got %v", err)
	}
}

func TestRegisterPermission(t *testing.T) {
	if KnownPermission("send_email") {
		t.Fatalf("send_email must not be known before registration")
	}
	RegisterPermission("send_email")
	if !KnownPermission("send_email") {
		t.Fatalf("expected send_email to be registered")
	}
}

func TestCompareVersions(t *testing.T) {
	if c, err := CompareVersions("1.2.0", "1.10.0"); err != nil || c != -1 {
		t.Fatalf("expected 1.2.0 < 1.10.0, got %d %v", c, err)
	}
}
