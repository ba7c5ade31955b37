package exthost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ExtensionHost/pkg/plugin"
	"ExtensionHost/pkg/signature"
)

func TestInstallUploadsArchiveWithCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tenants/acme/plugins" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-User-ID") != "ops" {
			t.Fatalf("expected actor header, got %q", r.Header.Get("X-User-ID"))
		}
		if r.Header.Get("Authorization") != "Bearer ops-token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "archive-bytes" {
			t.Fatalf("unexpected body %q", body)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(InstallResult{
			Installation: &plugin.Installation{ID: "inst-1", Slug: "notes", InstalledVersion: "1.0.0"},
			Warnings:     []string{"hook dropped"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetActor("ops")
	client.SetToken("ops-token")
	res, err := client.Install(context.Background(), "acme", []byte("archive-bytes"))
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if res.Installation.ID != "inst-1" || len(res.Warnings) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestErrorsDecodeIntoAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"PLUGIN_NOT_FOUND","message":"plugin notes is not installed"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Get(context.Background(), "acme", "notes")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "PLUGIN_NOT_FOUND" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDeadLettersPassesLimitAndUninstallAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/tenants/acme/deadletters":
			if r.URL.Query().Get("limit") != "5" {
				t.Fatalf("expected limit=5, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"id":"dl-1","plugin":"notes","attempts":3,"last_status":502}]`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/tenants/acme/plugins/notes":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	list, err := client.DeadLetters(context.Background(), "acme", 5)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(list) != 1 || list[0].Plugin != "notes" || list[0].LastStatus != 502 {
		t.Fatalf("unexpected dead letters %+v", list)
	}
	if err := client.Uninstall(context.Background(), "acme", "notes"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
}

func TestVerifyDelivery(t *testing.T) {
	body := []byte(`{"id":"evt-1","type":"order.created"}`)
	sig, err := signature.Sign(signature.HMACSHA256, "s3cr3t", body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(string(body)))
	req.Header.Set(signature.HeaderSignature, sig)
	req.Header.Set(signature.HeaderEvent, "order.created")
	req.Header.Set(signature.HeaderAttempt, "2")

	d, err := VerifyDelivery(req, "", "s3cr3t")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if d.Event != "order.created" || d.Attempt != 2 || string(d.Body) != string(body) {
		t.Fatalf("unexpected delivery %+v", d)
	}

	req = httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(string(body)))
	req.Header.Set(signature.HeaderSignature, sig)
	if _, err := VerifyDelivery(req, "", "other"); !errors.Is(err, signature.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
