package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeSecretNotFound, "")
	err := fmt.Errorf("lookup: %w", New(CodeSecretNotFound, "secret API_KEY is not set"))
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if stdErrors.Is(err, New(CodePermissionDenied, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestAttributesFallback(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	if attr.Severity != SeverityCritical {
		t.Fatalf("expected unknown attributes, got %+v", attr)
	}
	Register("CUSTOM_CODE", Attributes{Message: "custom", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})
	if got := HTTPStatus(New("CUSTOM_CODE", "")); got != http.StatusTeapot {
		t.Fatalf("expected registered status, got %d", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodePermissionDenied: http.StatusForbidden,
		CodeSandboxTimeout:   http.StatusGatewayTimeout,
		CodeSandboxPanic:     http.StatusInternalServerError,
		CodeEgressBlocked:    http.StatusBadGateway,
		CodeManifestError:    http.StatusBadRequest,
	}
	for code, want := range cases {
		if got := HTTPStatus(New(code, "")); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
	if got := HTTPStatus(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain errors map to 500, got %d", got)
	}
}

func TestOverrides(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("disk"), "write failed", WithRetryable(false), WithAlert(false), WithMetadata("table", "plugins"))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("expected overrides to win: %+v", err)
	}
	if err.Metadata()["table"] != "plugins" {
		t.Fatalf("metadata missing")
	}
	if MessageOf(err) != "write failed" {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
}
