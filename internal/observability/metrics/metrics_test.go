package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveInvocation("hook", "success", time.Millisecond)
	m.WebhookAttempt(500)
	m.JobSkipped("sync")
	if m.Registry() != nil {
		t.Fatalf("nil metrics must not expose a registry")
	}
}

func TestCountersExported(t *testing.T) {
	m := New()
	m.ObserveInvocation("route", "PERMISSION_DENIED", 10*time.Millisecond)
	m.WebhookAttempt(503)
	m.WebhookAttempt(0)
	m.WebhookDeadLettered()

	if got := testutil.ToFloat64(m.invocations.WithLabelValues("route", "PERMISSION_DENIED")); got != 1 {
		t.Fatalf("expected one invocation, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookAttempts.WithLabelValues("5xx")); got != 1 {
		t.Fatalf("expected one 5xx attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookAttempts.WithLabelValues("transport_error")); got != 1 {
		t.Fatalf("expected one transport error, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "exthost_webhook_dead_letters_total 1") {
		t.Fatalf("dead letter counter missing from exposition:\n%s", body)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/plugins/{slug}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/crm", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/plugins/{slug}", http.MethodGet, "202")); got != 1 {
		t.Fatalf("expected request labelled by pattern, got %v", got)
	}
}
