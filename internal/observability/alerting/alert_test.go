package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	xerrors "ExtensionHost/internal/errors"
)

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *countingNotifier) Channel() Channel { return "test" }

func (n *countingNotifier) Notify(context.Context, Event) error {
	n.calls.Add(1)
	return n.err
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	failing := &countingNotifier{err: errors.New("down")}
	ok := &countingNotifier{}
	err := NewFanout(failing, nil, ok).Notify(context.Background(), Event{Code: xerrors.CodeSandboxPanic})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if failing.calls.Load() != 1 || ok.calls.Load() != 1 {
		t.Fatalf("expected both notifiers called")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event Event `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		received = body.Event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	event := FromError(xerrors.New(xerrors.CodeWebhookDeliveryFailed, "gave up"), "t1", "crm", "dlv-1")
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Code != xerrors.CodeWebhookDeliveryFailed || received.Reference != "dlv-1" {
		t.Fatalf("unexpected payload %+v", received)
	}
}
