// Package events carries system events between collaborators, plugins, hooks and webhooks.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
)

// Sources identify who published an event.
const (
	SourceHost   = "host"
	SourcePlugin = "plugin"
	SourceAudit  = "audit"
)

// Event is one system event. Depth counts how many plugin emits led to it.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Source     string         `json:"source"`
	Emitter    string         `json:"emitter,omitempty"`
	Depth      int            `json:"depth"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Validate checks the fields every event needs before it is published.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "event tenant_id is required")
	}
	if !manifest.ValidEventType(e.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid event type %q", e.Type))
	}
	if e.Depth < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "event depth must not be negative")
	}
	return nil
}

// Encode serialises an event for the queue.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "event payload is not serialisable")
	}
	return data, nil
}

// Decode parses a queued event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed event")
	}
	return e, nil
}

// Arg is the table handed to Lua hooks and webhook transforms.
func (e Event) Arg() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":          e.ID,
		"type":        e.Type,
		"tenant_id":   e.TenantID,
		"user_id":     e.UserID,
		"source":      e.Source,
		"depth":       e.Depth,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	}
}
