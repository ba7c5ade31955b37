// Package audit records plugin lifecycle transitions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ExtensionHost/internal/events"
	"ExtensionHost/pkg/logger"
)

// Transition record types.
const (
	PluginInstalled   = "plugin.installed"
	PluginEnabled     = "plugin.enabled"
	PluginDisabled    = "plugin.disabled"
	PluginUpgraded    = "plugin.upgraded"
	PluginUninstalled = "plugin.uninstalled"
)

// Record describes one registry transition.
type Record struct {
	Type           string            `json:"type"`
	TenantID       string            `json:"tenant_id"`
	Slug           string            `json:"slug"`
	Version        string            `json:"version"`
	InstallationID string            `json:"installation_id"`
	Actor          string            `json:"actor,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Sink receives audit records.
type Sink interface {
	Record(ctx context.Context, r Record) error
}

// LogSink writes records to the audit log stream.
type LogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(ctx context.Context, r Record) error {
	l := s.Logger
	if l == nil {
		l = logger.Audit()
	}
	attrs := []any{
		slog.String("type", r.Type),
		slog.String("tenant_id", r.TenantID),
		slog.String("plugin", r.Slug),
		slog.String("version", r.Version),
		slog.String("installation_id", r.InstallationID),
		slog.Time("occurred_at", r.OccurredAt),
	}
	if r.Actor != "" {
		attrs = append(attrs, slog.String("actor", r.Actor))
	}
	for k, v := range r.Detail {
		attrs = append(attrs, slog.String("detail."+k, v))
	}
	l.InfoContext(ctx, "plugin transition", attrs...)
	return nil
}

// Publisher is the part of the event bus the BusSink needs.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) (events.Event, error)
}

// BusSink forwards records to the event bus so analytics and plugins can observe them.
type BusSink struct {
	Bus Publisher
}

// Record implements Sink.
func (s BusSink) Record(ctx context.Context, r Record) error {
	payload := map[string]any{
		"slug":            r.Slug,
		"version":         r.Version,
		"installation_id": r.InstallationID,
	}
	if r.Actor != "" {
		payload["actor"] = r.Actor
	}
	for k, v := range r.Detail {
		payload[k] = v
	}
	_, err := s.Bus.Publish(ctx, events.Event{
		Type:       r.Type,
		TenantID:   r.TenantID,
		UserID:     r.Actor,
		Payload:    payload,
		Source:     events.SourceAudit,
		OccurredAt: r.OccurredAt,
	})
	return err
}

// Multi records to every sink and joins their errors.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
