// Package webhook delivers plugin-declared webhooks. Matching events are shaped by an optional
// sandboxed transform, queued, signed and posted with retries; deliveries that exhaust their
// retry budget are dead-lettered.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ExtensionHost/internal/config"
	"ExtensionHost/internal/egress"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/events"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/observability/alerting"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/internal/queue"
	"ExtensionHost/internal/ratelimit"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/sandbox"
	"ExtensionHost/pkg/logger"
	"ExtensionHost/pkg/signature"
)

// Delivery is one queued send. Attempt counts the attempts already made.
type Delivery struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Slug           string          `json:"plugin"`
	InstallationID string          `json:"installation_id"`
	WebhookID      string          `json:"webhook_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Body           json.RawMessage `json:"body"`
	Attempt        int             `json:"attempt"`
	Deadline       time.Time       `json:"deadline"`
	LastStatus     int             `json:"last_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// Report describes how a call to Deliver ended.
type Report struct {
	Delivered    bool
	Attempts     int
	LastStatus   int
	LastError    string
	DeadLettered bool
	// Dropped means the webhook was withdrawn before delivery.
	Dropped bool
	// Requeued means delivery was interrupted by shutdown and handed back to the queue.
	Requeued bool
}

// Tables exposes published dispatch tables. *registry.Registry implements it.
type Tables interface {
	Table(tenantID string) *registry.DispatchTable
}

// Executor runs transforms. *sandbox.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, inv sandbox.Invocation) sandbox.Result
}

// Doer performs gated outbound calls. *egress.Client implements it.
type Doer interface {
	Do(ctx context.Context, tenantID string, r egress.Request) (*egress.Response, error)
}

// SecretReader resolves signing secrets. *secrets.Service implements it.
type SecretReader interface {
	Get(ctx context.Context, tenantID, installationID, key string) (string, error)
}

type envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Engine turns events into deliveries and works them off the webhooks queue.
type Engine struct {
	tables  Tables
	exec    Executor
	doer    Doer
	q       queue.Queue
	store   DeadLetterStore
	secrets SecretReader
	limiter *ratelimit.Keyed
	metrics *metrics.Metrics
	alerts  alerting.Dispatcher
	log     *slog.Logger

	backoff        Backoff
	attemptTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithConfig applies timeouts, backoff bounds and the per-installation delivery rate.
func WithConfig(cfg config.WebhookConfig) Option {
	return func(e *Engine) {
		if cfg.AttemptTimeout > 0 {
			e.attemptTimeout = cfg.AttemptTimeout
		}
		if cfg.BaseBackoff > 0 {
			e.backoff.Base = cfg.BaseBackoff
		}
		if cfg.MaxBackoff > 0 {
			e.backoff.Max = cfg.MaxBackoff
		}
		e.limiter = ratelimit.New(cfg.DeliveriesPerSecond, cfg.DeliveryBurst)
	}
}

// WithSecrets resolves secret_ref signing keys.
func WithSecrets(s SecretReader) Option {
	return func(e *Engine) { e.secrets = s }
}

// WithMetrics records attempts, dead letters and throttling.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAlerts raises an alert for every dead letter.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the time source and the wait between attempts.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New creates an Engine.
func New(tables Tables, exec Executor, doer Doer, q queue.Queue, store DeadLetterStore, opts ...Option) *Engine {
	e := &Engine{
		tables:         tables,
		exec:           exec,
		doer:           doer,
		q:              q,
		store:          store,
		log:            logger.Named("webhook"),
		backoff:        Backoff{Base: time.Second, Max: 5 * time.Minute},
		attemptTimeout: 10 * time.Second,
		now:            time.Now,
		sleep:          sleepCtx,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryDeadLetters()
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DeadLetters exposes the dead-letter store.
func (e *Engine) DeadLetters() DeadLetterStore {
	return e.store
}

// HandleEvent queues one delivery per enabled webhook spec matching the event. It is
// subscribed to the event bus next to the hook dispatcher and never runs hooks.
func (e *Engine) HandleEvent(ctx context.Context, ev events.Event) error {
	var errs []error
	for _, target := range e.tables.Table(ev.TenantID).Webhooks(ev.Type) {
		if err := e.enqueue(ctx, target, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) enqueue(ctx context.Context, target registry.WebhookTarget, ev events.Event) error {
	lp, wh := target.Plugin, target.Webhook
	d := Delivery{
		ID:             e.newID(),
		TenantID:       lp.Installation.TenantID,
		Slug:           lp.Plugin.Slug,
		InstallationID: lp.Installation.ID,
		WebhookID:      wh.ID,
		EventID:        ev.ID,
		EventType:      ev.Type,
	}

	var data any = ev.Payload
	if ev.Payload == nil {
		data = map[string]any{}
	}
	if wh.Transform != nil {
		res := e.exec.Execute(ctx, sandbox.Invocation{
			Program:  lp.Program,
			Handler:  *wh.Transform,
			Kind:     sandbox.KindTransform,
			Identity: lp.Identity(ev.UserID),
			Grant:    lp.Grant.Intersect(wh.Spec.Transform.Requires),
			Config:   lp.Installation.Config,
			Depth:    ev.Depth,
			Args:     []any{ev.Arg()},
		})
		if !res.Success {
			d.LastError = "transform failed: " + res.Error.Error()
			e.deadLetter(ctx, d, wh.Spec)
			return nil
		}
		if res.Value == nil {
			e.log.Debug("transform suppressed delivery",
				slog.String("tenant_id", d.TenantID),
				slog.String("webhook", d.WebhookID),
				slog.String("event_id", ev.ID),
			)
			return nil
		}
		data = res.Value
	}

	body, err := json.Marshal(envelope{ID: ev.ID, Type: ev.Type, TenantID: ev.TenantID, OccurredAt: ev.OccurredAt.UTC(), Data: data})
	if err != nil {
		d.LastError = fmt.Sprintf("payload is not serialisable: %v", err)
		e.deadLetter(ctx, d, wh.Spec)
		return nil
	}
	d.Body = body
	return e.publish(ctx, d)
}

func (e *Engine) publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "encode webhook delivery")
	}
	if err := e.q.Publish(ctx, data); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("enqueue webhook delivery %s", d.ID))
	}
	return nil
}

// Run consumes the webhooks queue until ctx ends.
func (e *Engine) Run(ctx context.Context, workers int) error {
	return e.q.Consume(ctx, workers, e.handle)
}

func (e *Engine) handle(ctx context.Context, payload []byte) error {
	var d Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		e.log.Error("discarding malformed webhook delivery", slog.Any("error", err))
		return nil
	}
	e.Deliver(ctx, d)
	return nil
}

// Deliver signs and sends one delivery, retrying non-2xx responses and transport errors
// until the spec's max_attempts or the delivery's deadline budget is spent.
func (e *Engine) Deliver(ctx context.Context, d Delivery) Report {
	rep := Report{Attempts: d.Attempt, LastStatus: d.LastStatus, LastError: d.LastError}
	target, ok := e.lookup(d)
	if !ok {
		e.log.Info("webhook withdrawn, dropping delivery",
			slog.String("tenant_id", d.TenantID),
			slog.String("webhook", d.WebhookID),
			slog.String("delivery_id", d.ID),
		)
		rep.Dropped = true
		return rep
	}
	spec := target.Webhook.Spec
	log := logger.ForPlugin(e.log, d.TenantID, d.Slug, d.InstallationID).With(
		slog.String("webhook", d.WebhookID),
		slog.String("delivery_id", d.ID),
	)

	secret, err := e.signingSecret(ctx, target)
	if err != nil {
		d.LastError = err.Error()
		rep.LastError = d.LastError
		rep.DeadLettered = true
		e.deadLetter(ctx, d, spec)
		return rep
	}
	if d.Deadline.IsZero() {
		d.Deadline = e.now().Add(e.backoff.Budget(spec.Retry.Backoff, spec.Retry.MaxAttempts, e.attemptTimeout))
	}

	for d.Attempt < spec.Retry.MaxAttempts {
		if ctx.Err() != nil {
			return e.requeue(ctx, d, rep)
		}
		if !e.now().Before(d.Deadline) {
			d.LastError = "delivery deadline budget exhausted"
			break
		}
		if err := e.throttle(ctx, d.InstallationID); err != nil {
			return e.requeue(ctx, d, rep)
		}

		d.Attempt++
		status, latency, err := e.attempt(ctx, d, spec, secret)
		e.metrics.WebhookAttempt(status)
		switch {
		case err != nil:
			d.LastError = err.Error()
		case status < 200 || status > 299:
			d.LastError = fmt.Sprintf("endpoint responded %d", status)
		default:
			d.LastError = ""
		}
		d.LastStatus = status
		rep.Attempts, rep.LastStatus, rep.LastError = d.Attempt, d.LastStatus, d.LastError
		logger.Audit().Info("webhook attempt",
			slog.String("tenant_id", d.TenantID),
			slog.String("plugin", d.Slug),
			slog.String("webhook", d.WebhookID),
			slog.String("delivery_id", d.ID),
			slog.Int("attempt", d.Attempt),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("error", d.LastError),
		)

		if d.LastError == "" {
			log.Debug("webhook delivered", slog.Int("attempts", d.Attempt))
			rep.Delivered = true
			return rep
		}
		if err != nil && xerrors.CodeOf(err) == xerrors.CodeEgressBlocked {
			log.Warn("webhook target blocked by egress policy", slog.String("url", spec.Delivery.URL))
			break
		}
		if d.Attempt < spec.Retry.MaxAttempts {
			if err := e.sleep(ctx, e.backoff.Delay(spec.Retry.Backoff, d.Attempt)); err != nil {
				return e.requeue(ctx, d, rep)
			}
		}
	}

	rep.LastError = d.LastError
	rep.DeadLettered = true
	e.deadLetter(ctx, d, spec)
	return rep
}

func (e *Engine) attempt(ctx context.Context, d Delivery, spec *manifest.WebhookSpec, secret string) (int, time.Duration, error) {
	sig, err := signature.Sign(spec.Delivery.Signing.Alg, secret, d.Body)
	if err != nil {
		return 0, 0, err
	}
	headers := make(map[string]string, len(spec.Delivery.Headers)+6)
	for k, v := range spec.Delivery.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers[signature.HeaderSignature] = sig
	headers[signature.HeaderEvent] = d.EventType
	headers[signature.HeaderDelivery] = d.ID
	headers[signature.HeaderAttempt] = strconv.Itoa(d.Attempt)
	headers[signature.HeaderTimestamp] = strconv.FormatInt(e.now().Unix(), 10)

	start := e.now()
	resp, err := e.doer.Do(ctx, d.TenantID, egress.Request{
		Method:  http.MethodPost,
		URL:     spec.Delivery.URL,
		Headers: headers,
		Body:    d.Body,
		Timeout: e.attemptTimeout,
	})
	if err != nil {
		return 0, e.now().Sub(start), err
	}
	return resp.Status, resp.Latency, nil
}

// lookup finds the delivery's webhook in the tenant's current table, so disabled,
// uninstalled or upgraded-away specs stop delivering.
func (e *Engine) lookup(d Delivery) (registry.WebhookTarget, bool) {
	lp, ok := e.tables.Table(d.TenantID).Plugin(d.Slug)
	if !ok || lp.Installation.ID != d.InstallationID {
		return registry.WebhookTarget{}, false
	}
	for _, wh := range lp.Webhooks {
		if wh.ID == d.WebhookID {
			return registry.WebhookTarget{Plugin: lp, Webhook: wh}, true
		}
	}
	return registry.WebhookTarget{}, false
}

// signingSecret prefers secret_ref over an inline secret.
func (e *Engine) signingSecret(ctx context.Context, target registry.WebhookTarget) (string, error) {
	sign := target.Webhook.Spec.Delivery.Signing
	if sign.SecretRef == "" {
		return sign.Secret, nil
	}
	if e.secrets == nil {
		return "", xerrors.New(xerrors.CodeSecretNotFound, fmt.Sprintf("secret %q cannot be resolved", sign.SecretRef))
	}
	inst := target.Plugin.Installation
	return e.secrets.Get(ctx, inst.TenantID, inst.ID, sign.SecretRef)
}

// throttle delays rather than drops deliveries above the installation's rate.
func (e *Engine) throttle(ctx context.Context, installationID string) error {
	if e.limiter.Allow(installationID) {
		return nil
	}
	e.metrics.RateLimited("webhook")
	return e.limiter.Wait(ctx, installationID)
}

func (e *Engine) requeue(ctx context.Context, d Delivery, rep Report) Report {
	if err := e.publish(context.WithoutCancel(ctx), d); err != nil {
		e.log.Error("requeue of interrupted delivery failed",
			slog.Any("error", err),
			slog.String("tenant_id", d.TenantID),
			slog.String("delivery_id", d.ID),
		)
		return rep
	}
	rep.Requeued = true
	return rep
}

func (e *Engine) deadLetter(ctx context.Context, d Delivery, spec *manifest.WebhookSpec) {
	ctx = context.WithoutCancel(ctx)
	dl := DeadLetter{
		ID:             e.newID(),
		DeliveryID:     d.ID,
		TenantID:       d.TenantID,
		Slug:           d.Slug,
		InstallationID: d.InstallationID,
		WebhookID:      d.WebhookID,
		EventID:        d.EventID,
		EventType:      d.EventType,
		URL:            spec.Delivery.URL,
		Attempts:       d.Attempt,
		LastStatus:     d.LastStatus,
		LastError:      d.LastError,
		Payload:        d.Body,
		FailedAt:       e.now().UTC(),
	}
	if err := e.store.Save(ctx, dl); err != nil {
		e.log.Error("save dead letter failed", slog.Any("error", err), slog.String("delivery_id", d.ID))
	}
	e.metrics.WebhookDeadLettered()
	logger.Audit().Warn("webhook dead-lettered",
		slog.String("tenant_id", d.TenantID),
		slog.String("plugin", d.Slug),
		slog.String("webhook", d.WebhookID),
		slog.String("delivery_id", d.ID),
		slog.Int("attempts", d.Attempt),
		slog.Int("last_status", d.LastStatus),
		slog.String("error", d.LastError),
	)
	if e.alerts == nil {
		return
	}
	alert := alerting.FromError(xerrors.New(xerrors.CodeWebhookDeliveryFailed, d.LastError), d.TenantID, d.Slug, d.ID)
	alert.Attempts = d.Attempt
	alert.MaxAttempts = spec.Retry.MaxAttempts
	alert.Metadata = map[string]string{"webhook": d.WebhookID, "url": spec.Delivery.URL, "event_id": d.EventID}
	if err := e.alerts.Notify(ctx, alert); err != nil {
		e.log.Warn("dead letter alert failed", slog.Any("error", err), slog.String("delivery_id", d.ID))
	}
}
