// Package host assembles the runtime from configuration: stores, queues, the sandbox, the
// registry and its dispatchers. The daemon and the integration tests both build through New.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"ExtensionHost/internal/audit"
	"ExtensionHost/internal/auth"
	"ExtensionHost/internal/config"
	"ExtensionHost/internal/datastore"
	"ExtensionHost/internal/dispatch"
	"ExtensionHost/internal/egress"
	"ExtensionHost/internal/events"
	"ExtensionHost/internal/loader"
	"ExtensionHost/internal/observability/alerting"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/internal/queue"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/sandbox"
	"ExtensionHost/internal/secrets"
	"ExtensionHost/internal/storage/mysql"
	"ExtensionHost/internal/webhook"
	"ExtensionHost/pkg/logger"
	"ExtensionHost/pkg/plugin"
)

// Host owns every long-lived component of the runtime.
type Host struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	Registry   *registry.Registry
	Executor   *sandbox.Executor
	Dispatcher *dispatch.Dispatcher
	Scheduler  *dispatch.Scheduler
	Egress     *egress.Gate
	Secrets    *secrets.Service
	Webhooks   *webhook.Engine
	Documents  datastore.Store
	Bus        *events.Bus
	Auth       *auth.Service

	webhookQueue queue.Queue
	db           *mysql.DB
	log          *slog.Logger
	wait         func() error
}

// Option customises New.
type Option func(*options)

type options struct {
	modules  []sandbox.Module
	notifier []alerting.Notifier
	metrics  *metrics.Metrics
}

// WithModules registers collaborator capability modules next to the built-in ones.
func WithModules(mods ...sandbox.Module) Option {
	return func(o *options) { o.modules = append(o.modules, mods...) }
}

// WithNotifiers adds alert channels to the configured ones.
func WithNotifiers(n ...alerting.Notifier) Option {
	return func(o *options) { o.notifier = append(o.notifier, n...) }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type stores struct {
	plugins     registry.Store
	secrets     secrets.Store
	deadLetters webhook.DeadLetterStore
	documents   datastore.Store
	db          *mysql.DB
}

func openStores(ctx context.Context, cfg config.StorageConfig) (stores, error) {
	switch cfg.Driver {
	case "", "memory":
		return stores{
			plugins:     registry.NewMemoryStore(),
			secrets:     secrets.NewMemoryStore(),
			deadLetters: webhook.NewMemoryDeadLetters(),
			documents:   datastore.NewMemoryStore(),
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return stores{}, err
		}
		return stores{
			plugins:     db.Plugins(),
			secrets:     db.Secrets(),
			deadLetters: db.DeadLetters(),
			documents:   db.Documents(),
			db:          db,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// New builds a stopped host. Call Start to restore installations and begin consuming queues.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("host config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	m := o.metrics
	if m == nil {
		m = metrics.New()
	}
	log := logger.Named("host")

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	h := &Host{Config: cfg, Metrics: m, Documents: st.documents, db: st.db, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = h.Close()
		}
	}()

	h.Auth, err = auth.NewService(cfg.Auth)
	if err != nil {
		return nil, err
	}
	h.Secrets, err = secrets.NewService(cfg.Secrets.MasterKey, st.secrets)
	if err != nil {
		return nil, err
	}

	policies := make(map[string]egress.Policy, len(cfg.Egress.Tenants))
	for tenantID, p := range cfg.Egress.Tenants {
		policies[tenantID] = egress.Policy{Allow: p.Allow, Deny: p.Deny}
	}
	h.Egress, err = egress.NewGate(cfg.Egress.GlobalDeny, policies, egress.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	client := egress.NewClient(h.Egress, egress.ClientConfig{
		Timeout:          cfg.Egress.RequestTimeout,
		MaxResponseBytes: cfg.Sandbox.MaxResponseBytes,
		MaxRedirects:     cfg.Egress.MaxRedirects,
	})

	eventQueue, err := queue.Open(cfg.Queue, queue.TopicEvents)
	if err != nil {
		return nil, err
	}
	h.Bus = events.NewBus(eventQueue, events.WithMaxDepth(cfg.Dispatch.MaxEventDepth))
	h.webhookQueue, err = queue.Open(cfg.Queue, queue.TopicWebhooks)
	if err != nil {
		return nil, err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	for _, url := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Client: &http.Client{Timeout: cfg.Alerting.Timeout}})
	}
	alerts := alerting.NewFanout(append(notifiers, o.notifier...)...)

	modules := sandbox.BuiltinModules(sandbox.Deps{
		Documents: st.documents,
		HTTP:      client,
		Secrets:   h.Secrets,
		Analytics: sandbox.LogTracker{Logger: logger.Named("analytics")},
		Events:    h.Bus,
	})
	execOpts := []sandbox.Option{
		sandbox.WithModules(append(modules, o.modules...)...),
		sandbox.WithMetrics(m),
		sandbox.WithAlerts(alerts),
		sandbox.WithConcurrency(cfg.Sandbox.MaxConcurrent, cfg.Sandbox.PerTenantConcurrent),
	}
	if cfg.Sandbox.Isolation == config.IsolationProcess {
		execOpts = append(execOpts, sandbox.WithIsolation(sandbox.Isolation{
			Command:     cfg.Sandbox.WorkerCommand,
			MemoryLimit: cfg.Sandbox.MemoryLimitMB << 20,
			MaxIdle:     cfg.Sandbox.WorkerPoolSize,
		}))
	}
	h.Executor = sandbox.NewExecutor(sandbox.Limits{
		Timeout:          cfg.Sandbox.Timeout,
		MaxEmits:         cfg.Sandbox.MaxEmits,
		MaxOutboundCalls: cfg.Sandbox.MaxOutboundCalls,
		CallStackSize:    cfg.Sandbox.CallStackSize,
		RegistrySize:     cfg.Sandbox.RegistrySize,
		RegistryMaxSize:  cfg.Sandbox.RegistryMaxSize,
	}, execOpts...)

	ld := loader.New(loader.WithIsolationPolicy(plugin.IsolationPolicy{Denied: cfg.Sandbox.DeniedPermissions}))
	h.Registry = registry.New(st.plugins, ld,
		registry.WithAudit(audit.Multi{audit.LogSink{}, audit.BusSink{Bus: h.Bus}}),
		registry.WithMetrics(m),
	)

	h.Dispatcher = dispatch.New(h.Executor, h.Registry,
		dispatch.WithRateLimit(cfg.Sandbox.InvocationsPerSecond, cfg.Sandbox.InvocationBurst),
		dispatch.WithParallelism(cfg.Dispatch.EventParallelism),
		dispatch.WithMetrics(m),
	)
	h.Scheduler = dispatch.NewScheduler(h.Dispatcher)
	h.Registry.Watch(h.Scheduler.Sync)

	h.Webhooks = webhook.New(h.Registry, h.Executor, client, h.webhookQueue, st.deadLetters,
		webhook.WithConfig(cfg.Webhook),
		webhook.WithSecrets(h.Secrets),
		webhook.WithMetrics(m),
		webhook.WithAlerts(alerts),
	)

	h.Bus.Subscribe("hooks", h.Dispatcher.HandleEvent)
	h.Bus.Subscribe("webhooks", h.Webhooks.HandleEvent)
	h.Registry.OnUninstall(func(ctx context.Context, inst *plugin.Installation) error {
		return h.Secrets.Purge(ctx, inst.TenantID, inst.ID)
	})

	ok = true
	return h, nil
}

// Start restores enabled installations and starts the scheduler and queue consumers. They stop
// when ctx ends; Close waits for them.
func (h *Host) Start(ctx context.Context) error {
	if err := h.Ping(ctx); err != nil {
		return err
	}
	n, err := h.Registry.Restore(ctx)
	if err != nil {
		h.log.Warn("some installations were not restored", slog.Int("restored", n), slog.String("error", err.Error()))
	} else {
		h.log.Info("installations restored", slog.Int("count", n))
	}

	h.Scheduler.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Bus.Run(gctx, h.Config.Dispatch.EventWorkers) })
	g.Go(func() error { return h.Webhooks.Run(gctx, h.Config.Webhook.Workers) })
	h.wait = g.Wait
	return nil
}

// Close waits for the consumers started by Start and releases queues and the database.
func (h *Host) Close() error {
	var errs []error
	if h.wait != nil {
		if err := h.wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		h.wait = nil
	}
	if h.Executor != nil {
		errs = append(errs, h.Executor.Close())
	}
	if h.Bus != nil {
		errs = append(errs, h.Bus.Close())
	}
	if h.webhookQueue != nil {
		errs = append(errs, h.webhookQueue.Close())
	}
	if h.db != nil {
		errs = append(errs, h.db.Close())
	}
	return errors.Join(errs...)
}

// Ping reports whether the storage backend is reachable.
func (h *Host) Ping(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	return h.db.Ping(ctx)
}
