// Package dispatch routes inbound HTTP requests, system events and job ticks into the
// sandboxed handlers of enabled plugins.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/loader"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/internal/ratelimit"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/sandbox"
	"ExtensionHost/pkg/logger"
)

// CodeJobAlreadyRunning is returned when a job is triggered while its previous run is executing.
const CodeJobAlreadyRunning xerrors.Code = "JOB_ALREADY_RUNNING"

// ErrJobAlreadyRunning is compared with errors.Is.
var ErrJobAlreadyRunning = xerrors.New(CodeJobAlreadyRunning, "job is already running")

func init() {
	xerrors.Register(CodeJobAlreadyRunning, xerrors.Attributes{
		Message:    "job is already running",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}

// Executor runs one sandboxed invocation. *sandbox.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, inv sandbox.Invocation) sandbox.Result
}

// Tables exposes published dispatch tables. *registry.Registry implements it.
type Tables interface {
	Table(tenantID string) *registry.DispatchTable
}

// Outcome describes one finished dispatch, for observers and tests.
type Outcome struct {
	Kind     string
	TenantID string
	Slug     string
	Handler  string
	Result   sandbox.Result
}

// Observer is told about every dispatch outcome.
type Observer func(Outcome)

// Dispatcher shares the executor between the route, event and job paths.
type Dispatcher struct {
	exec        Executor
	tables      Tables
	limiter     *ratelimit.Keyed
	metrics     *metrics.Metrics
	log         *slog.Logger
	parallelism int
	maxBody     int64
	observers   []Observer
	now         func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit bounds invocations per installation.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) { d.limiter = ratelimit.New(perSecond, burst) }
}

// WithParallelism bounds concurrent hook groups per event.
func WithParallelism(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.parallelism = n
		}
	}
}

// WithMaxBodyBytes bounds request bodies handed to route handlers.
func WithMaxBodyBytes(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBody = n
		}
	}
}

// WithMetrics records rate limiting and job skips.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// New creates a Dispatcher.
func New(exec Executor, tables Tables, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:        exec,
		tables:      tables,
		log:         logger.Named("dispatch"),
		parallelism: 16,
		maxBody:     1 << 20,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type call struct {
	kind     string
	plugin   *loader.LoadedPlugin
	handler  sandbox.HandlerRef
	requires []string
	userID   string
	depth    int
	args     []any
}

// errWithdrawn is returned for a call whose installation left the published table after the
// call was resolved.
var errWithdrawn = &sandbox.Failure{Kind: registry.CodePluginNotFound, Message: "plugin was disabled before the handler started"}

// published reports whether lp is still the binding the tenant table serves for its slug.
func (d *Dispatcher) published(lp *loader.LoadedPlugin) bool {
	cur, ok := d.tables.Table(lp.Installation.TenantID).Plugin(lp.Plugin.Slug)
	return ok && cur == lp
}

// invoke rate-limits and executes one handler. A call resolved against a table that has since
// been replaced by a disable, uninstall or upgrade is dropped without reaching the executor.
func (d *Dispatcher) invoke(ctx context.Context, c call) sandbox.Result {
	lp := c.plugin
	if !d.published(lp) {
		d.log.Debug("withdrawn handler skipped",
			slog.String("tenant_id", lp.Installation.TenantID),
			slog.String("plugin", lp.Plugin.Slug),
			slog.String("kind", c.kind),
			slog.String("handler", c.handler.String()),
		)
		return sandbox.Result{Error: errWithdrawn}
	}
	var res sandbox.Result
	if !d.limiter.Allow(lp.Installation.ID) {
		d.metrics.RateLimited(c.kind)
		d.log.Warn("invocation rate limited",
			slog.String("tenant_id", lp.Installation.TenantID),
			slog.String("plugin", lp.Plugin.Slug),
			slog.String("kind", c.kind),
			slog.String("handler", c.handler.String()),
		)
		res = sandbox.Result{Error: &sandbox.Failure{Kind: xerrors.CodeRateLimited, Message: "installation invocation rate exceeded"}}
	} else {
		res = d.exec.Execute(ctx, sandbox.Invocation{
			Program:  lp.Program,
			Handler:  c.handler,
			Kind:     c.kind,
			Identity: lp.Identity(c.userID),
			Grant:    lp.GrantFor(c.requires),
			Config:   lp.Installation.Config,
			Depth:    c.depth,
			Args:     c.args,
		})
	}
	out := Outcome{Kind: c.kind, TenantID: lp.Installation.TenantID, Slug: lp.Plugin.Slug, Handler: c.handler.String(), Result: res}
	for _, o := range d.observers {
		o(out)
	}
	return res
}
