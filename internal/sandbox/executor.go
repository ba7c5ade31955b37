// Package sandbox runs plugin handlers inside a fresh Lua interpreter per invocation.
// Plugin code only reaches the host through capability modules whose permission is
// checked on every call.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/observability/alerting"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/pkg/logger"
	"ExtensionHost/pkg/plugin"
)

// Invocation kinds.
const (
	KindRoute     = "route"
	KindHook      = "hook"
	KindJob       = "job"
	KindTransform = "transform"
)

// raisable lists the error kinds a handler may raise and have reported as-is.
var raisable = map[xerrors.Code]struct{}{
	xerrors.CodePermissionDenied: {},
	xerrors.CodeEgressBlocked:    {},
	xerrors.CodeSecretNotFound:   {},
	xerrors.CodeLimitExceeded:    {},
	xerrors.CodeRateLimited:      {},
	xerrors.CodeInvalidArgument:  {},
	xerrors.CodeNotFound:         {},
}

// Limits bound a single invocation. Zero MaxEmits or MaxOutboundCalls means unbounded.
type Limits struct {
	Timeout          time.Duration
	MaxEmits         int
	MaxOutboundCalls int
	CallStackSize    int
	RegistrySize     int
	RegistryMaxSize  int
	MaxStringBytes   int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:          5 * time.Second,
		MaxEmits:         16,
		MaxOutboundCalls: 8,
		CallStackSize:    256,
		RegistrySize:     1024 * 4,
		RegistryMaxSize:  1024 * 256,
		MaxStringBytes:   1 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	if l.CallStackSize <= 0 {
		l.CallStackSize = def.CallStackSize
	}
	if l.RegistrySize <= 0 {
		l.RegistrySize = def.RegistrySize
	}
	if l.RegistryMaxSize < l.RegistrySize {
		l.RegistryMaxSize = def.RegistryMaxSize
		if l.RegistryMaxSize < l.RegistrySize {
			l.RegistryMaxSize = l.RegistrySize
		}
	}
	if l.MaxStringBytes <= 0 {
		l.MaxStringBytes = def.MaxStringBytes
	}
	return l
}

// Invocation describes one handler call.
type Invocation struct {
	Program  *Program
	Handler  HandlerRef
	Kind     string
	Identity plugin.Identity
	Grant    plugin.Grant
	Config   map[string]any
	Depth    int
	Args     []any
	// Limits overrides the executor limits when set.
	Limits *Limits
}

// Failure is the error half of a Result.
type Failure struct {
	Kind    xerrors.Code `json:"kind"`
	Message string       `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Err converts the failure into a coded host error.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return xerrors.New(f.Kind, f.Message)
}

// Usage reports what the invocation consumed.
type Usage struct {
	EmittedEvents   int `json:"emitted_events"`
	OutboundCalls   int `json:"outbound_calls"`
	CapabilityCalls int `json:"capability_calls"`
	Denials         int `json:"denials"`
}

// Result is the outcome of every invocation.
type Result struct {
	Success  bool          `json:"success"`
	Value    any           `json:"result,omitempty"`
	Error    *Failure      `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Usage    Usage         `json:"usage"`
}

// Executor runs invocations. It is safe for concurrent use.
type Executor struct {
	limits    Limits
	modules   []Module
	metrics   *metrics.Metrics
	alerts    alerting.Dispatcher
	log       *slog.Logger
	global    *semaphore.Weighted
	perTenant int64
	workers   *workerPool

	mu      sync.Mutex
	tenants map[string]*tenantSlots
}

// tenantSlots is dropped from the map once nobody holds or waits for it.
type tenantSlots struct {
	sem  *semaphore.Weighted
	refs int
}

// Option customises an Executor.
type Option func(*Executor)

// WithModules registers capability modules.
func WithModules(mods ...Module) Option {
	return func(e *Executor) { e.modules = append(e.modules, mods...) }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithAlerts raises alerts for handler faults.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerts = d }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithConcurrency caps concurrent invocations host-wide and per tenant. Zero disables a cap.
func WithConcurrency(global, perTenant int64) Option {
	return func(e *Executor) {
		if global > 0 {
			e.global = semaphore.NewWeighted(global)
		}
		e.perTenant = perTenant
	}
}

// WithIsolation runs every invocation in a worker process instead of a goroutine of the host.
func WithIsolation(cfg Isolation) Option {
	return func(e *Executor) { e.workers = newWorkerPool(cfg.withDefaults(), nil) }
}

// NewExecutor builds an executor.
func NewExecutor(limits Limits, opts ...Option) *Executor {
	e := &Executor{
		limits:  limits.withDefaults(),
		log:     logger.Named("sandbox"),
		tenants: make(map[string]*tenantSlots),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers != nil {
		e.workers.log = e.log
	}
	return e
}

// Close stops idle worker processes. Invocations started afterwards fail with SANDBOX_PANIC
// when process isolation is enabled.
func (e *Executor) Close() error {
	if e.workers != nil {
		e.workers.close()
	}
	return nil
}

// Register adds a capability module. Modules registered later shadow earlier ones of the same name.
func (e *Executor) Register(mod Module) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules = append(e.modules, mod)
}

// Limits returns the default invocation limits.
func (e *Executor) Limits() Limits { return e.limits }

func (e *Executor) tenantSem(tenantID string) (*semaphore.Weighted, func()) {
	if e.perTenant <= 0 {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.tenants[tenantID]
	if !ok {
		ts = &tenantSlots{sem: semaphore.NewWeighted(e.perTenant)}
		e.tenants[tenantID] = ts
	}
	ts.refs++
	return ts.sem, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if ts.refs--; ts.refs == 0 {
			delete(e.tenants, tenantID)
		}
	}
}

// acquire takes a tenant slot and a host slot, waiting at most wait for them.
func (e *Executor) acquire(ctx context.Context, tenantID string, wait time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	var release []func()
	done := func() {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
	}
	if sem, unref := e.tenantSem(tenantID); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			unref()
			return nil, err
		}
		release = append(release, func() {
			sem.Release(1)
			unref()
		})
	}
	if e.global != nil {
		if err := e.global.Acquire(ctx, 1); err != nil {
			done()
			return nil, err
		}
		release = append(release, func() { e.global.Release(1) })
	}
	return done, nil
}

// Execute runs the handler and always returns a Result. Faults in plugin code never escape.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	limits := e.limits
	if inv.Limits != nil {
		limits = inv.Limits.withDefaults()
	}
	log := logger.ForPlugin(e.log, inv.Identity.TenantID, inv.Identity.Slug, inv.Identity.InstallationID).
		With(slog.String("kind", inv.Kind), slog.String("handler", inv.Handler.String()))
	scope := &Scope{
		Identity: inv.Identity,
		Grant:    inv.Grant,
		Kind:     inv.Kind,
		Config:   inv.Config,
		Depth:    inv.Depth,
		Log:      log,
		limits:   limits,
	}

	var res Result
	release, err := e.acquire(ctx, inv.Identity.TenantID, limits.Timeout)
	switch {
	case err != nil:
		res = Result{Error: &Failure{Kind: xerrors.CodeSandboxTimeout, Message: "no execution slot available before the deadline"}}
	case e.workers != nil:
		res = e.runIsolated(ctx, inv, scope, limits)
		release()
	default:
		res = e.run(ctx, inv, scope, limits, release)
	}
	res.Duration = time.Since(start)
	res.Usage = scope.usage()
	e.record(ctx, inv, res, log)
	return res
}

type outcome struct {
	value any
	err   error
}

// run executes in a goroutine of the host. The slots are given back through release only once
// that goroutine has left the interpreter, even when the caller already got a timeout.
func (e *Executor) run(parent context.Context, inv Invocation, scope *Scope, limits Limits, release func()) Result {
	if inv.Program == nil {
		release()
		return Result{Error: &Failure{Kind: xerrors.CodeNotFound, Message: "no program loaded"}}
	}
	ctx, cancel := context.WithTimeout(parent, limits.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer release()
		value, err := protected(ctx, inv, limits, session{
			install: func(L *lua.LState, ctxTable *lua.LTable) { e.install(L, scope, ctxTable) },
			print:   func(msg string) { scope.Log.Info(msg, slog.String("source", "print")) },
		})
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return settle(ctx, limits, out.value, out.err)
	case <-ctx.Done():
		return timeoutResult(limits.Timeout)
	}
}

// settle turns the interpreter outcome into a Result. An error after the deadline is a timeout.
func settle(ctx context.Context, limits Limits, value any, err error) Result {
	if ctx.Err() != nil && err != nil {
		return timeoutResult(limits.Timeout)
	}
	if err != nil {
		return Result{Error: classify(err)}
	}
	return Result{Success: true, Value: value}
}

func timeoutResult(d time.Duration) Result {
	return Result{Error: &Failure{Kind: xerrors.CodeSandboxTimeout, Message: fmt.Sprintf("handler exceeded %s", d)}}
}

// classify maps an interpreter error to a failure kind. A raised {kind=, message=} table
// keeps its kind when it is one of the capability error kinds.
func classify(err error) *Failure {
	if apiErr, ok := err.(*lua.ApiError); ok {
		if tbl, ok := apiErr.Object.(*lua.LTable); ok {
			kind := xerrors.Code(lua.LVAsString(tbl.RawGetString("kind")))
			msg := lua.LVAsString(tbl.RawGetString("message"))
			if _, ok := raisable[kind]; ok {
				return &Failure{Kind: kind, Message: msg}
			}
			if msg == "" {
				msg = "handler raised a table error"
			}
			return &Failure{Kind: xerrors.CodeSandboxPanic, Message: msg}
		}
		if apiErr.Object != nil && apiErr.Object != lua.LNil {
			return &Failure{Kind: xerrors.CodeSandboxPanic, Message: apiErr.Object.String()}
		}
		return &Failure{Kind: xerrors.CodeSandboxPanic, Message: apiErr.Error()}
	}
	if e, ok := xerrors.From(err); ok {
		return &Failure{Kind: e.Code(), Message: e.Message()}
	}
	return &Failure{Kind: xerrors.CodeSandboxPanic, Message: err.Error()}
}

func (e *Executor) record(ctx context.Context, inv Invocation, res Result, log *slog.Logger) {
	outcome := "success"
	if res.Error != nil {
		outcome = strings.ToLower(string(res.Error.Kind))
	}
	e.metrics.ObserveInvocation(inv.Kind, outcome, res.Duration)
	if res.Success {
		log.Debug("handler completed", slog.Duration("duration", res.Duration))
		return
	}

	logger.Audit().Warn("plugin invocation failed",
		slog.String("tenant_id", inv.Identity.TenantID),
		slog.String("plugin", inv.Identity.Slug),
		slog.String("installation_id", inv.Identity.InstallationID),
		slog.String("kind", inv.Kind),
		slog.String("handler", inv.Handler.String()),
		slog.String("error_kind", string(res.Error.Kind)),
		slog.String("error", res.Error.Message),
		slog.Duration("duration", res.Duration))

	if res.Error.Kind != xerrors.CodeSandboxPanic || e.alerts == nil {
		return
	}
	event := alerting.FromError(res.Error.Err(), inv.Identity.TenantID, inv.Identity.Slug, inv.Handler.String())
	event.Metadata = map[string]string{"kind": inv.Kind, "installation_id": inv.Identity.InstallationID}
	if err := e.alerts.Notify(context.WithoutCancel(ctx), event); err != nil {
		log.Warn("alert dispatch failed", slog.String("error", err.Error()))
	}
}
