package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/sandbox"
)

type jobKey struct {
	tenantID string
	slug     string
	name     string
}

func (k jobKey) String() string {
	return k.tenantID + "/" + k.slug + "/" + k.name
}

type scheduled struct {
	entry          cron.EntryID
	schedule       string
	installationID string
	version        string
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

// Scheduler ticks published jobs. A tick that finds the previous run of the same job for the
// same tenant still executing is skipped, never queued. RunNow shares the same guard.
type Scheduler struct {
	d    *Dispatcher
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[jobKey]scheduled
	running sync.Map // jobKey -> *atomic.Bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(d *Dispatcher) *Scheduler {
	cl := cronLogger{log: d.log.With(slog.String("component", "scheduler"))}
	return &Scheduler{
		d:       d,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		ctx:     context.Background(),
		entries: make(map[jobKey]scheduled),
	}
}

// Start runs the cron loop until ctx ends, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Sync reconciles the cron entries of one tenant with its published table. It is meant to be
// registered with Registry.Watch.
func (s *Scheduler) Sync(tenantID string, table *registry.DispatchTable) {
	want := make(map[jobKey]registry.JobTarget)
	for _, jt := range table.Jobs() {
		want[jobKey{tenantID: tenantID, slug: jt.Plugin.Plugin.Slug, name: jt.Job.Name}] = jt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if key.tenantID != tenantID {
			continue
		}
		jt, keep := want[key]
		if keep && entry.schedule == jt.Job.Schedule && entry.installationID == jt.Plugin.Installation.ID &&
			entry.version == jt.Plugin.Plugin.Version {
			delete(want, key)
			continue
		}
		s.cron.Remove(entry.entry)
		delete(s.entries, key)
	}
	for key, jt := range want {
		key := key
		sched, err := manifest.ParseSchedule(jt.Job.Schedule)
		if err != nil {
			s.d.log.Warn("job not scheduled", slog.String("job", key.String()), slog.String("error", err.Error()))
			continue
		}
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.tick(key) }))
		s.entries[key] = scheduled{
			entry:          id,
			schedule:       jt.Job.Schedule,
			installationID: jt.Plugin.Installation.ID,
			version:        jt.Plugin.Plugin.Version,
		}
	}
}

// Scheduled lists the keys of every scheduled job as tenant/slug/name.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for key := range s.entries {
		out = append(out, key.String())
	}
	return out
}

func (s *Scheduler) tick(key jobKey) {
	jt, ok := s.d.tables.Table(key.tenantID).Job(key.slug, key.name)
	if !ok {
		return
	}
	_, _ = s.run(s.baseContext(), key, jt, false)
}

// RunNow runs a job immediately, outside its schedule, and returns its result.
func (s *Scheduler) RunNow(ctx context.Context, tenantID, slug, name string) (sandbox.Result, error) {
	table := s.d.tables.Table(tenantID)
	if _, ok := table.Plugin(slug); !ok {
		return sandbox.Result{}, xerrors.New(registry.CodePluginNotFound, fmt.Sprintf("plugin %s is not enabled", slug))
	}
	jt, ok := table.Job(slug, name)
	if !ok {
		return sandbox.Result{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %s has no job %s", slug, name))
	}
	return s.run(ctx, jobKey{tenantID: tenantID, slug: slug, name: name}, jt, true)
}

func (s *Scheduler) flag(key jobKey) *atomic.Bool {
	v, _ := s.running.LoadOrStore(key, new(atomic.Bool))
	return v.(*atomic.Bool)
}

func (s *Scheduler) run(ctx context.Context, key jobKey, jt registry.JobTarget, manual bool) (sandbox.Result, error) {
	running := s.flag(key)
	if !running.CompareAndSwap(false, true) {
		s.d.metrics.JobSkipped(key.name)
		s.d.log.Info("job tick skipped: previous run still executing",
			slog.String("tenant_id", key.tenantID),
			slog.String("plugin", key.slug),
			slog.String("job", key.name),
			slog.Bool("manual", manual),
		)
		return sandbox.Result{}, ErrJobAlreadyRunning
	}
	defer running.Store(false)

	res := s.d.invoke(ctx, call{
		kind:     sandbox.KindJob,
		plugin:   jt.Plugin,
		handler:  jt.Job.Handler,
		requires: jt.Job.Requires,
		args: []any{map[string]any{
			"name":     jt.Job.Name,
			"schedule": jt.Job.Schedule,
			"manual":   manual,
			"fired_at": s.d.now().UTC().Format(time.RFC3339),
		}},
	})
	return res, nil
}
