package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	xerrors "ExtensionHost/internal/errors"
)

// killGrace is how long past its own deadline a worker gets to report a timeout before the
// host kills it.
const killGrace = 250 * time.Millisecond

var errPoolClosed = errors.New("sandbox worker pool is closed")

// Isolation configures out-of-process execution. A worker runs handlers under its own memory
// cap; when it dies only the invocation it was serving fails.
type Isolation struct {
	// Command is the worker argv. Empty means the running executable, which must call
	// MaybeRunWorker before doing anything else.
	Command []string
	// MemoryLimit bounds how far a worker's address space may grow, in bytes. Zero means no cap.
	MemoryLimit int64
	// MaxIdle bounds the warm workers kept between invocations.
	MaxIdle int
	// MaxUses recycles a worker after that many invocations.
	MaxUses int
	// MaxFrameBytes bounds one message read from a worker, such as a handler result.
	MaxFrameBytes int
}

func (c Isolation) withDefaults() Isolation {
	if c.MaxIdle <= 0 {
		c.MaxIdle = 4
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 16 << 20
	}
	return c
}

type workerPool struct {
	cfg Isolation
	log *slog.Logger

	mu     sync.Mutex
	idle   []*worker
	closed bool
}

func newWorkerPool(cfg Isolation, log *slog.Logger) *workerPool {
	return &workerPool{cfg: cfg, log: log}
}

func (p *workerPool) get() (*worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	for len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if w.alive() {
			p.mu.Unlock()
			return w, nil
		}
		w.kill()
	}
	p.mu.Unlock()
	return p.spawn()
}

// put returns a worker to the pool, or retires it when it is unhealthy, worn out or surplus.
func (p *workerPool) put(w *worker, healthy bool) {
	w.uses++
	if healthy && w.uses < p.cfg.MaxUses {
		p.mu.Lock()
		if !p.closed && len(p.idle) < p.cfg.MaxIdle {
			p.idle = append(p.idle, w)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
	if !healthy {
		w.kill()
		return
	}
	go w.stop()
}

func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, w := range idle {
		w.stop()
	}
}

func (p *workerPool) spawn() (*worker, error) {
	argv := p.cfg.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{exe}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = []string{EnvWorker + "=1"}
	if p.cfg.MemoryLimit > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvWorkerMemory, p.cfg.MemoryLimit))
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, child, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = child
	tail := &tailWriter{max: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = child.Close()
		return nil, fmt.Errorf("start sandbox worker: %w", err)
	}
	_ = child.Close()

	w := &worker{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		conn:     newConn(stdout, stdin, p.cfg.MaxFrameBytes),
		stderr:   tail,
		programs: make(map[string]struct{}),
		exited:   make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		_ = stdout.Close()
		close(w.exited)
	}()
	p.log.Debug("sandbox worker started", slog.Int("pid", cmd.Process.Pid))
	return w, nil
}

// worker is one child process. It is used by a single invocation at a time.
type worker struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *os.File
	conn     *conn
	stderr   *tailWriter
	programs map[string]struct{}
	uses     int

	killOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

func (w *worker) alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// kill terminates the process and returns once it has exited.
func (w *worker) kill() {
	w.killOnce.Do(func() { _ = w.cmd.Process.Kill() })
	<-w.exited
}

// stop lets the worker drain and exit on its own, killing it if it lingers.
func (w *worker) stop() {
	_ = w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(time.Second):
		w.kill()
	}
}

// exitReason describes why the worker went away without leaking its stderr to plugin callers.
func (w *worker) exitReason() string {
	if strings.Contains(w.stderr.String(), "out of memory") {
		return "sandbox worker ran out of memory"
	}
	if w.waitErr != nil {
		return "sandbox worker exited: " + w.waitErr.Error()
	}
	return "sandbox worker exited"
}

// runIsolated serves one invocation from a pooled worker. Capability calls come back over the
// pipe and run here against the real modules, under the invocation's scope. The slots held by
// the caller are released only after runIsolated returns, and by then a worker that overran
// its deadline has been killed and reaped.
func (e *Executor) runIsolated(parent context.Context, inv Invocation, scope *Scope, limits Limits) Result {
	if inv.Program == nil {
		return Result{Error: &Failure{Kind: xerrors.CodeNotFound, Message: "no program loaded"}}
	}
	w, err := e.workers.get()
	if err != nil {
		scope.Log.Error("sandbox worker unavailable", slog.String("error", err.Error()))
		return Result{Error: &Failure{Kind: xerrors.CodeSandboxPanic, Message: "sandbox worker unavailable"}}
	}

	ctx, cancel := context.WithTimeout(parent, limits.Timeout)
	defer cancel()
	hard, cancelHard := context.WithTimeout(parent, limits.Timeout+killGrace)
	defer cancelHard()
	stop := context.AfterFunc(hard, w.kill)

	res, healthy := e.exchange(ctx, w, inv, scope, limits)
	if !stop() {
		healthy = false
	}
	if !healthy {
		w.kill()
		if tail := w.stderr.String(); tail != "" {
			scope.Log.Warn("sandbox worker retired", slog.String("stderr", tail))
		}
	}
	e.workers.put(w, healthy)
	return res
}

// exchange drives the frame loop until the worker reports a result. The bool is false when
// the worker can no longer be trusted with another invocation.
func (e *Executor) exchange(ctx context.Context, w *worker, inv Invocation, scope *Scope, limits Limits) (Result, bool) {
	mods := e.snapshot()
	prog := inv.Program
	req := &invokeFrame{
		Program:  prog.id,
		Handler:  inv.Handler,
		Kind:     inv.Kind,
		Identity: inv.Identity,
		Config:   inv.Config,
		Depth:    inv.Depth,
		Args:     inv.Args,
		Limits:   limits,
		Modules:  specsOf(mods),
	}
	if _, ok := w.programs[prog.id]; !ok {
		req.Slug, req.Entry, req.Sources = prog.slug, prog.entry, prog.sources
	}
	if err := w.conn.write(frame{Type: frameInvoke, Invoke: req}); err != nil {
		return e.lost(ctx, w, limits, err), false
	}
	for {
		f, err := w.conn.read()
		if err != nil {
			return e.lost(ctx, w, limits, err), false
		}
		switch f.Type {
		case frameCall:
			value, fail := e.proxied(ctx, scope, mods, f.Module, f.Function, f.Args)
			if err := w.conn.write(frame{Type: frameReply, ID: f.ID, Value: value, Error: fail}); err != nil {
				return e.lost(ctx, w, limits, err), false
			}
		case frameLog:
			msg, _ := f.Value.(string)
			scope.Log.Info(msg, slog.String("source", "print"))
		case frameResult:
			w.programs[prog.id] = struct{}{}
			if f.Error != nil {
				return Result{Error: f.Error}, true
			}
			return Result{Success: true, Value: f.Value}, true
		default:
			return Result{Error: &Failure{Kind: xerrors.CodeSandboxPanic,
				Message: fmt.Sprintf("sandbox worker sent an unexpected %q frame", f.Type)}}, false
		}
	}
}

func (e *Executor) proxied(ctx context.Context, scope *Scope, mods []Module, module, name string, args []any) (any, *Failure) {
	qualified := qualify(module, name)
	if ctx.Err() != nil {
		return nil, &Failure{Kind: xerrors.CodeSandboxTimeout, Message: qualified + " called after the invocation ended"}
	}
	fn, ok := lookup(mods, module, name)
	if !ok {
		return nil, &Failure{Kind: xerrors.CodeNotFound, Message: fmt.Sprintf("capability %s is not available", qualified)}
	}
	return e.capability(ctx, scope, qualified, fn, args)
}

// lost maps a broken pipe to a failure. The process is reaped first so its exit status is known.
func (e *Executor) lost(ctx context.Context, w *worker, limits Limits, err error) Result {
	w.kill()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		return Result{Error: &Failure{Kind: xerrors.CodeLimitExceeded,
			Message: fmt.Sprintf("handler output exceeds %d bytes", e.workers.cfg.MaxFrameBytes)}}
	case ctx.Err() != nil:
		return timeoutResult(limits.Timeout)
	default:
		return Result{Error: &Failure{Kind: xerrors.CodeSandboxPanic, Message: w.exitReason()}}
	}
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	max int

	mu  sync.Mutex
	buf []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
