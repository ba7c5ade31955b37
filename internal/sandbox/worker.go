package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	xerrors "ExtensionHost/internal/errors"
)

// Environment of a worker process.
const (
	EnvWorker       = "EXTHOST_SANDBOX_WORKER"
	EnvWorkerMemory = "EXTHOST_SANDBOX_MEMORY_LIMIT"
)

const maxWorkerFrame = 64 << 20

// MaybeRunWorker turns the process into a sandbox worker when the host started it as one, and
// then never returns. Binaries that use process isolation call it first thing in main; test
// binaries call it from TestMain.
func MaybeRunWorker() {
	if os.Getenv(EnvWorker) != "1" {
		return
	}
	out := os.Stdout
	os.Stdout = os.Stderr
	runtime.GOMAXPROCS(2)
	if raw := os.Getenv(EnvWorkerMemory); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			err = limitMemory(limit)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "sandbox worker: memory limit: %v\n", err)
			os.Exit(3)
		}
	}
	if err := ServeWorker(os.Stdin, out); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox worker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// ServeWorker runs invocations read from r until r is closed. Capability calls and print output
// are forwarded to the host over w; the worker itself holds no credentials and no connections.
func ServeWorker(r io.Reader, w io.Writer) error {
	c := newConn(r, w, maxWorkerFrame)
	programs := make(map[string]*Program)
	for {
		f, err := c.read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if f.Type != frameInvoke || f.Invoke == nil {
			return fmt.Errorf("unexpected %q frame", f.Type)
		}
		p := &proxy{conn: c}
		res := serveInvocation(p, programs, f.Invoke)
		if p.err != nil {
			return p.err
		}
		if err := c.write(frame{Type: frameResult, Value: res.Value, Error: res.Error}); err != nil {
			return err
		}
	}
}

func serveInvocation(p *proxy, programs map[string]*Program, in *invokeFrame) Result {
	prog, ok := programs[in.Program]
	if !ok {
		if in.Sources == nil {
			return Result{Error: &Failure{Kind: xerrors.CodeSandboxPanic, Message: "program is not loaded in the worker"}}
		}
		compiled, err := Compile(in.Slug, in.Entry, in.Sources)
		if err != nil {
			return Result{Error: classify(err)}
		}
		programs[in.Program] = compiled
		prog = compiled
	}

	limits := in.Limits.withDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), limits.Timeout)
	defer cancel()
	inv := Invocation{
		Program:  prog,
		Handler:  in.Handler,
		Kind:     in.Kind,
		Identity: in.Identity,
		Config:   in.Config,
		Depth:    in.Depth,
		Args:     in.Args,
	}
	value, err := protected(ctx, inv, limits, session{
		install: func(L *lua.LState, ctxTable *lua.LTable) { p.install(L, in.Modules, ctxTable) },
		print:   p.print,
	})
	return settle(ctx, limits, value, err)
}

// proxy stands in for the capability modules inside a worker. Lua is single threaded, so at
// most one call is outstanding and the next frame read is always its reply.
type proxy struct {
	conn *conn
	next uint64
	err  error
}

func (p *proxy) call(module, name string, args []any) (any, *Failure, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	p.next++
	id := p.next
	if err := p.conn.write(frame{Type: frameCall, ID: id, Module: module, Function: name, Args: args}); err != nil {
		p.err = err
		return nil, nil, err
	}
	f, err := p.conn.read()
	if err == nil && (f.Type != frameReply || f.ID != id) {
		err = fmt.Errorf("expected reply %d, got %q frame %d", id, f.Type, f.ID)
	}
	if err != nil {
		p.err = err
		return nil, nil, err
	}
	return f.Value, f.Error, nil
}

func (p *proxy) print(msg string) {
	if p.err != nil {
		return
	}
	if err := p.conn.write(frame{Type: frameLog, Value: msg}); err != nil {
		p.err = err
	}
}

func (p *proxy) function(L *lua.LState, module, name string) *lua.LFunction {
	qualified := qualify(module, name)
	return L.NewFunction(func(L *lua.LState) int {
		value, fail, err := p.call(module, name, luaArgs(L))
		if err != nil {
			L.RaiseError("%s: sandbox host unreachable: %v", qualified, err)
		}
		return pushOutcome(L, value, fail)
	})
}

func (p *proxy) install(L *lua.LState, mods []moduleSpec, ctxTable *lua.LTable) {
	for _, mod := range mods {
		if mod.Name == "" {
			for _, name := range mod.Functions {
				lf := p.function(L, "", name)
				L.SetGlobal(name, lf)
				ctxTable.RawSetString(name, lf)
			}
			continue
		}
		tbl := L.CreateTable(0, len(mod.Functions))
		for _, name := range mod.Functions {
			tbl.RawSetString(name, p.function(L, mod.Name, name))
		}
		L.SetGlobal(mod.Name, tbl)
		ctxTable.RawSetString(mod.Name, tbl)
	}
}
