package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/plugin"
)

// Function is one capability call. Permission "" means always granted.
type Function struct {
	Name       string
	Permission string
	Call       func(ctx context.Context, scope *Scope, args []any) (any, error)
}

// Module groups capability functions under a Lua table name. Functions of a module
// with an empty Name are installed as globals.
type Module struct {
	Name      string
	Functions []Function
}

// Permissions lists the permissions the module's functions need.
func (m Module) Permissions() []string {
	var out []string
	for _, fn := range m.Functions {
		if fn.Permission != "" {
			out = append(out, fn.Permission)
		}
	}
	return out
}

// Scope is the per-invocation identity and accounting visible to capability functions.
type Scope struct {
	Identity plugin.Identity
	Grant    plugin.Grant
	Kind     string
	Config   map[string]any
	Depth    int
	Log      *slog.Logger

	limits   Limits
	emits    atomic.Int32
	outbound atomic.Int32
	calls    atomic.Int32
	denials  atomic.Int32
}

// CountOutbound reserves one outbound call against the invocation budget.
func (s *Scope) CountOutbound() error {
	if n := int(s.outbound.Add(1)); s.limits.MaxOutboundCalls > 0 && n > s.limits.MaxOutboundCalls {
		return xerrors.New(xerrors.CodeLimitExceeded, fmt.Sprintf("outbound call limit of %d reached", s.limits.MaxOutboundCalls))
	}
	return nil
}

// CountEmit reserves one emitted event against the invocation budget.
func (s *Scope) CountEmit() error {
	if n := int(s.emits.Add(1)); s.limits.MaxEmits > 0 && n > s.limits.MaxEmits {
		return xerrors.New(xerrors.CodeLimitExceeded, fmt.Sprintf("emitted event limit of %d reached", s.limits.MaxEmits))
	}
	return nil
}

func (s *Scope) usage() Usage {
	emitted := int(s.emits.Load())
	if s.limits.MaxEmits > 0 && emitted > s.limits.MaxEmits {
		emitted = s.limits.MaxEmits
	}
	outbound := int(s.outbound.Load())
	if s.limits.MaxOutboundCalls > 0 && outbound > s.limits.MaxOutboundCalls {
		outbound = s.limits.MaxOutboundCalls
	}
	return Usage{
		EmittedEvents:   emitted,
		OutboundCalls:   outbound,
		CapabilityCalls: int(s.calls.Load()),
		Denials:         int(s.denials.Load()),
	}
}

// errorTable builds the {kind=, message=} value returned as the second result of a failed call.
func errorTable(L *lua.LState, code xerrors.Code, message string) *lua.LTable {
	tbl := L.CreateTable(0, 2)
	tbl.RawSetString("kind", lua.LString(code))
	tbl.RawSetString("message", lua.LString(message))
	return tbl
}

// capability checks the grant and runs fn. Any error becomes the failure handed back to
// plugin code as the second result.
func (e *Executor) capability(ctx context.Context, scope *Scope, qualified string, fn Function, args []any) (any, *Failure) {
	scope.calls.Add(1)
	if fn.Permission != "" && !scope.Grant.Has(fn.Permission) {
		scope.denials.Add(1)
		e.metrics.CapabilityDenied(fn.Permission)
		scope.Log.Warn("capability denied",
			slog.String("capability", qualified),
			slog.String("permission", fn.Permission))
		return nil, &Failure{Kind: xerrors.CodePermissionDenied,
			Message: fmt.Sprintf("%s requires permission %q", qualified, fn.Permission)}
	}
	value, err := fn.Call(ctx, scope, args)
	if err != nil {
		code := xerrors.CodeOf(err)
		scope.Log.Debug("capability call failed",
			slog.String("capability", qualified),
			slog.String("kind", string(code)),
			slog.String("error", err.Error()))
		return nil, &Failure{Kind: code, Message: xerrors.MessageOf(err)}
	}
	return value, nil
}

func luaArgs(L *lua.LState) []any {
	args := make([]any, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		args = append(args, FromLua(L.Get(i)))
	}
	return args
}

// pushOutcome pushes the (value, nil) or (nil, {kind=, message=}) pair.
func pushOutcome(L *lua.LState, value any, fail *Failure) int {
	if fail != nil {
		L.Push(lua.LNil)
		L.Push(errorTable(L, fail.Kind, fail.Message))
		return 2
	}
	L.Push(ToLua(L, value))
	L.Push(lua.LNil)
	return 2
}

// bind wraps fn as a Lua function that checks the grant on every call and never raises.
func (e *Executor) bind(L *lua.LState, scope *Scope, qualified string, fn Function) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if err := L.Context().Err(); err != nil {
			L.RaiseError("%s called after the invocation ended", qualified)
		}
		value, fail := e.capability(L.Context(), scope, qualified, fn, luaArgs(L))
		return pushOutcome(L, value, fail)
	})
}

func (e *Executor) snapshot() []Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Module(nil), e.modules...)
}

// lookup finds the function plugin code sees as module.name. Later modules shadow earlier
// ones, matching install.
func lookup(mods []Module, module, name string) (Function, bool) {
	for i := len(mods) - 1; i >= 0; i-- {
		if mods[i].Name != module {
			continue
		}
		for _, fn := range mods[i].Functions {
			if fn.Name == name {
				return fn, true
			}
		}
		if module != "" {
			return Function{}, false
		}
	}
	return Function{}, false
}

func qualify(module, name string) string {
	if module == "" {
		return name
	}
	return module + "." + name
}

// install publishes every module as a global and as a field of the handler context table.
func (e *Executor) install(L *lua.LState, scope *Scope, ctxTable *lua.LTable) {
	for _, mod := range e.snapshot() {
		if mod.Name == "" {
			for _, fn := range mod.Functions {
				lf := e.bind(L, scope, fn.Name, fn)
				L.SetGlobal(fn.Name, lf)
				ctxTable.RawSetString(fn.Name, lf)
			}
			continue
		}
		tbl := L.CreateTable(0, len(mod.Functions))
		for _, fn := range mod.Functions {
			tbl.RawSetString(fn.Name, e.bind(L, scope, qualify(mod.Name, fn.Name), fn))
		}
		L.SetGlobal(mod.Name, tbl)
		ctxTable.RawSetString(mod.Name, tbl)
	}
}
