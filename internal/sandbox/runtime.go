package sandbox

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	xerrors "ExtensionHost/internal/errors"
)

// session connects one interpreter to whatever serves its capabilities: the executor itself
// or, inside a worker process, the host on the other end of the pipe.
type session struct {
	install func(L *lua.LState, ctxTable *lua.LTable)
	print   func(msg string)
}

// protected runs the handler and turns a Go panic into an error.
func protected(ctx context.Context, inv Invocation, limits Limits, s session) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("host fault: %v", r)
		}
	}()
	return runHandler(ctx, inv, limits, s)
}

// runHandler owns the interpreter for the whole invocation; the state never outlives it.
func runHandler(ctx context.Context, inv Invocation, limits Limits, s session) (any, error) {
	file, proto, ok := inv.Program.resolve(inv.Handler)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("file %q is not part of the package", file))
	}

	L := lua.NewState(lua.Options{
		CallStackSize:       limits.CallStackSize,
		RegistrySize:        limits.RegistrySize,
		RegistryMaxSize:     limits.RegistryMaxSize,
		RegistryGrowStep:    32,
		SkipOpenLibs:        true,
		MinimizeStackMemory: true,
	})
	defer L.Close()
	L.SetContext(ctx)
	openLibs(L, inv.Program, limits, s.print)

	ctxTable := L.CreateTable(0, 12)
	ctxTable.RawSetString("tenant_id", lua.LString(inv.Identity.TenantID))
	ctxTable.RawSetString("user_id", lua.LString(inv.Identity.UserID))
	ctxTable.RawSetString("installation_id", lua.LString(inv.Identity.InstallationID))
	ctxTable.RawSetString("plugin", lua.LString(inv.Identity.Slug))
	ctxTable.RawSetString("version", lua.LString(inv.Identity.Version))
	ctxTable.RawSetString("kind", lua.LString(inv.Kind))
	ctxTable.RawSetString("depth", lua.LNumber(inv.Depth))
	ctxTable.RawSetString("config", ToLua(L, inv.Config))
	s.install(L, ctxTable)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, err
	}
	fn, ok := L.GetGlobal(inv.Handler.Function).(*lua.LFunction)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("handler %s is not a function", inv.Handler))
	}
	L.Push(fn)
	L.Push(ctxTable)
	for _, arg := range inv.Args {
		L.Push(ToLua(L, arg))
	}
	if err := L.PCall(1+len(inv.Args), 1, nil); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return FromLua(ret), nil
}

// openLibs installs base, table, string and math without any loader or file access.
func openLibs(L *lua.LState, prog *Program, limits Limits, printLine func(string)) {
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		L.Push(L.NewFunction(open))
		L.Call(0, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module", "collectgarbage", "getfenv", "setfenv", "newproxy", "_printregs"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		printLine(strings.Join(parts, "\t"))
		return 0
	}))

	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("rep", L.NewFunction(func(L *lua.LState) int {
			s := L.CheckString(1)
			n := L.CheckInt(2)
			if n <= 0 {
				L.Push(lua.LString(""))
				return 1
			}
			if len(s) > 0 && n > limits.MaxStringBytes/len(s) {
				L.RaiseError("string.rep result exceeds %d bytes", limits.MaxStringBytes)
			}
			L.Push(lua.LString(strings.Repeat(s, n)))
			return 1
		}))
	}

	loaded := map[string]lua.LValue{}
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := loaded[name]; ok {
			if v == nil {
				L.RaiseError("circular require of %q", name)
			}
			L.Push(v)
			return 1
		}
		file := moduleFile(name)
		proto, ok := prog.protos[file]
		if !ok {
			L.RaiseError("module %q is not available", name)
		}
		loaded[name] = nil
		L.Push(L.NewFunctionFromProto(proto))
		L.Call(0, 1)
		v := L.Get(-1)
		L.Pop(1)
		if v == lua.LNil {
			v = lua.LTrue
		}
		loaded[name] = v
		L.Push(v)
		return 1
	}))
}
