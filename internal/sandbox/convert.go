package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

const maxConvertDepth = 32

// ToLua converts a JSON-shaped Go value into a Lua value.
func ToLua(L *lua.LState, v any) lua.LValue {
	return toLua(L, v, 0)
}

func toLua(L *lua.LState, v any, depth int) lua.LValue {
	if depth > maxConvertDepth {
		return lua.LNil
	}
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(toLua(L, item, depth+1))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item, depth+1))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprint(val))
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return lua.LNil
		}
		return toLua(L, generic, depth+1)
	}
}

// FromLua converts a Lua value into JSON-shaped Go data. Functions and userdata become nil.
func FromLua(v lua.LValue) any {
	return fromLua(v, 0)
}

func fromLua(v lua.LValue, depth int) any {
	if depth > maxConvertDepth {
		return nil
	}
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case *lua.LTable:
		return tableToGo(val, depth)
	default:
		return nil
	}
}

func tableToGo(tbl *lua.LTable, depth int) any {
	n := tbl.MaxN()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && count == n {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, fromLua(tbl.RawGetInt(i), depth+1))
		}
		return out
	}
	out := make(map[string]any, count)
	tbl.ForEach(func(k, item lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = kv.String()
		default:
			return
		}
		if converted := fromLua(item, depth+1); converted != nil {
			out[key] = converted
		}
	})
	return out
}

// sortedKeys is used where deterministic iteration matters in tests and logs.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argMap(args []any, i int) map[string]any {
	if i >= len(args) {
		return nil
	}
	switch v := args[i].(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) == 0 {
			return map[string]any{}
		}
	}
	return nil
}

func argInt(args []any, i int, def int) int {
	if i >= len(args) {
		return def
	}
	if f, ok := args[i].(float64); ok {
		return int(f)
	}
	return def
}
