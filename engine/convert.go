package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// MaxDepth bounds table nesting in conversions; deeper tables are assumed
// to be cyclic.
const MaxDepth = 64

var ErrTooDeep = errors.New("table nesting too deep or cyclic")

// ToGo converts a Lua value to plain Go data: nil, bool, int64 (integral
// numbers), float64, string, []any or map[string]any. A table whose keys are
// exactly 1..n becomes a slice; an empty table becomes an empty map.
// Functions, userdata and threads are rejected.
func ToGo(lv lua.LValue) (any, error) {
	return toGo(lv, 0)
}

func toGo(lv lua.LValue, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return number(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		return tableToGo(v, depth)
	default:
		return nil, fmt.Errorf("cannot convert %s", lv.Type())
	}
}

func number(n lua.LNumber) any {
	f := float64(n)
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func tableToGo(t *lua.LTable, depth int) (any, error) {
	if n := t.Len(); n > 0 && isSequence(t, n) {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := toGo(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
		}
		return arr, nil
	}

	m := make(map[string]any)
	var err error
	t.ForEach(func(key, value lua.LValue) {
		if err != nil {
			return
		}
		var k string
		switch kv := key.(type) {
		case lua.LString:
			k = string(kv)
		case lua.LNumber:
			k = kv.String()
		default:
			err = fmt.Errorf("unsupported table key type %s", key.Type())
			return
		}
		m[k], err = toGo(value, depth+1)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func isSequence(t *lua.LTable, n int) bool {
	count := 0
	ok := true
	t.ForEach(func(key, _ lua.LValue) {
		count++
		num, isNum := key.(lua.LNumber)
		if !isNum || float64(num) != math.Trunc(float64(num)) || int(num) < 1 || int(num) > n {
			ok = false
		}
	})
	return ok && count == n
}

// ToLua converts Go data to a Lua value. Maps are emitted with sorted keys
// so iteration order in the resulting table does not depend on Go's map
// order.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case []string:
		tbl := L.CreateTable(len(x), 0)
		for i, s := range x {
			tbl.RawSetInt(i+1, lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for i, item := range x {
			tbl.RawSetInt(i+1, ToLua(L, item))
		}
		return tbl
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tbl := L.CreateTable(0, len(x))
		for _, k := range keys {
			tbl.RawSetString(k, ToLua(L, x[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}
