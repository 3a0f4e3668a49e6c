package modules

import (
	"encoding/json"

	"github.com/caffeineduck/lode/engine"
	lua "github.com/yuin/gopher-lua"
)

// JSON converts between Lua values and JSON text.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Install(env *engine.Env) error {
	env.SetGlobalTable("json", map[string]lua.LGFunction{
		"encode": jsonEncode,
		"decode": jsonDecode,
	})
	return nil
}

// json.encode(value [, indent]) -> string | nil, err
func jsonEncode(L *lua.LState) int {
	v, err := engine.ToGo(L.Get(1))
	if err != nil {
		return fail(L, err)
	}
	var data []byte
	if L.OptBool(2, false) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

// json.decode(text) -> value | nil, err
func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		return fail(L, err)
	}
	L.Push(engine.ToLua(L, v))
	return 1
}
