package engine

import lua "github.com/yuin/gopher-lua"

// ArgvGlobal is the name scripts see their arguments under.
const ArgvGlobal = "argv"

// newArgv builds a read-only, 1-indexed view of args. The values live in a
// hidden table behind __index; writes through the proxy raise and the
// metatable is locked.
func newArgv(L *lua.LState, args []string) *lua.LTable {
	data := L.CreateTable(len(args), 0)
	for i, a := range args {
		data.RawSetInt(i+1, lua.LString(a))
	}
	n := len(args)

	mt := L.CreateTable(0, 4)
	mt.RawSetString("__index", data)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("argv is read-only")
		return 0
	}))
	mt.RawSetString("__len", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(n))
		return 1
	}))
	mt.RawSetString("__metatable", lua.LString("argv"))

	proxy := L.NewTable()
	L.SetMetatable(proxy, mt)
	return proxy
}
